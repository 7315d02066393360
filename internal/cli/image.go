package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dunamismax/zyncut/internal/codec"
	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/dunamismax/zyncut/internal/pipeline"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newSniffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sniff <file>...",
		Short: "Detect image formats from file signatures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				format := codec.SniffFormat(data)
				mimeType := format.MIMEType()
				if mimeType == "" {
					mimeType = domain.MIMETypeOctetStream
				}
				printField(cmd, filepath.Base(path), fmt.Sprintf("%s (%s)", format, mimeType))
			}
			return nil
		},
	}
}

func newDecloakCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "decloak <file>",
		Short: "Key out a neon green background without calling any service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asset, err := pipeline.FileSource{Path: args[0]}.Load(cmd.Context())
			if err != nil {
				return err
			}

			keyer, err := pipeline.NewChromaKey(zerolog.Nop())
			if err != nil {
				return err
			}
			defer pipeline.Shutdown()

			result := keyer.Decloak(asset)
			// Decloak hands undecodable input back unchanged.
			if result.Filename != domain.DownloadFilename {
				return fmt.Errorf("%s could not be decoded as an image", args[0])
			}
			if err := os.WriteFile(output, result.Bytes, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Green screen removed"))
			printField(cmd, "output", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", domain.DownloadFilename, "Where to write the PNG result")
	return cmd
}
