// Package cli implements the zyncut command line: one-shot removals, format
// sniffing and standalone chroma keying.
package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	version = "dev"

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12)
)

// NewRootCommand builds the command tree. A fresh tree per call keeps flag
// state out of package globals.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "zyncut",
		Short: "Remove image backgrounds from the command line",
		Long: `zyncut removes the background from an image using the configured removal
webhook, falls back to the generative model when the webhook fails, and keys
out the green screen so the result is a transparent PNG.

Examples:
  zyncut remove photo.jpg -o cutout.png
  zyncut remove https://example.com/shoe.webp
  zyncut sniff upload.bin
  zyncut decloak green.png -o keyed.png`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newRemoveCommand(),
		newSniffCommand(),
		newDecloakCommand(),
		newUsageCommand(),
	)
	return root
}

func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func printField(cmd *cobra.Command, label, value string) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", labelStyle.Render(label), value)
}
