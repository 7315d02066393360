package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dunamismax/zyncut/internal/app"
	"github.com/dunamismax/zyncut/internal/codec"
	"github.com/dunamismax/zyncut/internal/config"
	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/dunamismax/zyncut/internal/pipeline"
	"github.com/dunamismax/zyncut/internal/session"
	"github.com/dunamismax/zyncut/internal/telemetry"
	"github.com/spf13/cobra"
)

func newRemoveCommand() *cobra.Command {
	var (
		output    string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "remove <file|url|data-uri>",
		Short: "Remove the background from one image",
		Long: `Remove the background from a local file, an http(s) URL or a data URI.

Usage counts against the session's quota. With POSTGRES_DSN set the count is
shared with the API; otherwise it lives only for this run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := telemetry.NewLogger(cfg.App.Env, "warn", "cli")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, err := app.NewEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer pipeline.Shutdown()

			usage, closeStore, err := app.OpenUsageStore(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			sess := session.New(sessionID, usage, cfg.Quota.Quota())
			processor := pipeline.NewProcessor(engine, cfg.Quota.Quota(), logger)
			source := pipeline.ParseSource(args[0], &http.Client{Timeout: 30 * time.Second})

			out := cmd.OutOrStdout()
			completion, err := processor.Process(ctx, sess, source, func(state domain.State, percent int) {
				fmt.Fprintln(out, infoStyle.Render(fmt.Sprintf("%3d%%  %s", percent, strings.ReplaceAll(string(state), "_", " "))))
			})
			if err != nil {
				return fmt.Errorf("%s", domain.Describe(err).Message)
			}

			data, _, err := codec.ToBinary(completion.Result.ResultDataURI)
			if err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}

			report := sess.Report(completion.Usage)
			fmt.Fprintln(out, successStyle.Render("Background removed"))
			printField(cmd, "output", output)
			printField(cmd, "backend", completion.Backend)
			printField(cmd, "asset", completion.Result.AssetName())
			if report.Limit == domain.Unlimited {
				printField(cmd, "remaining", "unlimited")
			} else {
				printField(cmd, "remaining", fmt.Sprintf("%d of %d", report.Remaining, report.Limit))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", domain.DownloadFilename, "Where to write the PNG result")
	cmd.Flags().StringVar(&sessionID, "session", "cli", "Session whose quota the removal counts against")
	return cmd
}

func newUsageCommand() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show the quota state of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := telemetry.NewLogger(cfg.App.Env, "warn", "cli")

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			usage, closeStore, err := app.OpenUsageStore(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			report, err := session.New(sessionID, usage, cfg.Quota.Quota()).Usage(ctx)
			if err != nil {
				return err
			}
			printUsage(cmd, report)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "cli", "Session to report on")
	return cmd
}

func printUsage(cmd *cobra.Command, report session.Usage) {
	printField(cmd, "plan", string(report.Plan))
	printField(cmd, "used", fmt.Sprintf("%d", report.Count))
	if report.Limit == domain.Unlimited {
		printField(cmd, "remaining", "unlimited")
	} else {
		printField(cmd, "remaining", fmt.Sprintf("%d of %d", report.Remaining, report.Limit))
	}
	printField(cmd, "period", report.PeriodStart.Local().Format(time.RFC1123))
}
