// Command riskctl runs the batch side of riskwatch against the configured
// storage: backfilling unscored events, recalculating user risk and
// feeding event files through the pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbd888/riskwatch/internal/config"
	"github.com/mbd888/riskwatch/internal/logging"
	"github.com/mbd888/riskwatch/internal/pipeline"
	"github.com/mbd888/riskwatch/internal/risk"
	"github.com/mbd888/riskwatch/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{loadConfig: config.Load, out: os.Stdout, logOut: os.Stderr}
	if err := a.rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type app struct {
	loadConfig func() (*config.Config, error)
	out        io.Writer
	logOut     io.Writer
	asJSON     bool
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "riskctl",
		Short:        "Batch operations for the riskwatch scoring pipeline",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "Print reports as JSON")

	root.AddCommand(a.backfillCmd(), a.recalculateCmd(), a.processCmd())
	return root
}

func (a *app) backfillCmd() *cobra.Command {
	opts := pipeline.DefaultBackfillOptions
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Score events the oracle has not judged yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			core, cfg, logger, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = core.Close() }()

			if !cmd.Flags().Changed("concurrency") && cfg.BackfillConcurrency > 0 {
				opts.Concurrency = cfg.BackfillConcurrency
			}
			logger.Info("backfill started",
				"batch", opts.BatchSize, "concurrency", opts.Concurrency, "pause", opts.Pause, "limit", opts.Limit)
			report, err := core.Processor.Backfill(cmd.Context(), opts)
			if report != nil {
				a.print(report, "processed=%d scored=%d alerts=%d failed=%d\n",
					report.Processed, report.Scored, report.Alerts, report.Failed)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&opts.BatchSize, "batch", opts.BatchSize, "Events per batch")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", opts.Concurrency, "Concurrent oracle calls per batch (default BACKFILL_CONCURRENCY)")
	cmd.Flags().DurationVar(&opts.Pause, "pause", opts.Pause, "Pause between batches")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum events to consider (0 for all)")
	return cmd
}

func (a *app) recalculateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalculate [user-id]",
		Short: "Recompute current risk for one user or all users",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, _, _, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = core.Close() }()

			if len(args) == 1 {
				res, err := core.Updater.Recalculate(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("recalculate %s: %w", args[0], err)
				}
				a.print(res, "user=%s previous=%.4f risk=%.4f source=%s updated=%t\n",
					res.UserID, res.Previous, res.Risk.Final, res.Source, res.Updated)
				return nil
			}

			report, err := core.Updater.RecalculateAll(cmd.Context())
			if report != nil {
				a.print(report, "users=%d updated=%d failed=%d\n", report.Users, report.Updated, report.Failed)
			}
			return err
		},
	}
}

func (a *app) processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <file.json|->",
		Short: "Run a JSON event (or array of events) through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			inputs, _, err := pipeline.DecodeInputs(data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}

			core, _, logger, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = core.Close() }()

			report := &pipeline.BackfillReport{}
			for i, in := range inputs {
				if err := cmd.Context().Err(); err != nil {
					return err
				}
				res, err := core.Processor.ProcessEvent(cmd.Context(), in)
				report.Processed++
				switch {
				case err != nil:
					report.Failed++
					logger.Warn("event failed", "index", i, "error", err)
				case res.Scored:
					report.Scored++
					if res.AlertID != "" {
						report.Alerts++
					}
				}
			}
			a.print(report, "processed=%d scored=%d alerts=%d failed=%d\n",
				report.Processed, report.Scored, report.Alerts, report.Failed)
			return nil
		},
	}
}

// open builds the pipeline from configuration. Alerts are only logged;
// live subscribers belong to the server.
func (a *app) open(ctx context.Context) (*server.Core, *config.Config, *slog.Logger, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewWithWriter(a.logOut, cfg.LogLevel, cfg.LogFormat)
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, running against empty in-memory storage")
	}

	notifier := risk.NotifierFunc(func(_ context.Context, n risk.Notice) {
		logger.Info("new alert", "alert_id", n.AlertID, "user", n.UserID, "severity", n.Severity)
	})
	core, err := server.Build(ctx, cfg, logger, notifier)
	if err != nil {
		return nil, nil, nil, err
	}
	return core, cfg, logger, nil
}

func (a *app) print(v any, format string, args ...any) {
	if a.asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	fmt.Fprintf(a.out, format, args...)
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
