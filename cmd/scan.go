package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/app"
	"github.com/JakeFAU/warcscan/internal/config"
	"github.com/JakeFAU/warcscan/internal/pipeline"
	"github.com/JakeFAU/warcscan/internal/retry"
	"github.com/JakeFAU/warcscan/internal/scan"
	"github.com/JakeFAU/warcscan/internal/store"
	"github.com/JakeFAU/warcscan/internal/telemetry"
)

// newScanCmd creates and configures the 'scan' subcommand, the main
// entry point for sweeping archive segments.
func newScanCmd() *cobra.Command {
	var (
		pathsFile  string
		limit      int
		resumeFrom string
		workers    int
		rps        float64
		maxRetries int
		outputDir  string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan archive segments for Next.js sites",
		Long: `Reads a warc.paths segment list (or a failure ledger from an earlier
run via --resume-from), fetches each segment at a governed rate, and
records every page that matches the Next.js indicator catalog.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}

			cfg := rt.Config
			if cmd.Flags().Changed("workers") {
				cfg.Scan.Workers = workers
			}
			if cmd.Flags().Changed("rate") {
				cfg.Rate.RPS = rps
			}
			if cmd.Flags().Changed("max-retries") {
				cfg.Retry.MaxRetries = maxRetries
			}
			if cmd.Flags().Changed("output-dir") {
				cfg.Output.Dir = outputDir
				cfg.Output.FailureDir = outputDir
			}

			items, err := loadWorkItems(pathsFile, resumeFrom, limit)
			if err != nil {
				return err
			}

			return runPipeline(cmd.Context(), cfg, rt.Logger, items)
		},
	}

	cmd.Flags().StringVar(&pathsFile, "warc-paths", "warc.paths", "file listing archive segment paths, one per line")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of segments to scan (0 = all)")
	cmd.Flags().StringVar(&resumeFrom, "resume-from", "", "failure ledger (.json or .txt) from an earlier run to retry")
	cmd.Flags().IntVar(&workers, "workers", 0, "override the configured worker count")
	cmd.Flags().Float64Var(&rps, "rate", 0, "override the configured requests per second")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "override the configured retry budget")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "override the configured output directory")

	return cmd
}

// loadWorkItems resolves the segment list for this run. A resume ledger
// takes precedence over the paths file.
func loadWorkItems(pathsFile, resumeFrom string, limit int) ([]scan.WorkItem, error) {
	if resumeFrom != "" {
		refs, err := retry.LoadRefs(resumeFrom)
		if err != nil {
			return nil, err
		}
		return scan.LoadRefList(refs, limit)
	}
	return scan.LoadPaths(pathsFile, limit)
}

// runPipeline assembles the scanner, runs the engine over the items,
// and records the run in the history store when one is configured. The
// scan and search commands share it.
func runPipeline(ctx context.Context, cfg config.Config, logger *zap.Logger, items []scan.WorkItem) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	runID, err := a.IDs().NewRawID()
	if err != nil {
		return fmt.Errorf("mint run id: %w", err)
	}
	if a.Runs() != nil {
		start := store.ScanRun{
			ID:        runID,
			Session:   a.Tracker().SessionID(),
			StartedAt: time.Now().UTC(),
			Status:    store.RunRunning,
		}
		if err := a.Runs().RecordStart(ctx, start); err != nil {
			logger.Warn("failed to record run start", zap.Error(err))
		}
	}

	if cfg.Ops.Enabled {
		srv := telemetry.NewOpsServer(cfg.Ops.Addr, logger, func() any { return a.Engine().Stats() })
		if a.Runs() != nil {
			srv = srv.WithRuns(telemetry.NewRunsHandler(a.Runs(), logger))
		}
		go func() {
			if err := srv.Serve(ctx); err != nil {
				logger.Warn("ops server stopped", zap.Error(err))
			}
		}()
	}

	stats, runErr := a.Engine().Run(ctx, items)

	if a.Runs() != nil {
		status := store.RunCompleted
		var errMsg *string
		switch {
		case errors.Is(runErr, pipeline.ErrInterrupted):
			status = store.RunInterrupted
		case runErr != nil:
			status = store.RunFailed
			msg := runErr.Error()
			errMsg = &msg
		}

		// The signal context is already canceled on interrupt; give the
		// final write its own deadline.
		dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Runs().RecordFinish(dbCtx, runID, time.Now().UTC(), status, stats, errMsg); err != nil {
			logger.Warn("failed to record run finish", zap.Error(err))
		}
	}

	return runErr
}
