// Package cmd defines and implements the CLI commands for the warcscan
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/config"
	"github.com/JakeFAU/warcscan/internal/logging"
	"github.com/JakeFAU/warcscan/internal/pipeline"
	pkgconfig "github.com/JakeFAU/warcscan/pkg/config"
)

var cfgFile string

// runtimeKeyType is the key for storing the Runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// Runtime carries the loaded configuration and logger into subcommands.
type Runtime struct {
	Config config.Config
	Logger *zap.Logger
}

// loadRuntime is a variable so tests can replace it with a stub.
var loadRuntime = func(cfgPath string) (*Runtime, error) {
	path, err := pkgconfig.Locate(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewWithFile(cfg.Logging.Development, cfg.Logging.File)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &Runtime{Config: cfg, Logger: logger}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warcscan",
		Short: "Scan web-archive segments for Next.js sites",
		Long: `warcscan classifies captured pages inside Common Crawl WARC
segments by Next.js framework signature. It fetches byte ranges of
archive segments at a governed rate, walks the records inside them,
scores each HTML capture against a weighted indicator catalog, and
writes the confirmed detections plus a resumable failure ledger.`,
		SilenceUsage: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadRuntime(cfgFile)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(rt.Logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*Runtime); ok && rt != nil {
				rt.Logger.Sync() //nolint:errcheck // best-effort flush
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./warcscan.yaml)")

	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newCheckProxiesCmd())

	return cmd
}

func resolveRuntime(ctx context.Context) (*Runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*Runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point. An interrupted scan exits with the
// conventional signal code so schedulers can tell it from a failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, pipeline.ErrInterrupted) {
			fmt.Fprintln(os.Stderr, "warcscan: scan interrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "warcscan: %v\n", err)
		os.Exit(1)
	}
}
