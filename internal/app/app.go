// Package app assembles the scanner's long-lived services from the
// loaded configuration. It is the single place where the pipeline is
// wired together, shared by the scan and search commands.
package app

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/clock/system"
	"github.com/JakeFAU/warcscan/internal/config"
	"github.com/JakeFAU/warcscan/internal/detect"
	"github.com/JakeFAU/warcscan/internal/id/uuid"
	"github.com/JakeFAU/warcscan/internal/pipeline"
	"github.com/JakeFAU/warcscan/internal/proxy"
	"github.com/JakeFAU/warcscan/internal/ratelimit"
	"github.com/JakeFAU/warcscan/internal/retry"
	"github.com/JakeFAU/warcscan/internal/store"
	"github.com/JakeFAU/warcscan/internal/telemetry"
	"github.com/JakeFAU/warcscan/internal/warc"
)

// App holds the shared services behind a scan: the rate limiter, the
// proxy rotator, the segment fetcher, the detector, retry bookkeeping,
// optional Postgres stores, and the engine that drives them. It is
// built once per command invocation and closed when the command ends.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	limiter    ratelimit.Limiter
	rotator    *proxy.Rotator
	fetcher    *warc.Fetcher
	detector   *detect.Detector
	tracker    *retry.Tracker
	retrier    *retry.Controller
	detections *store.DetectionStore
	runs       *store.RunStore
	sink       *pipeline.Sink
	reporter   *pipeline.Reporter
	engine     *pipeline.Engine
	ids        *uuid.Generator
}

// New wires the scanner services. It fails fast: a bad rate strategy,
// an unusable proxy pool, or an unparseable database DSN surfaces here
// rather than mid-scan. The rotator stays nil when no proxies are
// configured and the stores stay nil when the database is disabled.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	logger.Info("initializing scanner services")
	telemetry.Init()

	limiter, err := ratelimit.New(ratelimit.Config{
		Strategy: cfg.Rate.Strategy,
		RPS:      cfg.Rate.RPS,
		Burst:    cfg.Rate.Burst,
		Window:   cfg.RateWindow(),
		MinRPS:   cfg.Rate.MinRPS,
		MaxRPS:   cfg.Rate.MaxRPS,
	})
	if err != nil {
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}

	var rotator *proxy.Rotator
	if len(cfg.Proxies) > 0 {
		rotator, err = proxy.NewRotator(cfg.Proxies, logger)
		if err != nil {
			return nil, fmt.Errorf("init proxy rotator: %w", err)
		}
		logger.Info("proxy rotation enabled", zap.Int("proxies", rotator.Len()))
	}

	fetcher := warc.NewFetcher(warc.FetcherConfig{
		BaseURL:   cfg.Fetch.BaseURL,
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
		MaxBytes:  cfg.SampleBytes(),
	}, logger)

	detector := detect.New(detect.NextJSCatalog(), logger)
	tracker := retry.NewTracker(cfg.Output.FailureDir, logger)
	retrier := retry.NewController(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		Delay:      cfg.RetryDelay(),
	}, tracker, rotator, logger)

	var detections *store.DetectionStore
	var runs *store.RunStore
	if cfg.DB.Enabled {
		detections, err = store.NewDetectionStore(ctx, store.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init detection store: %w", err)
		}
		runs, err = store.NewRunStore(ctx, cfg.DB.DSN)
		if err != nil {
			detections.Close()
			return nil, fmt.Errorf("init run store: %w", err)
		}
		logger.Info("database persistence enabled", zap.String("table", cfg.DB.Table))
	}

	sink := pipeline.NewSink(cfg.Output.Dir, detections, logger)
	reporter := pipeline.NewReporter(os.Stdout, logger)

	engine := pipeline.NewEngine(pipeline.Config{
		Workers:       cfg.Scan.Workers,
		QueueSize:     cfg.Scan.QueueSize,
		MinConfidence: cfg.MinConfidence(),
		ProgressEvery: cfg.Scan.ProgressEvery,
	}, limiter, rotator, fetcher, detector, retrier, tracker, sink, reporter, system.New(), logger)

	logger.Info("scanner services ready")

	return &App{
		cfg:        cfg,
		logger:     logger,
		limiter:    limiter,
		rotator:    rotator,
		fetcher:    fetcher,
		detector:   detector,
		tracker:    tracker,
		retrier:    retrier,
		detections: detections,
		runs:       runs,
		sink:       sink,
		reporter:   reporter,
		engine:     engine,
		ids:        uuid.NewGenerator(),
	}, nil
}

// Engine returns the scan pipeline.
func (a *App) Engine() *pipeline.Engine {
	return a.engine
}

// Tracker returns the failure ledger shared with the engine.
func (a *App) Tracker() *retry.Tracker {
	return a.tracker
}

// Rotator returns the proxy rotator, nil for direct egress.
func (a *App) Rotator() *proxy.Rotator {
	return a.rotator
}

// Runs returns the run history store, nil when the database is
// disabled.
func (a *App) Runs() *store.RunStore {
	return a.runs
}

// IDs returns the run identifier generator.
func (a *App) IDs() *uuid.Generator {
	return a.ids
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Close releases the database pools. Safe to call when persistence is
// disabled.
func (a *App) Close() {
	a.logger.Info("shutting down scanner services")
	a.detections.Close()
	a.runs.Close()
}
