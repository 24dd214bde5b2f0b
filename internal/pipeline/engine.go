package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/detect"
	"github.com/JakeFAU/warcscan/internal/proxy"
	"github.com/JakeFAU/warcscan/internal/ratelimit"
	"github.com/JakeFAU/warcscan/internal/retry"
	"github.com/JakeFAU/warcscan/internal/scan"
	"github.com/JakeFAU/warcscan/internal/telemetry"
	"github.com/JakeFAU/warcscan/internal/warc"
)

// ErrInterrupted is returned by Run when a shutdown signal cut the scan
// short. Accumulated results and the failure ledger are flushed first.
var ErrInterrupted = errors.New("scan interrupted")

// Clock supplies timestamps for detections.
type Clock interface {
	Now() time.Time
}

// Config tunes the orchestrator.
type Config struct {
	Workers       int             `mapstructure:"workers"`
	QueueSize     int             `mapstructure:"queue_size"`
	MinConfidence scan.Confidence `mapstructure:"min_confidence"`
	ProgressEvery int             `mapstructure:"progress_every"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 2 * c.Workers
	}
	if c.MinConfidence == "" {
		c.MinConfidence = scan.ConfidenceMedium
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 100
	}
	return c
}

// Engine runs the fetch, parse, classify pipeline over a worker pool.
// A run-scoped domain set suppresses duplicate detections; distinct
// URL and domain counts keep accumulating for reporting.
type Engine struct {
	cfg      Config
	limiter  ratelimit.Limiter
	rotator  *proxy.Rotator
	fetcher  *warc.Fetcher
	detector *detect.Detector
	retrier  *retry.Controller
	tracker  *retry.Tracker
	sink     *Sink
	reporter *Reporter
	clock    Clock
	logger   *zap.Logger
	runID    string

	mu          sync.Mutex
	stats       scan.RunStats
	seenDomains map[string]struct{}
	seenURLs    map[string]struct{}
}

// NewEngine wires an Engine. The rotator may be nil for direct egress.
func NewEngine(
	cfg Config,
	limiter ratelimit.Limiter,
	rotator *proxy.Rotator,
	fetcher *warc.Fetcher,
	detector *detect.Detector,
	retrier *retry.Controller,
	tracker *retry.Tracker,
	sink *Sink,
	reporter *Reporter,
	clock Clock,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:         cfg.withDefaults(),
		limiter:     limiter,
		rotator:     rotator,
		fetcher:     fetcher,
		detector:    detector,
		retrier:     retrier,
		tracker:     tracker,
		sink:        sink,
		reporter:    reporter,
		clock:       clock,
		logger:      logger.Named("engine"),
		runID:       uuid.NewString(),
		seenDomains: make(map[string]struct{}),
		seenURLs:    make(map[string]struct{}),
	}
}

// Run scans the given work items and blocks until every item reached a
// terminal state or shutdown emptied the pool. Results and the failure
// ledger are flushed before Run returns, interrupted or not.
func (e *Engine) Run(ctx context.Context, items []scan.WorkItem) (scan.RunStats, error) {
	if len(items) == 0 {
		e.logger.Warn("no work items to process")
		return e.snapshot(), nil
	}

	e.logger.Info("scan starting",
		zap.String("run_id", e.runID),
		zap.Int("items", len(items)),
		zap.Int("workers", e.cfg.Workers),
		zap.Float64("rate", e.limiter.Rate()),
	)

	queue := NewQueue(e.cfg.QueueSize)
	go func() {
		defer queue.Close()
		for _, item := range items {
			if err := queue.Enqueue(ctx, item); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(ctx, id, queue)
		}(i)
	}
	wg.Wait()

	ledgerPath := e.finalize()
	stats := e.snapshot()

	if ctx.Err() != nil {
		e.logger.Warn("scan interrupted",
			zap.String("run_id", e.runID),
			zap.Int("processed", stats.Processed),
			zap.String("ledger", ledgerPath),
		)
		return stats, ErrInterrupted
	}
	e.logger.Info("scan complete",
		zap.String("run_id", e.runID),
		zap.Int("processed", stats.Processed),
		zap.Int("detections", stats.Detections),
	)
	return stats, nil
}

func (e *Engine) worker(ctx context.Context, id int, queue *Queue) {
	telemetry.WorkerStarted()
	defer telemetry.WorkerDone()

	log := e.logger.With(zap.Int("worker", id))
	var via proxy.Descriptor
	if e.rotator != nil {
		via = e.rotator.Assign(id)
		log.Debug("proxy assigned", zap.String("proxy", via.Name))
	}

	for {
		if ctx.Err() != nil {
			log.Debug("worker stopping")
			return
		}
		item, err := queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && ctx.Err() == nil {
				log.Error("dequeue failed", zap.Error(err))
			}
			return
		}
		via = e.processItem(ctx, id, item, via, log)
	}
}

// processItem drives one work item through the retry controller and
// returns the proxy the worker should stay on.
func (e *Engine) processItem(ctx context.Context, workerID int, item scan.WorkItem, via proxy.Descriptor, log *zap.Logger) proxy.Descriptor {
	attempt := func(actx context.Context, attempt int, via proxy.Descriptor) error {
		if err := e.limiter.Acquire(actx); err != nil {
			return err
		}

		// Shutdown must not abort a call already on the wire; the
		// fetcher's own timeout still bounds it.
		fetchCtx := context.WithoutCancel(actx)
		data, err := e.fetcher.Fetch(fetchCtx, item, via)
		if errors.Is(err, warc.ErrRangeIgnored) {
			log.Debug("range not honored, falling back to prefix",
				zap.String("segment", item.SegmentPath),
			)
			data, err = e.fetcher.FetchSample(fetchCtx, item.SegmentPath, via)
		}
		if err != nil {
			if isOverload(scan.Classify(err)) {
				e.limiter.ReportFailure()
			}
			return err
		}
		e.limiter.ReportSuccess()

		return e.classify(actx, item, data, log)
	}

	final, err := e.retrier.Run(ctx, item.Ref(), via, attempt)
	if e.rotator != nil {
		e.rotator.Reassign(workerID, final)
	}

	var fe *scan.FetchError
	if err != nil && !errors.As(err, &fe) && ctx.Err() != nil {
		// Interrupted before a genuine outcome; the item stays
		// uncounted and any interim failure records were not written.
		return final
	}

	e.mu.Lock()
	e.stats.Processed++
	outcome := "success"
	if err != nil {
		e.stats.Failed++
		outcome = "failed"
	} else {
		e.stats.Succeeded++
	}
	processed := e.stats.Processed
	snapshot := e.stats
	e.mu.Unlock()

	telemetry.IncSegment(outcome)
	if processed%e.cfg.ProgressEvery == 0 {
		e.reporter.Progress(snapshot)
	}
	return final
}

// classify walks the records in a fetched slice and feeds HTML bodies
// to the detector. A stream broken before the first record counts as a
// parse failure; anything after a valid record is a truncation cut.
func (e *Engine) classify(ctx context.Context, item scan.WorkItem, data []byte, log *zap.Logger) error {
	it := warc.NewIterator(bytes.NewReader(data))
	records, htmlRecords := 0, 0
	for {
		rec, ok := it.Next()
		if !ok {
			break
		}
		records++
		if !rec.IsHTML() {
			log.Debug("skipping non-html capture",
				zap.String("uri", rec.TargetURI),
				zap.String("content_type", rec.ContentType),
			)
			continue
		}
		htmlRecords++
		e.inspect(ctx, item, rec)
	}
	if err := it.Err(); err != nil {
		return scan.NewFetchError(scan.KindParse, err)
	}
	log.Debug("segment classified",
		zap.String("segment", item.SegmentPath),
		zap.Int("records", records),
		zap.Int("html", htmlRecords),
	)
	return nil
}

func (e *Engine) inspect(ctx context.Context, item scan.WorkItem, rec warc.Record) {
	res := e.detector.Detect(rec.Body)
	if !res.Match || !res.Confidence.AtLeast(e.cfg.MinConfidence) {
		return
	}

	target := rec.TargetURI
	if target == "" {
		target = item.TargetURL
	}
	domain := domainOf(target)
	if domain == "" {
		e.logger.Debug("skipping capture without usable target",
			zap.String("uri", rec.TargetURI),
		)
		return
	}
	if !e.noteMatch(domain, target) {
		return
	}

	telemetry.IncDetection(string(res.Confidence))
	d := scan.Detection{
		Domain:        domain,
		URL:           target,
		Confidence:    res.Confidence,
		Indicators:    res.Indicators,
		BuildID:       res.BuildID,
		Version:       res.Version,
		DetectedAt:    e.clock.Now(),
		CrawlDate:     crawlDate(item, rec),
		SourceSegment: item.SegmentPath,
	}
	e.sink.Add(ctx, d)
	e.reporter.Found(d)
}

// noteMatch registers a matched capture and reports whether its domain
// is new for this run.
func (e *Engine) noteMatch(domain, url string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seenURLs[url] = struct{}{}
	e.stats.DistinctURLs = len(e.seenURLs)
	if _, seen := e.seenDomains[domain]; seen {
		return false
	}
	e.seenDomains[domain] = struct{}{}
	e.stats.DistinctDomains = len(e.seenDomains)
	e.stats.Detections++
	return true
}

// finalize flushes results and the failure ledger and emits the final
// summary. Returns the ledger path, empty when nothing failed.
func (e *Engine) finalize() string {
	if _, _, err := e.sink.Flush(e.tracker.SessionID()); err != nil {
		e.logger.Error("flush results", zap.Error(err))
	}
	ledgerPath, _, err := e.tracker.Save()
	if err != nil {
		e.logger.Error("write failure ledger", zap.Error(err))
	}
	e.reporter.Summary(e.snapshot(), e.tracker.ByReason(), ledgerPath)
	return ledgerPath
}

// Stats returns a point-in-time copy of the run counters. Safe to call
// while the run is in flight.
func (e *Engine) Stats() scan.RunStats {
	return e.snapshot()
}

func (e *Engine) snapshot() scan.RunStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// isOverload reports whether a failure should slow the adaptive rate:
// pressure signals only, not content problems.
func isOverload(fe *scan.FetchError) bool {
	switch fe.Kind {
	case scan.KindTimeout, scan.KindConnection, scan.KindProxy:
		return true
	case scan.KindHTTP:
		return fe.Status >= 500 || fe.Status == 429
	default:
		return false
	}
}

func domainOf(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Host)
}

func crawlDate(item scan.WorkItem, rec warc.Record) string {
	if item.CrawlDate != "" {
		return item.CrawlDate
	}
	return rec.CaptureTime
}
