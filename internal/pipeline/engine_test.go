package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/clock/system"
	"github.com/JakeFAU/warcscan/internal/detect"
	"github.com/JakeFAU/warcscan/internal/ratelimit"
	"github.com/JakeFAU/warcscan/internal/retry"
	"github.com/JakeFAU/warcscan/internal/scan"
	"github.com/JakeFAU/warcscan/internal/warc"
)

const highSignalPage = `<html><head><script src="/_next/static/k8F2xQ9pLm/_buildManifest.js"></script></head>` +
	`<body><div id="__next"><script id="__NEXT_DATA__" type="application/json">{"buildId":"k8F2xQ9pLm","page":"/"}</script></div></body></html>`

const mediumSignalPage = `<html><body><a href="/_next/data/dev/en.json">prefetch</a></body></html>`

const lowSignalPage = `<html><body><p>We moved the blog to nextjs hosting last spring.</p></body></html>`

const plainPage = `<html><body><h1>hand written html</h1></body></html>`

type capture struct {
	uri         string
	contentType string
	body        string
}

// warcSegment assembles an archive slice the way a range read out of a
// crawl segment looks: a leading info record and one response record
// per capture.
func warcSegment(t *testing.T, captures ...capture) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(archiveRecord(t, "warcinfo", "", "", "software: scanner-test"))
	for _, c := range captures {
		buf.Write(archiveRecord(t, "response", c.uri, c.contentType, c.body))
	}
	return buf.Bytes()
}

func archiveRecord(t *testing.T, recType, uri, contentType, body string) []byte {
	t.Helper()
	var payload bytes.Buffer
	if recType == "response" {
		fmt.Fprintf(&payload, "HTTP/1.1 200 OK\r\nContent-Type: %s\r\nServer: nginx\r\n\r\n", contentType)
	}
	payload.WriteString(body)

	var rec bytes.Buffer
	rec.WriteString("WARC/1.0\r\n")
	fmt.Fprintf(&rec, "WARC-Type: %s\r\n", recType)
	if uri != "" {
		fmt.Fprintf(&rec, "WARC-Target-URI: %s\r\n", uri)
	}
	rec.WriteString("WARC-Date: 2025-01-18T09:32:11Z\r\n")
	fmt.Fprintf(&rec, "Content-Length: %d\r\n", payload.Len())
	rec.WriteString("\r\n")
	rec.Write(payload.Bytes())
	rec.WriteString("\r\n\r\n")
	return rec.Bytes()
}

func gzipSegment(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// serveRange answers a bytes=start-end request with 206 and the
// clamped slice, the way the archive host serves segment ranges.
func serveRange(w http.ResponseWriter, r *http.Request, data []byte) {
	var start, end int64
	if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
		http.Error(w, "bad range", http.StatusBadRequest)
		return
	}
	if end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	w.WriteHeader(http.StatusPartialContent)
	w.Write(data[start : end+1])
}

type harness struct {
	engine  *Engine
	sink    *Sink
	tracker *retry.Tracker
	outDir  string
	failDir string
	console *bytes.Buffer
}

func newHarness(t *testing.T, baseURL string, cfg Config, rcfg retry.Config) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		outDir:  t.TempDir(),
		failDir: t.TempDir(),
		console: &bytes.Buffer{},
	}
	h.tracker = retry.NewTracker(h.failDir, logger)
	h.sink = NewSink(h.outDir, nil, logger)

	fetcher := warc.NewFetcher(warc.FetcherConfig{
		BaseURL:  baseURL,
		Timeout:  5 * time.Second,
		MaxBytes: 1 << 20,
	}, logger)
	h.engine = NewEngine(
		cfg,
		ratelimit.NewTokenBucket(1000, 1000),
		nil,
		fetcher,
		detect.New(detect.NextJSCatalog(), logger),
		retry.NewController(rcfg, h.tracker, nil, logger),
		h.tracker,
		h.sink,
		NewReporter(h.console, logger),
		system.New(),
		logger,
	)
	return h
}

func quickRetries() retry.Config {
	return retry.Config{MaxRetries: 2, Delay: time.Millisecond}
}

func TestRunDetectsAndWritesArtifacts(t *testing.T) {
	seg := warcSegment(t,
		capture{uri: "https://alpha.example/", contentType: "text/html; charset=utf-8", body: highSignalPage},
		capture{uri: "https://alpha.example/api/feed", contentType: "application/json", body: `{"next":"page2"}`},
		capture{uri: "https://plain.example/", contentType: "text/html", body: plainPage},
	)

	var gotRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crawl-data/seg-0001.warc.gz", r.URL.Path)
		gotRange.Store(r.Header.Get("Range"))
		serveRange(w, r, seg)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{Workers: 1}, quickRetries())
	item := scan.WorkItem{
		SegmentPath: "crawl-data/seg-0001.warc.gz",
		Offset:      0,
		Length:      int64(len(seg)),
		CrawlDate:   "20250118093211",
	}

	stats, err := h.engine.Run(context.Background(), []scan.WorkItem{item})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 1, stats.Detections)
	assert.Equal(t, 1, stats.DistinctDomains)
	assert.Equal(t, 1, stats.DistinctURLs)
	assert.Equal(t, fmt.Sprintf("bytes=0-%d", len(seg)-1), gotRange.Load())

	require.Equal(t, 1, h.sink.Len())
	det := h.sink.Detections()[0]
	assert.Equal(t, "alpha.example", det.Domain)
	assert.Equal(t, "https://alpha.example/", det.URL)
	assert.Equal(t, scan.ConfidenceHigh, det.Confidence)
	assert.Equal(t, "k8F2xQ9pLm", det.BuildID)
	assert.Equal(t, "20250118093211", det.CrawlDate)
	assert.Equal(t, "crawl-data/seg-0001.warc.gz", det.SourceSegment)
	assert.False(t, det.DetectedAt.IsZero())

	jsonPath := filepath.Join(h.outDir, fmt.Sprintf("nextjs_sites_%s.json", h.tracker.SessionID()))
	payload, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var saved []scan.Detection
	require.NoError(t, json.Unmarshal(payload, &saved))
	require.Len(t, saved, 1)
	assert.Equal(t, det.URL, saved[0].URL)

	_, err = os.Stat(strings.TrimSuffix(jsonPath, ".json") + ".csv")
	require.NoError(t, err)

	out := pterm.RemoveColorFromString(h.console.String())
	assert.Contains(t, out, "Found: https://alpha.example/ (high)")
	assert.Contains(t, out, "Segments processed")
}

func TestRunDeduplicatesDomainAcrossWorkers(t *testing.T) {
	segments := map[string][]byte{
		"/segments/part-a.warc.gz": warcSegment(t, capture{
			uri: "https://dup.example/home", contentType: "text/html", body: highSignalPage,
		}),
		"/segments/part-b.warc.gz": gzipSegment(t, warcSegment(t, capture{
			uri: "https://dup.example/about", contentType: "text/html", body: highSignalPage,
		})),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := segments[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		serveRange(w, r, data)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{Workers: 2}, quickRetries())
	items := []scan.WorkItem{
		{SegmentPath: "segments/part-a.warc.gz", Length: int64(len(segments["/segments/part-a.warc.gz"]))},
		{SegmentPath: "segments/part-b.warc.gz", Length: int64(len(segments["/segments/part-b.warc.gz"]))},
	}

	stats, err := h.engine.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Detections)
	assert.Equal(t, 1, stats.DistinctDomains)
	assert.Equal(t, 2, stats.DistinctURLs)

	require.Equal(t, 1, h.sink.Len())
	det := h.sink.Detections()[0]
	assert.Equal(t, "dup.example", det.Domain)
	assert.Contains(t, []string{"https://dup.example/home", "https://dup.example/about"}, det.URL)
}

func TestRunRecordsTerminalFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/segments/busy.warc.gz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{Workers: 1}, quickRetries())
	items := []scan.WorkItem{
		{SegmentPath: "segments/missing.warc.gz", Offset: 1024, Length: 2048},
		{SegmentPath: "segments/busy.warc.gz", Offset: 0, Length: 2048},
	}

	stats, err := h.engine.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 0, stats.Succeeded)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 0, stats.Detections)

	require.Equal(t, 2, h.tracker.Len())
	byRef := make(map[string]retry.FailureRecord)
	for _, rec := range h.tracker.Records() {
		byRef[rec.WorkItemRef] = rec
	}

	missing, ok := byRef["segments/missing.warc.gz#1024-2048"]
	require.True(t, ok)
	assert.Equal(t, scan.ReasonHTTP, missing.FailureReason)
	assert.Equal(t, 1, missing.FailureCount)

	busy, ok := byRef["segments/busy.warc.gz#0-2048"]
	require.True(t, ok)
	assert.Equal(t, scan.ReasonHTTP, busy.FailureReason)
	assert.Equal(t, 2, busy.FailureCount)

	ledgerPath := filepath.Join(h.failDir, fmt.Sprintf("failed_segments_%s.json", h.tracker.SessionID()))
	_, err = os.Stat(ledgerPath)
	require.NoError(t, err)

	out := pterm.RemoveColorFromString(h.console.String())
	assert.Contains(t, out, "Retry them with: warcscan scan --resume-from "+ledgerPath)
}

func TestRunParseFailureExhaustsRetries(t *testing.T) {
	garbage := []byte("this is not an archive segment at all")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		serveRange(w, r, garbage)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{Workers: 1}, retry.Config{MaxRetries: 3, Delay: time.Millisecond})
	item := scan.WorkItem{SegmentPath: "segments/garbled.warc.gz", Length: int64(len(garbage))}

	stats, err := h.engine.Run(context.Background(), []scan.WorkItem{item})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Failed)
	assert.EqualValues(t, 3, hits.Load())

	require.Equal(t, 1, h.tracker.Len())
	rec := h.tracker.Records()[0]
	assert.Equal(t, scan.ReasonParse, rec.FailureReason)
	assert.Equal(t, 3, rec.FailureCount)
}

func TestRunFallsBackWhenRangeIgnored(t *testing.T) {
	seg := warcSegment(t, capture{
		uri: "https://beta.example/", contentType: "text/html", body: highSignalPage,
	})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusOK)
			w.Write(seg)
			return
		}
		assert.Equal(t, fmt.Sprintf("bytes=0-%d", (1<<20)-1), r.Header.Get("Range"))
		serveRange(w, r, seg)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{Workers: 1}, quickRetries())
	item := scan.WorkItem{SegmentPath: "segments/stubborn.warc.gz", Offset: 512, Length: int64(len(seg))}

	stats, err := h.engine.Run(context.Background(), []scan.WorkItem{item})
	require.NoError(t, err)

	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Detections)
	assert.Equal(t, 0, h.tracker.Len())
}

func TestRunHonorsMinConfidence(t *testing.T) {
	seg := warcSegment(t,
		capture{uri: "https://med.example/", contentType: "text/html", body: mediumSignalPage},
		capture{uri: "https://low.example/", contentType: "text/html", body: lowSignalPage},
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveRange(w, r, seg)
	}))
	defer srv.Close()

	item := scan.WorkItem{SegmentPath: "segments/mixed.warc.gz", Length: int64(len(seg))}

	strict := newHarness(t, srv.URL, Config{Workers: 1, MinConfidence: scan.ConfidenceHigh}, quickRetries())
	stats, err := strict.engine.Run(context.Background(), []scan.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 0, stats.Detections)
	assert.Equal(t, 0, strict.sink.Len())

	lax := newHarness(t, srv.URL, Config{Workers: 1, MinConfidence: scan.ConfidenceLow}, quickRetries())
	stats, err = lax.engine.Run(context.Background(), []scan.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Detections)
	assert.Equal(t, 2, stats.DistinctDomains)
	assert.Equal(t, 2, lax.sink.Len())
}

func TestRunSkipsNonHTMLCaptures(t *testing.T) {
	seg := warcSegment(t, capture{
		uri: "https://api.example/data", contentType: "application/json", body: `{"__NEXT_DATA__":true}`,
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveRange(w, r, seg)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{Workers: 1}, quickRetries())
	item := scan.WorkItem{SegmentPath: "segments/json-only.warc.gz", Length: int64(len(seg))}

	stats, err := h.engine.Run(context.Background(), []scan.WorkItem{item})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 0, stats.Detections)
	assert.Equal(t, 0, stats.DistinctURLs)
	assert.Equal(t, 0, h.sink.Len())
	assert.Equal(t, 0, h.tracker.Len())
}

func TestRunInterruptedFlushesPartialResults(t *testing.T) {
	segments := make(map[string][]byte)
	var items []scan.WorkItem
	for i := 0; i < 4; i++ {
		path := fmt.Sprintf("segments/slow-%d.warc.gz", i)
		data := warcSegment(t, capture{
			uri:         fmt.Sprintf("https://site-%d.example/", i),
			contentType: "text/html",
			body:        highSignalPage,
		})
		segments["/"+path] = data
		items = append(items, scan.WorkItem{SegmentPath: path, Length: int64(len(data))})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		data, ok := segments[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		serveRange(w, r, data)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, Config{Workers: 1}, quickRetries())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	stats, err := h.engine.Run(ctx, items)
	require.ErrorIs(t, err, ErrInterrupted)

	assert.Greater(t, stats.Processed, 0)
	assert.Less(t, stats.Processed, len(items))
	assert.Equal(t, stats.Processed, stats.Succeeded)
	assert.Equal(t, 0, h.tracker.Len())

	require.NotZero(t, h.sink.Len())
	jsonPath := filepath.Join(h.outDir, fmt.Sprintf("nextjs_sites_%s.json", h.tracker.SessionID()))
	_, err = os.Stat(jsonPath)
	require.NoError(t, err)
}

func TestRunWithoutItemsIsNoOp(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:0", Config{}, quickRetries())

	stats, err := h.engine.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Zero(t, stats.Processed)
	entries, err := os.ReadDir(h.outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
