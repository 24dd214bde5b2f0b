// Package warc fetches bounded slices of web-archive segments and
// decodes the records inside them.
package warc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/proxy"
	"github.com/JakeFAU/warcscan/internal/scan"
	"github.com/JakeFAU/warcscan/internal/telemetry"
)

// DefaultBaseURL is the public endpoint for crawl segment files.
const DefaultBaseURL = "https://data.commoncrawl.org/"

// DefaultUserAgent identifies the scanner to the archive host.
const DefaultUserAgent = "NextJS-Detector/1.0 (Research Project)"

// ErrRangeIgnored reports that the host answered a ranged request with
// the full object. Callers fall back to a bounded prefix download.
var ErrRangeIgnored = errors.New("range request not honored")

// FetcherConfig controls segment retrieval.
type FetcherConfig struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
}

func (c FetcherConfig) withDefaults() FetcherConfig {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	return c
}

// Fetcher issues byte-range requests against the archive host, keeping
// one pooled client per proxy descriptor.
type Fetcher struct {
	cfg    FetcherConfig
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewFetcher builds a Fetcher.
func NewFetcher(cfg FetcherConfig, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("fetch"),
		clients: make(map[string]*http.Client),
	}
}

// MaxBytes returns the hard per-segment byte cap.
func (f *Fetcher) MaxBytes() int64 {
	return f.cfg.MaxBytes
}

// Fetch retrieves the bytes for a work item. Ranged items expect a
// partial-content answer; a 200 means the host ignored the range and is
// surfaced as ErrRangeIgnored. Items without a range are fetched as a
// bounded prefix of the segment.
func (f *Fetcher) Fetch(ctx context.Context, item scan.WorkItem, via proxy.Descriptor) ([]byte, error) {
	if !item.HasRange() {
		return f.FetchSample(ctx, item.SegmentPath, via)
	}
	end := item.Offset + item.Length - 1
	return f.do(ctx, item.SegmentPath, fmt.Sprintf("bytes=%d-%d", item.Offset, end), via, true)
}

// FetchSample retrieves the first MaxBytes bytes of a segment. A full
// 200 answer is acceptable here since the capped read is the prefix.
func (f *Fetcher) FetchSample(ctx context.Context, path string, via proxy.Descriptor) ([]byte, error) {
	return f.do(ctx, path, fmt.Sprintf("bytes=0-%d", f.cfg.MaxBytes-1), via, false)
}

func (f *Fetcher) do(ctx context.Context, path, rangeValue string, via proxy.Descriptor, wantPartial bool) ([]byte, error) {
	client, err := f.client(via)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.segmentURL(path), nil)
	if err != nil {
		return nil, scan.NewFetchError(scan.KindUnknown, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Range", rangeValue)

	f.logger.Debug("fetching segment",
		zap.String("path", path),
		zap.String("range", rangeValue),
		zap.String("proxy", via.Name),
	)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, scan.Classify(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if wantPartial {
			telemetry.ObserveFetch(resp.StatusCode, 0, time.Since(start))
			f.logger.Warn("host ignored range request", zap.String("path", path))
			return nil, ErrRangeIgnored
		}
	default:
		telemetry.ObserveFetch(resp.StatusCode, 0, time.Since(start))
		return nil, scan.NewHTTPError(resp.StatusCode)
	}

	data, truncated, err := readCapped(resp.Body, f.cfg.MaxBytes)
	dur := time.Since(start)
	if err != nil {
		return nil, scan.Classify(err)
	}
	telemetry.ObserveFetch(resp.StatusCode, int64(len(data)), dur)
	if truncated {
		f.logger.Warn("segment exceeded byte cap, truncated",
			zap.String("path", path),
			zap.Int64("cap", f.cfg.MaxBytes),
		)
	}
	f.logger.Debug("segment fetched",
		zap.String("path", path),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", dur),
	)
	return data, nil
}

// Size returns the segment's size from a HEAD request.
func (f *Fetcher) Size(ctx context.Context, path string, via proxy.Descriptor) (int64, error) {
	resp, err := f.head(ctx, path, via)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, scan.NewHTTPError(resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 0, scan.NewFetchError(scan.KindUnknown, errors.New("no content length"))
	}
	return resp.ContentLength, nil
}

// SupportsRange reports whether the host advertises byte-range serving
// for the segment.
func (f *Fetcher) SupportsRange(ctx context.Context, path string, via proxy.Descriptor) (bool, error) {
	resp, err := f.head(ctx, path, via)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, scan.NewHTTPError(resp.StatusCode)
	}
	return strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"), nil
}

func (f *Fetcher) head(ctx context.Context, path string, via proxy.Descriptor) (*http.Response, error) {
	client, err := f.client(via)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.segmentURL(path), nil)
	if err != nil {
		return nil, scan.NewFetchError(scan.KindUnknown, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, scan.Classify(err)
	}
	return resp, nil
}

func (f *Fetcher) segmentURL(path string) string {
	return strings.TrimSuffix(f.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

func (f *Fetcher) client(via proxy.Descriptor) (*http.Client, error) {
	key := "direct"
	if !via.Zero() {
		key = via.URL()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	transport := newTransport()
	if !via.Zero() {
		u, err := via.ProxyURL()
		if err != nil {
			return nil, scan.NewFetchError(scan.KindProxy, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	c := &http.Client{Transport: transport}
	f.clients[key] = c
	return c, nil
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// readCapped reads at most limit bytes, reporting whether the source
// had more. Declared lengths are never trusted for sizing.
func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
