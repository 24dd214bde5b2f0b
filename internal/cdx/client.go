// Package cdx queries the Common Crawl CDX index servers. The scanner
// treats it purely as a WorkItem source; nothing here touches the
// archive data plane.
package cdx

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/scan"
)

const (
	// DefaultBaseURL is the public index server.
	DefaultBaseURL = "https://index.commoncrawl.org"

	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "NextJS-Detector/1.0 (Research Project)"

	probeAttempts = 3
	maxRetryWait  = 10 * time.Second

	// Index lines are small JSON objects; 1 MiB leaves plenty of slack.
	maxLineBytes = 1 << 20
)

// Collection is one entry of collinfo.json.
type Collection struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TimeGate string `json:"timegate"`
	CDXAPI   string `json:"cdx-api"`
}

// Query shapes one index search.
type Query struct {
	// URL is the URL or pattern to search for.
	URL string
	// Index names the crawl, e.g. "2025-05". Empty selects the latest.
	Index string
	// MatchType is one of exact, prefix, host, domain.
	MatchType string
	// Limit caps the number of returned records. Zero means server default.
	Limit int
	// Status filters by capture status, e.g. "200". Empty disables the filter.
	Status string
	// From and To bound capture timestamps (YYYYMMDDhhmmss).
	From string
	To   string
}

// Record is one capture line returned by the index server. Numeric
// fields arrive as strings on the wire.
type Record struct {
	URLKey    string `json:"urlkey"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
	MIME      string `json:"mime"`
	Status    string `json:"status"`
	Digest    string `json:"digest"`
	Length    string `json:"length"`
	Offset    string `json:"offset"`
	Filename  string `json:"filename"`
}

// WorkItem converts the capture into a ranged work item.
func (r Record) WorkItem() (scan.WorkItem, error) {
	if r.Filename == "" {
		return scan.WorkItem{}, fmt.Errorf("index record for %q has no segment filename", r.URL)
	}
	offset, err := strconv.ParseInt(r.Offset, 10, 64)
	if err != nil {
		return scan.WorkItem{}, fmt.Errorf("parse record offset %q: %w", r.Offset, err)
	}
	length, err := strconv.ParseInt(r.Length, 10, 64)
	if err != nil {
		return scan.WorkItem{}, fmt.Errorf("parse record length %q: %w", r.Length, err)
	}
	return scan.WorkItem{
		SegmentPath: r.Filename,
		Offset:      offset,
		Length:      length,
		TargetURL:   r.URL,
		CrawlDate:   r.Timestamp,
	}, nil
}

// Config tunes the index client.
type Config struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	// RetryWait is the initial pause between probe attempts. It doubles
	// per attempt up to a fixed cap.
	RetryWait time.Duration `mapstructure:"retry_wait"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.RetryWait <= 0 {
		c.RetryWait = 4 * time.Second
	}
	return c
}

// Client talks to a CDX index server.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *zap.Logger
}

// NewClient builds a Client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("cdx"),
	}
}

// Collections lists the crawls the index server knows about, newest
// first.
func (c *Client) Collections(ctx context.Context) ([]Collection, error) {
	var collections []Collection
	err := c.withRetries(ctx, "collinfo", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/collinfo.json", nil)
		if err != nil {
			return fmt.Errorf("build collinfo request: %w", err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("fetch collinfo: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return scan.NewHTTPError(resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&collections); err != nil {
			return fmt.Errorf("decode collinfo: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("fetched index collections", zap.Int("count", len(collections)))
	return collections, nil
}

// LatestIndex returns the newest crawl name, e.g. "2025-05".
func (c *Client) LatestIndex(ctx context.Context) (string, error) {
	collections, err := c.Collections(ctx)
	if err != nil {
		return "", err
	}
	if len(collections) == 0 {
		return "", fmt.Errorf("index server reported no collections")
	}
	latest := strings.TrimPrefix(collections[0].ID, "CC-MAIN-")
	c.logger.Info("resolved latest index", zap.String("index", latest))
	return latest, nil
}

// Search streams matching captures from the index. Lines that fail to
// parse are skipped; a 404 from the server means no captures matched
// and yields an empty result.
func (c *Client) Search(ctx context.Context, q Query) ([]Record, error) {
	if q.URL == "" {
		return nil, fmt.Errorf("search url is required")
	}
	index := q.Index
	if index == "" {
		latest, err := c.LatestIndex(ctx)
		if err != nil {
			return nil, err
		}
		index = latest
	}
	matchType := q.MatchType
	if matchType == "" {
		matchType = "exact"
	}

	params := url.Values{}
	params.Set("url", q.URL)
	params.Set("output", "json")
	params.Set("matchType", matchType)
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Status != "" {
		params.Set("filter", "status:"+q.Status)
	}
	if q.From != "" {
		params.Set("from", q.From)
	}
	if q.To != "" {
		params.Set("to", q.To)
	}

	endpoint := fmt.Sprintf("%s/CC-MAIN-%s-index?%s", c.cfg.BaseURL, index, params.Encode())
	c.logger.Info("querying index",
		zap.String("url", q.URL),
		zap.String("match_type", matchType),
		zap.String("index", index),
	)

	var records []Record
	err := c.withRetries(ctx, "search", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("build search request: %w", err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		resp, err := c.httpc.Do(req)
		if err != nil {
			return fmt.Errorf("query index: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			c.logger.Info("no captures matched", zap.String("url", q.URL))
			records = nil
			return nil
		}
		if resp.StatusCode != http.StatusOK {
			return scan.NewHTTPError(resp.StatusCode)
		}

		records = records[:0]
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var rec Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				c.logger.Warn("skipping malformed index line", zap.String("line", truncate(line, 200)), zap.Error(err))
				continue
			}
			records = append(records, rec)
			if q.Limit > 0 && len(records) >= q.Limit {
				break
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read index response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("index query finished", zap.String("url", q.URL), zap.Int("records", len(records)))
	return records, nil
}

// SearchDomain lists captures for every URL under a domain.
func (c *Client) SearchDomain(ctx context.Context, domain, index string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	return c.Search(ctx, Query{URL: domain, Index: index, MatchType: "domain", Limit: limit, Status: "200"})
}

// WorkItems converts records, dropping the ones with unusable range
// info.
func (c *Client) WorkItems(records []Record) []scan.WorkItem {
	items := make([]scan.WorkItem, 0, len(records))
	for _, rec := range records {
		item, err := rec.WorkItem()
		if err != nil {
			c.logger.Warn("dropping index record", zap.String("url", rec.URL), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items
}

// withRetries runs fn up to probeAttempts times with a doubling,
// capped, context-aware wait between attempts.
func (c *Client) withRetries(ctx context.Context, op string, fn func() error) error {
	wait := c.cfg.RetryWait
	var lastErr error
	for attempt := 1; attempt <= probeAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == probeAttempts {
			break
		}
		c.logger.Warn("index request failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s interrupted: %w", op, ctx.Err())
		case <-timer.C:
		}
		if wait *= 2; wait > maxRetryWait {
			wait = maxRetryWait
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, probeAttempts, lastErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
