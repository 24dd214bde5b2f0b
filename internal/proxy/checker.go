package proxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/scan"
)

// DefaultCheckURL is a small, always-present object on the archive host.
const DefaultCheckURL = "https://data.commoncrawl.org/crawl-data/CC-MAIN-2025-05/cc-index.paths.gz"

// CheckResult reports the outcome of probing one descriptor.
type CheckResult struct {
	Descriptor Descriptor    `json:"descriptor"`
	OK         bool          `json:"ok"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Checker probes descriptors by issuing a HEAD request through each one.
type Checker struct {
	testURL string
	timeout time.Duration
	logger  *zap.Logger
}

// NewChecker builds a Checker. An empty testURL selects DefaultCheckURL.
func NewChecker(testURL string, timeout time.Duration, logger *zap.Logger) *Checker {
	if testURL == "" {
		testURL = DefaultCheckURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{
		testURL: testURL,
		timeout: timeout,
		logger:  logger.Named("proxycheck"),
	}
}

// Check probes a single descriptor.
func (c *Checker) Check(ctx context.Context, d Descriptor) CheckResult {
	result := CheckResult{Descriptor: d, Status: "unknown"}

	proxyURL, err := d.ProxyURL()
	if err != nil {
		result.Status = scan.KindProxy.String()
		result.Error = err.Error()
		return result
	}

	client := &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.testURL, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	resp, err := client.Do(req)
	result.Elapsed = time.Since(start)
	if err != nil {
		fe := scan.Classify(err)
		result.Status = fe.Kind.String()
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent, http.StatusFound, http.StatusNotFound:
		// 404 still proves the tunnel works.
		result.OK = true
		result.Status = "ok"
	default:
		result.Status = scan.KindHTTP.String()
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return result
}

// CheckAll probes every descriptor concurrently and returns results in
// pool order.
func (c *Checker) CheckAll(ctx context.Context, pool []Descriptor) []CheckResult {
	results := make([]CheckResult, len(pool))
	var wg sync.WaitGroup
	for i, d := range pool {
		wg.Add(1)
		go func(i int, d Descriptor) {
			defer wg.Done()
			results[i] = c.Check(ctx, d)
			c.logger.Debug("proxy checked",
				zap.String("name", d.Name),
				zap.String("status", results[i].Status),
				zap.Duration("elapsed", results[i].Elapsed),
			)
		}(i, d)
	}
	wg.Wait()
	return results
}
