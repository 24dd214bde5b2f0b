// Package telemetry exposes Prometheus collectors and the ops HTTP endpoint
// for the scanner.
package telemetry

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	segmentsTotal         *prometheus.CounterVec
	fetchRequestsTotal    *prometheus.CounterVec
	fetchBytesTotal       prometheus.Counter
	fetchDurationSeconds  prometheus.Histogram
	detectionsTotal       *prometheus.CounterVec
	retriesTotal          prometheus.Counter
	proxyRotationsTotal   prometheus.Counter
	activeWorkers         prometheus.Gauge
	rateLimitDelaySeconds prometheus.Histogram

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		segmentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warcscan_segments_total",
				Help: "Total archive segments processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warcscan_fetch_requests_total",
				Help: "Total segment fetch requests, labeled by HTTP status code.",
			},
			[]string{"code"},
		)

		fetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "warcscan_fetch_bytes_total",
				Help: "Total bytes downloaded from the archive host.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warcscan_fetch_duration_seconds",
				Help:    "Histogram of segment fetch latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		)

		detectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warcscan_detections_total",
				Help: "Total framework detections persisted, labeled by confidence.",
			},
			[]string{"confidence"},
		)

		retriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "warcscan_retries_total",
				Help: "Total retry attempts across all work items.",
			},
		)

		proxyRotationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "warcscan_proxy_rotations_total",
				Help: "Total proxy rotations requested by the retry controller.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "warcscan_active_workers",
				Help: "Number of workers currently processing a segment.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warcscan_rate_limit_delay_seconds",
				Help:    "Histogram of time spent waiting on the rate limiter.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		)
	})
}

// IncSegment counts one finished segment with the given outcome.
func IncSegment(outcome string) {
	if segmentsTotal != nil {
		segmentsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveFetch records one fetch request.
func ObserveFetch(status int, bytes int64, dur time.Duration) {
	if fetchRequestsTotal == nil {
		return
	}
	fetchRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	if bytes > 0 {
		fetchBytesTotal.Add(float64(bytes))
	}
	fetchDurationSeconds.Observe(dur.Seconds())
}

// IncDetection counts one persisted detection.
func IncDetection(confidence string) {
	if detectionsTotal != nil {
		detectionsTotal.WithLabelValues(confidence).Inc()
	}
}

// IncRetry counts one retry attempt.
func IncRetry() {
	if retriesTotal != nil {
		retriesTotal.Inc()
	}
}

// IncProxyRotation counts one proxy rotation.
func IncProxyRotation() {
	if proxyRotationsTotal != nil {
		proxyRotationsTotal.Inc()
	}
}

// WorkerStarted marks a worker as busy.
func WorkerStarted() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// WorkerDone marks a worker as idle.
func WorkerDone() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// ObserveRateLimitDelay records time spent blocked on Acquire.
func ObserveRateLimitDelay(dur time.Duration) {
	if rateLimitDelaySeconds != nil {
		rateLimitDelaySeconds.Observe(dur.Seconds())
	}
}
