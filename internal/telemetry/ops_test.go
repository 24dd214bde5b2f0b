package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/warcscan/internal/scan"
)

func TestOpsServerHealthz(t *testing.T) {
	t.Parallel()

	s := NewOpsServer(":0", zap.NewNop(), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestOpsServerProgress(t *testing.T) {
	t.Parallel()

	stats := scan.RunStats{Processed: 12, Succeeded: 10, Failed: 2, Detections: 4}
	s := NewOpsServer(":0", zap.NewNop(), func() any { return stats })

	req := httptest.NewRequest(http.MethodGet, "/progress", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body scan.RunStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, stats, body)
}

func TestOpsServerProgressWithoutFunc(t *testing.T) {
	t.Parallel()

	s := NewOpsServer(":0", zap.NewNop(), nil)

	req := httptest.NewRequest(http.MethodGet, "/progress", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())
}

func TestOpsServerMetrics(t *testing.T) {
	Init()
	IncSegment("success")
	ObserveRateLimitDelay(5 * time.Millisecond)

	s := NewOpsServer(":0", zap.NewNop(), nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "warcscan_segments_total")
	assert.Contains(t, body, "warcscan_rate_limit_delay_seconds")
}

func TestOpsServerServeStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	s := NewOpsServer("127.0.0.1:0", zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ops server did not shut down")
	}
}
