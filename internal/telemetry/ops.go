package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ProgressFunc returns a snapshot of the run for the /progress endpoint.
type ProgressFunc func() any

// OpsServer serves health, metrics, and progress endpoints while a scan runs.
type OpsServer struct {
	addr     string
	logger   *zap.Logger
	progress ProgressFunc
	router   chi.Router
}

// NewOpsServer constructs the ops HTTP server. progress may be nil, in which
// case /progress reports an empty object.
func NewOpsServer(addr string, logger *zap.Logger, progress ProgressFunc) *OpsServer {
	s := &OpsServer{
		addr:     addr,
		logger:   logger.Named("ops"),
		progress: progress,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/progress", s.progressHandler)

	s.router = r
	return s
}

// WithRuns mounts the run history endpoints. Call before Serve.
func (s *OpsServer) WithRuns(h *RunsHandler) *OpsServer {
	s.router.Get("/runs", h.ListRuns)
	s.router.Get("/runs/{run_id}", h.GetRun)
	return s
}

// Handler returns the router for use with http.Server.
func (s *OpsServer) Handler() http.Handler {
	return s.router
}

// Serve runs the server until ctx is canceled, then shuts down gracefully.
func (s *OpsServer) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *OpsServer) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *OpsServer) progressHandler(w http.ResponseWriter, _ *http.Request) {
	if s.progress == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.progress())
}

func (s *OpsServer) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
