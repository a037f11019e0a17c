// Package app wires the worker's operational HTTP surface.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinalyze/diag-guidance/internal/monitoring"
)

// NewHealthRouter builds the router serving liveness, readiness and metrics.
func NewHealthRouter(monitor *monitoring.Monitor) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		goroutines, heapMB, at := monitor.Snapshot()
		status := http.StatusOK
		verdict := "ready"
		if !monitor.Healthy() {
			status = http.StatusServiceUnavailable
			verdict = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     verdict,
			"goroutines": goroutines,
			"heap_mb":    heapMB,
			"sampled_at": at,
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ServeHealth runs the operational HTTP server until ctx is cancelled.
func ServeHealth(ctx context.Context, port int, handler http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("health server listening", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("op=app.health_server: %w", err)
	}
	return nil
}
