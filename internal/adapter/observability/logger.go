// Package observability provides logging, metrics, and tracing setup for the
// worker process.
package observability

import (
	"log/slog"
	"os"

	"github.com/clinalyze/diag-guidance/internal/config"
)

// SetupLogger builds the process-wide JSON slog logger. Every line carries the
// service name and environment so aggregated logs from several deployments
// stay searchable. Dev environments log at debug, everything else at info.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDev() {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
