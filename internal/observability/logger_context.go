// Package observability provides context-scoped logging helpers shared by the
// consumer loop and the downstream adapters.
package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// recordIDContextKey is the private context key used to store the diagnostic
// record id being processed so that deeper layers (AI client, retrieval,
// store) can correlate their logs with the originating message.
type recordIDContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithRecordID stores a positive record id in the context.
func ContextWithRecordID(ctx context.Context, id int64) context.Context {
	if ctx == nil || id <= 0 {
		return ctx
	}
	return context.WithValue(ctx, recordIDContextKey{}, id)
}

// RecordIDFromContext retrieves the record id from the context, or zero when
// none is present.
func RecordIDFromContext(ctx context.Context) int64 {
	if ctx == nil {
		return 0
	}
	if v := ctx.Value(recordIDContextKey{}); v != nil {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}
