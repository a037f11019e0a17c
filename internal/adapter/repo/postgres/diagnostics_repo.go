package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/clinalyze/diag-guidance/internal/adapter/observability"
	"github.com/clinalyze/diag-guidance/internal/config"
)

// PgxPool is the subset of pgxpool.Pool used by the repositories. Tests
// substitute a stub.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// DiagnosticsRepo writes guidance onto diagnostics rows. It implements
// domain.DiagnosticStore.
type DiagnosticsRepo struct {
	Pool PgxPool

	commandTimeout time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	multiplier     float64
}

// NewDiagnosticsRepo constructs a DiagnosticsRepo with the given pool and
// retry policy.
func NewDiagnosticsRepo(p PgxPool, cfg config.Config) *DiagnosticsRepo {
	return &DiagnosticsRepo{
		Pool:           p,
		commandTimeout: cfg.DBCommandTimeout,
		maxAttempts:    cfg.RetryMaxAttempts,
		initialBackoff: cfg.RetryInitialInterval,
		maxBackoff:     cfg.RetryMaxInterval,
		multiplier:     cfg.RetryMultiplier,
	}
}

// UpdateGuidance sets ia_guidance on the matching row and bumps updated_at.
// The bool reports whether any row matched; zero matches is not an error
// (the row may have been deleted since the change event was emitted). The
// statement is retried with exponential backoff on transient failures.
func (r *DiagnosticsRepo) UpdateGuidance(ctx context.Context, id int64, guidance string) (bool, error) {
	tracer := otel.Tracer("repo.diagnostics")
	ctx, span := tracer.Start(ctx, "diagnostics.UpdateGuidance")
	defer span.End()

	start := time.Now()
	defer func() {
		observability.DBUpdateDuration.WithLabelValues("update_guidance").Observe(time.Since(start).Seconds())
	}()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.initialBackoff
	expo.MaxInterval = r.maxBackoff
	expo.Multiplier = r.multiplier

	q := `UPDATE diagnostics SET ia_guidance=$2, updated_at=now() WHERE id=$1`

	tag, err := backoff.RetryWithData(func() (pgconn.CommandTag, error) {
		execCtx, cancel := context.WithTimeout(ctx, r.commandTimeout)
		defer cancel()
		tag, err := r.Pool.Exec(execCtx, q, id, guidance)
		if err != nil {
			slog.Warn("guidance update attempt failed",
				slog.Int64("record_id", id),
				slog.Any("error", err))
			return pgconn.CommandTag{}, err
		}
		return tag, nil
	}, backoff.WithContext(backoff.WithMaxRetries(expo, uint64(r.maxAttempts-1)), ctx))
	if err != nil {
		return false, fmt.Errorf("op=diagnostics.update_guidance id=%d: %w", id, err)
	}

	return tag.RowsAffected() > 0, nil
}
