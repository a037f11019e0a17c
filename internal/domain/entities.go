// Package domain holds the core entities and ports of the guidance pipeline.
package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDecode          = errors.New("envelope decode failed")
	ErrModelNotFound   = errors.New("model not found")
)

// DiagnosticRecord mirrors one row of the diagnostics table as carried by the
// CDC stream. Identity is ID; the pipeline only ever mutates IAGuidance (and
// the store bumps updated_at alongside it).
type DiagnosticRecord struct {
	ID             int64   `json:"id"`
	DiagnosticText string  `json:"diagnostic_text"`
	IAGuidance     *string `json:"ia_guidance"`
	DateCreation   *string `json:"date_creation"`
	CreatedBy      *string `json:"created_by"`
	UpdatedAt      *string `json:"updated_at"`
	Deleted        *string `json:"__deleted"`
}

// GuidanceClient (port) produces an AI guidance string for sanitized
// diagnostic text, or a terminal error for this attempt.
type GuidanceClient interface {
	GetGuidance(ctx context.Context, diagnosticText string) (string, error)
}

// ContextRetriever (port) fetches supporting knowledge-base context for a
// query. Implementations must degrade to an empty string, never error.
type ContextRetriever interface {
	GetContext(ctx context.Context, query string) string
}

// DiagnosticStore (port) persists guidance for a record. The bool reports
// whether any row matched the id.
type DiagnosticStore interface {
	UpdateGuidance(ctx context.Context, id int64, guidance string) (bool, error)
}

// DeadLetterSink (port) redirects unprocessable raw messages to a side
// channel. Publish failures are logged and swallowed by implementations so
// the main stream never stalls on a degraded sink.
type DeadLetterSink interface {
	Publish(ctx context.Context, raw []byte, reason string, cause error)
}

// InputGate (port) is the yes/no content-safety check applied before any
// downstream call. The string is a human-readable rejection reason.
type InputGate interface {
	Validate(text string) (bool, string)
}
