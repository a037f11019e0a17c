// Package kafka provides the CDC consumer loop, envelope decoding,
// deduplication and dead-letter routing for the guidance pipeline.
package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/clinalyze/diag-guidance/internal/domain"
)

// EnvelopeShape tags which wire shape a record was decoded from.
type EnvelopeShape string

const (
	// ShapeFull is the complete Debezium change envelope (payload.before/after/op).
	ShapeFull EnvelopeShape = "debezium-full"
	// ShapeFlattened is the ExtractNewRecordState form (payload is the record).
	ShapeFlattened EnvelopeShape = "debezium-flattened"
)

// fullEnvelope is the complete change envelope shape.
type fullEnvelope struct {
	Payload *struct {
		Before *domain.DiagnosticRecord `json:"before"`
		After  *domain.DiagnosticRecord `json:"after"`
		Op     string                   `json:"op"`
		TsMs   int64                    `json:"ts_ms"`
	} `json:"payload"`
}

// flattenedEnvelope is the after-only shape produced by the flattening SMT.
type flattenedEnvelope struct {
	Payload *domain.DiagnosticRecord `json:"payload"`
}

// DecodeError reports that neither envelope shape matched, carrying both
// parse errors for diagnostic logging.
type DecodeError struct {
	FullErr      error
	FlattenedErr error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("unrecognized envelope: full=%v flattened=%v", e.FullErr, e.FlattenedErr)
}

func (e *DecodeError) Unwrap() error { return domain.ErrDecode }

// DecodeEnvelope parses raw message bytes into a DiagnosticRecord, trying the
// full envelope first and the flattened shape second. The order matters: the
// flattened shape is structurally a subset and would be mis-accepted as a
// degenerate full envelope if probed first.
func DecodeEnvelope(raw []byte) (*domain.DiagnosticRecord, EnvelopeShape, error) {
	var full fullEnvelope
	fullErr := json.Unmarshal(raw, &full)
	if fullErr == nil && full.Payload != nil && full.Payload.After != nil {
		return full.Payload.After, ShapeFull, nil
	}
	if fullErr == nil {
		fullErr = fmt.Errorf("payload.after absent")
	}

	var flat flattenedEnvelope
	flatErr := json.Unmarshal(raw, &flat)
	if flatErr == nil && flat.Payload != nil {
		return flat.Payload, ShapeFlattened, nil
	}
	if flatErr == nil {
		flatErr = fmt.Errorf("payload absent")
	}

	return nil, "", &DecodeError{FullErr: fullErr, FlattenedErr: flatErr}
}
