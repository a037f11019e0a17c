package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinalyze/diag-guidance/internal/config"
)

func TestBrokerAuthOpts_SASLWhenCredentialsPresent(t *testing.T) {
	cfg := config.Config{
		KafkaSASLUsername: "svc-user",
		KafkaSASLPassword: "svc-pass",
	}
	opts, err := brokerAuthOpts(cfg)
	require.NoError(t, err)
	assert.Len(t, opts, 2)
}

func TestBrokerAuthOpts_ErrorWhenNothingConfigured(t *testing.T) {
	cfg := config.Config{
		KafkaCertLocation: "does/not/exist.cert",
		KafkaKeyLocation:  "does/not/exist.key",
	}
	opts, err := brokerAuthOpts(cfg)
	require.Error(t, err)
	assert.Nil(t, opts)
	assert.Contains(t, err.Error(), "no usable broker authentication")
}

func TestBrokerAuthOpts_MTLSRequiresCA(t *testing.T) {
	// Cert and key exist but no CA: must not silently fall through to mTLS.
	cfg := config.Config{
		KafkaCertLocation: "testdata/missing.cert",
		KafkaKeyLocation:  "testdata/missing.key",
	}
	_, err := brokerAuthOpts(cfg)
	require.Error(t, err)
}

func TestNewDeadLetterRecord(t *testing.T) {
	rec := newDeadLetterRecord("diagnostics-dlq", []byte(`{"bad":"payload"}`), "unrecognized envelope format", assertErr{})

	assert.Equal(t, "diagnostics-dlq", rec.Topic)
	assert.Equal(t, []byte(`{"bad":"payload"}`), rec.Value)
	assert.Contains(t, string(rec.Key), "dlq-")

	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "unrecognized envelope format", headers["dlq-reason"])
	assert.Equal(t, "boom", headers["dlq-exception"])
}

func TestNewDeadLetterRecord_NilCause(t *testing.T) {
	rec := newDeadLetterRecord("diagnostics-dlq", []byte("x"), "record id missing or zero", nil)
	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "", headers["dlq-exception"])
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
