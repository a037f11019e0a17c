package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/clinalyze/diag-guidance/internal/adapter/observability"
	"github.com/clinalyze/diag-guidance/internal/config"
)

// DLQProducer publishes unprocessable raw messages to the dead-letter topic.
// It implements domain.DeadLetterSink: publish failures are logged and
// swallowed so the main loop never stalls on a degraded side channel.
type DLQProducer struct {
	client *kgo.Client
	topic  string
}

// NewDLQProducer constructs a DLQProducer using the same broker auth mode as
// the consumer.
func NewDLQProducer(cfg config.Config) (*DLQProducer, error) {
	slog.Info("creating dead-letter producer",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.String("topic", cfg.KafkaDeadLetterTopic))

	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	authOpts, err := brokerAuthOpts(cfg)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.auth: %w", err)
	}

	opts := append([]kgo.Opt{
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.RequestRetries(10),
	}, authOpts...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("dead-letter client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, cfg.KafkaDeadLetterTopic, 1, 1); err != nil {
		slog.Warn("failed to create dead-letter topic, it may already exist",
			slog.String("topic", cfg.KafkaDeadLetterTopic),
			slog.Any("error", err))
	}

	return &DLQProducer{client: client, topic: cfg.KafkaDeadLetterTopic}, nil
}

// newDeadLetterRecord builds the outbound record: original raw bytes as value,
// reason and exception detail as metadata headers.
func newDeadLetterRecord(topic string, raw []byte, reason string, cause error) *kgo.Record {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte("dlq-" + uuid.NewString()),
		Value: raw,
		Headers: []kgo.RecordHeader{
			{Key: "dlq-reason", Value: []byte(reason)},
			{Key: "dlq-exception", Value: []byte(detail)},
		},
	}
}

// Publish sends the raw message to the dead-letter topic. Failures are logged
// and swallowed.
func (p *DLQProducer) Publish(ctx context.Context, raw []byte, reason string, cause error) {
	record := newDeadLetterRecord(p.topic, raw, reason, cause)
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		slog.Error("dead-letter publish failed; message dropped after logging",
			slog.String("topic", p.topic),
			slog.String("reason", reason),
			slog.Any("error", err))
		return
	}
	observability.MessagesDeadLetteredTotal.Inc()
	slog.Info("message published to dead-letter topic",
		slog.String("topic", p.topic),
		slog.String("reason", reason),
		slog.Int("value_size", len(raw)))
}

// Close flushes and closes the underlying client.
func (p *DLQProducer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
