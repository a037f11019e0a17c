package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/clinalyze/diag-guidance/internal/adapter/observability"
	"github.com/clinalyze/diag-guidance/internal/config"
	"github.com/clinalyze/diag-guidance/internal/domain"
	obsctx "github.com/clinalyze/diag-guidance/internal/observability"
	"github.com/clinalyze/diag-guidance/internal/security"
)

// Consumer is the single sequential CDC consumer loop. Exactly one message is
// decoded, processed and committed at a time: that keeps the
// dedup-then-commit protocol race-free and preserves delivery order within a
// partition. Only the dedup sweep runs on a second schedule.
type Consumer struct {
	client   *kgo.Client
	guidance domain.GuidanceClient
	store    domain.DiagnosticStore
	dlq      domain.DeadLetterSink
	gate     domain.InputGate
	dedup    *DedupCache

	topic        string
	groupID      string
	pollTimeout  time.Duration
	sweepEvery   time.Duration
	writeEnabled bool
	maxChars     int

	// commitFn and seekFn are swapped in tests to observe commit and rewind
	// discipline.
	commitFn func(ctx context.Context, rec *kgo.Record) error
	seekFn   func(rec *kgo.Record)
}

// NewConsumer constructs the consumer, selecting the broker authentication
// mode and ensuring the topic exists. An unusable auth configuration is a
// fatal startup error.
func NewConsumer(cfg config.Config, guidance domain.GuidanceClient, store domain.DiagnosticStore, dlq domain.DeadLetterSink, gate domain.InputGate) (*Consumer, error) {
	slog.Info("creating kafka consumer",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.String("group_id", cfg.KafkaGroupID),
		slog.String("topic", cfg.KafkaTopic),
		slog.String("offset_reset", cfg.KafkaOffsetReset))

	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if cfg.KafkaGroupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}

	authOpts, err := brokerAuthOpts(cfg)
	if err != nil {
		return nil, fmt.Errorf("op=consumer.auth: %w", err)
	}

	kotelTracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(kotelTracer))

	opts := append([]kgo.Opt{
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.ConsumerGroup(cfg.KafkaGroupID),
		kgo.ConsumeTopics(cfg.KafkaTopic),
		kgo.DisableAutoCommit(),
		offsetResetOpt(cfg.KafkaOffsetReset),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.FetchMaxWait(cfg.KafkaPollTimeout),
	}, authOpts...)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer client: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, cfg.KafkaTopic, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", cfg.KafkaTopic),
			slog.Any("error", err))
	}

	c := &Consumer{
		client:       client,
		guidance:     guidance,
		store:        store,
		dlq:          dlq,
		gate:         gate,
		dedup:        NewDedupCache(cfg.DedupRetention),
		topic:        cfg.KafkaTopic,
		groupID:      cfg.KafkaGroupID,
		pollTimeout:  cfg.KafkaPollTimeout,
		sweepEvery:   cfg.DedupSweepInterval,
		writeEnabled: cfg.EnableDatabaseWrite,
		maxChars:     cfg.MaxDiagnosticChars,
	}
	c.commitFn = c.commitRecord
	c.seekFn = c.seekTo
	slog.Info("kafka consumer created successfully")
	return c, nil
}

// Start runs the consumer loop until ctx is cancelled, then closes the
// subscription cleanly. Any in-flight message finishes its commit or
// dead-letter step before shutdown.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting consumer loop",
		slog.String("topic", c.topic),
		slog.String("group_id", c.groupID))

	go c.sweepLoop(ctx)

	pollCount := 0
	for {
		if ctx.Err() != nil {
			break
		}
		pollCount++

		pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
		fetches := c.client.PollFetches(pollCtx)
		cancel()

		if fetches.IsClientClosed() {
			slog.Info("consumer client closed, stopping loop")
			break
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			fatal := false
			for _, fe := range errs {
				switch {
				case errors.Is(fe.Err, context.DeadlineExceeded):
					// Bounded empty poll; keep going.
				case errors.Is(fe.Err, context.Canceled):
					fatal = true
				default:
					slog.Error("fetch error",
						slog.String("topic", fe.Topic),
						slog.Int("partition", int(fe.Partition)),
						slog.Any("error", fe.Err))
				}
			}
			if fatal {
				break
			}
		}
		if fetches.NumRecords() == 0 {
			if pollCount%20 == 0 {
				slog.Debug("no messages received",
					slog.Int("poll_count", pollCount),
					slog.String("topic", c.topic))
			}
			continue
		}

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			c.processPartition(ctx, p.Records)
		})
	}

	c.client.Close()
	slog.Info("kafka consumer closed")
	return ctx.Err()
}

// processPartition handles one partition's fetched records in delivery
// order. The first failure aborts the rest of the batch: committing any later
// offset from the same partition would implicitly acknowledge the failed
// record, which must stay uncommitted. The consumer rewinds to the failed
// offset so the next poll redelivers it without waiting for a rebalance.
func (c *Consumer) processPartition(ctx context.Context, recs []*kgo.Record) {
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		if err := c.handleRecord(ctx, rec); err != nil {
			slog.Error("message processing failed; rewinding partition for redelivery",
				slog.Int64("offset", rec.Offset),
				slog.Int("partition", int(rec.Partition)),
				slog.Any("error", err))
			c.seekFn(rec)
			return
		}
	}
}

// seekTo moves the partition's consume position back to rec so it is fetched
// again on the next poll.
func (c *Consumer) seekTo(rec *kgo.Record) {
	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		rec.Topic: {rec.Partition: {Epoch: rec.LeaderEpoch, Offset: rec.Offset}},
	})
}

// handleRecord executes the per-message pipeline. A nil return means the
// offset was committed (processed, skipped, dropped or dead-lettered); a
// non-nil return means the offset stays uncommitted for redelivery.
func (c *Consumer) handleRecord(ctx context.Context, rec *kgo.Record) error {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessDiagnosticMessage")
	defer span.End()

	start := time.Now()
	slog.Info("message received",
		slog.Int64("offset", rec.Offset),
		slog.Int("partition", int(rec.Partition)),
		slog.Int("value_size", len(rec.Value)))

	record, shape, err := DecodeEnvelope(rec.Value)
	if err != nil {
		slog.Warn("message invalid (no recognized envelope shape), routing to dead-letter",
			slog.Int64("offset", rec.Offset),
			slog.String("value_preview", preview(rec.Value, 500)))
		c.dlq.Publish(ctx, rec.Value, "unrecognized envelope format", err)
		c.commit(ctx, rec)
		return nil
	}

	if record.ID <= 0 {
		slog.Warn("message invalid (record id missing or zero), routing to dead-letter",
			slog.Int64("offset", rec.Offset))
		c.dlq.Publish(ctx, rec.Value, "record id missing or zero", nil)
		c.commit(ctx, rec)
		return nil
	}

	lg := obsctx.LoggerFromContext(ctx).With(
		slog.Int64("record_id", record.ID),
		slog.String("envelope_shape", string(shape)),
	)
	ctx = obsctx.ContextWithLogger(ctx, lg)
	ctx = obsctx.ContextWithRecordID(ctx, record.ID)

	lg.Info("diagnostic record decoded",
		slog.String("text_preview", preview([]byte(record.DiagnosticText), 50)))

	if c.dedup.Seen(record.ID) {
		lg.Warn("record processed recently, skipping redelivery")
		observability.MessagesSkippedTotal.Inc()
		c.commit(ctx, rec)
		return nil
	}

	if ok, reason := c.gate.Validate(record.DiagnosticText); !ok {
		// Policy: flagged content is counted and dropped, never redelivered
		// and never dead-lettered.
		lg.Error("input validation gate rejected record, dropping",
			slog.String("reason", reason))
		observability.MessagesDroppedTotal.Inc()
		c.commit(ctx, rec)
		return nil
	}

	safeText := security.TruncateSafely(record.DiagnosticText, c.maxChars)

	guidance, err := c.guidance.GetGuidance(ctx, safeText)
	if err != nil {
		return fmt.Errorf("op=consumer.guidance id=%d: %w", record.ID, err)
	}

	if c.writeEnabled {
		affected, err := c.store.UpdateGuidance(ctx, record.ID, guidance)
		if err != nil {
			return fmt.Errorf("op=consumer.writeback id=%d: %w", record.ID, err)
		}
		if !affected {
			lg.Warn("no rows affected by guidance update; record may have been deleted upstream")
		}
	} else {
		lg.Warn("database write disabled by feature flag, skipping update")
	}

	c.dedup.Mark(record.ID)
	observability.MessagesProcessedTotal.Inc()
	observability.ProcessingDuration.Observe(time.Since(start).Seconds())
	c.commit(ctx, rec)

	lg.Info("message processed successfully",
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// commit acknowledges the record's offset; failures are logged, not fatal:
// the dedup cache suppresses the resulting redelivery.
func (c *Consumer) commit(ctx context.Context, rec *kgo.Record) {
	if err := c.commitFn(ctx, rec); err != nil {
		slog.Warn("offset commit failed",
			slog.Int64("offset", rec.Offset),
			slog.Int("partition", int(rec.Partition)),
			slog.Any("error", err))
	}
}

func (c *Consumer) commitRecord(ctx context.Context, rec *kgo.Record) error {
	return c.client.CommitRecords(ctx, rec)
}

// sweepLoop purges expired dedup entries on a fixed interval. It is the only
// mutator of cache size besides the main loop's inserts.
func (c *Consumer) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.dedup.Sweep()
			slog.Debug("dedup cache sweep complete",
				slog.Int("removed", removed),
				slog.Int("remaining", c.dedup.Len()))
		}
	}
}

// Close closes the underlying subscription.
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

func preview(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
