package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// createTopicIfNotExists issues a CreateTopics admin request for a single
// topic. An already-existing topic is not an error; startup only needs the
// topic to be there.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return errors.New("op=kafka.create_topic: empty topic name")
	}
	if partitions <= 0 || replicationFactor <= 0 {
		return fmt.Errorf("op=kafka.create_topic: invalid sizing for %q (partitions=%d rf=%d)", topic, partitions, replicationFactor)
	}

	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replicationFactor

	req := kmsg.NewPtrCreateTopicsRequest()
	req.TimeoutMillis = 30_000
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("op=kafka.create_topic: %w", err)
	}

	for _, rt := range resp.Topics {
		kErr := kerr.ErrorForCode(rt.ErrorCode)
		switch {
		case kErr == nil:
			slog.Info("topic created",
				slog.String("topic", rt.Topic),
				slog.Int("partitions", int(partitions)))
		case errors.Is(kErr, kerr.TopicAlreadyExists):
			slog.Debug("topic already present", slog.String("topic", rt.Topic))
		default:
			return fmt.Errorf("op=kafka.create_topic %q: %w", rt.Topic, kErr)
		}
	}
	return nil
}
