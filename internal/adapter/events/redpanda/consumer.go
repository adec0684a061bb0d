package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

// Consumer reads render events from Kafka and republishes them onto a local
// bus (typically the fan-out hub).
type Consumer struct {
	client *kgo.Client
	sink   domain.EventBus
}

// NewConsumer constructs a group consumer for the render-events topic.
func NewConsumer(brokers []string, groupID string, sink domain.EventBus) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(TopicRenderEvents),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer: %w", err)
	}
	return &Consumer{client: client, sink: sink}, nil
}

// Run polls until the context is cancelled, forwarding each event to the sink.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("events consumer fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			var e domain.Event
			if err := json.Unmarshal(rec.Value, &e); err != nil {
				slog.Warn("dropping malformed event record", slog.Any("error", err))
				return
			}
			if err := c.sink.Publish(ctx, e); err != nil {
				slog.Error("events consumer publish failed",
					slog.String("type", string(e.Type)),
					slog.String("job_id", e.JobID),
					slog.Any("error", err))
			}
		})
	}
}

// Close closes the underlying client.
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
