// Package redpanda bridges job events across processes via Redpanda/Kafka.
//
// Workers publish lifecycle and progress events to the render-events topic;
// the ingress process consumes them and feeds its in-process fan-out hub.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/renderflow/internal/domain"
)

// TopicRenderEvents carries job lifecycle and progress events.
const TopicRenderEvents = "render-events"

// Producer publishes domain events to Kafka and implements domain.EventBus.
type Producer struct {
	client *kgo.Client
}

// NewProducer constructs a Producer against the given brokers.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, TopicRenderEvents, 8, 1); err != nil {
		slog.Warn("failed to create events topic, it may already exist",
			slog.String("topic", TopicRenderEvents), slog.Any("error", err))
	}
	return &Producer{client: client}, nil
}

// Publish produces the event keyed by job id so per-job ordering holds across
// partitions. credits_updated events are keyed by owner instead.
func (p *Producer) Publish(ctx context.Context, e domain.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	key := e.JobID
	if e.Type == domain.EventCreditsUpdated {
		key = e.OwnerID
	}
	record := &kgo.Record{
		Topic: TopicRenderEvents,
		Key:   []byte(key),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=events.publish type=%s: %w", e.Type, err)
	}
	return nil
}

// Close closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
