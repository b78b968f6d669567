// Package kafka publishes outbox events to Kafka/Redpanda via franz-go.
//
// Delivery is at-least-once: the relay only marks an event completed after
// the broker acknowledges the record, so consumers must deduplicate on the
// tracking id.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/fairyhunter13/outbox-relay/internal/config"
	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

// envelope is the wire shape of a published event.
type envelope struct {
	TrackingID    string         `json:"tracking_id"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Publisher implements domain.Publisher on top of a franz-go client with a
// per-event-type topic routing table.
type Publisher struct {
	client  *kgo.Client
	routing config.TopicRouting
}

// NewPublisher dials the brokers and ensures the default topic exists.
// Topic creation failure is non-fatal since the topic usually pre-exists.
func NewPublisher(brokers []string, routing config.TopicRouting) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.new_publisher: no seed brokers provided")
	}
	slog.Info("creating kafka publisher",
		slog.Any("brokers", brokers),
		slog.String("default_topic", routing.DefaultTopic))

	tracer := kotel.NewTracer()
	ktl := kotel.NewKotel(kotel.WithTracer(tracer))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.WithHooks(ktl.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.new_publisher: %w", err)
	}

	ctx := context.Background()
	if err := createTopicIfNotExists(ctx, client, routing.DefaultTopic, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", routing.DefaultTopic),
			slog.Any("error", err))
	}

	return &Publisher{client: client, routing: routing}, nil
}

// Publish sends one event and waits for the broker acknowledgment. The
// record key is the aggregate id so all events of one aggregate land on the
// same partition and keep their order. Marshal failures are permanent: the
// row will never serialize, so retrying is pointless.
func (p *Publisher) Publish(ctx domain.Context, e domain.Event) error {
	b, err := json.Marshal(envelope{
		TrackingID:    e.TrackingID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     e.EventType,
		Payload:       e.Payload,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt,
	})
	if err != nil {
		return domain.Permanent(fmt.Errorf("op=kafka.publish: marshal: %w", err))
	}

	key := e.AggregateID
	if key == "" {
		key = e.TrackingID
	}
	record := &kgo.Record{
		Topic: p.routing.TopicFor(e.EventType),
		Key:   []byte(key),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "tracking_id", Value: []byte(e.TrackingID)},
			{Key: "event_type", Value: []byte(e.EventType)},
			{Key: "aggregate_type", Value: []byte(e.AggregateType)},
		},
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=kafka.publish: produce: %w", err)
	}
	return nil
}

// IsHealthy pings the brokers with a short deadline.
func (p *Publisher) IsHealthy(ctx domain.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return p.client.Ping(ctx) == nil
}

// Close flushes buffered records and closes the client.
func (p *Publisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("kafka flush on close failed", slog.Any("error", err))
	}
	p.client.Close()
}
