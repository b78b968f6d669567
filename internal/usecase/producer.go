// Package usecase wires the application services: event intake with
// backpressure, consumer-side idempotent execution, and health evaluation.
package usecase

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/outbox-relay/internal/adapter/observability"
	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

// Announcer is the optional NOTIFY hook that wakes relay workers after an
// insert. Implemented by the Postgres outbox repository.
type Announcer interface {
	Announce(ctx domain.Context, channel string) error
}

// EnqueueInput is the intake shape for a new outbox event. MaxRetries nil
// means the service default; an explicit zero is a valid budget that
// dead-letters on the first failure.
type EnqueueInput struct {
	TrackingID    string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       map[string]any
	Metadata      map[string]any
	MaxRetries    *int
}

// EnqueueResult reports the stored event, or that the backlog limiter
// discarded it.
type EnqueueResult struct {
	Event   domain.Event
	Dropped bool
}

// ProducerService accepts new events into the outbox.
type ProducerService struct {
	Repo              domain.OutboxRepository
	Limiter           *BacklogLimiter
	Announcer         Announcer
	Channel           string
	DefaultMaxRetries int
}

// NewProducerService constructs a ProducerService. announcer may be nil when
// the LISTEN/NOTIFY fast path is disabled.
func NewProducerService(repo domain.OutboxRepository, limiter *BacklogLimiter, announcer Announcer, channel string, defaultMaxRetries int) *ProducerService {
	return &ProducerService{
		Repo:              repo,
		Limiter:           limiter,
		Announcer:         announcer,
		Channel:           channel,
		DefaultMaxRetries: defaultMaxRetries,
	}
}

// Enqueue validates and stores one event. The backlog limiter runs first;
// depending on its action an over-limit intake either errors with
// domain.ErrBacklogExceeded or reports Dropped. The post-insert NOTIFY is
// best effort since polling delivers the event regardless.
func (s *ProducerService) Enqueue(ctx domain.Context, in EnqueueInput) (EnqueueResult, error) {
	tracer := otel.Tracer("usecase.producer")
	ctx, span := tracer.Start(ctx, "producer.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", in.EventType))

	if in.EventType == "" {
		return EnqueueResult{}, fmt.Errorf("op=producer.enqueue: %w: event type required", domain.ErrInvalidArgument)
	}
	if in.AggregateID == "" {
		return EnqueueResult{}, fmt.Errorf("op=producer.enqueue: %w: aggregate id required", domain.ErrInvalidArgument)
	}
	if in.Payload == nil {
		return EnqueueResult{}, fmt.Errorf("op=producer.enqueue: %w: payload required", domain.ErrInvalidArgument)
	}

	_, dropped, err := s.Limiter.Admit(ctx)
	if err != nil {
		return EnqueueResult{}, err
	}
	if dropped {
		return EnqueueResult{Dropped: true}, nil
	}

	maxRetries := s.DefaultMaxRetries
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return EnqueueResult{}, fmt.Errorf("op=producer.enqueue: %w: max retries must be non-negative", domain.ErrInvalidArgument)
		}
		maxRetries = *in.MaxRetries
	}
	stored, err := s.Repo.Insert(ctx, domain.Event{
		TrackingID:    in.TrackingID,
		AggregateID:   in.AggregateID,
		AggregateType: in.AggregateType,
		EventType:     in.EventType,
		Payload:       in.Payload,
		Metadata:      in.Metadata,
		MaxRetries:    maxRetries,
	})
	if err != nil {
		return EnqueueResult{}, err
	}
	observability.EventsInsertedTotal.WithLabelValues(stored.EventType).Inc()

	if s.Announcer != nil && s.Channel != "" {
		if err := s.Announcer.Announce(ctx, s.Channel); err != nil {
			slog.Warn("post-insert notify failed", slog.Any("error", err))
		}
	}
	return EnqueueResult{Event: stored}, nil
}
