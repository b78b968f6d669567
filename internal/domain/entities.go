package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrDuplicateTracking = errors.New("duplicate tracking id")
	ErrLeaseLost         = errors.New("lease lost")
	ErrBacklogExceeded   = errors.New("backlog exceeded")
	ErrInternal          = errors.New("internal error")
)

// EventStatus enumerates the outbox lifecycle states. The values are stored
// verbatim in the status column.
type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventProcessing EventStatus = "PROCESSING"
	EventCompleted  EventStatus = "COMPLETED"
	EventFailed     EventStatus = "FAILED"
	EventDeadLetter EventStatus = "DEAD_LETTER"
)

// IsTerminal reports whether the status permits no further relay-driven
// transitions. DEAD_LETTER is terminal for the relay; only an operator
// redrive re-enters PENDING.
func (s EventStatus) IsTerminal() bool {
	return s == EventCompleted || s == EventDeadLetter
}

// Valid reports whether s is one of the five lifecycle states.
func (s EventStatus) Valid() bool {
	switch s {
	case EventPending, EventProcessing, EventCompleted, EventFailed, EventDeadLetter:
		return true
	}
	return false
}

// Event is one outbox row. The relay treats Payload and Metadata as opaque
// documents; they round-trip through JSONB untouched.
//
// Invariants: Status == PROCESSING iff LockedUntil and LockToken are both set;
// RetryCount <= MaxRetries while the event is live; TrackingID is unique.
type Event struct {
	ID            int64
	TrackingID    string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       map[string]any
	Metadata      map[string]any
	Status        EventStatus
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	LockedUntil   *time.Time
	LockToken     *int64
	LastError     *string
	VisibleAt     time.Time
}

// RecentQuery parameterizes cursor pagination over event ids.
// After and Before are exclusive id cursors; zero means unset.
type RecentQuery struct {
	Limit  int
	After  int64
	Before int64
}

// EventPage is one page of FindRecent output, newest first.
type EventPage struct {
	Events  []Event
	HasMore bool
}

// DeadLetterStat aggregates DEAD_LETTER rows for one event type.
type DeadLetterStat struct {
	EventType    string
	Count        int64
	OldestAge    time.Duration
	NewestAge    time.Duration
	ErrorSamples []string
}

// OutboxStats is the read-only aggregate snapshot served by the health and
// metrics surfaces.
type OutboxStats struct {
	Pending          int64
	Processing       int64
	Completed        int64
	DeadLetter       int64
	OldestPendingAge time.Duration
}

// IdempotencyRecord is one consumer-side inbox row.
type IdempotencyRecord struct {
	TrackingID  string
	ConsumerID  string
	ProcessedAt time.Time
}

// Repositories (ports)

// OutboxRepository is the narrow set of atomic operations over the outbox
// table. Every mutation out of PROCESSING is fenced on the lock token: the
// bool result is true iff exactly one row changed, and false means the caller
// no longer holds the lease and must abandon the event.
type OutboxRepository interface {
	Insert(ctx Context, e Event) (Event, error)
	ClaimBatch(ctx Context, batchSize int, lease time.Duration, lockToken int64) ([]Event, error)
	MarkCompleted(ctx Context, id, lockToken int64) (bool, error)
	MarkFailed(ctx Context, id, lockToken int64, lastError string, retryIn time.Duration) (bool, error)
	MarkDeadLetter(ctx Context, id, lockToken int64, lastError string) (bool, error)
	RenewLease(ctx Context, id, lockToken int64, lease time.Duration) (bool, error)
	RecoverStaleEvents(ctx Context) (int64, error)
	RedriveByEventType(ctx Context, eventType string) (int64, error)
	RedriveByID(ctx Context, id int64) (bool, error)

	PendingCount(ctx Context) (int64, error)
	ProcessingCount(ctx Context) (int64, error)
	CompletedCount(ctx Context) (int64, error)
	DeadLetterCount(ctx Context) (int64, error)
	OldestPendingAge(ctx Context) (time.Duration, error)
	FindByID(ctx Context, id int64) (Event, error)
	FindByTrackingID(ctx Context, trackingID string) (Event, error)
	FindByStatus(ctx Context, status EventStatus, limit int) ([]Event, error)
	FindRecent(ctx Context, q RecentQuery) (EventPage, error)
	DeadLetterStats(ctx Context) ([]DeadLetterStat, error)
}

// IdempotencyStore is the consumer-side deduplication port. MarkProcessed is
// race-safe: exactly one concurrent caller for a (tracking_id, consumer_id)
// pair observes true.
type IdempotencyStore interface {
	IsProcessed(ctx Context, trackingID string) (bool, error)
	MarkProcessed(ctx Context, trackingID, consumerID string) (bool, error)
	GetRecord(ctx Context, trackingID string) (*IdempotencyRecord, error)
}

// Publisher (port)

// Publisher delivers one event to the external destination. A nil error is a
// successful publish; an error wrapped with Permanent is not retried; any
// other error is treated as transient.
type Publisher interface {
	Publish(ctx Context, e Event) error
	IsHealthy(ctx Context) bool
}

// Context is an alias so adapters and usecases pass context.Context through
// without the domain package importing adapter concerns.
type Context = context.Context
