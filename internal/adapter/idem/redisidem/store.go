// Package redisidem is a Redis-backed idempotency store for consumers that
// cannot share the producer's database. Records expire after a configurable
// TTL, so deduplication only holds within that window.
package redisidem

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

const keyPrefix = "outbox:inbox:"

// Store implements domain.IdempotencyStore on Redis using SET NX with TTL.
type Store struct {
	Client     *redis.Client
	ConsumerID string
	TTL        time.Duration
}

// New constructs a Store. A zero TTL defaults to 90 days, matching the
// relational inbox retention.
func New(client *redis.Client, consumerID string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &Store{Client: client, ConsumerID: consumerID, TTL: ttl}
}

func (s *Store) key(trackingID, consumerID string) string {
	return keyPrefix + consumerID + ":" + trackingID
}

// IsProcessed reports whether the delivery was already handled by this
// consumer within the TTL window.
func (s *Store) IsProcessed(ctx domain.Context, trackingID string) (bool, error) {
	n, err := s.Client.Exists(ctx, s.key(trackingID, s.ConsumerID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisidem.is_processed: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed claims the delivery. SET NX is atomic, so exactly one caller
// per (tracking id, consumer) gets true.
func (s *Store) MarkProcessed(ctx domain.Context, trackingID, consumerID string) (bool, error) {
	if consumerID == "" {
		consumerID = s.ConsumerID
	}
	ok, err := s.Client.SetNX(ctx, s.key(trackingID, consumerID),
		time.Now().UTC().Format(time.RFC3339Nano), s.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("op=redisidem.mark_processed: %w", err)
	}
	return ok, nil
}

// GetRecord returns the processing record, or nil when the delivery has not
// been seen or its record has expired.
func (s *Store) GetRecord(ctx domain.Context, trackingID string) (*domain.IdempotencyRecord, error) {
	val, err := s.Client.Get(ctx, s.key(trackingID, s.ConsumerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=redisidem.get_record: %w", err)
	}
	processedAt, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return nil, fmt.Errorf("op=redisidem.get_record: parse timestamp: %w", err)
	}
	return &domain.IdempotencyRecord{
		TrackingID:  trackingID,
		ConsumerID:  s.ConsumerID,
		ProcessedAt: processedAt,
	}, nil
}
