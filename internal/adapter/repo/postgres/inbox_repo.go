package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

// InboxRepo is the consumer-side deduplication store backed by the inbox
// table. The unique (tracking_id, consumer_id) pair makes MarkProcessed an
// atomic claim: exactly one caller wins per delivery.
type InboxRepo struct {
	Pool       PgxPool
	ConsumerID string
}

// NewInboxRepo constructs an InboxRepo for the given consumer identity.
func NewInboxRepo(p PgxPool, consumerID string) *InboxRepo {
	return &InboxRepo{Pool: p, ConsumerID: consumerID}
}

// IsProcessed reports whether this consumer has already handled the delivery.
func (r *InboxRepo) IsProcessed(ctx domain.Context, trackingID string) (bool, error) {
	var n int64
	row := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM inbox WHERE tracking_id=$1 AND consumer_id=$2`,
		trackingID, r.ConsumerID)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("op=inbox.is_processed: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records the delivery as handled. ON CONFLICT DO NOTHING makes
// the insert idempotent; RowsAffected distinguishes the winner (true) from a
// replayed delivery (false).
func (r *InboxRepo) MarkProcessed(ctx domain.Context, trackingID, consumerID string) (bool, error) {
	if consumerID == "" {
		consumerID = r.ConsumerID
	}
	tag, err := r.Pool.Exec(ctx,
		`INSERT INTO inbox (tracking_id, consumer_id, processed_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (tracking_id, consumer_id) DO NOTHING`,
		trackingID, consumerID)
	if err != nil {
		return false, fmt.Errorf("op=inbox.mark_processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetRecord returns the processing record for a delivery, or nil when the
// delivery has not been seen.
func (r *InboxRepo) GetRecord(ctx domain.Context, trackingID string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	row := r.Pool.QueryRow(ctx,
		`SELECT tracking_id, consumer_id, processed_at FROM inbox
		 WHERE tracking_id=$1 AND consumer_id=$2`,
		trackingID, r.ConsumerID)
	if err := row.Scan(&rec.TrackingID, &rec.ConsumerID, &rec.ProcessedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=inbox.get_record: %w", err)
	}
	return &rec, nil
}
