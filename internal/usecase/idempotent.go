package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

// IdempotentExecutor runs consumer handlers at most once per delivery, as
// tracked by the idempotency store. Only the winner of the mark runs the
// handler; a race loser assumes its peer does the work.
type IdempotentExecutor struct {
	Store      domain.IdempotencyStore
	ConsumerID string
}

// NewIdempotentExecutor builds an executor bound to one consumer identity.
func NewIdempotentExecutor(store domain.IdempotencyStore, consumerID string) *IdempotentExecutor {
	return &IdempotentExecutor{Store: store, ConsumerID: consumerID}
}

// ProcessOnce runs fn unless trackingID was already processed. The mark is
// claimed before fn runs and is not rolled back if fn fails: a crash between
// mark and handler would otherwise replay the handler anyway, so handlers
// must be safe to repeat and should forward trackingID downstream as their
// own idempotency key.
func (e *IdempotentExecutor) ProcessOnce(ctx domain.Context, trackingID string, fn func(ctx domain.Context) error) error {
	if trackingID == "" {
		return fmt.Errorf("op=idempotent.process_once: %w: tracking id required", domain.ErrInvalidArgument)
	}
	seen, err := e.Store.IsProcessed(ctx, trackingID)
	if err != nil {
		return fmt.Errorf("op=idempotent.process_once: %w", err)
	}
	if seen {
		slog.Debug("duplicate delivery skipped",
			slog.String("tracking_id", trackingID),
			slog.String("consumer_id", e.ConsumerID))
		return nil
	}

	won, err := e.Store.MarkProcessed(ctx, trackingID, e.ConsumerID)
	if err != nil {
		return fmt.Errorf("op=idempotent.process_once: %w", err)
	}
	if !won {
		slog.Debug("lost mark race, peer handles the delivery",
			slog.String("tracking_id", trackingID),
			slog.String("consumer_id", e.ConsumerID))
		return nil
	}

	return fn(ctx)
}
