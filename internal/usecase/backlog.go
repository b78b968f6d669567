package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/outbox-relay/internal/config"
	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

// BacklogLimiter applies ingress backpressure based on the number of
// undelivered events. The count is read per admission, so the limit is
// approximate under concurrent producers; that is acceptable because the
// limit exists to stop unbounded growth, not to enforce an exact ceiling.
type BacklogLimiter struct {
	Repo    domain.OutboxRepository
	MaxSize int64
	Action  string
}

// NewBacklogLimiter builds a limiter. A non-positive MaxSize disables it.
func NewBacklogLimiter(repo domain.OutboxRepository, cfg config.Config) *BacklogLimiter {
	return &BacklogLimiter{
		Repo:    repo,
		MaxSize: cfg.MaxBacklogSize,
		Action:  cfg.OnLimitExceeded,
	}
}

// Admit decides whether a new event may enter the outbox. The second return
// is true when the configured action is to silently drop the event.
func (l *BacklogLimiter) Admit(ctx domain.Context) (allowed, dropped bool, err error) {
	if l == nil || l.MaxSize <= 0 {
		return true, false, nil
	}
	pending, err := l.Repo.PendingCount(ctx)
	if err != nil {
		return false, false, fmt.Errorf("op=backlog.admit: %w", err)
	}
	if pending < l.MaxSize {
		return true, false, nil
	}
	switch l.Action {
	case config.LimitActionWarn:
		slog.Warn("outbox backlog limit exceeded, admitting anyway",
			slog.Int64("pending", pending),
			slog.Int64("limit", l.MaxSize))
		return true, false, nil
	case config.LimitActionDrop:
		slog.Warn("outbox backlog limit exceeded, dropping event",
			slog.Int64("pending", pending),
			slog.Int64("limit", l.MaxSize))
		return false, true, nil
	default:
		return false, false, fmt.Errorf("op=backlog.admit: %w: %d pending of %d allowed",
			domain.ErrBacklogExceeded, pending, l.MaxSize)
	}
}

// Utilization returns pending count as a percentage of the limit, or zero
// when the limiter is disabled.
func (l *BacklogLimiter) Utilization(ctx domain.Context) (float64, error) {
	if l == nil || l.MaxSize <= 0 {
		return 0, nil
	}
	pending, err := l.Repo.PendingCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=backlog.utilization: %w", err)
	}
	return float64(pending) / float64(l.MaxSize) * 100, nil
}
