package usecase

import (
	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

// StatsService aggregates the outbox counters for the ops API and the
// metrics poller.
type StatsService struct {
	Repo domain.OutboxRepository
}

// Collect reads all status counts plus the oldest pending age. The counts
// come from separate queries, so the snapshot is not transactionally
// consistent; the consumers are dashboards and alerts where that is fine.
func (s *StatsService) Collect(ctx domain.Context) (domain.OutboxStats, error) {
	var (
		stats domain.OutboxStats
		err   error
	)
	if stats.Pending, err = s.Repo.PendingCount(ctx); err != nil {
		return domain.OutboxStats{}, err
	}
	if stats.Processing, err = s.Repo.ProcessingCount(ctx); err != nil {
		return domain.OutboxStats{}, err
	}
	if stats.Completed, err = s.Repo.CompletedCount(ctx); err != nil {
		return domain.OutboxStats{}, err
	}
	if stats.DeadLetter, err = s.Repo.DeadLetterCount(ctx); err != nil {
		return domain.OutboxStats{}, err
	}
	if stats.OldestPendingAge, err = s.Repo.OldestPendingAge(ctx); err != nil {
		return domain.OutboxStats{}, err
	}
	return stats, nil
}
