package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService enforces data retention on terminal outbox rows and aged
// inbox records.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a cleanup service with a sane retention default.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes COMPLETED and DEAD_LETTER rows older than the
// retention window, plus inbox records past the same cutoff. PENDING,
// FAILED, and PROCESSING rows are never touched regardless of age.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE status IN ('COMPLETED','DEAD_LETTER')
		  AND created_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.outbox: %w", err)
	}
	deletedEvents := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `
		DELETE FROM inbox
		WHERE processed_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.inbox: %w", err)
	}
	deletedInbox := tag.RowsAffected()

	slog.Info("data cleanup completed",
		slog.Int64("deleted_events", deletedEvents),
		slog.Int64("deleted_inbox", deletedInbox),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs cleanup on an interval until ctx is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
