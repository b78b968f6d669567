package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/outbox-relay/internal/adapter/observability"
	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

// Reaper periodically returns expired PROCESSING leases to PENDING. It is
// the safety net for worker crashes; fenced finalization keeps it safe to
// run alongside live workers on the same pool.
type Reaper struct {
	Repo     domain.OutboxRepository
	Interval time.Duration
}

// NewReaper builds a Reaper sweeping at the given interval.
func NewReaper(repo domain.OutboxRepository, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reaper{Repo: repo, Interval: interval}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("lease reaper starting", slog.Duration("interval", r.Interval))
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("lease reaper stopping")
			return
		case <-ticker.C:
			n, err := r.Repo.RecoverStaleEvents(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("stale event recovery failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				observability.EventsReapedTotal.Add(float64(n))
				slog.Warn("recovered expired leases", slog.Int64("count", n))
			}
		}
	}
}
