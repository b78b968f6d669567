package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/outbox-relay/internal/adapter/observability"
	"github.com/fairyhunter13/outbox-relay/internal/usecase"
)

// MetricsPoller periodically refreshes the outbox gauges from the event
// store so Prometheus scrapes see current backlog state.
type MetricsPoller struct {
	Stats    *usecase.StatsService
	Limiter  *usecase.BacklogLimiter
	Interval time.Duration
}

// Run refreshes gauges until ctx is cancelled.
func (p *MetricsPoller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *MetricsPoller) refresh(ctx context.Context) {
	stats, err := p.Stats.Collect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("metrics refresh failed", slog.Any("error", err))
		}
		return
	}
	observability.PendingGauge.Set(float64(stats.Pending))
	observability.ProcessingGauge.Set(float64(stats.Processing))
	observability.CompletedGauge.Set(float64(stats.Completed))
	observability.DeadLetterGauge.Set(float64(stats.DeadLetter))
	observability.OldestPendingAgeGauge.Set(stats.OldestPendingAge.Seconds())

	if util, err := p.Limiter.Utilization(ctx); err == nil {
		observability.BacklogUtilizationGauge.Set(util)
	}
}
