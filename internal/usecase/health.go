package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/outbox-relay/internal/config"
	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

// Health statuses, ordered by severity.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthCheck is one named probe result.
type HealthCheck struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthReport aggregates all probes; Status is the worst individual result.
type HealthReport struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}

// HealthEvaluator derives relay health from the event store aggregates and
// the publisher connection.
type HealthEvaluator struct {
	Repo      domain.OutboxRepository
	Publisher domain.Publisher
	Limiter   *BacklogLimiter

	BacklogWarnPercent   float64
	DeadLetterWarnCount  int64
	DeadLetterCritCount  int64
	OldestPendingWarnAge time.Duration
	OldestPendingCritAge time.Duration
}

// NewHealthEvaluator builds an evaluator from configuration thresholds.
// publisher may be nil when the process runs without one.
func NewHealthEvaluator(repo domain.OutboxRepository, pub domain.Publisher, limiter *BacklogLimiter, cfg config.Config) *HealthEvaluator {
	return &HealthEvaluator{
		Repo:                 repo,
		Publisher:            pub,
		Limiter:              limiter,
		BacklogWarnPercent:   cfg.BacklogWarnPercent,
		DeadLetterWarnCount:  cfg.DeadLetterWarnCount,
		DeadLetterCritCount:  cfg.DeadLetterCritCount,
		OldestPendingWarnAge: cfg.OldestPendingWarnAge,
		OldestPendingCritAge: cfg.OldestPendingCritAge,
	}
}

// Evaluate runs all probes. Probe errors degrade rather than fail the
// report, so a flaky stats query does not flap readiness on its own.
func (h *HealthEvaluator) Evaluate(ctx domain.Context) HealthReport {
	checks := map[string]HealthCheck{}

	if h.Publisher != nil {
		if h.Publisher.IsHealthy(ctx) {
			checks["publisher"] = HealthCheck{Status: StatusHealthy}
		} else {
			checks["publisher"] = HealthCheck{Status: StatusUnhealthy, Detail: "broker unreachable"}
		}
	}

	if n, err := h.Repo.DeadLetterCount(ctx); err != nil {
		checks["dead_letter"] = HealthCheck{Status: StatusDegraded, Detail: err.Error()}
	} else {
		switch {
		case h.DeadLetterCritCount > 0 && n >= h.DeadLetterCritCount:
			checks["dead_letter"] = HealthCheck{Status: StatusUnhealthy, Detail: fmt.Sprintf("%d events dead-lettered", n)}
		case h.DeadLetterWarnCount > 0 && n >= h.DeadLetterWarnCount:
			checks["dead_letter"] = HealthCheck{Status: StatusDegraded, Detail: fmt.Sprintf("%d events dead-lettered", n)}
		default:
			checks["dead_letter"] = HealthCheck{Status: StatusHealthy}
		}
	}

	if age, err := h.Repo.OldestPendingAge(ctx); err != nil {
		checks["oldest_pending"] = HealthCheck{Status: StatusDegraded, Detail: err.Error()}
	} else {
		switch {
		case h.OldestPendingCritAge > 0 && age >= h.OldestPendingCritAge:
			checks["oldest_pending"] = HealthCheck{Status: StatusUnhealthy, Detail: fmt.Sprintf("oldest pending event is %s old", age.Round(time.Second))}
		case h.OldestPendingWarnAge > 0 && age >= h.OldestPendingWarnAge:
			checks["oldest_pending"] = HealthCheck{Status: StatusDegraded, Detail: fmt.Sprintf("oldest pending event is %s old", age.Round(time.Second))}
		default:
			checks["oldest_pending"] = HealthCheck{Status: StatusHealthy}
		}
	}

	if util, err := h.Limiter.Utilization(ctx); err != nil {
		checks["backlog"] = HealthCheck{Status: StatusDegraded, Detail: err.Error()}
	} else {
		switch {
		case util >= 100:
			checks["backlog"] = HealthCheck{Status: StatusUnhealthy, Detail: fmt.Sprintf("backlog at %.1f%% of limit", util)}
		case h.BacklogWarnPercent > 0 && util >= h.BacklogWarnPercent:
			checks["backlog"] = HealthCheck{Status: StatusDegraded, Detail: fmt.Sprintf("backlog at %.1f%% of limit", util)}
		default:
			checks["backlog"] = HealthCheck{Status: StatusHealthy}
		}
	}

	return HealthReport{Status: worst(checks), Checks: checks}
}

func worst(checks map[string]HealthCheck) string {
	status := StatusHealthy
	for _, c := range checks {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}
