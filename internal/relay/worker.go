package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/outbox-relay/internal/adapter/observability"
	"github.com/fairyhunter13/outbox-relay/internal/config"
	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

// finalizeTimeout bounds the terminal-state update after a publish attempt.
// Finalization runs on a fresh context so a shutdown that interrupted the
// publish cannot also strand the row in PROCESSING.
const finalizeTimeout = 5 * time.Second

// Worker polls the outbox and relays ready events to the publisher.
type Worker struct {
	Repo              domain.OutboxRepository
	Publisher         domain.Publisher
	Policy            domain.RetryPolicy
	BatchSize         int
	Lease             time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Concurrency       int

	// ShutdownGrace bounds how long an in-flight publish may keep running
	// after shutdown begins. Zero falls back to the lease duration.
	ShutdownGrace time.Duration

	// Wake is an optional channel that short-circuits the poll timer,
	// typically fed by LISTEN/NOTIFY. May be nil.
	Wake <-chan struct{}
}

// NewWorker builds a Worker from configuration.
func NewWorker(repo domain.OutboxRepository, pub domain.Publisher, cfg config.Config, wake <-chan struct{}) *Worker {
	return &Worker{
		Repo:      repo,
		Publisher: pub,
		Policy: domain.RetryPolicy{
			BaseBackoff:  cfg.RetryBaseBackoff,
			MaxBackoff:   cfg.RetryMaxBackoff,
			JitterFactor: cfg.RetryJitterFactor,
			MaxRetries:   cfg.MaxRetries,
		},
		BatchSize:         cfg.BatchSize,
		Lease:             cfg.LeaseDuration,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Concurrency:       cfg.Concurrency,
		ShutdownGrace:     cfg.LeaseDuration,
		Wake:              wake,
	}
}

// Run is the worker main loop. It drains full batches back to back and
// otherwise sleeps until the poll interval elapses or a wake arrives.
// Returns when ctx is cancelled, once in-flight events have finalized or the
// shutdown grace period has elapsed.
func (w *Worker) Run(ctx context.Context) {
	if w.Concurrency > 1 {
		slog.Warn("relay concurrency above one relaxes cross-aggregate delivery order",
			slog.Int("concurrency", w.Concurrency))
	}
	slog.Info("relay worker starting",
		slog.Int("batch_size", w.BatchSize),
		slog.Duration("lease", w.Lease),
		slog.Duration("poll_interval", w.PollInterval))

	for {
		n, err := w.runBatch(ctx)
		if ctx.Err() != nil {
			slog.Info("relay worker stopping")
			return
		}
		if err != nil {
			slog.Error("claim batch failed", slog.Any("error", err))
		}
		// A full batch means more work is likely waiting; skip the sleep.
		if err == nil && n == w.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			slog.Info("relay worker stopping")
			return
		case <-w.Wake:
		case <-time.After(w.PollInterval):
		}
	}
}

// runBatch claims one batch under a fresh lock token and processes it,
// returning how many events were claimed.
func (w *Worker) runBatch(ctx context.Context) (int, error) {
	token := NewLockToken()
	events, err := w.Repo.ClaimBatch(ctx, w.BatchSize, w.Lease, token)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	observability.EventsClaimedTotal.Add(float64(len(events)))

	start := time.Now()
	sem := make(chan struct{}, w.Concurrency)
	var wg sync.WaitGroup
	for _, e := range events {
		sem <- struct{}{}
		wg.Add(1)
		go func(e domain.Event) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, e, token)
		}(e)
	}
	wg.Wait()

	slog.Info("batch processed",
		slog.Int("claimed", len(events)),
		slog.Int64("lock_token", token),
		slog.Duration("elapsed", time.Since(start)))
	return len(events), nil
}

// process publishes one claimed event and finalizes its row. A heartbeat
// goroutine renews the lease while the publish is in flight; if the lease is
// lost the publish is cancelled and the event abandoned, since another
// claimer now owns it. The publish context does not inherit ctx: shutdown
// lets the publish run until the grace deadline, and a publish cut off by
// that deadline is abandoned to the reaper, not finalized as a failure.
func (w *Worker) process(ctx context.Context, e domain.Event, token int64) {
	pubCtx, cancelPub := context.WithCancel(context.Background())
	defer cancelPub()

	var leaseLost, graceExpired atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		w.watchShutdown(ctx, pubCtx, &graceExpired, cancelPub)
	}()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(pubCtx, e.ID, token, &leaseLost, cancelPub)
	}()

	pubStart := time.Now()
	pubErr := w.Publisher.Publish(pubCtx, e)
	observability.PublishDuration.Observe(time.Since(pubStart).Seconds())

	cancelPub()
	<-hbDone
	<-watchDone

	if leaseLost.Load() {
		observability.LeaseLostTotal.Inc()
		slog.Warn("lease lost mid-publish, abandoning event",
			slog.Int64("event_id", e.ID),
			slog.String("tracking_id", e.TrackingID))
		return
	}

	if graceExpired.Load() && pubErr != nil {
		slog.Warn("shutdown deadline reached mid-publish, abandoning event to the reaper",
			slog.Int64("event_id", e.ID),
			slog.String("tracking_id", e.TrackingID))
		return
	}

	finCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if pubErr == nil {
		ok, err := w.Repo.MarkCompleted(finCtx, e.ID, token)
		if err != nil {
			slog.Error("mark completed failed", slog.Int64("event_id", e.ID), slog.Any("error", err))
			return
		}
		if !ok {
			observability.LeaseLostTotal.Inc()
			slog.Warn("lease lost before completion", slog.Int64("event_id", e.ID))
			return
		}
		observability.EventsPublishedTotal.WithLabelValues(e.EventType).Inc()
		slog.Debug("event published",
			slog.Int64("event_id", e.ID),
			slog.String("tracking_id", e.TrackingID),
			slog.String("event_type", e.EventType))
		return
	}

	w.finalizeFailure(finCtx, e, token, pubErr)
}

// watchShutdown arms the shutdown grace timer. Once ctx is cancelled the
// in-flight publish gets the remaining grace period to finish on its own;
// past the deadline the publish is cancelled and the row stays PROCESSING
// for the reaper, with its retry budget untouched.
func (w *Worker) watchShutdown(ctx, pubCtx context.Context, expired *atomic.Bool, cancelPub context.CancelFunc) {
	select {
	case <-pubCtx.Done():
		return
	case <-ctx.Done():
	}
	grace := w.ShutdownGrace
	if grace <= 0 {
		grace = w.Lease
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-pubCtx.Done():
	case <-timer.C:
		expired.Store(true)
		cancelPub()
	}
}

// finalizeFailure routes a failed publish to retry or dead letter. A
// permanent error or an exhausted retry budget dead-letters the event;
// otherwise it reenters PENDING eligibility after the backoff delay.
// MaxRetries counts retries after the first attempt, so a budget of N allows
// N+1 publish attempts and a budget of zero dead-letters on the first
// failure; the terminal retry count equals the budget.
func (w *Worker) finalizeFailure(ctx context.Context, e domain.Event, token int64, pubErr error) {
	maxRetries := e.MaxRetries
	if maxRetries < 0 {
		maxRetries = w.Policy.MaxRetries
	}
	exhausted := e.RetryCount+1 > maxRetries

	if domain.IsPermanent(pubErr) || exhausted {
		ok, err := w.Repo.MarkDeadLetter(ctx, e.ID, token, pubErr.Error())
		if err != nil {
			slog.Error("mark dead letter failed", slog.Int64("event_id", e.ID), slog.Any("error", err))
			return
		}
		if !ok {
			observability.LeaseLostTotal.Inc()
			return
		}
		observability.EventsDeadLetteredTotal.WithLabelValues(e.EventType).Inc()
		slog.Error("event dead-lettered",
			slog.Int64("event_id", e.ID),
			slog.String("tracking_id", e.TrackingID),
			slog.String("event_type", e.EventType),
			slog.Int("retry_count", e.RetryCount),
			slog.Bool("permanent", domain.IsPermanent(pubErr)),
			slog.Any("error", pubErr))
		return
	}

	delay := w.Policy.Delay(e.RetryCount)
	ok, err := w.Repo.MarkFailed(ctx, e.ID, token, pubErr.Error(), delay)
	if err != nil {
		slog.Error("mark failed failed", slog.Int64("event_id", e.ID), slog.Any("error", err))
		return
	}
	if !ok {
		observability.LeaseLostTotal.Inc()
		return
	}
	observability.EventsRetriedTotal.WithLabelValues(e.EventType).Inc()
	slog.Warn("publish failed, retry scheduled",
		slog.Int64("event_id", e.ID),
		slog.String("tracking_id", e.TrackingID),
		slog.Int("attempt", e.RetryCount+1),
		slog.Duration("retry_in", delay),
		slog.Any("error", pubErr))
}

// heartbeat renews the lease until ctx is cancelled. When a renewal reports
// the lease gone it flags the loss and cancels the in-flight publish.
// Renewal errors are logged and skipped; the next tick tries again while the
// original lease deadline still covers us.
func (w *Worker) heartbeat(ctx context.Context, id, token int64, lost *atomic.Bool, cancelPub context.CancelFunc) {
	ticker := time.NewTicker(w.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.Repo.RenewLease(ctx, id, token, w.Lease)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("lease renewal failed", slog.Int64("event_id", id), slog.Any("error", err))
				continue
			}
			if !ok {
				lost.Store(true)
				cancelPub()
				return
			}
		}
	}
}
