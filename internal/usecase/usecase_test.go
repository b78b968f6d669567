package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outbox-relay/internal/domain"
	"github.com/fairyhunter13/outbox-relay/internal/usecase"
)

// repoStub implements domain.OutboxRepository with configurable aggregates.
type repoStub struct {
	pending    int64
	processing int64
	completed  int64
	deadLetter int64
	oldestAge  time.Duration
	insertErr  error
	inserted   []domain.Event
	countErr   error
}

func (r *repoStub) Insert(_ domain.Context, e domain.Event) (domain.Event, error) {
	if r.insertErr != nil {
		return domain.Event{}, r.insertErr
	}
	e.ID = int64(len(r.inserted) + 1)
	e.Status = domain.EventPending
	if e.TrackingID == "" {
		e.TrackingID = "generated"
	}
	r.inserted = append(r.inserted, e)
	return e, nil
}
func (r *repoStub) ClaimBatch(_ domain.Context, _ int, _ time.Duration, _ int64) ([]domain.Event, error) {
	return nil, nil
}
func (r *repoStub) MarkCompleted(_ domain.Context, _, _ int64) (bool, error) { return false, nil }
func (r *repoStub) MarkFailed(_ domain.Context, _, _ int64, _ string, _ time.Duration) (bool, error) {
	return false, nil
}
func (r *repoStub) MarkDeadLetter(_ domain.Context, _, _ int64, _ string) (bool, error) {
	return false, nil
}
func (r *repoStub) RenewLease(_ domain.Context, _, _ int64, _ time.Duration) (bool, error) {
	return false, nil
}
func (r *repoStub) RecoverStaleEvents(_ domain.Context) (int64, error)           { return 0, nil }
func (r *repoStub) RedriveByEventType(_ domain.Context, _ string) (int64, error) { return 0, nil }
func (r *repoStub) RedriveByID(_ domain.Context, _ int64) (bool, error)          { return false, nil }
func (r *repoStub) PendingCount(_ domain.Context) (int64, error) {
	return r.pending, r.countErr
}
func (r *repoStub) ProcessingCount(_ domain.Context) (int64, error) { return r.processing, nil }
func (r *repoStub) CompletedCount(_ domain.Context) (int64, error)  { return r.completed, nil }
func (r *repoStub) DeadLetterCount(_ domain.Context) (int64, error) { return r.deadLetter, nil }
func (r *repoStub) OldestPendingAge(_ domain.Context) (time.Duration, error) {
	return r.oldestAge, nil
}
func (r *repoStub) FindByID(_ domain.Context, _ int64) (domain.Event, error) {
	return domain.Event{}, domain.ErrNotFound
}
func (r *repoStub) FindByTrackingID(_ domain.Context, _ string) (domain.Event, error) {
	return domain.Event{}, domain.ErrNotFound
}
func (r *repoStub) FindByStatus(_ domain.Context, _ domain.EventStatus, _ int) ([]domain.Event, error) {
	return nil, nil
}
func (r *repoStub) FindRecent(_ domain.Context, _ domain.RecentQuery) (domain.EventPage, error) {
	return domain.EventPage{}, nil
}
func (r *repoStub) DeadLetterStats(_ domain.Context) ([]domain.DeadLetterStat, error) {
	return nil, nil
}

type announcerStub struct {
	calls int
	err   error
}

func (a *announcerStub) Announce(_ domain.Context, _ string) error {
	a.calls++
	return a.err
}

func newProducer(repo *repoStub, limiter *usecase.BacklogLimiter, ann usecase.Announcer) *usecase.ProducerService {
	if limiter == nil {
		limiter = &usecase.BacklogLimiter{Repo: repo, MaxSize: 0}
	}
	return usecase.NewProducerService(repo, limiter, ann, "outbox_events", 5)
}

func validInput() usecase.EnqueueInput {
	return usecase.EnqueueInput{
		AggregateID:   "order-1",
		AggregateType: "order",
		EventType:     "order.created",
		Payload:       map[string]any{"total": 10},
	}
}

func TestEnqueue_StoresAndNotifies(t *testing.T) {
	repo := &repoStub{}
	ann := &announcerStub{}
	svc := newProducer(repo, nil, ann)

	res, err := svc.Enqueue(context.Background(), validInput())
	require.NoError(t, err)
	assert.False(t, res.Dropped)
	assert.Equal(t, domain.EventPending, res.Event.Status)
	assert.Equal(t, 5, res.Event.MaxRetries, "default retry budget applies")
	assert.Equal(t, 1, ann.calls)
}

func TestEnqueue_ExplicitZeroRetryBudget(t *testing.T) {
	repo := &repoStub{}
	svc := newProducer(repo, nil, nil)

	zero := 0
	in := validInput()
	in.MaxRetries = &zero
	res, err := svc.Enqueue(context.Background(), in)
	require.NoError(t, err)
	assert.Zero(t, res.Event.MaxRetries, "an explicit zero budget is stored, not replaced by the default")

	neg := -1
	in = validInput()
	in.MaxRetries = &neg
	_, err = svc.Enqueue(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEnqueue_ValidatesInput(t *testing.T) {
	svc := newProducer(&repoStub{}, nil, nil)

	in := validInput()
	in.EventType = ""
	_, err := svc.Enqueue(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	in = validInput()
	in.AggregateID = ""
	_, err = svc.Enqueue(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	in = validInput()
	in.Payload = nil
	_, err = svc.Enqueue(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEnqueue_NotifyFailureIsNotFatal(t *testing.T) {
	repo := &repoStub{}
	ann := &announcerStub{err: errors.New("connection reset")}
	svc := newProducer(repo, nil, ann)

	res, err := svc.Enqueue(context.Background(), validInput())
	require.NoError(t, err)
	assert.NotZero(t, res.Event.ID)
}

func TestEnqueue_BacklogThrow(t *testing.T) {
	repo := &repoStub{pending: 100}
	limiter := &usecase.BacklogLimiter{Repo: repo, MaxSize: 100, Action: "throw"}
	svc := newProducer(repo, limiter, nil)

	_, err := svc.Enqueue(context.Background(), validInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBacklogExceeded)
	assert.Empty(t, repo.inserted)
}

func TestEnqueue_BacklogWarnAdmits(t *testing.T) {
	repo := &repoStub{pending: 100}
	limiter := &usecase.BacklogLimiter{Repo: repo, MaxSize: 100, Action: "warn"}
	svc := newProducer(repo, limiter, nil)

	res, err := svc.Enqueue(context.Background(), validInput())
	require.NoError(t, err)
	assert.False(t, res.Dropped)
	assert.Len(t, repo.inserted, 1)
}

func TestEnqueue_BacklogDropDiscardsSilently(t *testing.T) {
	repo := &repoStub{pending: 100}
	limiter := &usecase.BacklogLimiter{Repo: repo, MaxSize: 100, Action: "drop"}
	svc := newProducer(repo, limiter, nil)

	res, err := svc.Enqueue(context.Background(), validInput())
	require.NoError(t, err)
	assert.True(t, res.Dropped)
	assert.Empty(t, repo.inserted)
}

func TestBacklogUtilization(t *testing.T) {
	repo := &repoStub{pending: 80}
	limiter := &usecase.BacklogLimiter{Repo: repo, MaxSize: 100, Action: "throw"}

	util, err := limiter.Utilization(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 80.0, util, 0.001)

	disabled := &usecase.BacklogLimiter{Repo: repo, MaxSize: 0}
	util, err = disabled.Utilization(context.Background())
	require.NoError(t, err)
	assert.Zero(t, util)
}

// idemStub implements domain.IdempotencyStore in memory.
type idemStub struct {
	seen map[string]bool
}

func (s *idemStub) IsProcessed(_ domain.Context, trackingID string) (bool, error) {
	return s.seen[trackingID], nil
}
func (s *idemStub) MarkProcessed(_ domain.Context, trackingID, _ string) (bool, error) {
	if s.seen[trackingID] {
		return false, nil
	}
	s.seen[trackingID] = true
	return true, nil
}
func (s *idemStub) GetRecord(_ domain.Context, _ string) (*domain.IdempotencyRecord, error) {
	return nil, nil
}

func TestProcessOnce(t *testing.T) {
	store := &idemStub{seen: map[string]bool{}}
	exec := usecase.NewIdempotentExecutor(store, "billing")

	runs := 0
	handler := func(_ domain.Context) error {
		runs++
		return nil
	}

	require.NoError(t, exec.ProcessOnce(context.Background(), "trk-1", handler))
	require.NoError(t, exec.ProcessOnce(context.Background(), "trk-1", handler))
	assert.Equal(t, 1, runs, "duplicate delivery must not rerun the handler")
}

func TestProcessOnce_MarkIsNotRolledBackOnFailure(t *testing.T) {
	store := &idemStub{seen: map[string]bool{}}
	exec := usecase.NewIdempotentExecutor(store, "billing")

	boom := errors.New("downstream unavailable")
	err := exec.ProcessOnce(context.Background(), "trk-1", func(_ domain.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	runs := 0
	require.NoError(t, exec.ProcessOnce(context.Background(), "trk-1", func(_ domain.Context) error {
		runs++
		return nil
	}))
	assert.Zero(t, runs, "the delivery stays marked after a failed handler")
}

func TestProcessOnce_RaceLoserSkipsHandler(t *testing.T) {
	// A store that reports unseen but loses the mark models a concurrent
	// consumer claiming the delivery between the check and the mark.
	store := &idemStub{seen: map[string]bool{"trk-1": true}}
	exec := usecase.NewIdempotentExecutor(raceLoser{store}, "billing")

	runs := 0
	require.NoError(t, exec.ProcessOnce(context.Background(), "trk-1", func(_ domain.Context) error {
		runs++
		return nil
	}))
	assert.Zero(t, runs, "the mark winner owns the work")
}

type raceLoser struct{ inner *idemStub }

func (r raceLoser) IsProcessed(_ domain.Context, _ string) (bool, error) { return false, nil }
func (r raceLoser) MarkProcessed(ctx domain.Context, trackingID, consumerID string) (bool, error) {
	return r.inner.MarkProcessed(ctx, trackingID, consumerID)
}
func (r raceLoser) GetRecord(ctx domain.Context, trackingID string) (*domain.IdempotencyRecord, error) {
	return r.inner.GetRecord(ctx, trackingID)
}

func TestProcessOnce_RequiresTrackingID(t *testing.T) {
	exec := usecase.NewIdempotentExecutor(&idemStub{seen: map[string]bool{}}, "billing")
	err := exec.ProcessOnce(context.Background(), "", func(_ domain.Context) error { return nil })
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

type pubStub struct{ healthy bool }

func (p *pubStub) Publish(_ domain.Context, _ domain.Event) error { return nil }
func (p *pubStub) IsHealthy(_ domain.Context) bool                { return p.healthy }

func evaluator(repo *repoStub, pub domain.Publisher) *usecase.HealthEvaluator {
	return &usecase.HealthEvaluator{
		Repo:                 repo,
		Publisher:            pub,
		Limiter:              &usecase.BacklogLimiter{Repo: repo, MaxSize: 1000},
		BacklogWarnPercent:   80,
		DeadLetterWarnCount:  100,
		DeadLetterCritCount:  1000,
		OldestPendingWarnAge: 5 * time.Minute,
		OldestPendingCritAge: 30 * time.Minute,
	}
}

func TestHealth_AllClear(t *testing.T) {
	rep := evaluator(&repoStub{}, &pubStub{healthy: true}).Evaluate(context.Background())
	assert.Equal(t, usecase.StatusHealthy, rep.Status)
}

func TestHealth_PublisherDownIsUnhealthy(t *testing.T) {
	rep := evaluator(&repoStub{}, &pubStub{healthy: false}).Evaluate(context.Background())
	assert.Equal(t, usecase.StatusUnhealthy, rep.Status)
	assert.Equal(t, usecase.StatusUnhealthy, rep.Checks["publisher"].Status)
}

func TestHealth_DeadLetterThresholds(t *testing.T) {
	rep := evaluator(&repoStub{deadLetter: 150}, &pubStub{healthy: true}).Evaluate(context.Background())
	assert.Equal(t, usecase.StatusDegraded, rep.Status)

	rep = evaluator(&repoStub{deadLetter: 1500}, &pubStub{healthy: true}).Evaluate(context.Background())
	assert.Equal(t, usecase.StatusUnhealthy, rep.Status)
}

func TestHealth_OldBacklogDegrades(t *testing.T) {
	rep := evaluator(&repoStub{oldestAge: 10 * time.Minute}, &pubStub{healthy: true}).Evaluate(context.Background())
	assert.Equal(t, usecase.StatusDegraded, rep.Status)

	rep = evaluator(&repoStub{oldestAge: time.Hour}, &pubStub{healthy: true}).Evaluate(context.Background())
	assert.Equal(t, usecase.StatusUnhealthy, rep.Status)
}

func TestHealth_BacklogUtilization(t *testing.T) {
	rep := evaluator(&repoStub{pending: 900}, &pubStub{healthy: true}).Evaluate(context.Background())
	assert.Equal(t, usecase.StatusDegraded, rep.Status)

	rep = evaluator(&repoStub{pending: 1000}, &pubStub{healthy: true}).Evaluate(context.Background())
	assert.Equal(t, usecase.StatusUnhealthy, rep.Status)
}

func TestStatsCollect(t *testing.T) {
	repo := &repoStub{pending: 4, processing: 2, completed: 10, deadLetter: 1, oldestAge: time.Minute}
	svc := &usecase.StatsService{Repo: repo}
	stats, err := svc.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Pending)
	assert.Equal(t, int64(2), stats.Processing)
	assert.Equal(t, int64(10), stats.Completed)
	assert.Equal(t, int64(1), stats.DeadLetter)
	assert.Equal(t, time.Minute, stats.OldestPendingAge)
}
