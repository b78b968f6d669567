//go:build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairyhunter13/outbox-relay/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/outbox-relay/internal/domain"
	"github.com/fairyhunter13/outbox-relay/internal/relay"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "outbox"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := "postgres://postgres:postgres@" + host + ":" + port.Port() + "/outbox?sslmode=disable"

	var pool *pgxpool.Pool
	require.Eventually(t, func() bool {
		pool, err = postgres.NewPool(ctx, dsn)
		if err != nil {
			return false
		}
		if pingErr := pool.Ping(ctx); pingErr != nil {
			pool.Close()
			return false
		}
		return true
	}, 30*time.Second, time.Second)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../deploy/migrations/0001_outbox.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	return pool
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)
	repo := postgres.NewOutboxRepo(pool)

	stored, err := repo.Insert(ctx, domain.Event{
		AggregateID:   "order-1",
		AggregateType: "order",
		EventType:     "order.created",
		Payload:       map[string]any{"total": 12.5},
		MaxRetries:    3,
	})
	require.NoError(t, err)
	require.NotZero(t, stored.ID)

	// Duplicate tracking id is rejected
	_, err = repo.Insert(ctx, domain.Event{
		TrackingID:  stored.TrackingID,
		AggregateID: "order-1", AggregateType: "order", EventType: "order.created",
		Payload: map[string]any{},
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateTracking)

	token := relay.NewLockToken()
	claimed, err := repo.ClaimBatch(ctx, 10, 30*time.Second, token)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, domain.EventProcessing, claimed[0].Status)

	// A second claimer sees nothing while the lease holds
	other, err := repo.ClaimBatch(ctx, 10, 30*time.Second, relay.NewLockToken())
	require.NoError(t, err)
	assert.Empty(t, other)

	// A stale token cannot finalize
	ok, err := repo.MarkCompleted(ctx, claimed[0].ID, token+1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.MarkCompleted(ctx, claimed[0].ID, token)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventCompleted, got.Status)
	assert.NotNil(t, got.ProcessedAt)
	assert.Nil(t, got.LockToken)

	// The aggregate timeline index must survive schema changes
	var indexed int
	err = pool.QueryRow(ctx,
		`SELECT count(*) FROM pg_indexes WHERE tablename = 'outbox' AND indexname = 'idx_outbox_aggregate'`).Scan(&indexed)
	require.NoError(t, err)
	assert.Equal(t, 1, indexed)
}

func TestBackoffVisibilityAndRedrive(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)
	repo := postgres.NewOutboxRepo(pool)

	stored, err := repo.Insert(ctx, domain.Event{
		AggregateID: "order-2", AggregateType: "order", EventType: "order.failed",
		Payload: map[string]any{}, MaxRetries: 1,
	})
	require.NoError(t, err)

	token := relay.NewLockToken()
	claimed, err := repo.ClaimBatch(ctx, 1, 30*time.Second, token)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, err := repo.MarkFailed(ctx, stored.ID, token, "broker down", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Not yet visible: backoff holds it back
	again, err := repo.ClaimBatch(ctx, 1, 30*time.Second, relay.NewLockToken())
	require.NoError(t, err)
	assert.Empty(t, again)

	time.Sleep(2500 * time.Millisecond)
	token2 := relay.NewLockToken()
	again, err = repo.ClaimBatch(ctx, 1, 30*time.Second, token2)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 1, again[0].RetryCount)

	ok, err = repo.MarkDeadLetter(ctx, stored.ID, token2, "gave up")
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := repo.DeadLetterStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "order.failed", stats[0].EventType)

	n, err := repo.RedriveByEventType(ctx, "order.failed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.FindByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.LastError)
}

func TestReaperRecoversExpiredLease(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)
	repo := postgres.NewOutboxRepo(pool)

	_, err := repo.Insert(ctx, domain.Event{
		AggregateID: "order-3", AggregateType: "order", EventType: "order.created",
		Payload: map[string]any{},
	})
	require.NoError(t, err)

	claimed, err := repo.ClaimBatch(ctx, 1, time.Second, relay.NewLockToken())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	retryBefore := claimed[0].RetryCount

	time.Sleep(1500 * time.Millisecond)
	n, err := repo.RecoverStaleEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.FindByID(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventPending, got.Status)
	assert.Equal(t, retryBefore, got.RetryCount, "reaping must not consume the retry budget")
	assert.Nil(t, got.LockToken)
}

func TestInboxDeduplication(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t)
	inbox := postgres.NewInboxRepo(pool, "billing")

	won, err := inbox.MarkProcessed(ctx, "trk-1", "")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = inbox.MarkProcessed(ctx, "trk-1", "billing")
	require.NoError(t, err)
	assert.False(t, won)

	seen, err := inbox.IsProcessed(ctx, "trk-1")
	require.NoError(t, err)
	assert.True(t, seen)
}
