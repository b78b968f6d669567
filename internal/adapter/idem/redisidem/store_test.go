package redisidem_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outbox-relay/internal/adapter/idem/redisidem"
)

func newStore(t *testing.T, ttl time.Duration) (*redisidem.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisidem.New(client, "billing", ttl), mr
}

func TestMarkProcessed_FirstCallerWins(t *testing.T) {
	store, _ := newStore(t, time.Hour)
	ctx := context.Background()

	ok, err := store.MarkProcessed(ctx, "trk-1", "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkProcessed(ctx, "trk-1", "billing")
	require.NoError(t, err)
	assert.False(t, ok, "replayed delivery must not win")
}

func TestMarkProcessed_PerConsumerIsolation(t *testing.T) {
	store, _ := newStore(t, time.Hour)
	ctx := context.Background()

	ok, err := store.MarkProcessed(ctx, "trk-1", "billing")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.MarkProcessed(ctx, "trk-1", "shipping")
	require.NoError(t, err)
	assert.True(t, ok, "a different consumer tracks its own deliveries")
}

func TestIsProcessed(t *testing.T) {
	store, _ := newStore(t, time.Hour)
	ctx := context.Background()

	seen, err := store.IsProcessed(ctx, "trk-1")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = store.MarkProcessed(ctx, "trk-1", "")
	require.NoError(t, err)

	seen, err = store.IsProcessed(ctx, "trk-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRecordExpiresAfterTTL(t *testing.T) {
	store, mr := newStore(t, time.Minute)
	ctx := context.Background()

	_, err := store.MarkProcessed(ctx, "trk-1", "")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	seen, err := store.IsProcessed(ctx, "trk-1")
	require.NoError(t, err)
	assert.False(t, seen, "expired record no longer deduplicates")
}

func TestGetRecord(t *testing.T) {
	store, _ := newStore(t, time.Hour)
	ctx := context.Background()

	rec, err := store.GetRecord(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	before := time.Now().Add(-time.Second)
	_, err = store.MarkProcessed(ctx, "trk-1", "")
	require.NoError(t, err)

	rec, err = store.GetRecord(ctx, "trk-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "trk-1", rec.TrackingID)
	assert.Equal(t, "billing", rec.ConsumerID)
	assert.True(t, rec.ProcessedAt.After(before))
}
