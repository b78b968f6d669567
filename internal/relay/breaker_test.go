package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	pub := &mockPublisher{publishFn: func(_ context.Context, _ domain.Event) error {
		return errors.New("broker down")
	}}
	b := NewBreakerPublisher(pub, 3, time.Hour)

	for i := 0; i < 3; i++ {
		require.Error(t, b.Publish(context.Background(), domain.Event{}))
	}
	assert.Len(t, pub.published, 3)

	err := b.Publish(context.Background(), domain.Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Len(t, pub.published, 3, "open circuit must not reach the broker")
	assert.False(t, b.IsHealthy(context.Background()))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	calls := 0
	pub := &mockPublisher{publishFn: func(_ context.Context, _ domain.Event) error {
		calls++
		if calls%2 == 1 {
			return errors.New("flaky")
		}
		return nil
	}}
	b := NewBreakerPublisher(pub, 2, time.Hour)

	for i := 0; i < 6; i++ {
		_ = b.Publish(context.Background(), domain.Event{})
	}
	assert.Len(t, pub.published, 6, "alternating failures never trip the breaker")
}

func TestBreaker_HalfOpenProbeAfterCooldown(t *testing.T) {
	failing := true
	pub := &mockPublisher{publishFn: func(_ context.Context, _ domain.Event) error {
		if failing {
			return errors.New("broker down")
		}
		return nil
	}}
	b := NewBreakerPublisher(pub, 1, 10*time.Millisecond)

	require.Error(t, b.Publish(context.Background(), domain.Event{}))
	err := b.Publish(context.Background(), domain.Event{})
	assert.Contains(t, err.Error(), "circuit open")

	time.Sleep(20 * time.Millisecond)
	failing = false
	require.NoError(t, b.Publish(context.Background(), domain.Event{}), "probe after cooldown closes the circuit")
	require.NoError(t, b.Publish(context.Background(), domain.Event{}))
}

func TestBreaker_PermanentErrorDoesNotTrip(t *testing.T) {
	pub := &mockPublisher{publishFn: func(_ context.Context, _ domain.Event) error {
		return domain.Permanent(errors.New("payload rejected"))
	}}
	b := NewBreakerPublisher(pub, 1, time.Hour)

	err := b.Publish(context.Background(), domain.Event{})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))

	err = b.Publish(context.Background(), domain.Event{})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "circuit open", "a bad payload is not a broker failure")
}
