package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

// breakerState is the circuit state of a BreakerPublisher.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerPublisher wraps a publisher with a circuit breaker so a down broker
// fails claims fast instead of burning a full publish timeout per event.
// Rejections are transient errors, so blocked events simply retry later.
type BreakerPublisher struct {
	Next domain.Publisher

	mu              sync.Mutex
	state           breakerState
	maxFailures     int
	cooldown        time.Duration
	failureCount    int
	lastFailureTime time.Time
}

// NewBreakerPublisher wraps next, opening after maxFailures consecutive
// failures and probing again after cooldown.
func NewBreakerPublisher(next domain.Publisher, maxFailures int, cooldown time.Duration) *BreakerPublisher {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &BreakerPublisher{Next: next, maxFailures: maxFailures, cooldown: cooldown}
}

// Publish forwards to the wrapped publisher unless the circuit is open.
func (b *BreakerPublisher) Publish(ctx domain.Context, e domain.Event) error {
	if !b.allow() {
		return fmt.Errorf("op=breaker.publish: circuit open, publisher suspended")
	}
	err := b.Next.Publish(ctx, e)
	if err != nil && !domain.IsPermanent(err) {
		b.recordFailure()
		return err
	}
	// A permanent error is the payload's fault, not the broker's.
	b.recordSuccess()
	return err
}

// IsHealthy reports the wrapped publisher's health; an open circuit is
// unhealthy by definition.
func (b *BreakerPublisher) IsHealthy(ctx domain.Context) bool {
	b.mu.Lock()
	open := b.state == breakerOpen && time.Since(b.lastFailureTime) < b.cooldown
	b.mu.Unlock()
	if open {
		return false
	}
	return b.Next.IsHealthy(ctx)
}

func (b *BreakerPublisher) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.lastFailureTime) >= b.cooldown {
			b.state = breakerHalfOpen
			slog.Info("publisher circuit half-open, probing broker")
			return true
		}
		return false
	case breakerHalfOpen:
		return true
	default:
		return false
	}
}

func (b *BreakerPublisher) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != breakerClosed {
		slog.Info("publisher circuit closed", slog.String("previous_state", b.state.String()))
	}
	b.state = breakerClosed
	b.failureCount = 0
}

func (b *BreakerPublisher) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailureTime = time.Now()
	switch b.state {
	case breakerClosed:
		if b.failureCount >= b.maxFailures {
			b.state = breakerOpen
			slog.Warn("publisher circuit opened",
				slog.Int("consecutive_failures", b.failureCount),
				slog.Duration("cooldown", b.cooldown))
		}
	case breakerHalfOpen:
		b.state = breakerOpen
		slog.Warn("publisher circuit reopened after failed probe")
	}
}
