// Package domain defines the outbox entities, lifecycle, and ports.
package domain

import (
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy computes exponential backoff with jitter and a cap.
type RetryPolicy struct {
	// BaseBackoff is the delay for attempt zero.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential term before jitter.
	MaxBackoff time.Duration
	// JitterFactor scales the uniform jitter added on top of the
	// exponential term. 0.1 adds up to 10%.
	JitterFactor float64
	// MaxRetries is the default attempt cap applied to events that carry
	// no explicit cap of their own.
	MaxRetries int
}

// DefaultRetryPolicy returns the stock policy: 100ms base, 30s cap, 10%
// jitter, 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseBackoff:  100 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
		JitterFactor: 0.1,
		MaxRetries:   5,
	}
}

// Validate rejects non-positive durations and negative jitter.
func (p RetryPolicy) Validate() error {
	if p.BaseBackoff <= 0 {
		return fmt.Errorf("%w: base backoff must be positive", ErrInvalidArgument)
	}
	if p.MaxBackoff < p.BaseBackoff {
		return fmt.Errorf("%w: max backoff below base backoff", ErrInvalidArgument)
	}
	if p.JitterFactor < 0 {
		return fmt.Errorf("%w: jitter factor must be non-negative", ErrInvalidArgument)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be non-negative", ErrInvalidArgument)
	}
	return nil
}

// Delay returns the backoff for the zero-based attempt n:
// floor(min(max, base*2^n) + uniform(0, min(max, base*2^n)*jitter)).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	exp := p.BaseBackoff
	for i := 0; i < attempt && exp < p.MaxBackoff; i++ {
		exp *= 2
	}
	if exp > p.MaxBackoff {
		exp = p.MaxBackoff
	}
	if p.JitterFactor > 0 {
		jitterCap := time.Duration(float64(exp) * p.JitterFactor)
		if jitterCap > 0 {
			exp += time.Duration(rand.Int63n(int64(jitterCap) + 1)) //nolint:gosec // Weak random is sufficient for jitter.
		}
	}
	return exp
}
