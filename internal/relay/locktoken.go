// Package relay contains the outbox relay worker and the lease reaper.
//
// The worker claims batches of ready events under a fenced lease, publishes
// them, and finalizes each row with an update conditioned on the lock token.
// The reaper returns expired leases to the pool so a crashed worker never
// strands an event.
package relay

import (
	"math/rand"
	"sync"
	"time"
)

var (
	tokenMu   sync.Mutex
	lastToken int64
)

// NewLockToken returns a fencing token derived from the current time in
// milliseconds with a random suffix. Tokens are strictly increasing within a
// process so a retried claim can never reuse a stale token.
func NewLockToken() int64 {
	//nolint:gosec // uniqueness, not unpredictability, is what fencing needs
	token := time.Now().UnixMilli()*1000 + rand.Int63n(1000)
	tokenMu.Lock()
	defer tokenMu.Unlock()
	if token <= lastToken {
		token = lastToken + 1
	}
	lastToken = token
	return token
}
