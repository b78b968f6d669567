package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// ReadinessChecker probes the process's hard dependencies. The publisher
// check is optional since the API server can run without a broker
// connection.
type ReadinessChecker struct {
	DB        Pinger
	Publisher domain.Publisher
}

// Check runs all configured probes with a short deadline.
func (c *ReadinessChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if c.DB == nil {
		return fmt.Errorf("db not configured")
	}
	if err := c.DB.Ping(ctx); err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if c.Publisher != nil && !c.Publisher.IsHealthy(ctx) {
		return fmt.Errorf("publisher: broker unreachable")
	}
	return nil
}

// Handler serves /readyz, 200 when ready and 503 with the failing probe
// otherwise.
func (c *ReadinessChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.Check(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
