package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool from the provided DSN and returns it.
// The pool is configured with sane defaults for this application and traces
// queries through the otelpgx instrumentation.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// NewPoolWithRetry dials the database under an exponential backoff budget.
// Bootstrap uses this so a briefly unavailable database does not kill the
// process, while a dead one still produces a fatal error within maxElapsed.
func NewPoolWithRetry(ctx context.Context, dsn string, maxElapsed time.Duration) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	op := func() error {
		p, err := NewPool(ctx, dsn)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("database not reachable, retrying",
			slog.Any("error", err),
			slog.Duration("next_attempt_in", next))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, fmt.Errorf("op=postgres.NewPoolWithRetry: %w", err)
	}
	return pool, nil
}
