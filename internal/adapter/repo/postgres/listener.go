package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener holds a dedicated connection on LISTEN and signals a wake channel
// whenever a notification arrives. Relay workers use it to react to new
// events ahead of the poll interval; it is an optimization, so every failure
// path degrades back to polling instead of erroring out.
type Listener struct {
	Pool    *pgxpool.Pool
	Channel string
	Wake    chan struct{}
}

// NewListener creates a Listener for the given NOTIFY channel. Wake has a
// buffer of one; coalescing bursts into a single wakeup is fine because the
// worker drains the whole backlog per wake.
func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	return &Listener{
		Pool:    pool,
		Channel: channel,
		Wake:    make(chan struct{}, 1),
	}
}

// Run blocks listening for notifications until ctx is cancelled, reconnecting
// with a fixed delay after connection loss.
func (l *Listener) Run(ctx context.Context) {
	const reconnectDelay = 5 * time.Second
	for {
		if err := l.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("listener connection lost, reconnecting",
				slog.String("channel", l.Channel),
				slog.Any("error", err),
				slog.Duration("delay", reconnectDelay))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `LISTEN `+quoteIdent(l.Channel)); err != nil {
		return err
	}
	slog.Info("listening for event notifications", slog.String("channel", l.Channel))

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		select {
		case l.Wake <- struct{}{}:
		default:
		}
	}
}

// quoteIdent double-quotes a channel name so LISTEN accepts names with
// unusual characters. Embedded quotes are doubled per SQL identifier rules.
func quoteIdent(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}
