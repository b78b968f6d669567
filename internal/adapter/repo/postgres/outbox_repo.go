// Package postgres provides the PostgreSQL adapters for the outbox and
// inbox tables. The repositories are the only writers of event rows; all
// state transitions happen through single atomic statements here.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/outbox-relay/internal/domain"
)

// maxErrorLen bounds last_error so arbitrarily long publisher failures do
// not bloat the row.
const maxErrorLen = 500

// SQLExecutor is the narrow query seam the repositories call. Both
// *pgxpool.Pool and pgx.Tx satisfy it, so producers can run Insert inside
// their own business transaction.
type SQLExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	SQLExecutor
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// OutboxRepo persists and transitions outbox events using a minimal pgx pool.
type OutboxRepo struct{ Pool PgxPool }

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool) *OutboxRepo { return &OutboxRepo{Pool: p} }

const eventColumns = `id, tracking_id, aggregate_id, aggregate_type, event_type, payload, metadata,
	status, retry_count, max_retries, created_at, processed_at, locked_until, lock_token, last_error, visible_at`

func scanEvent(row pgx.Row) (domain.Event, error) {
	var e domain.Event
	err := row.Scan(&e.ID, &e.TrackingID, &e.AggregateID, &e.AggregateType, &e.EventType,
		&e.Payload, &e.Metadata, &e.Status, &e.RetryCount, &e.MaxRetries,
		&e.CreatedAt, &e.ProcessedAt, &e.LockedUntil, &e.LockToken, &e.LastError, &e.VisibleAt)
	return e, err
}

func collectEvents(rows pgx.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

// Insert persists a new event in PENDING and returns it with the
// server-assigned id and created_at. A colliding tracking_id surfaces as
// domain.ErrDuplicateTracking.
func (r *OutboxRepo) Insert(ctx domain.Context, e domain.Event) (domain.Event, error) {
	return insertOn(ctx, r.Pool, e)
}

// InsertTx is the transactional variant: the event becomes durable if and
// only if the caller commits tx, which is the whole point of the outbox.
func (r *OutboxRepo) InsertTx(ctx domain.Context, tx pgx.Tx, e domain.Event) (domain.Event, error) {
	return insertOn(ctx, tx, e)
}

func insertOn(ctx domain.Context, q SQLExecutor, e domain.Event) (domain.Event, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "outbox"),
		attribute.String("event.type", e.EventType),
	)
	if e.EventType == "" {
		return domain.Event{}, fmt.Errorf("op=outbox.insert: %w: event type required", domain.ErrInvalidArgument)
	}
	if e.TrackingID == "" {
		e.TrackingID = uuid.New().String()
	}
	if e.MaxRetries < 0 {
		return domain.Event{}, fmt.Errorf("op=outbox.insert: %w: max retries must be non-negative", domain.ErrInvalidArgument)
	}
	const sql = `INSERT INTO outbox
		(tracking_id, aggregate_id, aggregate_type, event_type, payload, metadata, status, retry_count, max_retries, created_at, visible_at)
		VALUES ($1,$2,$3,$4,$5,$6,'PENDING',0,$7,now(),now())
		RETURNING id, created_at, visible_at`
	row := q.QueryRow(ctx, sql, e.TrackingID, e.AggregateID, e.AggregateType, e.EventType, e.Payload, e.Metadata, e.MaxRetries)
	if err := row.Scan(&e.ID, &e.CreatedAt, &e.VisibleAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Event{}, fmt.Errorf("op=outbox.insert: %w", domain.ErrDuplicateTracking)
		}
		return domain.Event{}, fmt.Errorf("op=outbox.insert: %w", err)
	}
	e.Status = domain.EventPending
	e.RetryCount = 0
	return e, nil
}

// Announce fires a NOTIFY on channel so relay workers wake ahead of their
// poll timer. Inside a transaction the notification is delivered at commit.
func (r *OutboxRepo) Announce(ctx domain.Context, channel string) error {
	if _, err := r.Pool.Exec(ctx, `SELECT pg_notify($1, '')`, channel); err != nil {
		return fmt.Errorf("op=outbox.announce: %w", err)
	}
	return nil
}

// ClaimBatch atomically transitions up to batchSize ready rows to
// PROCESSING, stamped with the caller's lock token and lease deadline.
// FOR UPDATE SKIP LOCKED lets concurrent claimers make progress without
// serializing; the returned batch is ordered by created_at ascending.
func (r *OutboxRepo) ClaimBatch(ctx domain.Context, batchSize int, lease time.Duration, lockToken int64) ([]domain.Event, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ClaimBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("outbox.batch_size", batchSize))
	if batchSize <= 0 {
		return nil, fmt.Errorf("op=outbox.claim_batch: %w: batch size must be positive", domain.ErrInvalidArgument)
	}
	sql := `WITH ready AS (
			SELECT id FROM outbox
			WHERE status IN ('PENDING','FAILED')
			  AND (locked_until IS NULL OR locked_until < now())
			  AND visible_at <= now()
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE outbox o
			SET status = 'PROCESSING',
			    locked_until = now() + make_interval(secs => $2),
			    lock_token = $3
			FROM ready
			WHERE o.id = ready.id
			RETURNING ` + aliased("o") + `
		)
		SELECT * FROM claimed ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, sql, batchSize, lease.Seconds(), lockToken)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.claim_batch: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.claim_batch: %w", err)
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(events)))
	return events, nil
}

// aliased prefixes the shared column list with a table alias for use in
// UPDATE ... RETURNING.
func aliased(a string) string {
	return a + `.id, ` + a + `.tracking_id, ` + a + `.aggregate_id, ` + a + `.aggregate_type, ` + a + `.event_type, ` +
		a + `.payload, ` + a + `.metadata, ` + a + `.status, ` + a + `.retry_count, ` + a + `.max_retries, ` +
		a + `.created_at, ` + a + `.processed_at, ` + a + `.locked_until, ` + a + `.lock_token, ` + a + `.last_error, ` + a + `.visible_at`
}

// MarkCompleted finalizes a delivered event. The update is fenced on the
// lock token; false means the lease was lost and nothing changed.
// last_error is left as-is so the last failure before an eventual success
// stays visible for diagnosis.
func (r *OutboxRepo) MarkCompleted(ctx domain.Context, id, lockToken int64) (bool, error) {
	const sql = `UPDATE outbox
		SET status='COMPLETED', processed_at=now(), locked_until=NULL, lock_token=NULL
		WHERE id=$1 AND lock_token=$2 AND status='PROCESSING'`
	tag, err := r.Pool.Exec(ctx, sql, id, lockToken)
	if err != nil {
		return false, fmt.Errorf("op=outbox.mark_completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed records a transient publish failure: increments retry_count,
// stores the truncated error, and schedules re-admission after retryIn via
// visible_at. Fenced on the lock token.
func (r *OutboxRepo) MarkFailed(ctx domain.Context, id, lockToken int64, lastError string, retryIn time.Duration) (bool, error) {
	const sql = `UPDATE outbox
		SET status='FAILED', retry_count=retry_count+1, last_error=$3,
		    visible_at = now() + make_interval(secs => $4),
		    locked_until=NULL, lock_token=NULL
		WHERE id=$1 AND lock_token=$2 AND status='PROCESSING'`
	tag, err := r.Pool.Exec(ctx, sql, id, lockToken, truncateError(lastError), retryIn.Seconds())
	if err != nil {
		return false, fmt.Errorf("op=outbox.mark_failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDeadLetter diverts an exhausted or permanently failed event. Fenced on
// the lock token.
func (r *OutboxRepo) MarkDeadLetter(ctx domain.Context, id, lockToken int64, lastError string) (bool, error) {
	const sql = `UPDATE outbox
		SET status='DEAD_LETTER', processed_at=now(), last_error=$3, locked_until=NULL, lock_token=NULL
		WHERE id=$1 AND lock_token=$2 AND status='PROCESSING'`
	tag, err := r.Pool.Exec(ctx, sql, id, lockToken, truncateError(lastError))
	if err != nil {
		return false, fmt.Errorf("op=outbox.mark_dead_letter: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RenewLease extends the lease deadline iff the caller still holds it.
// A false return means the worker must stop heartbeating and abandon the
// event; the in-flight side effect outcome is unknown.
func (r *OutboxRepo) RenewLease(ctx domain.Context, id, lockToken int64, lease time.Duration) (bool, error) {
	const sql = `UPDATE outbox
		SET locked_until = now() + make_interval(secs => $3)
		WHERE id=$1 AND lock_token=$2 AND status='PROCESSING'`
	tag, err := r.Pool.Exec(ctx, sql, id, lockToken, lease.Seconds())
	if err != nil {
		return false, fmt.Errorf("op=outbox.renew_lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecoverStaleEvents returns expired PROCESSING rows to PENDING. retry_count
// is preserved: reaping reflects a worker crash, not an application failure.
func (r *OutboxRepo) RecoverStaleEvents(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.RecoverStaleEvents")
	defer span.End()
	const sql = `UPDATE outbox
		SET status='PENDING', locked_until=NULL, lock_token=NULL
		WHERE status='PROCESSING' AND locked_until < now()`
	tag, err := r.Pool.Exec(ctx, sql)
	if err != nil {
		return 0, fmt.Errorf("op=outbox.recover_stale: %w", err)
	}
	span.SetAttributes(attribute.Int64("outbox.recovered", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// RedriveByEventType resets DEAD_LETTER rows of one event type back to
// PENDING with a fresh retry budget. Mass redrive without a filter is
// rejected at the HTTP boundary, not here.
func (r *OutboxRepo) RedriveByEventType(ctx domain.Context, eventType string) (int64, error) {
	if eventType == "" {
		return 0, fmt.Errorf("op=outbox.redrive_type: %w: event type required", domain.ErrInvalidArgument)
	}
	const sql = `UPDATE outbox
		SET status='PENDING', retry_count=0, last_error=NULL, processed_at=NULL, visible_at=now()
		WHERE status='DEAD_LETTER' AND event_type=$1`
	tag, err := r.Pool.Exec(ctx, sql, eventType)
	if err != nil {
		return 0, fmt.Errorf("op=outbox.redrive_type: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RedriveByID resets a single DEAD_LETTER row back to PENDING.
func (r *OutboxRepo) RedriveByID(ctx domain.Context, id int64) (bool, error) {
	const sql = `UPDATE outbox
		SET status='PENDING', retry_count=0, last_error=NULL, processed_at=NULL, visible_at=now()
		WHERE status='DEAD_LETTER' AND id=$1`
	tag, err := r.Pool.Exec(ctx, sql, id)
	if err != nil {
		return false, fmt.Errorf("op=outbox.redrive_id: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Read-only aggregates

func (r *OutboxRepo) countWhere(ctx domain.Context, op, where string, args ...any) (int64, error) {
	var n int64
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE `+where, args...)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=%s: %w", op, err)
	}
	return n, nil
}

// PendingCount counts rows awaiting relay (PENDING plus retryable FAILED).
func (r *OutboxRepo) PendingCount(ctx domain.Context) (int64, error) {
	return r.countWhere(ctx, "outbox.pending_count", `status IN ('PENDING','FAILED')`)
}

// ProcessingCount counts rows currently under a lease.
func (r *OutboxRepo) ProcessingCount(ctx domain.Context) (int64, error) {
	return r.countWhere(ctx, "outbox.processing_count", `status = 'PROCESSING'`)
}

// CompletedCount counts delivered rows.
func (r *OutboxRepo) CompletedCount(ctx domain.Context) (int64, error) {
	return r.countWhere(ctx, "outbox.completed_count", `status = 'COMPLETED'`)
}

// DeadLetterCount counts rows awaiting operator redrive.
func (r *OutboxRepo) DeadLetterCount(ctx domain.Context) (int64, error) {
	return r.countWhere(ctx, "outbox.dead_letter_count", `status = 'DEAD_LETTER'`)
}

// OldestPendingAge returns how long the oldest undelivered event has been
// waiting, or zero when the backlog is empty.
func (r *OutboxRepo) OldestPendingAge(ctx domain.Context) (time.Duration, error) {
	const sql = `SELECT COALESCE(EXTRACT(EPOCH FROM (now() - MIN(created_at))), 0)
		FROM outbox WHERE status IN ('PENDING','FAILED')`
	var secs float64
	if err := r.Pool.QueryRow(ctx, sql).Scan(&secs); err != nil {
		return 0, fmt.Errorf("op=outbox.oldest_pending_age: %w", err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// FindByID loads one event or domain.ErrNotFound.
func (r *OutboxRepo) FindByID(ctx domain.Context, id int64) (domain.Event, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM outbox WHERE id=$1`, id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Event{}, fmt.Errorf("op=outbox.find_by_id: %w", domain.ErrNotFound)
		}
		return domain.Event{}, fmt.Errorf("op=outbox.find_by_id: %w", err)
	}
	return e, nil
}

// FindByTrackingID loads one event by its tracking id or domain.ErrNotFound.
func (r *OutboxRepo) FindByTrackingID(ctx domain.Context, trackingID string) (domain.Event, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM outbox WHERE tracking_id=$1`, trackingID)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Event{}, fmt.Errorf("op=outbox.find_by_tracking_id: %w", domain.ErrNotFound)
		}
		return domain.Event{}, fmt.Errorf("op=outbox.find_by_tracking_id: %w", err)
	}
	return e, nil
}

// FindByStatus lists up to limit events in one status, oldest first.
func (r *OutboxRepo) FindByStatus(ctx domain.Context, status domain.EventStatus, limit int) ([]domain.Event, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("op=outbox.find_by_status: %w: unknown status %q", domain.ErrInvalidArgument, status)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT `+eventColumns+` FROM outbox WHERE status=$1 ORDER BY created_at ASC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.find_by_status: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.find_by_status: %w", err)
	}
	return events, nil
}

// FindRecent pages over events by id cursor, newest first. limit+1 rows are
// requested; the extra row only drives HasMore and is dropped, which keeps
// pages stable under concurrent inserts.
func (r *OutboxRepo) FindRecent(ctx domain.Context, q domain.RecentQuery) (domain.EventPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	ascending := false
	switch {
	case q.After > 0:
		// Walk forward from the cursor, then reverse into the newest-first
		// output shape.
		ascending = true
		rows, err = r.Pool.Query(ctx,
			`SELECT `+eventColumns+` FROM outbox WHERE id > $1 ORDER BY id ASC LIMIT $2`,
			q.After, limit+1)
	case q.Before > 0:
		rows, err = r.Pool.Query(ctx,
			`SELECT `+eventColumns+` FROM outbox WHERE id < $1 ORDER BY id DESC LIMIT $2`,
			q.Before, limit+1)
	default:
		rows, err = r.Pool.Query(ctx,
			`SELECT `+eventColumns+` FROM outbox ORDER BY id DESC LIMIT $1`, limit+1)
	}
	if err != nil {
		return domain.EventPage{}, fmt.Errorf("op=outbox.find_recent: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return domain.EventPage{}, fmt.Errorf("op=outbox.find_recent: %w", err)
	}
	page := domain.EventPage{}
	if len(events) > limit {
		page.HasMore = true
		events = events[:limit]
	}
	if ascending {
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	page.Events = events
	return page, nil
}

// DeadLetterStats aggregates DEAD_LETTER rows per event type with up to
// three distinct truncated error samples each.
func (r *OutboxRepo) DeadLetterStats(ctx domain.Context) ([]domain.DeadLetterStat, error) {
	const sql = `SELECT event_type, COUNT(*),
			COALESCE(EXTRACT(EPOCH FROM (now() - MIN(created_at))), 0),
			COALESCE(EXTRACT(EPOCH FROM (now() - MAX(created_at))), 0),
			(ARRAY_REMOVE(ARRAY_AGG(DISTINCT LEFT(last_error, 200)), NULL))[1:3]
		FROM outbox
		WHERE status='DEAD_LETTER'
		GROUP BY event_type
		ORDER BY COUNT(*) DESC`
	rows, err := r.Pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.dead_letter_stats: %w", err)
	}
	defer rows.Close()
	var stats []domain.DeadLetterStat
	for rows.Next() {
		var s domain.DeadLetterStat
		var oldest, newest float64
		if err := rows.Scan(&s.EventType, &s.Count, &oldest, &newest, &s.ErrorSamples); err != nil {
			return nil, fmt.Errorf("op=outbox.dead_letter_stats: %w", err)
		}
		s.OldestAge = time.Duration(oldest * float64(time.Second))
		s.NewestAge = time.Duration(newest * float64(time.Second))
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.dead_letter_stats: %w", err)
	}
	return stats, nil
}
