package events

import (
	"context"
	"database/sql"
	"time"

	"github.com/datapact/core/pkg/errs"
)

// PostgresStore persists canonical events in Postgres. The idempotency key
// carries a UNIQUE constraint so duplicate publishes collapse at the
// database even across processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the canonical_events table if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS canonical_events (
			seq             BIGSERIAL,
			id              TEXT PRIMARY KEY,
			event_type      TEXT NOT NULL,
			event_name      TEXT NOT NULL DEFAULT '',
			trace_id        TEXT NOT NULL,
			correlation_id  TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			actor_id        TEXT NOT NULL DEFAULT '',
			actor_type      TEXT NOT NULL DEFAULT '',
			resource_ref    TEXT NOT NULL DEFAULT '',
			payload_hash    TEXT NOT NULL DEFAULT '',
			schema_version  TEXT NOT NULL,
			ts              TIMESTAMPTZ NOT NULL,
			status          TEXT NOT NULL,
			retry_count     INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_canonical_events_due
			ON canonical_events (status, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_canonical_events_trace
			ON canonical_events (trace_id, seq);
	`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "EVENT_020", err, "init canonical_events schema")
	}
	return nil
}

const eventColumns = `id, event_type, event_name, trace_id, correlation_id, idempotency_key,
	actor_id, actor_type, resource_ref, payload_hash, schema_version, ts, status, retry_count, next_attempt_at`

func (s *PostgresStore) Append(ctx context.Context, e *Event) (*Event, bool, error) {
	if err := e.Validate(); err != nil {
		return nil, false, err
	}
	var next sql.NullTime
	if !e.NextAttemptAt.IsZero() {
		next = sql.NullTime{Time: e.NextAttemptAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO canonical_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, e.EventType, e.EventName, e.TraceID, e.CorrelationID, e.IdempotencyKey,
		e.ActorID, e.ActorType, e.ResourceRef, e.PayloadHash, e.SchemaVersion,
		e.Timestamp, string(e.Status), e.RetryCount, next)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindTransient, "EVENT_021", err, "append event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errs.Wrap(errs.KindTransient, "EVENT_021", err, "append event")
	}
	if n == 0 {
		prior, err := s.getByKey(ctx, e.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return prior, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM canonical_events WHERE id = $1`, id)
	return scanEvent(row)
}

func (s *PostgresStore) getByKey(ctx context.Context, key string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM canonical_events WHERE idempotency_key = $1`, key)
	return scanEvent(row)
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM canonical_events
		WHERE status = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		ORDER BY seq ASC
		LIMIT $3`,
		string(StatusPending), now, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "EVENT_022", err, "list due events")
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE canonical_events SET status = $1 WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return errs.Wrap(errs.KindTransient, "EVENT_023", err, "update event status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "EVENT_023", err, "update event status")
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *PostgresStore) MarkRetry(ctx context.Context, id string, retryCount int, nextAttempt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE canonical_events
		SET status = $1, retry_count = $2, next_attempt_at = $3
		WHERE id = $4`,
		string(StatusPending), retryCount, nextAttempt, id)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "EVENT_024", err, "mark event retry")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "EVENT_024", err, "mark event retry")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByTrace(ctx context.Context, traceID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM canonical_events
		WHERE trace_id = $1
		ORDER BY seq ASC`, traceID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "EVENT_025", err, "list trace events")
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) DeadLetters(ctx context.Context) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM canonical_events
		WHERE status = $1
		ORDER BY seq ASC`, string(StatusDeadLetter))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "EVENT_026", err, "list dead letters")
	}
	defer rows.Close()
	return scanEvents(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var status string
	var next sql.NullTime
	err := row.Scan(&e.ID, &e.EventType, &e.EventName, &e.TraceID, &e.CorrelationID,
		&e.IdempotencyKey, &e.ActorID, &e.ActorType, &e.ResourceRef, &e.PayloadHash,
		&e.SchemaVersion, &e.Timestamp, &status, &e.RetryCount, &next)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "EVENT_027", err, "scan event row")
	}
	e.Status = Status(status)
	if next.Valid {
		e.NextAttemptAt = next.Time
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "EVENT_027", err, "iterate event rows")
	}
	return out, nil
}
