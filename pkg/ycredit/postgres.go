package ycredit

import (
	"context"
	"database/sql"

	"github.com/datapact/core/pkg/errs"
)

// PostgresTokenStore persists tokens with a UNIQUE idempotency key.
type PostgresTokenStore struct {
	db *sql.DB
}

// NewPostgresTokenStore wraps an open database handle.
func NewPostgresTokenStore(db *sql.DB) *PostgresTokenStore {
	return &PostgresTokenStore{db: db}
}

// Init creates the yc_tokens table if it does not exist.
func (s *PostgresTokenStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS yc_tokens (
			id              TEXT PRIMARY KEY,
			ds_id           TEXT NOT NULL,
			amount_minor    BIGINT NOT NULL,
			currency        TEXT NOT NULL,
			operation_type  TEXT NOT NULL,
			reference_id    TEXT NOT NULL,
			reference_type  TEXT NOT NULL,
			escrow_id       TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL UNIQUE,
			created_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_yc_tokens_ds ON yc_tokens (ds_id);
		CREATE INDEX IF NOT EXISTS idx_yc_tokens_escrow ON yc_tokens (escrow_id);
	`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "YC_021", err, "init yc_tokens schema")
	}
	return nil
}

const tokenColumns = `id, ds_id, amount_minor, currency, operation_type, reference_id,
	reference_type, escrow_id, idempotency_key, created_at`

func (s *PostgresTokenStore) Insert(ctx context.Context, t *Token) (*Token, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO yc_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		t.ID, t.DSID, t.AmountMinor, t.Currency, string(t.OperationType),
		t.ReferenceID, t.ReferenceType, t.EscrowID, t.IdempotencyKey, t.CreatedAt)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindTransient, "YC_022", err, "insert credit token")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errs.Wrap(errs.KindTransient, "YC_022", err, "insert credit token")
	}
	if n == 0 {
		prior, err := s.GetByKey(ctx, t.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return prior, true, nil
	}
	return t, false, nil
}

// GetByKey returns the token stored under the idempotency key.
func (s *PostgresTokenStore) GetByKey(ctx context.Context, idempotencyKey string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM yc_tokens WHERE idempotency_key = $1`, idempotencyKey)
	var t Token
	var op string
	err := row.Scan(&t.ID, &t.DSID, &t.AmountMinor, &t.Currency, &op,
		&t.ReferenceID, &t.ReferenceType, &t.EscrowID, &t.IdempotencyKey, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "YC_023", err, "load credit token")
	}
	t.OperationType = OperationType(op)
	return &t, nil
}

func (s *PostgresTokenStore) SumByDS(ctx context.Context, dsID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_minor), 0) FROM yc_tokens WHERE ds_id = $1`, dsID).Scan(&sum)
	if err != nil {
		return 0, errs.Wrap(errs.KindTransient, "YC_024", err, "sum credit balance")
	}
	return sum, nil
}

func (s *PostgresTokenStore) SumIssuedByEscrow(ctx context.Context, escrowID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_minor), 0) FROM yc_tokens
		WHERE escrow_id = $1 AND operation_type = $2`, escrowID, string(OpIssuance)).Scan(&sum)
	if err != nil {
		return 0, errs.Wrap(errs.KindTransient, "YC_025", err, "sum escrow issuance")
	}
	return sum, nil
}

func (s *PostgresTokenStore) ListByDS(ctx context.Context, dsID string) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM yc_tokens WHERE ds_id = $1 ORDER BY created_at, id`, dsID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "YC_026", err, "list credit tokens")
	}
	defer rows.Close()
	var out []*Token
	for rows.Next() {
		var t Token
		var op string
		if err := rows.Scan(&t.ID, &t.DSID, &t.AmountMinor, &t.Currency, &op,
			&t.ReferenceID, &t.ReferenceType, &t.EscrowID, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindTransient, "YC_026", err, "scan credit token")
		}
		t.OperationType = OperationType(op)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "YC_026", err, "scan credit tokens")
	}
	return out, nil
}
