package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/datapact/core/pkg/errs"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the receipt chain in an embedded sqlite database,
// the durable tier for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open handle and ensures the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_receipts (
		seq           INTEGER NOT NULL UNIQUE,
		id            TEXT PRIMARY KEY,
		event_type    TEXT NOT NULL,
		ts            TEXT NOT NULL,
		actor_id      TEXT NOT NULL,
		actor_type    TEXT NOT NULL,
		resource_id   TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		details_hash  TEXT NOT NULL DEFAULT '',
		prev_hash     TEXT NOT NULL,
		receipt_hash  TEXT NOT NULL,
		batch_id      TEXT NOT NULL DEFAULT '',
		merkle_proof  TEXT NOT NULL DEFAULT '[]',
		anchored_at   TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_receipts_actor ON audit_receipts (actor_id, seq);
	CREATE INDEX IF NOT EXISTS idx_audit_receipts_resource ON audit_receipts (resource_id, seq);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "AUDIT_010", err, "init audit_receipts schema")
	}
	return nil
}

const receiptColumns = `seq, id, event_type, ts, actor_id, actor_type, resource_id,
	resource_type, details_hash, prev_hash, receipt_hash, batch_id, merkle_proof, anchored_at`

func (s *SQLiteStore) Append(ctx context.Context, r *Receipt) error {
	proofJSON, err := json.Marshal(r.MerkleProof)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "AUDIT_011", err, "encode merkle proof")
	}
	anchoredAt := ""
	if !r.AnchoredAt.IsZero() {
		anchoredAt = r.AnchoredAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_receipts (`+receiptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Sequence, r.ID, r.EventType, r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.ActorID, string(r.ActorType), r.ResourceID, r.ResourceType,
		r.DetailsHash, r.PrevReceiptHash, r.ReceiptHash,
		r.AnchorBatchID, string(proofJSON), anchoredAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateReceipt
		}
		return errs.Wrap(errs.KindTransient, "AUDIT_012", err, "append receipt")
	}
	return nil
}

func (s *SQLiteStore) Head(ctx context.Context) (string, uint64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT receipt_hash, seq FROM audit_receipts ORDER BY seq DESC LIMIT 1`)
	var hash string
	var seq uint64
	err := row.Scan(&hash, &seq)
	if err == sql.ErrNoRows {
		return GenesisHash, 0, nil
	}
	if err != nil {
		return "", 0, errs.Wrap(errs.KindTransient, "AUDIT_013", err, "read chain head")
	}
	return hash, seq, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM audit_receipts WHERE id = ?`, id)
	return scanReceipt(row)
}

func (s *SQLiteStore) GetBySequence(ctx context.Context, seq uint64) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM audit_receipts WHERE seq = ?`, seq)
	return scanReceipt(row)
}

func (s *SQLiteStore) Query(ctx context.Context, f QueryFilter) ([]*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM audit_receipts`
	var conds []string
	var args []interface{}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.ResourceID != "" {
		conds = append(conds, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if f.ResourceType != "" {
		conds = append(conds, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.ContractID != "" {
		conds = append(conds, "resource_type = ? AND resource_id = ?")
		args = append(args, ResourceConsentContract, f.ContractID)
	}
	if f.StartTime != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, f.StartTime.UTC().Format(time.RFC3339Nano))
	}
	if f.EndTime != nil {
		conds = append(conds, "ts <= ?")
		args = append(args, f.EndTime.UTC().Format(time.RFC3339Nano))
	}
	if f.StartSeq > 0 {
		conds = append(conds, "seq >= ?")
		args = append(args, f.StartSeq)
	}
	if f.EndSeq > 0 {
		conds = append(conds, "seq <= ?")
		args = append(args, f.EndSeq)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "AUDIT_014", err, "query receipts")
	}
	defer func() { _ = rows.Close() }()
	return scanReceipts(rows)
}

func (s *SQLiteStore) Unanchored(ctx context.Context) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+receiptColumns+` FROM audit_receipts
		WHERE batch_id = ''
		ORDER BY seq ASC`)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "AUDIT_015", err, "query unanchored receipts")
	}
	defer func() { _ = rows.Close() }()
	return scanReceipts(rows)
}

func (s *SQLiteStore) SetAnchor(ctx context.Context, receiptID, batchID string, proof []string, at time.Time) error {
	proofJSON, err := json.Marshal(proof)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "AUDIT_011", err, "encode merkle proof")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_receipts
		SET batch_id = ?, merkle_proof = ?, anchored_at = ?
		WHERE id = ?`,
		batchID, string(proofJSON), at.UTC().Format(time.RFC3339Nano), receiptID)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "AUDIT_016", err, "set anchor metadata")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "AUDIT_016", err, "set anchor metadata")
	}
	if n == 0 {
		return ErrReceiptNotFound
	}
	return nil
}

type receiptScanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(row receiptScanner) (*Receipt, error) {
	var r Receipt
	var ts, actorType, proofJSON, anchoredAt string
	err := row.Scan(&r.Sequence, &r.ID, &r.EventType, &ts, &r.ActorID, &actorType,
		&r.ResourceID, &r.ResourceType, &r.DetailsHash, &r.PrevReceiptHash,
		&r.ReceiptHash, &r.AnchorBatchID, &proofJSON, &anchoredAt)
	if err == sql.ErrNoRows {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "AUDIT_017", err, "scan receipt row")
	}
	r.ActorType = ActorType(actorType)
	r.Timestamp = parseTime(ts)
	if anchoredAt != "" {
		r.AnchoredAt = parseTime(anchoredAt)
	}
	if proofJSON != "" && proofJSON != "[]" {
		if err := json.Unmarshal([]byte(proofJSON), &r.MerkleProof); err != nil {
			return nil, errs.Wrap(errs.KindIntegrity, "AUDIT_018", err, "decode merkle proof")
		}
	}
	return &r, nil
}

func scanReceipts(rows *sql.Rows) ([]*Receipt, error) {
	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "AUDIT_017", err, "iterate receipt rows")
	}
	return out, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
