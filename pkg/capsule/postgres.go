package capsule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/datapact/core/pkg/crypto"
	"github.com/datapact/core/pkg/errs"
)

// PostgresStore persists capsules in Postgres. Summary and proofs live in
// JSONB columns; the sealed payload and wrapped key are BYTEA.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the time_capsules table if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS time_capsules (
			id             TEXT PRIMARY KEY,
			plan_id        TEXT NOT NULL,
			contract_id    TEXT NOT NULL,
			requester_id   TEXT NOT NULL,
			ds_node_id     TEXT NOT NULL,
			ttl            TIMESTAMPTZ NOT NULL,
			schema_version TEXT NOT NULL,
			summary        JSONB NOT NULL,
			payload        BYTEA NOT NULL,
			key_id         TEXT NOT NULL,
			wrapped_key    BYTEA NOT NULL,
			proofs         JSONB NOT NULL,
			status         TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL,
			delivered_at   TIMESTAMPTZ,
			shredded_at    TIMESTAMPTZ,
			version        BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_time_capsules_plan
			ON time_capsules (plan_id);
		CREATE INDEX IF NOT EXISTS idx_time_capsules_due
			ON time_capsules (ttl) WHERE status IN ('CREATED', 'DELIVERED');
	`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CAPSULE_050", err, "init time_capsules schema")
	}
	return nil
}

const capsuleColumns = `id, plan_id, contract_id, requester_id, ds_node_id, ttl,
	schema_version, summary, payload, key_id, wrapped_key, proofs, status,
	created_at, delivered_at, shredded_at, version`

func (s *PostgresStore) Create(ctx context.Context, c *Capsule) error {
	summary, err := json.Marshal(c.Header.Summary)
	if err != nil {
		return err
	}
	proofs, err := json.Marshal(c.Proofs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO time_capsules (`+capsuleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.Header.CapsuleID, c.Header.PlanID, c.Header.ContractID, c.Header.RequesterID,
		c.Header.DSNodeID, c.Header.TTL, c.Header.SchemaVersion, summary,
		c.Payload, c.KeyID, c.WrappedKey, proofs, string(c.Status),
		c.CreatedAt, nullTime(c.DeliveredAt), nullTime(c.ShreddedAt), c.Version)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CAPSULE_051", err, "insert capsule")
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Capsule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+capsuleColumns+` FROM time_capsules WHERE id = $1`, id)
	c, err := scanCapsule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CAPSULE_052", err, "select capsule")
	}
	return c, nil
}

// Update writes a capsule row only when the stored version matches,
// bumping the version on success.
func (s *PostgresStore) Update(ctx context.Context, c *Capsule) error {
	proofs, err := json.Marshal(c.Proofs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE time_capsules
		SET status = $1, proofs = $2, delivered_at = $3, shredded_at = $4,
		    version = version + 1
		WHERE id = $5 AND version = $6`,
		string(c.Status), proofs, nullTime(c.DeliveredAt), nullTime(c.ShreddedAt),
		c.Header.CapsuleID, c.Version)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CAPSULE_053", err, "update capsule")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CAPSULE_053", err, "update capsule")
	}
	if n == 0 {
		if _, err := s.Get(ctx, c.Header.CapsuleID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

func (s *PostgresStore) ListByPlan(ctx context.Context, planID string) ([]*Capsule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+capsuleColumns+` FROM time_capsules WHERE plan_id = $1 ORDER BY created_at, id`,
		planID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CAPSULE_054", err, "list capsules by plan")
	}
	defer rows.Close()
	return collectCapsules(rows, "CAPSULE_054")
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time) ([]*Capsule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+capsuleColumns+` FROM time_capsules
		WHERE ttl <= $1 AND status IN ('CREATED', 'DELIVERED')
		ORDER BY ttl, id`, now)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CAPSULE_055", err, "list due capsules")
	}
	defer rows.Close()
	return collectCapsules(rows, "CAPSULE_055")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCapsule(row rowScanner) (*Capsule, error) {
	var c Capsule
	var summary, proofs []byte
	var status string
	var deliveredAt, shreddedAt sql.NullTime
	err := row.Scan(&c.Header.CapsuleID, &c.Header.PlanID, &c.Header.ContractID,
		&c.Header.RequesterID, &c.Header.DSNodeID, &c.Header.TTL,
		&c.Header.SchemaVersion, &summary, &c.Payload, &c.KeyID, &c.WrappedKey,
		&proofs, &status, &c.CreatedAt, &deliveredAt, &shreddedAt, &c.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(summary, &c.Header.Summary); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(proofs, &c.Proofs); err != nil {
		return nil, err
	}
	c.Status = Status(status)
	if deliveredAt.Valid {
		c.DeliveredAt = deliveredAt.Time
	}
	if shreddedAt.Valid {
		c.ShreddedAt = shreddedAt.Time
	}
	return &c, nil
}

func collectCapsules(rows *sql.Rows, code string) ([]*Capsule, error) {
	var out []*Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, code, err, "scan capsule row")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, code, err, "iterate capsule rows")
	}
	return out, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// PostgresNonceRegistry enforces nonce uniqueness with a primary key.
type PostgresNonceRegistry struct {
	db *sql.DB
}

// NewPostgresNonceRegistry wraps an open database handle.
func NewPostgresNonceRegistry(db *sql.DB) *PostgresNonceRegistry {
	return &PostgresNonceRegistry{db: db}
}

// Init creates the nonce_registry table if it does not exist.
func (r *PostgresNonceRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS nonce_registry (
			nonce         TEXT PRIMARY KEY,
			registered_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CAPSULE_056", err, "init nonce_registry schema")
	}
	return nil
}

func (r *PostgresNonceRegistry) Register(ctx context.Context, nonce string) error {
	if nonce == "" {
		return errs.New(errs.KindValidation, "CAPSULE_009", "empty nonce")
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO nonce_registry (nonce, registered_at)
		VALUES ($1, NOW()) ON CONFLICT (nonce) DO NOTHING`, nonce)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CAPSULE_057", err, "register nonce")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CAPSULE_057", err, "register nonce")
	}
	if n == 0 {
		return errs.Newf(errs.KindDuplicate, "CAPSULE_010", "nonce %s already registered", nonce)
	}
	return nil
}

func (r *PostgresNonceRegistry) Seen(ctx context.Context, nonce string) (bool, error) {
	var seen bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM nonce_registry WHERE nonce = $1)`, nonce).Scan(&seen)
	if err != nil {
		return false, errs.Wrap(errs.KindTransient, "CAPSULE_057", err, "check nonce")
	}
	return seen, nil
}

// PostgresDestroyedKeys is the durable destroyed-keys registry the key
// store's in-memory registry is exported into.
type PostgresDestroyedKeys struct {
	db *sql.DB
}

// NewPostgresDestroyedKeys wraps an open database handle.
func NewPostgresDestroyedKeys(db *sql.DB) *PostgresDestroyedKeys {
	return &PostgresDestroyedKeys{db: db}
}

// Init creates the destroyed_keys_registry table if it does not exist.
func (r *PostgresDestroyedKeys) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS destroyed_keys_registry (
			key_id       TEXT PRIMARY KEY,
			destroyed_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CAPSULE_058", err, "init destroyed_keys_registry schema")
	}
	return nil
}

// Export upserts destroyed key ids; re-exporting already recorded ids is a
// no-op, so the export can run on every sweep.
func (r *PostgresDestroyedKeys) Export(ctx context.Context, keys []crypto.DestroyedKey) error {
	for _, k := range keys {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO destroyed_keys_registry (key_id, destroyed_at)
			VALUES ($1, $2) ON CONFLICT (key_id) DO NOTHING`, k.KeyID, k.DestroyedAt)
		if err != nil {
			return errs.Wrap(errs.KindTransient, "CAPSULE_059", err, "export destroyed key")
		}
	}
	return nil
}
