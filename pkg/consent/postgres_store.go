package consent

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/datapact/core/pkg/errs"
)

// PostgresContractStore persists contracts in Postgres. List and JSON
// document fields live in JSONB columns.
type PostgresContractStore struct {
	db *sql.DB
}

// NewPostgresContractStore wraps an open database handle.
func NewPostgresContractStore(db *sql.DB) *PostgresContractStore {
	return &PostgresContractStore{db: db}
}

// Init creates the consent_contracts table if it does not exist.
func (s *PostgresContractStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS consent_contracts (
			id                    TEXT PRIMARY KEY,
			ds_id                 TEXT NOT NULL,
			requester_id          TEXT NOT NULL,
			request_id            TEXT NOT NULL,
			scope_hash            TEXT NOT NULL,
			purpose_hash          TEXT NOT NULL,
			duration_start        TIMESTAMPTZ NOT NULL,
			duration_end          TIMESTAMPTZ NOT NULL,
			compensation_amount   BIGINT NOT NULL,
			status                TEXT NOT NULL,
			permitted_fields      JSONB NOT NULL DEFAULT '[]',
			sensitive_consents    JSONB NOT NULL DEFAULT '{}',
			output_restrictions   JSONB NOT NULL DEFAULT '[]',
			delivery_mode         TEXT NOT NULL,
			retention_days        INT NOT NULL DEFAULT 0,
			usage_restrictions    JSONB,
			deletion_requirements JSONB,
			obligation_hash       TEXT NOT NULL DEFAULT '',
			created_at            TIMESTAMPTZ NOT NULL,
			revoked_at            TIMESTAMPTZ,
			version               BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_consent_contracts_ds_request
			ON consent_contracts (ds_id, request_id);
		CREATE INDEX IF NOT EXISTS idx_consent_contracts_request
			ON consent_contracts (request_id);
	`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CONSENT_020", err, "init consent_contracts schema")
	}
	return nil
}

const contractColumns = `id, ds_id, requester_id, request_id, scope_hash, purpose_hash,
	duration_start, duration_end, compensation_amount, status, permitted_fields,
	sensitive_consents, output_restrictions, delivery_mode, retention_days,
	usage_restrictions, deletion_requirements, obligation_hash, created_at, revoked_at, version`

func (s *PostgresContractStore) Create(ctx context.Context, c *Contract) error {
	fields, consents, restrictions, usage, deletion, err := contractDocs(c)
	if err != nil {
		return err
	}
	var revoked sql.NullTime
	if !c.RevokedAt.IsZero() {
		revoked = sql.NullTime{Time: c.RevokedAt, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consent_contracts (`+contractColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		c.ID, c.DSID, c.RequesterID, c.RequestID, c.ScopeHash, c.PurposeHash,
		c.DurationStart, c.DurationEnd, c.CompensationAmount, string(c.Status),
		fields, consents, restrictions, string(c.DeliveryMode), c.RetentionDays,
		usage, deletion, c.ObligationHash, c.CreatedAt, revoked, c.Version)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CONSENT_021", err, "insert contract")
	}
	return nil
}

func (s *PostgresContractStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM consent_contracts WHERE id = $1`, id)
	return scanContract(row)
}

func (s *PostgresContractStore) Update(ctx context.Context, c *Contract) error {
	fields, consents, restrictions, usage, deletion, err := contractDocs(c)
	if err != nil {
		return err
	}
	var revoked sql.NullTime
	if !c.RevokedAt.IsZero() {
		revoked = sql.NullTime{Time: c.RevokedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE consent_contracts SET
			status = $1, permitted_fields = $2, sensitive_consents = $3,
			output_restrictions = $4, delivery_mode = $5, retention_days = $6,
			usage_restrictions = $7, deletion_requirements = $8, obligation_hash = $9,
			revoked_at = $10, version = version + 1
		WHERE id = $11 AND version = $12`,
		string(c.Status), fields, consents, restrictions, string(c.DeliveryMode),
		c.RetentionDays, usage, deletion, c.ObligationHash, revoked, c.ID, c.Version)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CONSENT_022", err, "update contract")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CONSENT_022", err, "update contract")
	}
	if n == 0 {
		if _, err := s.Get(ctx, c.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

func (s *PostgresContractStore) ListByDSAndRequest(ctx context.Context, dsID, requestID string) ([]*Contract, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contractColumns+` FROM consent_contracts
		WHERE ds_id = $1 AND request_id = $2
		ORDER BY created_at ASC`, dsID, requestID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CONSENT_023", err, "list contracts")
	}
	defer rows.Close()
	return scanContracts(rows)
}

func (s *PostgresContractStore) ListByRequest(ctx context.Context, requestID string) ([]*Contract, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contractColumns+` FROM consent_contracts
		WHERE request_id = $1
		ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CONSENT_023", err, "list contracts")
	}
	defer rows.Close()
	return scanContracts(rows)
}

func contractDocs(c *Contract) (fields, consents, restrictions, usage, deletion []byte, err error) {
	if fields, err = json.Marshal(orEmptyList(c.PermittedFields)); err != nil {
		return nil, nil, nil, nil, nil, errs.Wrap(errs.KindValidation, "CONSENT_024", err, "marshal contract documents")
	}
	sens := c.SensitiveFieldConsents
	if sens == nil {
		sens = map[string]bool{}
	}
	if consents, err = json.Marshal(sens); err != nil {
		return nil, nil, nil, nil, nil, errs.Wrap(errs.KindValidation, "CONSENT_024", err, "marshal contract documents")
	}
	if restrictions, err = json.Marshal(orEmptyList(c.OutputRestrictions)); err != nil {
		return nil, nil, nil, nil, nil, errs.Wrap(errs.KindValidation, "CONSENT_024", err, "marshal contract documents")
	}
	if c.UsageRestrictions != nil {
		if usage, err = json.Marshal(c.UsageRestrictions); err != nil {
			return nil, nil, nil, nil, nil, errs.Wrap(errs.KindValidation, "CONSENT_024", err, "marshal contract documents")
		}
	}
	if c.DeletionRequirements != nil {
		if deletion, err = json.Marshal(c.DeletionRequirements); err != nil {
			return nil, nil, nil, nil, nil, errs.Wrap(errs.KindValidation, "CONSENT_024", err, "marshal contract documents")
		}
	}
	return fields, consents, restrictions, usage, deletion, nil
}

func orEmptyList(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(row rowScanner) (*Contract, error) {
	var c Contract
	var status, mode string
	var fields, consents, restrictions []byte
	var usage, deletion []byte
	var revoked sql.NullTime
	err := row.Scan(&c.ID, &c.DSID, &c.RequesterID, &c.RequestID, &c.ScopeHash, &c.PurposeHash,
		&c.DurationStart, &c.DurationEnd, &c.CompensationAmount, &status, &fields,
		&consents, &restrictions, &mode, &c.RetentionDays, &usage, &deletion,
		&c.ObligationHash, &c.CreatedAt, &revoked, &c.Version)
	if err == sql.ErrNoRows {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CONSENT_025", err, "scan contract row")
	}
	c.Status = Status(status)
	c.DeliveryMode = DeliveryMode(mode)
	if err := json.Unmarshal(fields, &c.PermittedFields); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CONSENT_025", err, "scan contract row")
	}
	if err := json.Unmarshal(consents, &c.SensitiveFieldConsents); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CONSENT_025", err, "scan contract row")
	}
	if err := json.Unmarshal(restrictions, &c.OutputRestrictions); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CONSENT_025", err, "scan contract row")
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &c.UsageRestrictions); err != nil {
			return nil, errs.Wrap(errs.KindTransient, "CONSENT_025", err, "scan contract row")
		}
	}
	if len(deletion) > 0 {
		if err := json.Unmarshal(deletion, &c.DeletionRequirements); err != nil {
			return nil, errs.Wrap(errs.KindTransient, "CONSENT_025", err, "scan contract row")
		}
	}
	if revoked.Valid {
		c.RevokedAt = revoked.Time
	}
	return &c, nil
}

func scanContracts(rows *sql.Rows) ([]*Contract, error) {
	var out []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CONSENT_025", err, "iterate contract rows")
	}
	return out, nil
}

// PostgresObligationStore persists obligations in Postgres.
type PostgresObligationStore struct {
	db *sql.DB
}

// NewPostgresObligationStore wraps an open database handle.
func NewPostgresObligationStore(db *sql.DB) *PostgresObligationStore {
	return &PostgresObligationStore{db: db}
}

// Init creates the consent_obligations table if it does not exist.
func (s *PostgresObligationStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS consent_obligations (
			id                TEXT PRIMARY KEY,
			contract_id       TEXT NOT NULL,
			type              TEXT NOT NULL,
			specification     JSONB NOT NULL,
			enforcement_level TEXT NOT NULL,
			status            TEXT NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL,
			version           BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_consent_obligations_contract
			ON consent_obligations (contract_id);
	`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CONSENT_026", err, "init consent_obligations schema")
	}
	return nil
}

func (s *PostgresObligationStore) Create(ctx context.Context, o *Obligation) error {
	spec, err := json.Marshal(o.Specification)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "CONSENT_027", err, "marshal obligation specification")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consent_obligations
			(id, contract_id, type, specification, enforcement_level, status, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.ContractID, string(o.Type), spec, string(o.EnforcementLevel),
		string(o.Status), o.CreatedAt, o.Version)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CONSENT_027", err, "insert obligation")
	}
	return nil
}

func (s *PostgresObligationStore) Get(ctx context.Context, id string) (*Obligation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, contract_id, type, specification, enforcement_level, status, created_at, version
		FROM consent_obligations WHERE id = $1`, id)
	return scanObligation(row)
}

func (s *PostgresObligationStore) Update(ctx context.Context, o *Obligation) error {
	spec, err := json.Marshal(o.Specification)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "CONSENT_027", err, "marshal obligation specification")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE consent_obligations
		SET specification = $1, enforcement_level = $2, status = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		spec, string(o.EnforcementLevel), string(o.Status), o.ID, o.Version)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CONSENT_027", err, "update obligation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CONSENT_027", err, "update obligation")
	}
	if n == 0 {
		if _, err := s.Get(ctx, o.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	o.Version++
	return nil
}

func (s *PostgresObligationStore) ListByContract(ctx context.Context, contractID string) ([]*Obligation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contract_id, type, specification, enforcement_level, status, created_at, version
		FROM consent_obligations WHERE contract_id = $1
		ORDER BY created_at ASC, id ASC`, contractID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CONSENT_027", err, "list obligations")
	}
	defer rows.Close()

	var out []*Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanObligation(row rowScanner) (*Obligation, error) {
	var o Obligation
	var typ, level, status string
	var spec []byte
	err := row.Scan(&o.ID, &o.ContractID, &typ, &spec, &level, &status, &o.CreatedAt, &o.Version)
	if err == sql.ErrNoRows {
		return nil, ErrObligationNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CONSENT_027", err, "scan obligation row")
	}
	o.Type = ObligationType(typ)
	o.EnforcementLevel = EnforcementLevel(level)
	o.Status = ObligationStatus(status)
	if err := json.Unmarshal(spec, &o.Specification); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CONSENT_027", err, "scan obligation row")
	}
	return &o, nil
}

// PostgresViolationStore persists violations in Postgres.
type PostgresViolationStore struct {
	db *sql.DB
}

// NewPostgresViolationStore wraps an open database handle.
func NewPostgresViolationStore(db *sql.DB) *PostgresViolationStore {
	return &PostgresViolationStore{db: db}
}

// Init creates the obligation_violations table if it does not exist.
func (s *PostgresViolationStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS obligation_violations (
			id              TEXT PRIMARY KEY,
			contract_id     TEXT NOT NULL,
			obligation_id   TEXT NOT NULL,
			violation_type  TEXT NOT NULL,
			severity        TEXT NOT NULL,
			evidence_hash   TEXT NOT NULL,
			penalty_applied BOOLEAN NOT NULL DEFAULT FALSE,
			penalty_amount  BIGINT NOT NULL DEFAULT 0,
			detected_at     TIMESTAMPTZ NOT NULL,
			version         BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_obligation_violations_contract
			ON obligation_violations (contract_id);
	`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CONSENT_028", err, "init obligation_violations schema")
	}
	return nil
}

func (s *PostgresViolationStore) Create(ctx context.Context, v *Violation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO obligation_violations
			(id, contract_id, obligation_id, violation_type, severity, evidence_hash,
			 penalty_applied, penalty_amount, detected_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.ContractID, v.ObligationID, string(v.ViolationType), string(v.Severity),
		v.EvidenceHash, v.PenaltyApplied, v.PenaltyAmount, v.DetectedAt, v.Version)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CONSENT_029", err, "insert violation")
	}
	return nil
}

func (s *PostgresViolationStore) Get(ctx context.Context, id string) (*Violation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, contract_id, obligation_id, violation_type, severity, evidence_hash,
		       penalty_applied, penalty_amount, detected_at, version
		FROM obligation_violations WHERE id = $1`, id)
	return scanViolation(row)
}

func (s *PostgresViolationStore) Update(ctx context.Context, v *Violation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE obligation_violations
		SET penalty_applied = $1, penalty_amount = $2, version = version + 1
		WHERE id = $3 AND version = $4`,
		v.PenaltyApplied, v.PenaltyAmount, v.ID, v.Version)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CONSENT_029", err, "update violation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "CONSENT_029", err, "update violation")
	}
	if n == 0 {
		if _, err := s.Get(ctx, v.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	v.Version++
	return nil
}

func (s *PostgresViolationStore) ListByContract(ctx context.Context, contractID string) ([]*Violation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contract_id, obligation_id, violation_type, severity, evidence_hash,
		       penalty_applied, penalty_amount, detected_at, version
		FROM obligation_violations WHERE contract_id = $1
		ORDER BY detected_at ASC, id ASC`, contractID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CONSENT_029", err, "list violations")
	}
	defer rows.Close()

	var out []*Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanViolation(row rowScanner) (*Violation, error) {
	var v Violation
	var vtype, severity string
	err := row.Scan(&v.ID, &v.ContractID, &v.ObligationID, &vtype, &severity,
		&v.EvidenceHash, &v.PenaltyApplied, &v.PenaltyAmount, &v.DetectedAt, &v.Version)
	if err == sql.ErrNoRows {
		return nil, ErrViolationNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "CONSENT_029", err, "scan violation row")
	}
	v.ViolationType = ViolationType(vtype)
	v.Severity = Severity(severity)
	return &v, nil
}
