package settlement

import (
	"context"
	"database/sql"
	"time"

	"github.com/datapact/core/pkg/errs"
)

// PostgresJournal persists postings with a UNIQUE idempotency key; a
// conflicting insert is a no-op and the prior posting is returned.
type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal wraps an open database handle.
func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

// Init creates the journal_entries table if it does not exist.
func (s *PostgresJournal) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS journal_entries (
			id              TEXT PRIMARY KEY,
			ts              TIMESTAMPTZ NOT NULL,
			debit_account   TEXT NOT NULL,
			credit_account  TEXT NOT NULL,
			amount_minor    BIGINT NOT NULL,
			currency        TEXT NOT NULL,
			scale           INT NOT NULL,
			reference       TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL UNIQUE
		);
		CREATE INDEX IF NOT EXISTS idx_journal_entries_debit ON journal_entries (debit_account);
		CREATE INDEX IF NOT EXISTS idx_journal_entries_credit ON journal_entries (credit_account);
		CREATE INDEX IF NOT EXISTS idx_journal_entries_reference ON journal_entries (reference);
	`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "SETTLE_040", err, "init journal_entries schema")
	}
	return nil
}

const journalColumns = `id, ts, debit_account, credit_account, amount_minor, currency, scale,
	reference, idempotency_key`

func (s *PostgresJournal) Insert(ctx context.Context, e *JournalEntry) (*JournalEntry, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_entries (`+journalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, e.Timestamp, e.DebitAccount, e.CreditAccount,
		e.Amount.AmountMinor, e.Amount.Currency, e.Amount.Scale,
		e.Reference, e.IdempotencyKey)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindTransient, "SETTLE_041", err, "insert journal entry")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errs.Wrap(errs.KindTransient, "SETTLE_041", err, "insert journal entry")
	}
	if n == 0 {
		prior, err := s.GetByKey(ctx, e.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return prior, true, nil
	}
	return e, false, nil
}

func (s *PostgresJournal) GetByKey(ctx context.Context, idempotencyKey string) (*JournalEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+journalColumns+` FROM journal_entries WHERE idempotency_key = $1`,
		idempotencyKey)
	e, err := scanJournalEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_042", err, "load journal entry")
	}
	return e, nil
}

func (s *PostgresJournal) ListByAccount(ctx context.Context, account string) ([]*JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+journalColumns+` FROM journal_entries
		WHERE debit_account = $1 OR credit_account = $1
		ORDER BY ts, id`, account)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_043", err, "list journal entries")
	}
	return collectJournalEntries(rows)
}

func (s *PostgresJournal) ListByReference(ctx context.Context, reference string) ([]*JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+journalColumns+` FROM journal_entries
		WHERE reference = $1
		ORDER BY ts, id`, reference)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_043", err, "list journal entries")
	}
	return collectJournalEntries(rows)
}

func scanJournalEntry(row rowScanner) (*JournalEntry, error) {
	var e JournalEntry
	err := row.Scan(&e.ID, &e.Timestamp, &e.DebitAccount, &e.CreditAccount,
		&e.Amount.AmountMinor, &e.Amount.Currency, &e.Amount.Scale,
		&e.Reference, &e.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectJournalEntries(rows *sql.Rows) ([]*JournalEntry, error) {
	defer rows.Close()
	var out []*JournalEntry
	for rows.Next() {
		e, err := scanJournalEntry(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, "SETTLE_043", err, "scan journal entry")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_043", err, "scan journal entries")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// PostgresEscrowStore persists escrow accounts with version CAS updates.
type PostgresEscrowStore struct {
	db *sql.DB
}

// NewPostgresEscrowStore wraps an open database handle.
func NewPostgresEscrowStore(db *sql.DB) *PostgresEscrowStore {
	return &PostgresEscrowStore{db: db}
}

// Init creates the escrow_accounts table if it does not exist.
func (s *PostgresEscrowStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_accounts (
			id             TEXT PRIMARY KEY,
			requester_id   TEXT NOT NULL,
			request_id     TEXT NOT NULL UNIQUE,
			currency       TEXT NOT NULL DEFAULT '',
			scale          INT NOT NULL DEFAULT 0,
			funded_minor   BIGINT NOT NULL DEFAULT 0,
			locked_minor   BIGINT NOT NULL DEFAULT 0,
			released_minor BIGINT NOT NULL DEFAULT 0,
			refunded_minor BIGINT NOT NULL DEFAULT 0,
			status         TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			version        BIGINT NOT NULL
		);
	`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "SETTLE_044", err, "init escrow_accounts schema")
	}
	return nil
}

const escrowColumns = `id, requester_id, request_id, currency, scale, funded_minor,
	locked_minor, released_minor, refunded_minor, status, created_at, updated_at, version`

func (s *PostgresEscrowStore) Create(ctx context.Context, e *EscrowAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.RequesterID, e.RequestID, e.Currency, e.Scale, e.FundedMinor,
		e.LockedMinor, e.ReleasedMinor, e.RefundedMinor, string(e.Status),
		e.CreatedAt, e.UpdatedAt, e.Version)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "SETTLE_045", err, "insert escrow")
	}
	return nil
}

func (s *PostgresEscrowStore) Get(ctx context.Context, id string) (*EscrowAccount, error) {
	return s.getBy(ctx, "id", id)
}

func (s *PostgresEscrowStore) GetByRequest(ctx context.Context, requestID string) (*EscrowAccount, error) {
	return s.getBy(ctx, "request_id", requestID)
}

func (s *PostgresEscrowStore) getBy(ctx context.Context, column, value string) (*EscrowAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrow_accounts WHERE `+column+` = $1`, value)
	var e EscrowAccount
	var status string
	err := row.Scan(&e.ID, &e.RequesterID, &e.RequestID, &e.Currency, &e.Scale,
		&e.FundedMinor, &e.LockedMinor, &e.ReleasedMinor, &e.RefundedMinor,
		&status, &e.CreatedAt, &e.UpdatedAt, &e.Version)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_046", err, "load escrow")
	}
	e.Status = EscrowStatus(status)
	return &e, nil
}

func (s *PostgresEscrowStore) Update(ctx context.Context, e *EscrowAccount) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrow_accounts
		SET currency = $1, scale = $2, funded_minor = $3, locked_minor = $4,
			released_minor = $5, refunded_minor = $6, status = $7, updated_at = $8,
			version = version + 1
		WHERE id = $9 AND version = $10`,
		e.Currency, e.Scale, e.FundedMinor, e.LockedMinor, e.ReleasedMinor,
		e.RefundedMinor, string(e.Status), e.UpdatedAt, e.ID, e.Version)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "SETTLE_047", err, "update escrow")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "SETTLE_047", err, "update escrow")
	}
	if n == 0 {
		if _, err := s.Get(ctx, e.ID); err != nil {
			return err
		}
		return ErrEscrowVersionConflict
	}
	e.Version++
	return nil
}

// PostgresBalanceStore persists DS balances. The legal moves are expressed
// as guarded updates so the invariant survives concurrent writers.
type PostgresBalanceStore struct {
	db *sql.DB
}

// NewPostgresBalanceStore wraps an open database handle.
func NewPostgresBalanceStore(db *sql.DB) *PostgresBalanceStore {
	return &PostgresBalanceStore{db: db}
}

// Init creates the ds_balances table if it does not exist.
func (s *PostgresBalanceStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ds_balances (
			ds_id           TEXT PRIMARY KEY,
			currency        TEXT NOT NULL,
			scale           INT NOT NULL,
			available_minor BIGINT NOT NULL DEFAULT 0,
			pending_minor   BIGINT NOT NULL DEFAULT 0,
			earned_minor    BIGINT NOT NULL DEFAULT 0,
			paid_out_minor  BIGINT NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "SETTLE_048", err, "init ds_balances schema")
	}
	return nil
}

func (s *PostgresBalanceStore) Get(ctx context.Context, dsID string) (*DSBalance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ds_id, currency, scale, available_minor, pending_minor, earned_minor,
			paid_out_minor, updated_at
		FROM ds_balances WHERE ds_id = $1`, dsID)
	var b DSBalance
	err := row.Scan(&b.DSID, &b.Currency, &b.Scale, &b.AvailableMinor, &b.PendingMinor,
		&b.EarnedMinor, &b.PaidOutMinor, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_049", err, "load ds balance")
	}
	return &b, nil
}

func (s *PostgresBalanceStore) CreditPending(ctx context.Context, dsID string, amount Money, at time.Time) (*DSBalance, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ds_balances (ds_id, currency, scale, available_minor, pending_minor,
			earned_minor, paid_out_minor, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4, 0, $5)
		ON CONFLICT (ds_id) DO UPDATE
		SET pending_minor = ds_balances.pending_minor + $4,
			earned_minor = ds_balances.earned_minor + $4,
			updated_at = $5
		WHERE ds_balances.currency = $2`,
		dsID, amount.Currency, amount.Scale, amount.AmountMinor, at)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_050", err, "credit pending balance")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_050", err, "credit pending balance")
	}
	if n == 0 {
		return nil, errs.Newf(errs.KindValidation, "SETTLE_036",
			"balance for %s is kept in another currency than %s", dsID, amount.Currency)
	}
	return s.Get(ctx, dsID)
}

func (s *PostgresBalanceStore) ReleasePending(ctx context.Context, dsID string, amount Money, at time.Time) (*DSBalance, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ds_balances
		SET pending_minor = pending_minor - $1,
			available_minor = available_minor + $1,
			updated_at = $2
		WHERE ds_id = $3 AND currency = $4 AND pending_minor >= $1`,
		amount.AmountMinor, at, dsID, amount.Currency)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_051", err, "release pending balance")
	}
	return s.afterGuardedMove(ctx, res, dsID, amount, "SETTLE_031",
		"pending balance cannot cover the release")
}

func (s *PostgresBalanceStore) DebitAvailable(ctx context.Context, dsID string, amount Money, at time.Time) (*DSBalance, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ds_balances
		SET available_minor = available_minor - $1,
			paid_out_minor = paid_out_minor + $1,
			updated_at = $2
		WHERE ds_id = $3 AND currency = $4 AND available_minor >= $1`,
		amount.AmountMinor, at, dsID, amount.Currency)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_052", err, "debit available balance")
	}
	return s.afterGuardedMove(ctx, res, dsID, amount, "SETTLE_032",
		"available balance cannot cover the payout")
}

func (s *PostgresBalanceStore) afterGuardedMove(ctx context.Context, res sql.Result,
	dsID string, amount Money, code, message string) (*DSBalance, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, code, err, message)
	}
	if n == 0 {
		if _, err := s.Get(ctx, dsID); err != nil {
			return nil, err
		}
		return nil, errs.Newf(errs.KindInsufficientResource, code,
			"%s: ds %s, amount %s", message, dsID, amount)
	}
	return s.Get(ctx, dsID)
}

// PostgresPayoutStore persists payout instructions.
type PostgresPayoutStore struct {
	db *sql.DB
}

// NewPostgresPayoutStore wraps an open database handle.
func NewPostgresPayoutStore(db *sql.DB) *PostgresPayoutStore {
	return &PostgresPayoutStore{db: db}
}

// Init creates the payout_instructions table if it does not exist.
func (s *PostgresPayoutStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payout_instructions (
			id               TEXT PRIMARY KEY,
			ds_id            TEXT NOT NULL,
			amount_minor     BIGINT NOT NULL,
			currency         TEXT NOT NULL,
			scale            INT NOT NULL,
			method           TEXT NOT NULL,
			destination_hash TEXT NOT NULL,
			status           TEXT NOT NULL,
			requested_at     TIMESTAMPTZ NOT NULL,
			completed_at     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_payout_instructions_ds ON payout_instructions (ds_id);
	`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "SETTLE_053", err, "init payout_instructions schema")
	}
	return nil
}

const payoutColumns = `id, ds_id, amount_minor, currency, scale, method, destination_hash,
	status, requested_at, completed_at`

func (s *PostgresPayoutStore) Create(ctx context.Context, p *Payout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_instructions (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.DSID, p.Amount.AmountMinor, p.Amount.Currency, p.Amount.Scale,
		string(p.Method), p.DestinationHash, string(p.Status), p.RequestedAt,
		nullTime(p.CompletedAt))
	if err != nil {
		return errs.Wrap(errs.KindTransient, "SETTLE_054", err, "insert payout")
	}
	return nil
}

func (s *PostgresPayoutStore) Get(ctx context.Context, id string) (*Payout, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+payoutColumns+` FROM payout_instructions WHERE id = $1`, id)
	p, err := scanPayout(row)
	if err == sql.ErrNoRows {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_055", err, "load payout")
	}
	return p, nil
}

func (s *PostgresPayoutStore) Update(ctx context.Context, p *Payout) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payout_instructions
		SET status = $1, completed_at = $2
		WHERE id = $3`,
		string(p.Status), nullTime(p.CompletedAt), p.ID)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "SETTLE_056", err, "update payout")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "SETTLE_056", err, "update payout")
	}
	if n == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

func (s *PostgresPayoutStore) ListByDS(ctx context.Context, dsID string) ([]*Payout, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payout_instructions
		WHERE ds_id = $1 ORDER BY requested_at, id`, dsID)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_057", err, "list payouts")
	}
	defer rows.Close()
	var out []*Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, "SETTLE_057", err, "scan payout")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SETTLE_057", err, "scan payouts")
	}
	return out, nil
}

func scanPayout(row rowScanner) (*Payout, error) {
	var p Payout
	var method, status string
	var completedAt sql.NullTime
	err := row.Scan(&p.ID, &p.DSID, &p.Amount.AmountMinor, &p.Amount.Currency,
		&p.Amount.Scale, &method, &p.DestinationHash, &status, &p.RequestedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	p.Method = PayoutMethod(method)
	p.Status = PayoutStatus(status)
	if completedAt.Valid {
		p.CompletedAt = completedAt.Time
	}
	return &p, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
