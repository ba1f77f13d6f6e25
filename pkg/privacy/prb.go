// Package privacy implements the privacy governor: the k-anonymity,
// linkage-rate and privacy-risk-budget gates every query plan passes
// before dispatch, with cohort caching and rolling linkage windows backed
// by Redis when configured and in-process stores otherwise.
package privacy

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/datapact/core/pkg/errs"
)

// BudgetStatus is the PRB lifecycle state.
type BudgetStatus string

const (
	BudgetDraft     BudgetStatus = "DRAFT"
	BudgetLocked    BudgetStatus = "LOCKED"
	BudgetExhausted BudgetStatus = "EXHAUSTED"
)

var (
	// ErrBudgetNotFound is returned when a campaign has no PRB.
	ErrBudgetNotFound = errs.New(errs.KindNotFound, "PRIVACY_001", "privacy risk budget not found")
	// ErrBudgetVersionConflict is returned when a CAS write loses.
	ErrBudgetVersionConflict = errs.New(errs.KindTransient, "PRIVACY_002", "privacy risk budget changed concurrently")
)

// Budget is a campaign's privacy risk budget. remaining = allocated −
// consumed holds at all times; a LOCKED budget's allocation is immutable.
type Budget struct {
	CampaignID     string       `json:"campaignId"`
	Allocated      float64      `json:"allocated"`
	Consumed       float64      `json:"consumed"`
	Remaining      float64      `json:"remaining"`
	RulesetVersion string       `json:"rulesetVersion"`
	LockedAt       time.Time    `json:"lockedAt,omitempty"`
	Status         BudgetStatus `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
	Version        int64        `json:"version"`
}

// BudgetStore persists PRBs. Updates are optimistic: consumption runs as a
// compare-and-swap on the stored version.
type BudgetStore interface {
	Create(ctx context.Context, b *Budget) error
	Get(ctx context.Context, campaignID string) (*Budget, error)
	Update(ctx context.Context, b *Budget) error
}

// NewBudget builds a DRAFT budget with the full allocation remaining.
func NewBudget(campaignID string, allocated float64, rulesetVersion string, now time.Time) (*Budget, error) {
	if campaignID == "" {
		return nil, errs.New(errs.KindValidation, "PRIVACY_003", "campaign id is required")
	}
	if allocated < 0 {
		return nil, errs.Newf(errs.KindValidation, "PRIVACY_004", "allocation must be >= 0, got %v", allocated)
	}
	return &Budget{
		CampaignID:     campaignID,
		Allocated:      allocated,
		Consumed:       0,
		Remaining:      allocated,
		RulesetVersion: rulesetVersion,
		Status:         BudgetDraft,
		CreatedAt:      now.UTC(),
		Version:        1,
	}, nil
}

// SetAllocation resizes a DRAFT budget. Locked budgets refuse.
func (b *Budget) SetAllocation(allocated float64) error {
	if b.Status != BudgetDraft {
		return errs.Newf(errs.KindInvalidState, "PRIVACY_005",
			"budget for campaign %s is %s, allocation is immutable", b.CampaignID, b.Status)
	}
	if allocated < b.Consumed-riskEpsilon {
		return errs.Newf(errs.KindValidation, "PRIVACY_004",
			"allocation %v is below already-consumed %v", allocated, b.Consumed)
	}
	b.Allocated = allocated
	b.Remaining = allocated - b.Consumed
	return nil
}

// Lock freezes the allocation for the campaign's run.
func (b *Budget) Lock(now time.Time) error {
	if b.Status != BudgetDraft {
		return errs.Newf(errs.KindInvalidState, "PRIVACY_005",
			"budget for campaign %s is %s, cannot lock", b.CampaignID, b.Status)
	}
	b.Status = BudgetLocked
	b.LockedAt = now.UTC()
	return nil
}

// riskEpsilon is the comparison tolerance for float64 risk arithmetic.
const riskEpsilon = 1e-9

// consume moves cost from remaining to consumed. The caller persists the
// change under CAS; a remainder within epsilon of zero exhausts the budget
// and clamps consumed to the allocation so consumed never drifts above it.
func (b *Budget) consume(cost float64) bool {
	if b.Status == BudgetExhausted || b.Remaining < cost-riskEpsilon {
		return false
	}
	b.Consumed += cost
	b.Remaining = b.Allocated - b.Consumed
	if b.Remaining <= riskEpsilon {
		b.Remaining = 0
		b.Consumed = b.Allocated
		b.Status = BudgetExhausted
	}
	return true
}

// MemoryBudgetStore is the in-process PRB store.
type MemoryBudgetStore struct {
	mu      sync.RWMutex
	budgets map[string]*Budget
}

// NewMemoryBudgetStore returns an empty store.
func NewMemoryBudgetStore() *MemoryBudgetStore {
	return &MemoryBudgetStore{budgets: make(map[string]*Budget)}
}

func (s *MemoryBudgetStore) Create(_ context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.budgets[b.CampaignID]; ok {
		return errs.Newf(errs.KindDuplicate, "PRIVACY_006",
			"campaign %s already holds a budget", b.CampaignID)
	}
	cp := *b
	s.budgets[b.CampaignID] = &cp
	return nil
}

func (s *MemoryBudgetStore) Get(_ context.Context, campaignID string) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.budgets[campaignID]
	if !ok {
		return nil, ErrBudgetNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryBudgetStore) Update(_ context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.budgets[b.CampaignID]
	if !ok {
		return ErrBudgetNotFound
	}
	if stored.Version != b.Version {
		return ErrBudgetVersionConflict
	}
	cp := *b
	cp.Version++
	s.budgets[b.CampaignID] = &cp
	b.Version = cp.Version
	return nil
}

// PostgresBudgetStore persists PRBs in Postgres.
type PostgresBudgetStore struct {
	db *sql.DB
}

// NewPostgresBudgetStore wraps an open database handle.
func NewPostgresBudgetStore(db *sql.DB) *PostgresBudgetStore {
	return &PostgresBudgetStore{db: db}
}

// Init creates the privacy_budgets table if it does not exist.
func (s *PostgresBudgetStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS privacy_budgets (
			campaign_id     TEXT PRIMARY KEY,
			allocated       DOUBLE PRECISION NOT NULL,
			consumed        DOUBLE PRECISION NOT NULL,
			remaining       DOUBLE PRECISION NOT NULL,
			ruleset_version TEXT NOT NULL,
			locked_at       TIMESTAMPTZ,
			status          TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			version         BIGINT NOT NULL
		)`)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "PRIVACY_020", err, "init privacy_budgets schema")
	}
	return nil
}

func (s *PostgresBudgetStore) Create(ctx context.Context, b *Budget) error {
	var locked sql.NullTime
	if !b.LockedAt.IsZero() {
		locked = sql.NullTime{Time: b.LockedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO privacy_budgets
			(campaign_id, allocated, consumed, remaining, ruleset_version, locked_at, status, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.CampaignID, b.Allocated, b.Consumed, b.Remaining, b.RulesetVersion,
		locked, string(b.Status), b.CreatedAt, b.Version)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "PRIVACY_021", err, "insert budget")
	}
	return nil
}

func (s *PostgresBudgetStore) Get(ctx context.Context, campaignID string) (*Budget, error) {
	var b Budget
	var status string
	var locked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT campaign_id, allocated, consumed, remaining, ruleset_version, locked_at, status, created_at, version
		FROM privacy_budgets WHERE campaign_id = $1`, campaignID).
		Scan(&b.CampaignID, &b.Allocated, &b.Consumed, &b.Remaining, &b.RulesetVersion,
			&locked, &status, &b.CreatedAt, &b.Version)
	if err == sql.ErrNoRows {
		return nil, ErrBudgetNotFound
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "PRIVACY_022", err, "scan budget row")
	}
	b.Status = BudgetStatus(status)
	if locked.Valid {
		b.LockedAt = locked.Time
	}
	return &b, nil
}

func (s *PostgresBudgetStore) Update(ctx context.Context, b *Budget) error {
	var locked sql.NullTime
	if !b.LockedAt.IsZero() {
		locked = sql.NullTime{Time: b.LockedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE privacy_budgets
		SET allocated = $1, consumed = $2, remaining = $3, locked_at = $4,
		    status = $5, version = version + 1
		WHERE campaign_id = $6 AND version = $7`,
		b.Allocated, b.Consumed, b.Remaining, locked, string(b.Status), b.CampaignID, b.Version)
	if err != nil {
		return errs.Wrap(errs.KindTransient, "PRIVACY_023", err, "update budget")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.KindTransient, "PRIVACY_023", err, "update budget")
	}
	if n == 0 {
		if _, err := s.Get(ctx, b.CampaignID); err != nil {
			return err
		}
		return ErrBudgetVersionConflict
	}
	b.Version++
	return nil
}
