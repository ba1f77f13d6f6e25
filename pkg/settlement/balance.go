package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/datapact/core/pkg/errs"
)

// DSBalance is one data sovereign's running position. The invariant
// totalEarned − totalPaidOut = available + pending holds after every
// mutation; the store enforces it by only exposing the three legal moves.
type DSBalance struct {
	DSID           string    `json:"dsId"`
	Currency       string    `json:"currency"`
	Scale          int       `json:"scale"`
	AvailableMinor int64     `json:"availableMinor"`
	PendingMinor   int64     `json:"pendingMinor"`
	EarnedMinor    int64     `json:"totalEarnedMinor"`
	PaidOutMinor   int64     `json:"totalPaidOutMinor"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Available returns the spendable slice as Money.
func (b *DSBalance) Available() Money {
	return Money{AmountMinor: b.AvailableMinor, Currency: b.Currency, Scale: b.Scale}
}

// ErrBalanceNotFound is returned for data sovereigns with no balance row.
var ErrBalanceNotFound = errs.New(errs.KindNotFound, "SETTLE_030", "ds balance not found")

// BalanceStore persists balances. CreditPending creates the row on first
// contact; the other moves require it to exist and to hold enough funds.
type BalanceStore interface {
	Get(ctx context.Context, dsID string) (*DSBalance, error)
	// CreditPending adds earned funds to the pending slice.
	CreditPending(ctx context.Context, dsID string, amount Money, at time.Time) (*DSBalance, error)
	// ReleasePending moves funds from pending to available.
	ReleasePending(ctx context.Context, dsID string, amount Money, at time.Time) (*DSBalance, error)
	// DebitAvailable pays out from the available slice.
	DebitAvailable(ctx context.Context, dsID string, amount Money, at time.Time) (*DSBalance, error)
}

// MemoryBalanceStore is the in-process balance store.
type MemoryBalanceStore struct {
	mu       sync.Mutex
	balances map[string]*DSBalance
}

// NewMemoryBalanceStore returns an empty store.
func NewMemoryBalanceStore() *MemoryBalanceStore {
	return &MemoryBalanceStore{balances: make(map[string]*DSBalance)}
}

func cloneBalance(b *DSBalance) *DSBalance {
	cp := *b
	return &cp
}

func (s *MemoryBalanceStore) Get(_ context.Context, dsID string) (*DSBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[dsID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	return cloneBalance(b), nil
}

func (s *MemoryBalanceStore) CreditPending(_ context.Context, dsID string, amount Money, at time.Time) (*DSBalance, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[dsID]
	if !ok {
		b = &DSBalance{DSID: dsID, Currency: amount.Currency, Scale: amount.Scale}
		s.balances[dsID] = b
	}
	if b.Currency != amount.Currency {
		return nil, errs.Newf(errs.KindValidation, "SETTLE_036",
			"balance for %s is kept in %s, not %s", dsID, b.Currency, amount.Currency)
	}
	b.PendingMinor += amount.AmountMinor
	b.EarnedMinor += amount.AmountMinor
	b.UpdatedAt = at
	return cloneBalance(b), nil
}

func (s *MemoryBalanceStore) ReleasePending(_ context.Context, dsID string, amount Money, at time.Time) (*DSBalance, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[dsID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	if b.Currency != amount.Currency {
		return nil, errs.Newf(errs.KindValidation, "SETTLE_036",
			"balance for %s is kept in %s, not %s", dsID, b.Currency, amount.Currency)
	}
	if b.PendingMinor < amount.AmountMinor {
		return nil, errs.Newf(errs.KindInsufficientResource, "SETTLE_031",
			"ds %s has %d pending, cannot release %d", dsID, b.PendingMinor, amount.AmountMinor)
	}
	b.PendingMinor -= amount.AmountMinor
	b.AvailableMinor += amount.AmountMinor
	b.UpdatedAt = at
	return cloneBalance(b), nil
}

func (s *MemoryBalanceStore) DebitAvailable(_ context.Context, dsID string, amount Money, at time.Time) (*DSBalance, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[dsID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	if b.Currency != amount.Currency {
		return nil, errs.Newf(errs.KindValidation, "SETTLE_036",
			"balance for %s is kept in %s, not %s", dsID, b.Currency, amount.Currency)
	}
	if b.AvailableMinor < amount.AmountMinor {
		return nil, errs.Newf(errs.KindInsufficientResource, "SETTLE_032",
			"ds %s has %d available, cannot pay out %d", dsID, b.AvailableMinor, amount.AmountMinor)
	}
	b.AvailableMinor -= amount.AmountMinor
	b.PaidOutMinor += amount.AmountMinor
	b.UpdatedAt = at
	return cloneBalance(b), nil
}
