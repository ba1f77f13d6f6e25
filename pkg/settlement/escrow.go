package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/datapact/core/pkg/errs"
)

// EscrowStatus is the escrow state machine: PENDING → FUNDED → LOCKED →
// {SETTLED | REFUNDED}.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "PENDING"
	EscrowFunded   EscrowStatus = "FUNDED"
	EscrowLocked   EscrowStatus = "LOCKED"
	EscrowSettled  EscrowStatus = "SETTLED"
	EscrowRefunded EscrowStatus = "REFUNDED"
)

// EscrowAccount holds one request's funds. Amounts are minor units in the
// account currency; FundedMinor equals the sum of the locked, released and
// refunded slices plus the remainder at all times.
type EscrowAccount struct {
	ID            string       `json:"id"`
	RequesterID   string       `json:"requesterId"`
	RequestID     string       `json:"requestId"`
	Currency      string       `json:"currency"`
	Scale         int          `json:"scale"`
	FundedMinor   int64        `json:"fundedMinor"`
	LockedMinor   int64        `json:"lockedMinor"`
	ReleasedMinor int64        `json:"releasedMinor"`
	RefundedMinor int64        `json:"refundedMinor"`
	Status        EscrowStatus `json:"status"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	Version       int64        `json:"version"`
}

// Remainder is the funded amount not yet locked, released or refunded.
func (e *EscrowAccount) Remainder() int64 {
	return e.FundedMinor - e.LockedMinor - e.ReleasedMinor - e.RefundedMinor
}

// Released returns the released slice as Money.
func (e *EscrowAccount) Released() Money {
	return Money{AmountMinor: e.ReleasedMinor, Currency: e.Currency, Scale: e.Scale}
}

// Terminal reports whether the escrow can change again.
func (e *EscrowAccount) Terminal() bool {
	return e.Status == EscrowSettled || e.Status == EscrowRefunded
}

var (
	// ErrEscrowNotFound is returned for unknown escrow ids.
	ErrEscrowNotFound = errs.New(errs.KindNotFound, "SETTLE_020", "escrow not found")
	// ErrEscrowVersionConflict is returned when an update loses the version race.
	ErrEscrowVersionConflict = errs.New(errs.KindTransient, "SETTLE_021", "escrow changed concurrently")
)

// EscrowStore persists escrow accounts. RequestID is unique across accounts.
type EscrowStore interface {
	Create(ctx context.Context, e *EscrowAccount) error
	Get(ctx context.Context, id string) (*EscrowAccount, error)
	GetByRequest(ctx context.Context, requestID string) (*EscrowAccount, error)
	Update(ctx context.Context, e *EscrowAccount) error
}

// MemoryEscrowStore is the in-process escrow store.
type MemoryEscrowStore struct {
	mu        sync.RWMutex
	escrows   map[string]*EscrowAccount
	byRequest map[string]string
}

// NewMemoryEscrowStore returns an empty store.
func NewMemoryEscrowStore() *MemoryEscrowStore {
	return &MemoryEscrowStore{
		escrows:   make(map[string]*EscrowAccount),
		byRequest: make(map[string]string),
	}
}

func cloneEscrow(e *EscrowAccount) *EscrowAccount {
	cp := *e
	return &cp
}

func (s *MemoryEscrowStore) Create(_ context.Context, e *EscrowAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.escrows[e.ID]; ok {
		return errs.Newf(errs.KindDuplicate, "SETTLE_022", "escrow %s already exists", e.ID)
	}
	if _, ok := s.byRequest[e.RequestID]; ok {
		return errs.Newf(errs.KindDuplicate, "SETTLE_022",
			"request %s already has an escrow", e.RequestID)
	}
	s.escrows[e.ID] = cloneEscrow(e)
	s.byRequest[e.RequestID] = e.ID
	return nil
}

func (s *MemoryEscrowStore) Get(_ context.Context, id string) (*EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return cloneEscrow(e), nil
}

func (s *MemoryEscrowStore) GetByRequest(_ context.Context, requestID string) (*EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRequest[requestID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return cloneEscrow(s.escrows[id]), nil
}

func (s *MemoryEscrowStore) Update(_ context.Context, e *EscrowAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Version != e.Version {
		return ErrEscrowVersionConflict
	}
	cp := cloneEscrow(e)
	cp.Version++
	s.escrows[e.ID] = cp
	e.Version = cp.Version
	return nil
}
