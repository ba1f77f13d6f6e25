package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/datapact/core/pkg/errs"
)

// PayoutMethod names the rail a payout leaves on.
type PayoutMethod string

const (
	PayoutBank   PayoutMethod = "BANK"
	PayoutPaypal PayoutMethod = "PAYPAL"
	PayoutCrypto PayoutMethod = "CRYPTO"
)

// PayoutStatus is the instruction lifecycle.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutCompleted PayoutStatus = "COMPLETED"
)

// Payout is one payout instruction. DestinationHash is the only trace of
// the destination: the raw account identifier never reaches the core.
type Payout struct {
	ID              string       `json:"id"`
	DSID            string       `json:"dsId"`
	Amount          Money        `json:"amount"`
	Method          PayoutMethod `json:"method"`
	DestinationHash string       `json:"destinationHash"`
	Status          PayoutStatus `json:"status"`
	RequestedAt     time.Time    `json:"requestedAt"`
	CompletedAt     time.Time    `json:"completedAt,omitempty"`
}

// ErrPayoutNotFound is returned for unknown payout ids.
var ErrPayoutNotFound = errs.New(errs.KindNotFound, "SETTLE_035", "payout not found")

// PayoutStore persists payout instructions.
type PayoutStore interface {
	Create(ctx context.Context, p *Payout) error
	Get(ctx context.Context, id string) (*Payout, error)
	Update(ctx context.Context, p *Payout) error
	ListByDS(ctx context.Context, dsID string) ([]*Payout, error)
}

// MemoryPayoutStore is the in-process payout store.
type MemoryPayoutStore struct {
	mu      sync.RWMutex
	payouts map[string]*Payout
	order   []string
}

// NewMemoryPayoutStore returns an empty store.
func NewMemoryPayoutStore() *MemoryPayoutStore {
	return &MemoryPayoutStore{payouts: make(map[string]*Payout)}
}

func clonePayout(p *Payout) *Payout {
	cp := *p
	return &cp
}

func (s *MemoryPayoutStore) Create(_ context.Context, p *Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payouts[p.ID]; ok {
		return errs.Newf(errs.KindDuplicate, "SETTLE_037", "payout %s already exists", p.ID)
	}
	s.payouts[p.ID] = clonePayout(p)
	s.order = append(s.order, p.ID)
	return nil
}

func (s *MemoryPayoutStore) Get(_ context.Context, id string) (*Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, ErrPayoutNotFound
	}
	return clonePayout(p), nil
}

func (s *MemoryPayoutStore) Update(_ context.Context, p *Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payouts[p.ID]; !ok {
		return ErrPayoutNotFound
	}
	s.payouts[p.ID] = clonePayout(p)
	return nil
}

func (s *MemoryPayoutStore) ListByDS(_ context.Context, dsID string) ([]*Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Payout
	for _, id := range s.order {
		if p := s.payouts[id]; p.DSID == dsID {
			out = append(out, clonePayout(p))
		}
	}
	return out, nil
}
