package plan

import (
	"context"
	"sync"
	"time"

	"github.com/datapact/core/pkg/errs"
)

var (
	// ErrNotFound is returned for unknown plan ids.
	ErrNotFound = errs.New(errs.KindNotFound, "PLAN_001", "plan not found")
	// ErrVersionConflict is returned when an update loses the version race.
	ErrVersionConflict = errs.New(errs.KindTransient, "PLAN_002", "plan changed concurrently")
)

// Store persists plans.
type Store interface {
	Create(ctx context.Context, p *Plan) error
	Get(ctx context.Context, id string) (*Plan, error)
	Update(ctx context.Context, p *Plan) error
	ListByContract(ctx context.Context, contractID string) ([]*Plan, error)
	// ListDue returns non-terminal plans whose TTL is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*Plan, error)
}

// MemoryStore is the in-process plan store.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan
	order []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]*Plan)}
}

func clonePlan(p *Plan) *Plan {
	cp := *p
	cp.AllowedTransforms = append([]string(nil), p.AllowedTransforms...)
	cp.OutputRestrictions = append([]string(nil), p.OutputRestrictions...)
	cp.PermittedFields = append([]string(nil), p.PermittedFields...)
	return &cp
}

func (s *MemoryStore) Create(_ context.Context, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.plans[p.ID]; ok {
		return errs.Newf(errs.KindDuplicate, "PLAN_003", "plan %s already exists", p.ID)
	}
	s.plans[p.ID] = clonePlan(p)
	s.order = append(s.order, p.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePlan(p), nil
}

func (s *MemoryStore) Update(_ context.Context, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.plans[p.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != p.Version {
		return ErrVersionConflict
	}
	cp := clonePlan(p)
	cp.Version++
	s.plans[p.ID] = cp
	p.Version = cp.Version
	return nil
}

func (s *MemoryStore) ListByContract(_ context.Context, contractID string) ([]*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Plan
	for _, id := range s.order {
		if p := s.plans[id]; p.ContractID == contractID {
			out = append(out, clonePlan(p))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time) ([]*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Plan
	for _, id := range s.order {
		if p := s.plans[id]; !p.Terminal() && p.Expired(now) {
			out = append(out, clonePlan(p))
		}
	}
	return out, nil
}
