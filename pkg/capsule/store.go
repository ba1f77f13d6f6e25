package capsule

import (
	"context"
	"sync"
	"time"

	"github.com/datapact/core/pkg/errs"
)

var (
	// ErrNotFound is returned for unknown capsule ids.
	ErrNotFound = errs.New(errs.KindNotFound, "CAPSULE_001", "capsule not found")
	// ErrVersionConflict is returned when an update loses the version race.
	ErrVersionConflict = errs.New(errs.KindTransient, "CAPSULE_002", "capsule changed concurrently")
)

// Store persists capsules.
type Store interface {
	Create(ctx context.Context, c *Capsule) error
	Get(ctx context.Context, id string) (*Capsule, error)
	Update(ctx context.Context, c *Capsule) error
	ListByPlan(ctx context.Context, planID string) ([]*Capsule, error)
	// ListDue returns non-terminal capsules whose TTL is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*Capsule, error)
}

// MemoryStore is the in-process capsule store.
type MemoryStore struct {
	mu       sync.RWMutex
	capsules map[string]*Capsule
	order    []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{capsules: make(map[string]*Capsule)}
}

func cloneCapsule(c *Capsule) *Capsule {
	cp := *c
	cp.Payload = append([]byte(nil), c.Payload...)
	cp.WrappedKey = append([]byte(nil), c.WrappedKey...)
	cp.Header.Summary.FieldNames = append([]string(nil), c.Header.Summary.FieldNames...)
	return &cp
}

func (s *MemoryStore) Create(_ context.Context, c *Capsule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.capsules[c.Header.CapsuleID]; ok {
		return errs.Newf(errs.KindDuplicate, "CAPSULE_003",
			"capsule %s already exists", c.Header.CapsuleID)
	}
	s.capsules[c.Header.CapsuleID] = cloneCapsule(c)
	s.order = append(s.order, c.Header.CapsuleID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.capsules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCapsule(c), nil
}

func (s *MemoryStore) Update(_ context.Context, c *Capsule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.capsules[c.Header.CapsuleID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != c.Version {
		return ErrVersionConflict
	}
	cp := cloneCapsule(c)
	cp.Version++
	s.capsules[c.Header.CapsuleID] = cp
	c.Version = cp.Version
	return nil
}

func (s *MemoryStore) ListByPlan(_ context.Context, planID string) ([]*Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Capsule
	for _, id := range s.order {
		if c := s.capsules[id]; c.Header.PlanID == planID {
			out = append(out, cloneCapsule(c))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time) ([]*Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Capsule
	for _, id := range s.order {
		if c := s.capsules[id]; !c.Terminal() && c.Expired(now) {
			out = append(out, cloneCapsule(c))
		}
	}
	return out, nil
}
