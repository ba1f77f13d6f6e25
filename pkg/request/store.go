package request

import (
	"context"
	"sort"
	"sync"

	"github.com/datapact/core/pkg/errs"
)

var (
	// ErrNotFound is returned when a request id is unknown.
	ErrNotFound = errs.New(errs.KindNotFound, "REQUEST_001", "request not found")
	// ErrVersionConflict is returned when an optimistic write loses.
	ErrVersionConflict = errs.New(errs.KindTransient, "REQUEST_002", "request version changed concurrently")
)

// Store persists request aggregates. Updates are optimistic: the write
// succeeds only when the stored version still matches the read version.
type Store interface {
	// Create persists a new request. Ids are single use.
	Create(ctx context.Context, r *Request) error

	// Get returns the request by id.
	Get(ctx context.Context, id string) (*Request, error)

	// Update writes r if the stored version equals r.Version, then bumps
	// the version. Fails with ErrVersionConflict on a lost race.
	Update(ctx context.Context, r *Request) error

	// ListByRequester returns a requester's requests in creation order.
	ListByRequester(ctx context.Context, requesterID string) ([]*Request, error)
}

// MemoryStore is the in-process request store.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	order    []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (s *MemoryStore) Create(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[r.ID]; ok {
		return errs.Newf(errs.KindDuplicate, "REQUEST_004", "request %s already exists", r.ID)
	}
	cp := *r
	s.requests[r.ID] = &cp
	s.order = append(s.order, r.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.requests[r.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != r.Version {
		return ErrVersionConflict
	}
	cp := *r
	cp.Version++
	s.requests[r.ID] = &cp
	r.Version = cp.Version
	return nil
}

func (s *MemoryStore) ListByRequester(_ context.Context, requesterID string) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Request
	for _, id := range s.order {
		r := s.requests[id]
		if r.RequesterID == requesterID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
