package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/datapact/core/pkg/errs"
)

// ErrNotFound is returned when an event id is unknown to the store.
var ErrNotFound = errs.New(errs.KindNotFound, "EVENT_010", "event not found")

// ErrStatusConflict is returned when a compare-and-set transition loses.
var ErrStatusConflict = errs.New(errs.KindInvalidState, "EVENT_011", "event status changed concurrently")

// Store persists canonical events. Append is idempotent on the
// idempotency key: replays return the previously stored event.
type Store interface {
	// Append stores the event. When an event with the same idempotency
	// key already exists, the stored event is returned and created is
	// false; the duplicate is not written.
	Append(ctx context.Context, e *Event) (stored *Event, created bool, err error)

	// Get returns the event by id.
	Get(ctx context.Context, id string) (*Event, error)

	// ListDue returns pending events whose next attempt is at or before
	// now, in append order, up to limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Event, error)

	// UpdateStatus transitions id from one status to another. The
	// transition fails with ErrStatusConflict when the current status
	// no longer matches from.
	UpdateStatus(ctx context.Context, id string, from, to Status) error

	// MarkRetry records a failed attempt and schedules the next one.
	MarkRetry(ctx context.Context, id string, retryCount int, nextAttempt time.Time) error

	// ListByTrace returns every event sharing a trace id, in append order.
	ListByTrace(ctx context.Context, traceID string) ([]*Event, error)

	// DeadLetters returns events parked in the dead letter queue.
	DeadLetters(ctx context.Context) ([]*Event, error)
}

// MemoryStore is the in-process store. It is the authoritative tier for
// single-node deployments and the fixture tier for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
	byKey  map[string]string
	seq    map[string]int64
	next   int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		byKey:  make(map[string]string),
		seq:    make(map[string]int64),
	}
}

func (s *MemoryStore) Append(_ context.Context, e *Event) (*Event, bool, error) {
	if err := e.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.byKey[e.IdempotencyKey]; ok {
		cp := *s.events[prior]
		return &cp, false, nil
	}
	cp := *e
	s.events[cp.ID] = &cp
	s.byKey[cp.IdempotencyKey] = cp.ID
	s.next++
	s.seq[cp.ID] = s.next
	out := cp
	return &out, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*Event
	for _, e := range s.events {
		if e.Status != StatusPending {
			continue
		}
		if e.NextAttemptAt.After(now) {
			continue
		}
		cp := *e
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return s.seq[due[i].ID] < s.seq[due[j].ID] })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != from {
		return ErrStatusConflict
	}
	e.Status = to
	return nil
}

func (s *MemoryStore) MarkRetry(_ context.Context, id string, retryCount int, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusPending
	e.RetryCount = retryCount
	e.NextAttemptAt = nextAttempt
	return nil
}

func (s *MemoryStore) ListByTrace(_ context.Context, traceID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events {
		if e.TraceID != traceID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func (s *MemoryStore) DeadLetters(_ context.Context) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events {
		if e.Status != StatusDeadLetter {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}
