package ycredit

import (
	"context"
	"sync"

	"github.com/datapact/core/pkg/errs"
)

// ErrTokenNotFound is returned for unknown idempotency keys.
var ErrTokenNotFound = errs.New(errs.KindNotFound, "YC_020", "credit token not found")

// MemoryTokenStore is the in-process token store.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens []*Token
	byKey  map[string]*Token
}

// NewMemoryTokenStore returns an empty store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{byKey: make(map[string]*Token)}
}

func cloneToken(t *Token) *Token {
	cp := *t
	return &cp
}

func (s *MemoryTokenStore) Insert(_ context.Context, t *Token) (*Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.byKey[t.IdempotencyKey]; ok {
		return cloneToken(prior), true, nil
	}
	cp := cloneToken(t)
	s.tokens = append(s.tokens, cp)
	s.byKey[cp.IdempotencyKey] = cp
	return cloneToken(cp), false, nil
}

// GetByKey returns the token stored under the idempotency key.
func (s *MemoryTokenStore) GetByKey(_ context.Context, idempotencyKey string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.byKey[idempotencyKey]; ok {
		return cloneToken(t), nil
	}
	return nil, ErrTokenNotFound
}

func (s *MemoryTokenStore) SumByDS(_ context.Context, dsID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, t := range s.tokens {
		if t.DSID == dsID {
			sum += t.AmountMinor
		}
	}
	return sum, nil
}

func (s *MemoryTokenStore) SumIssuedByEscrow(_ context.Context, escrowID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, t := range s.tokens {
		if t.EscrowID == escrowID && t.OperationType == OpIssuance {
			sum += t.AmountMinor
		}
	}
	return sum, nil
}

func (s *MemoryTokenStore) ListByDS(_ context.Context, dsID string) ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Token
	for _, t := range s.tokens {
		if t.DSID == dsID {
			out = append(out, cloneToken(t))
		}
	}
	return out, nil
}
