package capsule

import (
	"context"
	"sync"
	"time"

	"github.com/datapact/core/pkg/errs"
)

// NonceRegistry enforces global GCM IV uniqueness. Every sealed payload's
// nonce is registered at mint; acceptance refuses capsules whose nonce was
// never registered here.
type NonceRegistry interface {
	Register(ctx context.Context, nonce string) error
	Seen(ctx context.Context, nonce string) (bool, error)
}

// MemoryNonceRegistry is the in-process registry.
type MemoryNonceRegistry struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	clock  func() time.Time
}

// NewMemoryNonceRegistry returns an empty registry.
func NewMemoryNonceRegistry() *MemoryNonceRegistry {
	return &MemoryNonceRegistry{nonces: make(map[string]time.Time), clock: time.Now}
}

// WithClock overrides the time source.
func (r *MemoryNonceRegistry) WithClock(clock func() time.Time) *MemoryNonceRegistry {
	r.clock = clock
	return r
}

func (r *MemoryNonceRegistry) Register(_ context.Context, nonce string) error {
	if nonce == "" {
		return errs.New(errs.KindValidation, "CAPSULE_009", "empty nonce")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nonces[nonce]; ok {
		return errs.Newf(errs.KindDuplicate, "CAPSULE_010", "nonce %s already registered", nonce)
	}
	r.nonces[nonce] = r.clock().UTC()
	return nil
}

func (r *MemoryNonceRegistry) Seen(_ context.Context, nonce string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.nonces[nonce]
	return ok, nil
}
