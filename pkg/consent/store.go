package consent

import (
	"context"
	"sync"

	"github.com/datapact/core/pkg/errs"
)

var (
	// ErrContractNotFound is returned when a contract id is unknown.
	ErrContractNotFound = errs.New(errs.KindNotFound, "CONSENT_003", "consent contract not found")
	// ErrObligationNotFound is returned when an obligation id is unknown.
	ErrObligationNotFound = errs.New(errs.KindNotFound, "CONSENT_007", "obligation not found")
	// ErrViolationNotFound is returned when a violation id is unknown.
	ErrViolationNotFound = errs.New(errs.KindNotFound, "CONSENT_008", "violation not found")
	// ErrVersionConflict is returned when an optimistic write loses.
	ErrVersionConflict = errs.New(errs.KindTransient, "CONSENT_013", "consent record version changed concurrently")
)

// ContractStore persists consent contracts. Updates are optimistic.
type ContractStore interface {
	Create(ctx context.Context, c *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	Update(ctx context.Context, c *Contract) error

	// ListByDSAndRequest returns every contract the DS holds for the
	// request, any status, in creation order.
	ListByDSAndRequest(ctx context.Context, dsID, requestID string) ([]*Contract, error)

	// ListByRequest returns every contract for the request.
	ListByRequest(ctx context.Context, requestID string) ([]*Contract, error)
}

// ObligationStore persists contract obligations.
type ObligationStore interface {
	Create(ctx context.Context, o *Obligation) error
	Get(ctx context.Context, id string) (*Obligation, error)
	Update(ctx context.Context, o *Obligation) error
	ListByContract(ctx context.Context, contractID string) ([]*Obligation, error)
}

// ViolationStore persists detected violations.
type ViolationStore interface {
	Create(ctx context.Context, v *Violation) error
	Get(ctx context.Context, id string) (*Violation, error)
	Update(ctx context.Context, v *Violation) error
	ListByContract(ctx context.Context, contractID string) ([]*Violation, error)
}

// MemoryContractStore is the in-process contract store.
type MemoryContractStore struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
	order     []string
}

// NewMemoryContractStore returns an empty store.
func NewMemoryContractStore() *MemoryContractStore {
	return &MemoryContractStore{contracts: make(map[string]*Contract)}
}

func (s *MemoryContractStore) Create(_ context.Context, c *Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[c.ID]; ok {
		return errs.Newf(errs.KindDuplicate, "CONSENT_014", "contract %s already exists", c.ID)
	}
	cp := cloneContract(c)
	s.contracts[c.ID] = cp
	s.order = append(s.order, c.ID)
	return nil
}

func (s *MemoryContractStore) Get(_ context.Context, id string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	return cloneContract(c), nil
}

func (s *MemoryContractStore) Update(_ context.Context, c *Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.contracts[c.ID]
	if !ok {
		return ErrContractNotFound
	}
	if stored.Version != c.Version {
		return ErrVersionConflict
	}
	cp := cloneContract(c)
	cp.Version++
	s.contracts[c.ID] = cp
	c.Version = cp.Version
	return nil
}

func (s *MemoryContractStore) ListByDSAndRequest(_ context.Context, dsID, requestID string) ([]*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Contract
	for _, id := range s.order {
		c := s.contracts[id]
		if c.DSID == dsID && c.RequestID == requestID {
			out = append(out, cloneContract(c))
		}
	}
	return out, nil
}

func (s *MemoryContractStore) ListByRequest(_ context.Context, requestID string) ([]*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Contract
	for _, id := range s.order {
		c := s.contracts[id]
		if c.RequestID == requestID {
			out = append(out, cloneContract(c))
		}
	}
	return out, nil
}

func cloneContract(c *Contract) *Contract {
	cp := *c
	cp.PermittedFields = append([]string(nil), c.PermittedFields...)
	cp.OutputRestrictions = append([]string(nil), c.OutputRestrictions...)
	if c.SensitiveFieldConsents != nil {
		cp.SensitiveFieldConsents = make(map[string]bool, len(c.SensitiveFieldConsents))
		for k, v := range c.SensitiveFieldConsents {
			cp.SensitiveFieldConsents[k] = v
		}
	}
	return &cp
}

// MemoryObligationStore is the in-process obligation store.
type MemoryObligationStore struct {
	mu          sync.RWMutex
	obligations map[string]*Obligation
	order       []string
}

// NewMemoryObligationStore returns an empty store.
func NewMemoryObligationStore() *MemoryObligationStore {
	return &MemoryObligationStore{obligations: make(map[string]*Obligation)}
}

func (s *MemoryObligationStore) Create(_ context.Context, o *Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.obligations[o.ID]; ok {
		return errs.Newf(errs.KindDuplicate, "CONSENT_015", "obligation %s already exists", o.ID)
	}
	cp := *o
	s.obligations[o.ID] = &cp
	s.order = append(s.order, o.ID)
	return nil
}

func (s *MemoryObligationStore) Get(_ context.Context, id string) (*Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.obligations[id]
	if !ok {
		return nil, ErrObligationNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryObligationStore) Update(_ context.Context, o *Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.obligations[o.ID]
	if !ok {
		return ErrObligationNotFound
	}
	if stored.Version != o.Version {
		return ErrVersionConflict
	}
	cp := *o
	cp.Version++
	s.obligations[o.ID] = &cp
	o.Version = cp.Version
	return nil
}

func (s *MemoryObligationStore) ListByContract(_ context.Context, contractID string) ([]*Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Obligation
	for _, id := range s.order {
		o := s.obligations[id]
		if o.ContractID == contractID {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemoryViolationStore is the in-process violation store.
type MemoryViolationStore struct {
	mu         sync.RWMutex
	violations map[string]*Violation
	order      []string
}

// NewMemoryViolationStore returns an empty store.
func NewMemoryViolationStore() *MemoryViolationStore {
	return &MemoryViolationStore{violations: make(map[string]*Violation)}
}

func (s *MemoryViolationStore) Create(_ context.Context, v *Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.violations[v.ID]; ok {
		return errs.Newf(errs.KindDuplicate, "CONSENT_016", "violation %s already exists", v.ID)
	}
	cp := *v
	s.violations[v.ID] = &cp
	s.order = append(s.order, v.ID)
	return nil
}

func (s *MemoryViolationStore) Get(_ context.Context, id string) (*Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.violations[id]
	if !ok {
		return nil, ErrViolationNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryViolationStore) Update(_ context.Context, v *Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.violations[v.ID]
	if !ok {
		return ErrViolationNotFound
	}
	if stored.Version != v.Version {
		return ErrVersionConflict
	}
	cp := *v
	cp.Version++
	s.violations[v.ID] = &cp
	v.Version = cp.Version
	return nil
}

func (s *MemoryViolationStore) ListByContract(_ context.Context, contractID string) ([]*Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Violation
	for _, id := range s.order {
		v := s.violations[id]
		if v.ContractID == contractID {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}
