package audit

import (
	"context"
	"sync"
	"time"

	"github.com/datapact/core/pkg/errs"
)

var (
	// ErrReceiptNotFound is returned when a receipt id or sequence is unknown.
	ErrReceiptNotFound = errs.New(errs.KindNotFound, "AUDIT_001", "receipt not found")
	// ErrDuplicateReceipt is returned when an id is appended twice.
	ErrDuplicateReceipt = errs.New(errs.KindDuplicate, "AUDIT_002", "receipt id already appended")
)

// QueryFilter selects receipts. Zero fields match everything; results come
// back in chain order.
type QueryFilter struct {
	EventType    string
	ActorID      string
	ResourceID   string
	ResourceType string
	ContractID   string
	StartTime    *time.Time
	EndTime      *time.Time
	StartSeq     uint64
	EndSeq       uint64
	Offset       int
	Limit        int
}

func (f QueryFilter) matches(r *Receipt) bool {
	if f.EventType != "" && r.EventType != f.EventType {
		return false
	}
	if f.ActorID != "" && r.ActorID != f.ActorID {
		return false
	}
	if f.ResourceID != "" && r.ResourceID != f.ResourceID {
		return false
	}
	if f.ResourceType != "" && r.ResourceType != f.ResourceType {
		return false
	}
	if f.ContractID != "" && (r.ResourceType != ResourceConsentContract || r.ResourceID != f.ContractID) {
		return false
	}
	if f.StartTime != nil && r.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && r.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.StartSeq > 0 && r.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && r.Sequence > f.EndSeq {
		return false
	}
	return true
}

// Resource types receipts point at.
const (
	ResourceRequest         = "REQUEST"
	ResourceConsentContract = "CONSENT_CONTRACT"
	ResourceObligation      = "OBLIGATION"
	ResourceViolation       = "VIOLATION"
	ResourcePlan            = "PLAN"
	ResourceCapsule         = "CAPSULE"
	ResourceEscrow          = "ESCROW"
	ResourceSettlement      = "SETTLEMENT"
	ResourceYCAccount       = "YC_ACCOUNT"
	ResourceAnchorBatch     = "ANCHOR_BATCH"
	ResourcePolicy          = "POLICY"
)

// Store persists the receipt chain. Implementations never mutate a stored
// receipt except to attach anchoring metadata.
type Store interface {
	// Append persists a fully hashed receipt. Ids are single use.
	Append(ctx context.Context, r *Receipt) error

	// Head returns the chain tail hash and sequence. An empty chain
	// reports the genesis hash and sequence zero.
	Head(ctx context.Context) (hash string, seq uint64, err error)

	// Get returns the receipt by id.
	Get(ctx context.Context, id string) (*Receipt, error)

	// GetBySequence returns the receipt at a chain position.
	GetBySequence(ctx context.Context, seq uint64) (*Receipt, error)

	// Query returns receipts matching the filter in chain order.
	Query(ctx context.Context, f QueryFilter) ([]*Receipt, error)

	// Unanchored returns receipts not yet bound to an anchor batch, in
	// chain order.
	Unanchored(ctx context.Context) ([]*Receipt, error)

	// SetAnchor attaches anchoring metadata to a receipt.
	SetAnchor(ctx context.Context, receiptID, batchID string, proof []string, at time.Time) error
}

// MemoryStore keeps the chain in process.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts []*Receipt
	byID     map[string]*Receipt
}

// NewMemoryStore returns an empty chain store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Receipt)}
}

func (s *MemoryStore) Append(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; ok {
		return ErrDuplicateReceipt
	}
	cp := *r
	s.receipts = append(s.receipts, &cp)
	s.byID[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) Head(_ context.Context) (string, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.receipts) == 0 {
		return GenesisHash, 0, nil
	}
	tail := s.receipts[len(s.receipts)-1]
	return tail.ReceiptHash, tail.Sequence, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetBySequence(_ context.Context, seq uint64) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq == 0 || seq > uint64(len(s.receipts)) {
		return nil, ErrReceiptNotFound
	}
	cp := *s.receipts[seq-1]
	return &cp, nil
}

func (s *MemoryStore) Query(_ context.Context, f QueryFilter) ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Receipt
	skipped := 0
	for _, r := range s.receipts {
		if !f.matches(r) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		cp := *r
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Unanchored(_ context.Context) ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Receipt
	for _, r := range s.receipts {
		if r.Anchored() {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SetAnchor(_ context.Context, receiptID, batchID string, proof []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[receiptID]
	if !ok {
		return ErrReceiptNotFound
	}
	r.AnchorBatchID = batchID
	r.MerkleProof = append([]string(nil), proof...)
	r.AnchoredAt = at
	return nil
}
