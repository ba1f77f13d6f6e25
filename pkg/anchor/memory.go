package anchor

import (
	"context"
	"sync"
	"time"

	"github.com/datapact/core/pkg/errs"
)

// ErrRecordNotFound is returned when a batch id has not been published.
var ErrRecordNotFound = errs.New(errs.KindNotFound, "ANCHOR_001", "anchor record not found")

// MemoryPublisher keeps anchor records in process. Development and test
// deployments run on this tier.
type MemoryPublisher struct {
	mu      sync.RWMutex
	records map[string]*Record
	clock   func() time.Time
}

// NewMemoryPublisher returns an empty publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		records: make(map[string]*Record),
		clock:   time.Now,
	}
}

// WithClock overrides the time source.
func (p *MemoryPublisher) WithClock(clock func() time.Time) *MemoryPublisher {
	p.clock = clock
	return p
}

// PublishRoot records the root. Republishing a batch id returns the same
// reference without overwriting.
func (p *MemoryPublisher) PublishRoot(_ context.Context, batchID, root string, receiptCount int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[batchID]; !ok {
		p.records[batchID] = &Record{
			BatchID:      batchID,
			Root:         root,
			ReceiptCount: receiptCount,
			AnchoredAt:   p.clock().UTC(),
		}
	}
	return "memory://anchors/" + batchID, nil
}

// Get returns the record for a batch.
func (p *MemoryPublisher) Get(batchID string) (*Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.records[batchID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

// Len returns the number of published batches.
func (p *MemoryPublisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}
