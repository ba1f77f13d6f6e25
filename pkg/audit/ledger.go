package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datapact/core/pkg/canonical"
	"github.com/datapact/core/pkg/errs"
	"github.com/datapact/core/pkg/events"
)

var (
	// ErrChainBroken is returned when verification finds a bad link.
	ErrChainBroken = errs.New(errs.KindIntegrity, "AUDIT_003", "audit chain is broken")
	// ErrReceiptTampered is returned when a stored hash does not recompute.
	ErrReceiptTampered = errs.New(errs.KindIntegrity, "AUDIT_004", "receipt hash does not recompute")
)

// Ledger is the chain writer. A single mutex serialises the tail; reads go
// straight to the store.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	bus    *events.Bus
	logger *slog.Logger
	clock  func() time.Time
}

// NewLedger wires a ledger over the given store.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		logger: logger.With("component", "audit.ledger"),
		clock:  time.Now,
	}
}

// WithBus makes every append publish the matching canonical event.
func (l *Ledger) WithBus(bus *events.Bus) *Ledger {
	l.bus = bus
	return l
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append writes the next receipt in the chain and publishes its canonical
// event. The receipt hash covers the previous hash, so appends are totally
// ordered.
func (l *Ledger) Append(ctx context.Context, eventType, actorID string, actorType ActorType, resourceID, resourceType, detailsHash string) (*Receipt, error) {
	if eventType == "" {
		return nil, errs.New(errs.KindValidation, "AUDIT_005", "event type is required")
	}
	if !ValidActorType(actorType) {
		return nil, errs.Newf(errs.KindValidation, "AUDIT_006", "unknown actor type %q", actorType)
	}

	l.mu.Lock()
	head, seq, err := l.store.Head(ctx)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	r := &Receipt{
		ID:              uuid.New().String(),
		Sequence:        seq + 1,
		EventType:       eventType,
		Timestamp:       l.clock().UTC(),
		ActorID:         actorID,
		ActorType:       actorType,
		ResourceID:      resourceID,
		ResourceType:    resourceType,
		DetailsHash:     detailsHash,
		PrevReceiptHash: head,
	}
	r.ReceiptHash = ComputeReceiptHash(r)
	if err := l.store.Append(ctx, r); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	l.publish(ctx, r)
	return r, nil
}

func (l *Ledger) publish(ctx context.Context, r *Receipt) {
	if l.bus == nil {
		return
	}
	e := events.NewEvent(CanonicalEventType(r.EventType), events.TraceFrom(ctx),
		r.ActorID, string(r.ActorType), r.ResourceID, r.DetailsHash)
	e.WithIdempotencyKey("receipt:" + r.ID)
	if _, _, err := l.bus.Publish(ctx, e); err != nil {
		// The receipt is the record of truth; a lost event is recoverable
		// by replaying the chain.
		l.logger.Error("canonical event publish failed",
			"receipt_id", r.ID, "event_type", r.EventType, "error", err)
	}
}

// RaiseSecurityIncident appends an elevated-severity receipt for integrity
// failures and policy violations detected at runtime.
func (l *Ledger) RaiseSecurityIncident(ctx context.Context, actorID string, actorType ActorType, resourceID, resourceType, reason string) (*Receipt, error) {
	detailsHash, err := canonical.CanonicalHash(map[string]string{
		"severity": "ELEVATED",
		"reason":   reason,
	})
	if err != nil {
		return nil, err
	}
	return l.Append(ctx, EventSecurityIncident, actorID, actorType, resourceID, resourceType, detailsHash)
}

// Get returns a receipt by id.
func (l *Ledger) Get(ctx context.Context, id string) (*Receipt, error) {
	return l.store.Get(ctx, id)
}

// Query returns receipts matching the filter in chain order.
func (l *Ledger) Query(ctx context.Context, f QueryFilter) ([]*Receipt, error) {
	return l.store.Query(ctx, f)
}

// Head returns the current chain tail.
func (l *Ledger) Head(ctx context.Context) (string, uint64, error) {
	return l.store.Head(ctx)
}

// VerifyReceiptIntegrity recomputes one receipt's hash and checks its link
// to the previous receipt.
func (l *Ledger) VerifyReceiptIntegrity(ctx context.Context, id string) error {
	r, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ComputeReceiptHash(r) != r.ReceiptHash {
		return fmt.Errorf("%w: receipt %s", ErrReceiptTampered, id)
	}
	if r.Sequence == 1 {
		if r.PrevReceiptHash != GenesisHash {
			return fmt.Errorf("%w: receipt %s does not link to genesis", ErrChainBroken, id)
		}
		return nil
	}
	prev, err := l.store.GetBySequence(ctx, r.Sequence-1)
	if err != nil {
		return err
	}
	if r.PrevReceiptHash != prev.ReceiptHash {
		return fmt.Errorf("%w: receipt %s does not link to sequence %d", ErrChainBroken, id, prev.Sequence)
	}
	return nil
}

// VerifyChain walks the whole chain from genesis, recomputing every hash.
func (l *Ledger) VerifyChain(ctx context.Context) error {
	receipts, err := l.store.Query(ctx, QueryFilter{})
	if err != nil {
		return err
	}
	expectedPrev := GenesisHash
	for i, r := range receipts {
		if r.PrevReceiptHash != expectedPrev {
			return fmt.Errorf("%w: receipt %d has prev %s, expected %s",
				ErrChainBroken, i+1, r.PrevReceiptHash, expectedPrev)
		}
		if computed := ComputeReceiptHash(r); computed != r.ReceiptHash {
			return fmt.Errorf("%w: receipt %d hash mismatch (computed %s, stored %s)",
				ErrReceiptTampered, i+1, computed, r.ReceiptHash)
		}
		expectedPrev = r.ReceiptHash
	}
	return nil
}

// HashDetails canonicalises and hashes a details payload for DetailsHash.
func HashDetails(v interface{}) (string, error) {
	return canonical.CanonicalHash(v)
}
