package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datapact/core/pkg/errs"
	"github.com/datapact/core/pkg/merkle"
)

// ErrNothingToAnchor is returned when every receipt is already anchored.
var ErrNothingToAnchor = errs.New(errs.KindNotFound, "AUDIT_007", "no unanchored receipts")

// Publisher pushes an anchor root to external storage. Implementations live
// in pkg/anchor.
type Publisher interface {
	PublishRoot(ctx context.Context, batchID, root string, receiptCount int) (ref string, err error)
}

// AnchorBatch binds a set of receipts to one Merkle root.
type AnchorBatch struct {
	ID           string    `json:"id"`
	Root         string    `json:"root"`
	ReceiptCount int       `json:"receiptCount"`
	FirstSeq     uint64    `json:"firstSeq"`
	LastSeq      uint64    `json:"lastSeq"`
	ExternalRef  string    `json:"externalRef,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Anchorer batches unanchored receipts into Merkle trees and hands the root
// to the publisher.
type Anchorer struct {
	ledger    *Ledger
	store     Store
	publisher Publisher
	logger    *slog.Logger
	clock     func() time.Time
}

// NewAnchorer wires an anchorer over the ledger's store. The publisher may
// be nil; roots are then only recorded on the chain itself.
func NewAnchorer(ledger *Ledger, store Store, publisher Publisher, logger *slog.Logger) *Anchorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Anchorer{
		ledger:    ledger,
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "audit.anchorer"),
		clock:     time.Now,
	}
}

// WithClock overrides the time source.
func (a *Anchorer) WithClock(clock func() time.Time) *Anchorer {
	a.clock = clock
	return a
}

// AnchorBatch selects every unanchored receipt, builds the Merkle tree over
// their hashes, attaches each receipt's sibling path, publishes the root,
// and appends an anchoring receipt. The anchoring receipt itself lands in
// the next batch.
func (a *Anchorer) AnchorBatch(ctx context.Context) (*AnchorBatch, error) {
	pending, err := a.store.Unanchored(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, ErrNothingToAnchor
	}

	values := make([]string, len(pending))
	for i, r := range pending {
		values[i] = r.ReceiptHash
	}
	tree, err := merkle.BuildTree(values)
	if err != nil {
		return nil, err
	}

	batch := &AnchorBatch{
		ID:           uuid.New().String(),
		Root:         tree.Root,
		ReceiptCount: len(pending),
		FirstSeq:     pending[0].Sequence,
		LastSeq:      pending[len(pending)-1].Sequence,
		CreatedAt:    a.clock().UTC(),
	}

	if a.publisher != nil {
		ref, err := a.publisher.PublishRoot(ctx, batch.ID, batch.Root, batch.ReceiptCount)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, "AUDIT_008", err, "publish anchor root")
		}
		batch.ExternalRef = ref
	}

	for _, r := range pending {
		proof, err := tree.Proof(r.ReceiptHash)
		if err != nil {
			return nil, err
		}
		if err := a.store.SetAnchor(ctx, r.ID, batch.ID, proof, batch.CreatedAt); err != nil {
			return nil, err
		}
	}

	detailsHash, err := HashDetails(map[string]interface{}{
		"root":         batch.Root,
		"receiptCount": batch.ReceiptCount,
		"firstSeq":     batch.FirstSeq,
		"lastSeq":      batch.LastSeq,
		"externalRef":  batch.ExternalRef,
	})
	if err != nil {
		return nil, err
	}
	if _, err := a.ledger.Append(ctx, EventAuditAnchored, "system", ActorSystem,
		batch.ID, ResourceAnchorBatch, detailsHash); err != nil {
		return nil, err
	}

	a.logger.Info("anchored receipt batch",
		"batch_id", batch.ID, "root", batch.Root, "count", batch.ReceiptCount)
	return batch, nil
}

// VerifyInclusion checks a receipt's Merkle path against an expected root.
func VerifyInclusion(r *Receipt, expectedRoot string) bool {
	if !r.Anchored() {
		return false
	}
	return merkle.VerifyInclusion(r.ReceiptHash, r.MerkleProof, expectedRoot)
}

// VerifyInclusionByID loads a receipt and checks its path against the root.
func (a *Anchorer) VerifyInclusionByID(ctx context.Context, receiptID, expectedRoot string) (bool, error) {
	r, err := a.store.Get(ctx, receiptID)
	if err != nil {
		return false, err
	}
	return VerifyInclusion(r, expectedRoot), nil
}
