// Package anchor publishes audit Merkle roots to external storage. A
// published root lets any holder of a receipt and its sibling path prove
// inclusion without trusting the platform's own database.
package anchor

import (
	"context"
	"time"
)

// Record is the anchor document persisted externally, one per batch.
type Record struct {
	BatchID      string    `json:"batchId"`
	Root         string    `json:"root"`
	ReceiptCount int       `json:"receiptCount"`
	AnchoredAt   time.Time `json:"anchoredAt"`
}

// Publisher pushes one anchor record per batch and returns a stable
// reference to the published object.
type Publisher interface {
	PublishRoot(ctx context.Context, batchID, root string, receiptCount int) (ref string, err error)
}
