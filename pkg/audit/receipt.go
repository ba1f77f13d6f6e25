// Package audit implements the append-only receipt ledger: a hash-chained
// record of every state transition, with periodic Merkle anchoring so a
// batch of receipts can be bound to a single externally published root.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// GenesisHash seeds the chain before the first receipt.
const GenesisHash = "genesis"

// ActorType identifies who caused the recorded transition.
type ActorType string

const (
	ActorDS        ActorType = "DS"
	ActorRequester ActorType = "REQUESTER"
	ActorSystem    ActorType = "SYSTEM"
	ActorGuardian  ActorType = "GUARDIAN"
)

// ValidActorType reports whether t is one of the four known actor types.
func ValidActorType(t ActorType) bool {
	switch t {
	case ActorDS, ActorRequester, ActorSystem, ActorGuardian:
		return true
	}
	return false
}

// Receipt event types. SCREAMING_SNAKE, family first; the canonical event
// type is derived by lowercasing and dotting the family.
const (
	EventRequestSubmitted   = "REQUEST_SUBMITTED"
	EventRequestScreened    = "REQUEST_SCREENED"
	EventRequestActivated   = "REQUEST_ACTIVATED"
	EventRequestRejected    = "REQUEST_REJECTED"
	EventRequestAppealed    = "REQUEST_APPEALED"
	EventPolicyReviewed     = "POLICY_REVIEWED"
	EventPolicyDecision     = "POLICY_DECISION"
	EventConsentGranted     = "CONSENT_GRANTED"
	EventConsentRevoked     = "CONSENT_REVOKED"
	EventObligationCreated  = "OBLIGATION_CREATED"
	EventObligationViolated = "OBLIGATION_VIOLATED"
	EventPenaltyApplied     = "PENALTY_APPLIED"
	EventPlanCreated        = "PLAN_CREATED"
	EventPlanDispatched     = "PLAN_DISPATCHED"
	EventPlanExpired        = "PLAN_EXPIRED"
	EventCapsuleCreated     = "CAPSULE_CREATED"
	EventCapsuleDelivered   = "CAPSULE_DELIVERED"
	EventCapsuleExpired     = "CAPSULE_EXPIRED"
	EventCapsuleShredded    = "CAPSULE_SHREDDED"
	EventEscrowFunded       = "ESCROW_FUNDED"
	EventEscrowLocked       = "ESCROW_LOCKED"
	EventEscrowSettled      = "ESCROW_SETTLED"
	EventEscrowRefunded     = "ESCROW_REFUNDED"
	EventSettlementComplete = "SETTLEMENT_COMPLETE"
	EventYCIssued           = "YC_ISSUED"
	EventYCRedeemed         = "YC_REDEEMED"
	EventYCClawback         = "YC_CLAWBACK"
	EventYCTransferRejected = "YC_TRANSFER_REJECTED"
	EventAuditAnchored      = "AUDIT_ANCHORED"
	EventSecurityIncident   = "SECURITY_INCIDENT"
)

// Receipt is a single immutable entry in the audit chain.
type Receipt struct {
	ID              string    `json:"id"`
	Sequence        uint64    `json:"sequence"`
	EventType       string    `json:"eventType"`
	Timestamp       time.Time `json:"timestamp"`
	ActorID         string    `json:"actorId"`
	ActorType       ActorType `json:"actorType"`
	ResourceID      string    `json:"resourceId"`
	ResourceType    string    `json:"resourceType"`
	DetailsHash     string    `json:"detailsHash"`
	PrevReceiptHash string    `json:"prevReceiptHash"`
	ReceiptHash     string    `json:"receiptHash"`
	AnchorBatchID   string    `json:"anchorBatchId,omitempty"`
	MerkleProof     []string  `json:"merkleProof,omitempty"`
	AnchoredAt      time.Time `json:"anchoredAt,omitempty"`
}

// Anchored reports whether the receipt has been bound to a published root.
func (r *Receipt) Anchored() bool {
	return r.AnchorBatchID != ""
}

// ComputeReceiptHash derives the chain hash from the receipt's identity
// fields and the previous hash. Timestamps enter in RFC 3339 nanosecond UTC
// form so the hash is reproducible from stored receipts.
func ComputeReceiptHash(r *Receipt) string {
	canonical := strings.Join([]string{
		r.ID,
		r.EventType,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.ActorID,
		r.ResourceID,
		r.DetailsHash,
		r.PrevReceiptHash,
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// CanonicalEventType maps a receipt event type to its dotted canonical
// event form: the family segment before the first underscore becomes the
// prefix ("YC_TRANSFER_REJECTED" -> "yc.transfer_rejected").
func CanonicalEventType(receiptEventType string) string {
	lower := strings.ToLower(receiptEventType)
	return strings.Replace(lower, "_", ".", 1)
}
