// Package events implements the canonical event bus: every state transition
// in the platform publishes a CanonicalEvent envelope carrying trace and
// correlation ids, an idempotency key, and a payload hash. Payloads
// themselves never transit the bus; only hashes and summaries do.
package events

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/datapact/core/pkg/errs"
)

// Status is the processing state of an event.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// Event types. Dotted, family-first.
const (
	TypeRequestSubmitted   = "request.submitted"
	TypeRequestScreened    = "request.screened"
	TypeRequestActivated   = "request.activated"
	TypeRequestRejected    = "request.rejected"
	TypeRequestAppealed    = "request.appealed"
	TypePolicyReviewed     = "policy.reviewed"
	TypePolicyDecision     = "policy.decision"
	TypeConsentGranted     = "consent.granted"
	TypeConsentRevoked     = "consent.revoked"
	TypeObligationCreated  = "obligation.created"
	TypeObligationViolated = "obligation.violated"
	TypePenaltyApplied     = "penalty.applied"
	TypePlanCreated        = "plan.created"
	TypePlanDispatched     = "plan.dispatched"
	TypePlanExpired        = "plan.expired"
	TypeCapsuleCreated     = "capsule.created"
	TypeCapsuleDelivered   = "capsule.delivered"
	TypeCapsuleExpired     = "capsule.expired"
	TypeCapsuleShredded    = "capsule.shredded"
	TypeEscrowFunded       = "escrow.funded"
	TypeEscrowLocked       = "escrow.locked"
	TypeEscrowSettled      = "escrow.settled"
	TypeEscrowRefunded     = "escrow.refunded"
	TypeSettlementComplete = "settlement.complete"
	TypeYCIssued           = "yc.issued"
	TypeYCRedeemed         = "yc.redeemed"
	TypeYCClawback         = "yc.clawback"
	TypeYCTransferRejected = "yc.transfer_rejected"
	TypeAuditAnchored      = "audit.anchored"
	TypeSecurityIncident   = "security.incident"
)

// DefaultSchemaVersion is stamped on events published without one.
const DefaultSchemaVersion = "1.0"

// supportedSchemaMajor is the highest envelope major this core processes.
const supportedSchemaMajor = 1

// Event is the canonical envelope.
type Event struct {
	ID             string    `json:"id"`
	EventType      string    `json:"eventType"`
	EventName      string    `json:"eventName,omitempty"`
	TraceID        string    `json:"traceId"`
	CorrelationID  string    `json:"correlationId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	ActorID        string    `json:"actorId"`
	ActorType      string    `json:"actorType"`
	ResourceRef    string    `json:"resourceRef"`
	PayloadHash    string    `json:"payloadHash"`
	SchemaVersion  string    `json:"schemaVersion"`
	Timestamp      time.Time `json:"timestamp"`
	Status         Status    `json:"status"`
	RetryCount     int       `json:"retryCount"`
	NextAttemptAt  time.Time `json:"nextAttemptAt,omitempty"`
}

// NewEvent builds a pending envelope with generated ids. The trace id is
// reused when the caller threads one through; otherwise a fresh trace opens.
func NewEvent(eventType, traceID, actorID, actorType, resourceRef, payloadHash string) *Event {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return &Event{
		ID:             uuid.New().String(),
		EventType:      eventType,
		TraceID:        traceID,
		CorrelationID:  uuid.New().String(),
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", eventType, resourceRef, traceID),
		ActorID:        actorID,
		ActorType:      actorType,
		ResourceRef:    resourceRef,
		PayloadHash:    payloadHash,
		SchemaVersion:  DefaultSchemaVersion,
		Status:         StatusPending,
	}
}

// WithIdempotencyKey overrides the derived key. Producers that can retry a
// publish use a stable business key here.
func (e *Event) WithIdempotencyKey(key string) *Event {
	e.IdempotencyKey = key
	return e
}

// Validate checks envelope completeness and the schema version line.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return errs.New(errs.KindValidation, "EVENT_001", "event type is required")
	}
	if e.IdempotencyKey == "" {
		return errs.New(errs.KindValidation, "EVENT_002", "idempotency key is required")
	}
	if e.TraceID == "" {
		return errs.New(errs.KindValidation, "EVENT_003", "trace id is required")
	}
	if e.SchemaVersion == "" {
		e.SchemaVersion = DefaultSchemaVersion
	}
	v, err := semver.NewVersion(e.SchemaVersion)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "EVENT_004", err,
			fmt.Sprintf("schema version %q is not a semantic version", e.SchemaVersion))
	}
	if v.Major() > supportedSchemaMajor {
		return errs.Newf(errs.KindValidation, "EVENT_005",
			"schema version %s is newer than supported major %d", e.SchemaVersion, supportedSchemaMajor)
	}
	return nil
}
