package consent

import (
	"time"
)

// ViolationType names what kind of breach was detected.
type ViolationType string

const (
	ViolationRetentionExceeded   ViolationType = "RETENTION_EXCEEDED"
	ViolationUnauthorizedUsage   ViolationType = "UNAUTHORIZED_USAGE"
	ViolationDeletionFailure     ViolationType = "DELETION_FAILURE"
	ViolationUnauthorizedSharing ViolationType = "UNAUTHORIZED_SHARING"
	ViolationPurposeViolation    ViolationType = "PURPOSE_VIOLATION"
)

// Severity grades a violation for penalty sizing and escalation.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Violation records one detected breach of one obligation.
type Violation struct {
	ID             string        `json:"id"`
	ContractID     string        `json:"contractId"`
	ObligationID   string        `json:"obligationId"`
	ViolationType  ViolationType `json:"violationType"`
	Severity       Severity      `json:"severity"`
	EvidenceHash   string        `json:"evidenceHash"`
	PenaltyApplied bool          `json:"penaltyApplied"`
	PenaltyAmount  int64         `json:"penaltyAmount,omitempty"`
	DetectedAt     time.Time     `json:"detectedAt"`
	Version        int64         `json:"version"`
}

// ViolationContext is the observed-facts record violation detection runs
// against. Its canonical hash becomes the evidence hash on every violation
// it produces.
type ViolationContext struct {
	ResourceID           string `json:"resourceId"`
	ActualRetainedDays   int    `json:"actualRetainedDays,omitempty"`
	MaxRetainedDays      int    `json:"maxRetainedDays,omitempty"`
	UnauthorizedUse      bool   `json:"unauthorizedUse,omitempty"`
	UnauthorizedField    string `json:"unauthorizedField,omitempty"`
	DeletionFailed       bool   `json:"deletionFailed,omitempty"`
	SharedWithThirdParty bool   `json:"sharedWithThirdParty,omitempty"`
}

// severityFor grades a violation from the enforcing obligation's level.
// Sharing and deletion breaches under STRICT enforcement escalate to
// CRITICAL.
func severityFor(level EnforcementLevel, vtype ViolationType) Severity {
	base := SeverityLow
	switch level {
	case EnforcementStrict:
		base = SeverityHigh
	case EnforcementMonitored:
		base = SeverityMedium
	case EnforcementAdvisory:
		base = SeverityLow
	}
	if base == SeverityHigh &&
		(vtype == ViolationUnauthorizedSharing || vtype == ViolationDeletionFailure) {
		return SeverityCritical
	}
	return base
}
