// Package consent implements the consent-contract lifecycle and the
// obligation engine: cryptographically bound contracts between a data
// sovereign and a requester, the retention/usage/deletion obligations they
// carry, violation detection and penalty enforcement.
package consent

import (
	"sort"
	"time"

	"github.com/datapact/core/pkg/canonical"
	"github.com/datapact/core/pkg/errs"
)

// Status is the contract lifecycle state. REVOKED is terminal.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
	StatusExpired Status = "EXPIRED"
)

// DeliveryMode selects how query results leave the DS device.
type DeliveryMode string

const (
	DeliveryCleanRoom DeliveryMode = "CLEAN_ROOM"
	DeliveryDirect    DeliveryMode = "DIRECT"
	DeliveryEncrypted DeliveryMode = "ENCRYPTED"
)

func validDeliveryMode(m DeliveryMode) bool {
	switch m {
	case DeliveryCleanRoom, DeliveryDirect, DeliveryEncrypted:
		return true
	}
	return false
}

// Contract is a consent grant from one DS to one requester for one request.
type Contract struct {
	ID                     string                 `json:"id"`
	DSID                   string                 `json:"dsId"`
	RequesterID            string                 `json:"requesterId"`
	RequestID              string                 `json:"requestId"`
	ScopeHash              string                 `json:"scopeHash"`
	PurposeHash            string                 `json:"purposeHash"`
	DurationStart          time.Time              `json:"durationStart"`
	DurationEnd            time.Time              `json:"durationEnd"`
	CompensationAmount     int64                  `json:"compensationAmount"`
	Status                 Status                 `json:"status"`
	PermittedFields        []string               `json:"permittedFields"`
	SensitiveFieldConsents map[string]bool        `json:"sensitiveFieldConsents,omitempty"`
	OutputRestrictions     []string               `json:"outputRestrictions,omitempty"`
	DeliveryMode           DeliveryMode           `json:"deliveryMode"`
	RetentionDays          int                    `json:"retentionDays,omitempty"`
	UsageRestrictions      map[string]interface{} `json:"usageRestrictions,omitempty"`
	DeletionRequirements   map[string]interface{} `json:"deletionRequirements,omitempty"`
	ObligationHash         string                 `json:"obligationHash,omitempty"`
	CreatedAt              time.Time              `json:"createdAt"`
	RevokedAt              time.Time              `json:"revokedAt,omitempty"`
	Version                int64                  `json:"version"`
}

// AllowedTransforms derives the transform whitelist from the delivery
// mode. Clean-room delivery never releases row-level output, so only
// aggregation survives.
func (c *Contract) AllowedTransforms() []string {
	if c.DeliveryMode == DeliveryCleanRoom {
		return []string{"aggregate", "count"}
	}
	return []string{"aggregate", "count", "filter", "project"}
}

// PermittedFieldsHash is the canonical hash of the sorted permitted-field
// list, the subset hash access evaluation accepts besides the scope hash.
func (c *Contract) PermittedFieldsHash() (string, error) {
	fields := append([]string(nil), c.PermittedFields...)
	sort.Strings(fields)
	return canonical.CanonicalHash(fields)
}

// WithinWindow reports whether now falls inside the consent duration.
// The window is half-open: the start instant is inside, the end instant
// is already outside.
func (c *Contract) WithinWindow(now time.Time) bool {
	return !now.Before(c.DurationStart) && now.Before(c.DurationEnd)
}

// CreateInput carries the fields a DS grants at consent time.
type CreateInput struct {
	DSID                   string
	RequesterID            string
	RequestID              string
	ScopeHash              string
	PurposeHash            string
	DurationStart          time.Time
	DurationEnd            time.Time
	CompensationAmount     int64
	PermittedFields        []string
	SensitiveFieldConsents map[string]bool
	OutputRestrictions     []string
	DeliveryMode           DeliveryMode
}

// Validate checks temporal, amount, hash and identity fields. Reasons use
// stable codes so callers and receipts can enumerate what was missing.
func (in CreateInput) Validate() error {
	var reasons []string
	if in.DSID == "" {
		reasons = append(reasons, "MISSING_DS")
	}
	if in.RequesterID == "" {
		reasons = append(reasons, "MISSING_REQUESTER")
	}
	if in.RequestID == "" {
		reasons = append(reasons, "MISSING_REQUEST")
	}
	if in.ScopeHash == "" {
		reasons = append(reasons, "MISSING_SCOPE_HASH")
	}
	if in.PurposeHash == "" {
		reasons = append(reasons, "MISSING_PURPOSE_HASH")
	}
	if in.DurationStart.IsZero() || in.DurationEnd.IsZero() {
		reasons = append(reasons, "MISSING_DURATION")
	} else if !in.DurationEnd.After(in.DurationStart) {
		reasons = append(reasons, "INVALID_DURATION")
	}
	if in.CompensationAmount <= 0 {
		reasons = append(reasons, "INVALID_COMPENSATION")
	}
	if in.DeliveryMode != "" && !validDeliveryMode(in.DeliveryMode) {
		reasons = append(reasons, "INVALID_DELIVERY_MODE")
	}
	if len(reasons) > 0 {
		return errs.New(errs.KindValidation, "CONSENT_001",
			"invalid consent request").WithReasons(reasons...)
	}
	return nil
}

// grantedFields drops permitted fields whose sensitive-field consent was
// explicitly withheld. Fields without an entry pass through.
func grantedFields(permitted []string, consents map[string]bool) []string {
	out := make([]string, 0, len(permitted))
	for _, f := range permitted {
		if granted, present := consents[f]; present && !granted {
			continue
		}
		out = append(out, f)
	}
	return out
}

// FilterFields projects a flat record to exactly the permitted keys.
// Permitted keys absent from the record are simply absent from the output.
func FilterFields(record map[string]interface{}, permittedFields []string) map[string]interface{} {
	out := make(map[string]interface{}, len(permittedFields))
	for _, f := range permittedFields {
		if v, ok := record[f]; ok {
			out[f] = v
		}
	}
	return out
}
