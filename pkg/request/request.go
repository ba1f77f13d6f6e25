// Package request owns the data-access request aggregate and its lifecycle.
// A request is mutable only through explicit transitions; every transition
// bumps the optimistic version counter and lands on the audit chain.
package request

import (
	"time"

	"github.com/datapact/core/pkg/errs"
)

// Status is the request lifecycle state.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusScreening Status = "SCREENING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
)

// UnitType is what a participating data sovereign is compensated for.
type UnitType string

const (
	UnitSurvey        UnitType = "SURVEY"
	UnitDataAccess    UnitType = "DATA_ACCESS"
	UnitParticipation UnitType = "PARTICIPATION"
)

// Request is a requester's compensated data-access campaign. Scope maps
// coarse labels to constraints; eligibility criteria keys come from the
// ODX vocabulary. Amounts are integer minor units.
type Request struct {
	ID                  string            `json:"id"`
	Version             uint64            `json:"version"`
	CreatedAt           time.Time         `json:"createdAt"`
	RequesterID         string            `json:"requesterId"`
	Purpose             string            `json:"purpose"`
	Scope               map[string]string `json:"scope"`
	EligibilityCriteria map[string]string `json:"eligibilityCriteria"`
	DurationStart       time.Time         `json:"durationStart"`
	DurationEnd         time.Time         `json:"durationEnd"`
	UnitType            UnitType          `json:"unitType"`
	UnitPrice           int64             `json:"unitPrice"`
	MaxParticipants     int               `json:"maxParticipants"`
	Budget              int64             `json:"budget"`
	Currency            string            `json:"currency"`
	EscrowID            string            `json:"escrowId,omitempty"`
	Status              Status            `json:"status"`
}

// BudgetCovers reports whether the budget covers every participant at the
// unit price.
func (r *Request) BudgetCovers() bool {
	return r.Budget >= r.UnitPrice*int64(r.MaxParticipants)
}

// validUnitType reports whether t is a known unit type.
func validUnitType(t UnitType) bool {
	switch t {
	case UnitSurvey, UnitDataAccess, UnitParticipation:
		return true
	}
	return false
}

// canTransition encodes the lifecycle graph. REJECTED -> ACTIVE is the
// appeal path: an upheld appeal activates the request after all.
func canTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusScreening || to == StatusCancelled
	case StatusScreening:
		return to == StatusActive || to == StatusRejected || to == StatusCancelled
	case StatusActive:
		return to == StatusCompleted || to == StatusCancelled
	case StatusRejected:
		return to == StatusActive
	}
	return false
}

// SubmitInput carries the fields a requester supplies at submission.
type SubmitInput struct {
	RequesterID         string
	Purpose             string
	Scope               map[string]string
	EligibilityCriteria map[string]string
	DurationStart       time.Time
	DurationEnd         time.Time
	UnitType            UnitType
	UnitPrice           int64
	MaxParticipants     int
	Budget              int64
	Currency            string
}

// Validate checks structural fields. Budget coverage is a screening rule,
// not a submission gate, so underfunded requests still reach the screening
// decision that names them.
func (in SubmitInput) Validate() error {
	var reasons []string
	if in.RequesterID == "" {
		reasons = append(reasons, "MISSING_REQUESTER")
	}
	if in.Purpose == "" {
		reasons = append(reasons, "MISSING_PURPOSE")
	}
	if len(in.Scope) == 0 {
		reasons = append(reasons, "MISSING_SCOPE")
	}
	if !validUnitType(in.UnitType) {
		reasons = append(reasons, "INVALID_UNIT_TYPE")
	}
	if in.UnitPrice <= 0 {
		reasons = append(reasons, "INVALID_UNIT_PRICE")
	}
	if in.MaxParticipants <= 0 {
		reasons = append(reasons, "INVALID_MAX_PARTICIPANTS")
	}
	if in.Budget <= 0 {
		reasons = append(reasons, "INVALID_BUDGET")
	}
	if !in.DurationEnd.After(in.DurationStart) {
		reasons = append(reasons, "INVALID_DURATION")
	}
	if len(reasons) > 0 {
		return errs.New(errs.KindValidation, "REQUEST_003", "request submission invalid").
			WithReasons(reasons...)
	}
	return nil
}
