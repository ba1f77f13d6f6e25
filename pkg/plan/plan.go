// Package plan owns the signed query plan lifecycle: creation from an
// active consent contract, privacy-gate authorization, breaker-guarded
// dispatch with per-device grants, and TTL expiry.
package plan

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status is the plan lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusDispatched Status = "DISPATCHED"
	StatusExecuted   Status = "EXECUTED"
	StatusExpired    Status = "EXPIRED"
)

// Plan is a signed, TTL-bounded query specification dispatched to devices.
// Everything a device may do flows from the contract at creation time:
// transforms, fields, output restrictions and compensation are copied in
// and frozen under the signature.
type Plan struct {
	ID                 string    `json:"id"`
	RequestID          string    `json:"requestId"`
	ContractID         string    `json:"contractId"`
	RequesterID        string    `json:"requesterId"`
	ScopeHash          string    `json:"scopeHash"`
	AllowedTransforms  []string  `json:"allowedTransforms"`
	OutputRestrictions []string  `json:"outputRestrictions"`
	PermittedFields    []string  `json:"permittedFields"`
	Compensation       int64     `json:"compensation"`
	TTL                time.Time `json:"ttl"`
	Signature          string    `json:"signature"`
	SignedAt           time.Time `json:"signedAt"`
	SigningKeyID       string    `json:"signingKeyId"`
	Status             Status    `json:"status"`
	CreatedAt          time.Time `json:"createdAt"`
	Version            int64     `json:"version"`
}

// SignablePayload is the canonical string the signature covers: every
// plan field except the signature block, pipe-joined with lists
// comma-joined in stored order. Lists are sorted at creation so the
// payload is independent of input order.
func (p *Plan) SignablePayload() string {
	return strings.Join([]string{
		p.ID,
		p.RequestID,
		p.ContractID,
		p.ScopeHash,
		strings.Join(p.AllowedTransforms, ","),
		strings.Join(p.OutputRestrictions, ","),
		strings.Join(p.PermittedFields, ","),
		strconv.FormatInt(p.Compensation, 10),
		p.TTL.UTC().Format(time.RFC3339),
	}, "|")
}

// Expired reports whether the TTL has passed. Time equal to the TTL
// counts as expired.
func (p *Plan) Expired(now time.Time) bool {
	return !now.Before(p.TTL)
}

// Terminal reports whether the plan can no longer change state.
func (p *Plan) Terminal() bool {
	return p.Status == StatusExecuted || p.Status == StatusExpired
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
