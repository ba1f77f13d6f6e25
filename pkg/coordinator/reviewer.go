// Package coordinator implements the policy review that complements
// automated screening: ODX vocabulary enforcement over eligibility
// criteria, high-risk label pattern detection, safeguard attachment, and
// the HMAC-signed policy stamp collaborators verify.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/errs"
	"github.com/datapact/core/pkg/odx"
	"github.com/datapact/core/pkg/request"
)

// Decision is the review verdict.
type Decision string

const (
	DecisionApproved     Decision = "APPROVED"
	DecisionRejected     Decision = "REJECTED"
	DecisionManualReview Decision = "MANUAL_REVIEW"
)

// Review reason codes.
const (
	ReasonNonODXCriteria      = "NON_ODX_CRITERIA"
	ReasonCriteriaTooSpecific = "CRITERIA_TOO_SPECIFIC"
	ReasonMinorsIndicator     = "MINORS_INDICATOR"
)

// ReviewResult is the coordinator's verdict on a request.
type ReviewResult struct {
	RequestID          string       `json:"requestId"`
	Decision           Decision     `json:"decision"`
	ReasonCodes        []string     `json:"reasonCodes"`
	RemediationHints   []string     `json:"remediationHints"`
	RequiredSafeguards []string     `json:"requiredSafeguards"`
	Success            bool         `json:"success"`
	PolicyVersion      string       `json:"policyVersion"`
	Stamp              *SignedStamp `json:"stamp,omitempty"`
}

// Reviewer runs coordinator policy review.
type Reviewer struct {
	requests *request.Service
	signer   *StampSigner
	profile  *Profile
	ledger   *audit.Ledger
	logger   *slog.Logger
	clock    func() time.Time
}

// NewReviewer wires a reviewer. A nil profile selects the defaults.
func NewReviewer(requests *request.Service, signer *StampSigner, profile *Profile,
	ledger *audit.Ledger, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	if profile == nil {
		profile = DefaultProfile()
	}
	return &Reviewer{
		requests: requests,
		signer:   signer,
		profile:  profile,
		ledger:   ledger,
		logger:   logger.With("component", "coordinator.reviewer"),
		clock:    time.Now,
	}
}

// WithClock overrides the time source.
func (rv *Reviewer) WithClock(clock func() time.Time) *Reviewer {
	rv.clock = clock
	return rv
}

// Review evaluates the request's criteria vocabulary, label patterns and
// audience, attaches safeguards, signs the policy stamp and appends the
// review receipt. Review never transitions the request; a rejected review
// leaves it in SCREENING for the requester to rework.
func (rv *Reviewer) Review(ctx context.Context, requestID string) (*ReviewResult, error) {
	req, err := rv.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != request.StatusScreening {
		return nil, errs.Newf(errs.KindInvalidState, "COORD_006",
			"request %s is %s, review requires SCREENING", requestID, req.Status)
	}

	result := &ReviewResult{
		RequestID:     requestID,
		Decision:      DecisionApproved,
		PolicyVersion: rv.signer.PolicyVersion(),
	}

	// ODX vocabulary: every criteria key must be an allowed exact label
	// or carry an allowed namespace prefix.
	for _, key := range sortedKeys(req.EligibilityCriteria) {
		if !odx.IsAllowedCriteriaKey(key) {
			result.ReasonCodes = append(result.ReasonCodes,
				fmt.Sprintf("%s:%s", ReasonNonODXCriteria, key))
			result.RemediationHints = append(result.RemediationHints,
				fmt.Sprintf("replace %q with a label from the ODX vocabulary", key))
			result.Decision = DecisionRejected
		}
	}
	if len(req.EligibilityCriteria) > rv.profile.MaxCriteria {
		result.ReasonCodes = append(result.ReasonCodes, ReasonCriteriaTooSpecific)
		result.RemediationHints = append(result.RemediationHints,
			fmt.Sprintf("reduce eligibility criteria to at most %d", rv.profile.MaxCriteria))
		result.Decision = DecisionRejected
	}

	// High-risk label co-occurrence across scope and criteria.
	labels := make([]string, 0, len(req.Scope)+len(req.EligibilityCriteria))
	labels = append(labels, sortedKeys(req.Scope)...)
	labels = append(labels, sortedKeys(req.EligibilityCriteria)...)
	segments := segmentSet(labels)

	safeguards := make(map[string]struct{})
	for _, hit := range detectPatterns(rv.profile.Patterns, segments) {
		result.ReasonCodes = append(result.ReasonCodes, hit.Code)
		if hit.Hint != "" {
			result.RemediationHints = append(result.RemediationHints, hit.Hint)
		}
		for _, sg := range hit.Safeguards {
			safeguards[sg] = struct{}{}
		}
		if hit.Action == ActionBlock && result.Decision != DecisionRejected {
			result.Decision = DecisionRejected
		}
	}

	// Minors indicators anywhere force a human decision.
	if rv.minorsPresent(req) {
		result.ReasonCodes = append(result.ReasonCodes, ReasonMinorsIndicator)
		result.RemediationHints = append(result.RemediationHints,
			"campaigns touching minors require a manual coordinator decision")
		if result.Decision == DecisionApproved {
			result.Decision = DecisionManualReview
		}
	}

	// Family safeguards plus the platform baseline.
	for family, sgs := range rv.profile.FamilySafeguards {
		if familyPresent(family, segments) {
			for _, sg := range sgs {
				safeguards[sg] = struct{}{}
			}
		}
	}
	for _, sg := range rv.profile.BaselineSafeguards {
		safeguards[sg] = struct{}{}
	}
	result.RequiredSafeguards = make([]string, 0, len(safeguards))
	for sg := range safeguards {
		result.RequiredSafeguards = append(result.RequiredSafeguards, sg)
	}
	sort.Strings(result.RequiredSafeguards)

	result.Success = result.Decision == DecisionApproved
	result.Stamp = rv.signer.Sign(requestID, result.Decision,
		result.RequiredSafeguards, result.ReasonCodes)

	if err := rv.appendReviewReceipt(ctx, result); err != nil {
		return nil, err
	}
	rv.logger.Info("request reviewed",
		"request_id", requestID, "decision", result.Decision,
		"reasons", len(result.ReasonCodes), "safeguards", len(result.RequiredSafeguards))
	return result, nil
}

// SignPolicyStamp re-signs a decision without running review, for manual
// coordinator decisions recorded after human deliberation.
func (rv *Reviewer) SignPolicyStamp(requestID string, decision Decision, safeguards, reasons []string) *SignedStamp {
	return rv.signer.Sign(requestID, decision, safeguards, reasons)
}

// VerifyStamp checks a stamp against the coordinator key.
func (rv *Reviewer) VerifyStamp(stamp *SignedStamp) error {
	return rv.signer.Verify(stamp)
}

func (rv *Reviewer) minorsPresent(req *request.Request) bool {
	if odx.ContainsMinorsIndicator(req.Purpose) {
		return true
	}
	for key := range req.Scope {
		if odx.ContainsMinorsIndicator(key) {
			return true
		}
	}
	for key, value := range req.EligibilityCriteria {
		if odx.ContainsMinorsIndicator(key) || odx.ContainsMinorsIndicator(value) {
			return true
		}
	}
	return false
}

func (rv *Reviewer) appendReviewReceipt(ctx context.Context, result *ReviewResult) error {
	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"decision":      result.Decision,
		"reasonCodes":   result.ReasonCodes,
		"safeguards":    result.RequiredSafeguards,
		"policyVersion": result.PolicyVersion,
		"stampHash":     result.Stamp.StampHash,
	})
	if err != nil {
		return err
	}
	_, err = rv.ledger.Append(ctx, audit.EventPolicyReviewed, "coordinator",
		audit.ActorGuardian, result.RequestID, audit.ResourceRequest, detailsHash)
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
