// Package screening evaluates submitted requests against the policy rule
// base and produces the screening decision that gates every campaign.
//
// Rules are data, not code: the five built-in rules evaluate natively, and
// operator-defined rules carry a CEL predicate over a typed activation.
// Every violated rule contributes severity/10 to the risk score; a single
// BLOCKING violation rejects the request outright.
package screening

import (
	"time"

	"github.com/datapact/core/pkg/odx"
	"github.com/datapact/core/pkg/request"
)

// RuleType classifies how a violated rule affects the decision.
type RuleType string

const (
	RuleBlocking RuleType = "BLOCKING"
	RuleWarning  RuleType = "WARNING"
	RuleInfo     RuleType = "INFO"
)

// Built-in rule codes.
const (
	RuleCohortMinSize        = "COHORT_MIN_SIZE"
	RuleBudgetEscrowMatch    = "BUDGET_ESCROW_MATCH"
	RuleDurationReasonable   = "DURATION_REASONABLE"
	RuleReidentificationRisk = "REIDENTIFICATION_RISK"
	RuleScopeSensitive       = "SCOPE_SENSITIVE"
)

// maxReasonableDuration is the DURATION_REASONABLE ceiling.
const maxReasonableDuration = 365 * 24 * time.Hour

// PolicyRule is one entry in the rule base. Built-in rules have an empty
// predicate and evaluate natively; loaded rules carry a CEL predicate.
type PolicyRule struct {
	RuleCode  string   `json:"ruleCode"`
	RuleType  RuleType `json:"ruleType"`
	Category  string   `json:"category"`
	Severity  int      `json:"severity"` // 1..10
	IsActive  bool     `json:"isActive"`
	Predicate string   `json:"predicate,omitempty"`
}

// RiskContribution is the rule's share of the risk score when violated.
func (r PolicyRule) RiskContribution() float64 {
	return float64(r.Severity) / 10.0
}

// BuiltinRules returns the compiled-in rule base in a fresh slice.
func BuiltinRules() []PolicyRule {
	return []PolicyRule{
		{RuleCode: RuleReidentificationRisk, RuleType: RuleBlocking, Category: "privacy", Severity: 10, IsActive: true},
		{RuleCode: RuleCohortMinSize, RuleType: RuleBlocking, Category: "privacy", Severity: 9, IsActive: true},
		{RuleCode: RuleBudgetEscrowMatch, RuleType: RuleBlocking, Category: "financial", Severity: 8, IsActive: true},
		{RuleCode: RuleDurationReasonable, RuleType: RuleWarning, Category: "temporal", Severity: 2, IsActive: true},
		{RuleCode: RuleScopeSensitive, RuleType: RuleWarning, Category: "sensitivity", Severity: 1, IsActive: true},
	}
}

// activation is the evaluation input shared by native and CEL rules.
type activation struct {
	req            *request.Request
	cohortEstimate int
	minCohortSize  int
}

func (a activation) scopeLabels() []string {
	labels := make([]string, 0, len(a.req.Scope))
	for k := range a.req.Scope {
		labels = append(labels, k)
	}
	return labels
}

func (a activation) durationDays() int {
	return int(a.req.DurationEnd.Sub(a.req.DurationStart) / (24 * time.Hour))
}

// celActivation maps the request onto the CEL variable names.
func (a activation) celActivation() map[string]interface{} {
	criteria := make(map[string]string, len(a.req.EligibilityCriteria))
	for k, v := range a.req.EligibilityCriteria {
		criteria[k] = v
	}
	return map[string]interface{}{
		"purpose":          a.req.Purpose,
		"scope":            a.scopeLabels(),
		"criteria":         criteria,
		"budget":           a.req.Budget,
		"unit_price":       a.req.UnitPrice,
		"max_participants": int64(a.req.MaxParticipants),
		"duration_days":    int64(a.durationDays()),
		"cohort_estimate":  int64(a.cohortEstimate),
	}
}

// evaluateBuiltin runs the native check for a built-in rule code. Unknown
// codes report not violated; they belong to the CEL path.
func evaluateBuiltin(code string, a activation) bool {
	switch code {
	case RuleCohortMinSize:
		return a.cohortEstimate < a.minCohortSize
	case RuleBudgetEscrowMatch:
		return a.req.Budget < a.req.UnitPrice*int64(a.req.MaxParticipants)
	case RuleDurationReasonable:
		return a.req.DurationEnd.Sub(a.req.DurationStart) > maxReasonableDuration
	case RuleReidentificationRisk:
		direct := 0
		for _, label := range a.scopeLabels() {
			if odx.IsDirectIdentifier(label) {
				direct++
			}
		}
		return direct > 0 || odx.CountQuasiIdentifiers(a.scopeLabels()) >= 3
	case RuleScopeSensitive:
		for _, label := range a.scopeLabels() {
			if odx.ContainsSensitiveCategory(label) {
				return true
			}
		}
		return false
	}
	return false
}
