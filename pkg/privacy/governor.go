package privacy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/canonical"
	"github.com/datapact/core/pkg/errs"
)

// Decision is a gate verdict.
type Decision string

const (
	DecisionPermit Decision = "PERMIT"
	DecisionDeny   Decision = "DENY"
)

// GateType names the gate that produced a decision.
type GateType string

const (
	GateKAnonymity GateType = "K_ANONYMITY"
	GateLinkage    GateType = "LINKAGE"
	GatePRB        GateType = "PRB"
)

// Reason codes carried on DENY decisions.
const (
	ReasonCohortTooSmall  = "COHORT_TOO_SMALL"
	ReasonWindowExceeded  = "LINKAGE_WINDOW_EXCEEDED"
	ReasonTooSimilar      = "LINKAGE_SIMILARITY"
	ReasonBudgetExhausted = "PRB_EXHAUSTED"
	ReasonRulesetOutdated = "PRB_RULESET_OUTDATED"
)

// CohortEstimator sizes the population a scope and criteria set could
// reach. It matches the screening engine's estimator so one implementation
// serves both callers.
type CohortEstimator interface {
	Estimate(ctx context.Context, scope, criteria map[string]string) (int, error)
	Name() string
}

// PlanQuery is the plan asking to dispatch, reduced to what the gates
// inspect. CampaignID keys the privacy risk budget; for request-scoped
// campaigns it is the request id.
type PlanQuery struct {
	PlanID      string
	CampaignID  string
	RequesterID string
	Scope       map[string]string
	Criteria    map[string]string
	Transforms  []string
}

// Labels returns the sorted union of scope labels and criteria keys. The
// linkage gate compares label sets, never values.
func (q PlanQuery) Labels() []string {
	set := make(map[string]struct{}, len(q.Scope)+len(q.Criteria))
	for k := range q.Scope {
		set[k] = struct{}{}
	}
	for k := range q.Criteria {
		set[k] = struct{}{}
	}
	labels := make([]string, 0, len(set))
	for k := range set {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// QueryHash identifies the query shape for the linkage window.
func (q PlanQuery) QueryHash() (string, error) {
	return canonical.CanonicalHash(map[string]interface{}{
		"scope":      q.Scope,
		"criteria":   q.Criteria,
		"transforms": q.Transforms,
	})
}

// PolicyDecision is one gate's verdict, mirrored onto the audit chain.
type PolicyDecision struct {
	Type          GateType  `json:"type"`
	Decision      Decision  `json:"decision"`
	Reasons       []string  `json:"reasons,omitempty"`
	PolicyVersion string    `json:"policyVersion"`
	DetailsHash   string    `json:"detailsHash"`
	ReceiptID     string    `json:"receiptId"`
	DecidedAt     time.Time `json:"decidedAt"`
}

// Permitted reports whether the gate let the plan through.
func (d PolicyDecision) Permitted() bool { return d.Decision == DecisionPermit }

// Authorization aggregates the gate decisions for one plan. Gates run in
// order and the first DENY halts the run, so Decisions holds every gate up
// to and including the denying one.
type Authorization struct {
	PlanID    string           `json:"planId"`
	Decision  Decision         `json:"decision"`
	Decisions []PolicyDecision `json:"decisions"`
}

// Permitted reports whether every gate permitted the plan.
func (a *Authorization) Permitted() bool { return a.Decision == DecisionPermit }

// DenyReasons collects the reason codes from denying gates.
func (a *Authorization) DenyReasons() []string {
	var reasons []string
	for _, d := range a.Decisions {
		if d.Decision == DecisionDeny {
			reasons = append(reasons, d.Reasons...)
		}
	}
	return reasons
}

// Config tunes the governor.
type Config struct {
	PolicyVersion        string
	MinCohortSize        int
	CohortCacheTTL       time.Duration
	LinkageWindow        time.Duration
	LinkageMaxPerWindow  int
	SimilarityThreshold  float64
	MaxSimilar           int
	RulesetVersion       string
	MinRulesetVersion    string
	DefaultAllocation    float64
	TransformCosts       map[string]float64
	DefaultTransformCost float64
}

// DefaultConfig returns the governor defaults.
func DefaultConfig() Config {
	return Config{
		PolicyVersion:        "privacy-v1",
		MinCohortSize:        50,
		CohortCacheTTL:       10 * time.Minute,
		LinkageWindow:        24 * time.Hour,
		LinkageMaxPerWindow:  10,
		SimilarityThreshold:  0.8,
		MaxSimilar:           3,
		RulesetVersion:       "1.0.0",
		MinRulesetVersion:    "1.0.0",
		DefaultAllocation:    1.0,
		DefaultTransformCost: 0.1,
	}
}

// budgetRetries bounds the consume CAS loop.
const budgetRetries = 3

// Governor runs the privacy gates every plan passes before dispatch:
// k-anonymity, linkage rate limiting, and privacy-risk-budget consumption,
// in that order. Each gate lands a POLICY_DECISION receipt on the audit
// chain whether it permits or denies.
type Governor struct {
	estimator  CohortEstimator
	cache      CohortCache
	linkage    LinkageStore
	budgets    BudgetStore
	ledger     *audit.Ledger
	cfg        Config
	minRuleset *semver.Version
	logger     *slog.Logger
	clock      func() time.Time
}

// NewGovernor wires the privacy governor. Cache and linkage fall back to
// the in-process stores when nil.
func NewGovernor(estimator CohortEstimator, cache CohortCache, linkage LinkageStore,
	budgets BudgetStore, ledger *audit.Ledger, cfg Config, logger *slog.Logger) (*Governor, error) {
	if estimator == nil {
		return nil, errs.New(errs.KindValidation, "PRIVACY_040", "cohort estimator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = NewMemoryCohortCache()
	}
	if linkage == nil {
		linkage = NewMemoryLinkageStore(cfg.LinkageWindow, cfg.LinkageMaxPerWindow)
	}
	floor, err := semver.NewVersion(cfg.MinRulesetVersion)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "PRIVACY_041", err,
			fmt.Sprintf("minimum ruleset version %q is not a semantic version", cfg.MinRulesetVersion))
	}
	return &Governor{
		estimator:  estimator,
		cache:      cache,
		linkage:    linkage,
		budgets:    budgets,
		ledger:     ledger,
		cfg:        cfg,
		minRuleset: floor,
		logger:     logger.With("component", "privacy.governor"),
		clock:      time.Now,
	}, nil
}

// WithClock overrides the time source.
func (g *Governor) WithClock(clock func() time.Time) *Governor {
	g.clock = clock
	return g
}

// Authorize runs the three gates in order and halts at the first DENY. A
// fully permitted query is recorded into the requester's linkage window;
// denied queries never count toward it.
func (g *Governor) Authorize(ctx context.Context, q PlanQuery) (*Authorization, error) {
	auth := &Authorization{PlanID: q.PlanID, Decision: DecisionPermit}
	gates := []func(context.Context, PlanQuery) (*PolicyDecision, error){
		g.CheckKAnonymity,
		g.CheckLinkage,
		g.ConsumeBudget,
	}
	for _, gate := range gates {
		d, err := gate(ctx, q)
		if err != nil {
			return nil, err
		}
		auth.Decisions = append(auth.Decisions, *d)
		if d.Decision == DecisionDeny {
			auth.Decision = DecisionDeny
			return auth, nil
		}
	}

	hash, err := q.QueryHash()
	if err != nil {
		return nil, err
	}
	rec := QueryRecord{QueryHash: hash, Labels: q.Labels(), At: g.clock().UTC()}
	if err := g.linkage.Record(ctx, q.RequesterID, rec); err != nil {
		if errs.IsKind(err, errs.KindInsufficientResource) {
			// Racing writers all passed the count check; the admission
			// guard caught the overflow.
			d, emitErr := g.emit(ctx, q, GateLinkage, DecisionDeny,
				[]string{ReasonWindowExceeded}, map[string]interface{}{
					"admissionGuard": true,
				})
			if emitErr != nil {
				return nil, emitErr
			}
			auth.Decisions = append(auth.Decisions, *d)
			auth.Decision = DecisionDeny
			return auth, nil
		}
		return nil, err
	}
	return auth, nil
}

// CheckKAnonymity denies any query whose estimated cohort is below the
// configured floor. Estimates are cached by the canonical hash of scope
// plus criteria; cache failures degrade to a fresh estimate.
func (g *Governor) CheckKAnonymity(ctx context.Context, q PlanQuery) (*PolicyDecision, error) {
	key, err := CohortCacheKey(q.Scope, q.Criteria)
	if err != nil {
		return nil, err
	}
	size, hit, err := g.cache.Get(ctx, key)
	if err != nil {
		g.logger.Warn("cohort cache read failed", "error", err)
		hit = false
	}
	if !hit {
		size, err = g.estimator.Estimate(ctx, q.Scope, q.Criteria)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, "PRIVACY_042", err, "cohort estimation failed")
		}
		if err := g.cache.Set(ctx, key, size, g.cfg.CohortCacheTTL); err != nil {
			g.logger.Warn("cohort cache write failed", "error", err)
		}
	}

	decision := DecisionPermit
	var reasons []string
	if size < g.cfg.MinCohortSize {
		decision = DecisionDeny
		reasons = []string{ReasonCohortTooSmall}
	}
	return g.emit(ctx, q, GateKAnonymity, decision, reasons, map[string]interface{}{
		"cohortSize":    size,
		"minCohortSize": g.cfg.MinCohortSize,
		"estimator":     g.estimator.Name(),
		"cacheHit":      hit,
	})
}

// CheckLinkage bounds how often and how narrowly a requester probes inside
// the rolling window: the window count caps total queries and the Jaccard
// similarity of label sets caps near-duplicates.
func (g *Governor) CheckLinkage(ctx context.Context, q PlanQuery) (*PolicyDecision, error) {
	since := g.clock().Add(-g.cfg.LinkageWindow)
	window, err := g.linkage.Window(ctx, q.RequesterID, since)
	if err != nil {
		return nil, err
	}

	decision := DecisionPermit
	var reasons []string
	if len(window) >= g.cfg.LinkageMaxPerWindow {
		decision = DecisionDeny
		reasons = append(reasons, ReasonWindowExceeded)
	}

	labels := q.Labels()
	var similar int
	for _, rec := range window {
		if Jaccard(labels, rec.Labels) > g.cfg.SimilarityThreshold {
			similar++
		}
	}
	if similar > g.cfg.MaxSimilar {
		decision = DecisionDeny
		reasons = append(reasons, ReasonTooSimilar)
	}

	return g.emit(ctx, q, GateLinkage, decision, reasons, map[string]interface{}{
		"windowCount":  len(window),
		"maxPerWindow": g.cfg.LinkageMaxPerWindow,
		"similarCount": similar,
		"maxSimilar":   g.cfg.MaxSimilar,
	})
}

// ConsumeBudget charges the plan's risk cost against the campaign PRB
// under optimistic CAS. A missing budget is allocated at the configured
// default; a budget on an outdated ruleset fails closed.
func (g *Governor) ConsumeBudget(ctx context.Context, q PlanQuery) (*PolicyDecision, error) {
	cost := g.planCost(q.Transforms)
	budget, err := g.budgetFor(ctx, q.CampaignID)
	if err != nil {
		return nil, err
	}

	if !g.rulesetCurrent(budget.RulesetVersion) {
		return g.emit(ctx, q, GatePRB, DecisionDeny, []string{ReasonRulesetOutdated},
			map[string]interface{}{
				"rulesetVersion": budget.RulesetVersion,
				"minRuleset":     g.cfg.MinRulesetVersion,
			})
	}

	for attempt := 0; attempt < budgetRetries; attempt++ {
		if !budget.consume(cost) {
			return g.emit(ctx, q, GatePRB, DecisionDeny, []string{ReasonBudgetExhausted},
				map[string]interface{}{
					"cost":      cost,
					"remaining": budget.Remaining,
					"allocated": budget.Allocated,
				})
		}
		err = g.budgets.Update(ctx, budget)
		if err == nil {
			return g.emit(ctx, q, GatePRB, DecisionPermit, nil, map[string]interface{}{
				"cost":      cost,
				"consumed":  budget.Consumed,
				"remaining": budget.Remaining,
			})
		}
		if !errs.IsKind(err, errs.KindTransient) {
			return nil, err
		}
		budget, err = g.budgets.Get(ctx, q.CampaignID)
		if err != nil {
			return nil, err
		}
	}
	return nil, errs.Newf(errs.KindTransient, "PRIVACY_043",
		"budget for campaign %s contended past %d attempts", q.CampaignID, budgetRetries)
}

// AllocateBudget creates or resizes the campaign PRB. Locked budgets
// refuse resizing.
func (g *Governor) AllocateBudget(ctx context.Context, campaignID string, allocated float64) (*Budget, error) {
	budget, err := g.budgets.Get(ctx, campaignID)
	if errs.IsKind(err, errs.KindNotFound) {
		budget, err = NewBudget(campaignID, allocated, g.cfg.RulesetVersion, g.clock())
		if err != nil {
			return nil, err
		}
		if err := g.budgets.Create(ctx, budget); err != nil {
			return nil, err
		}
		g.logger.Info("budget allocated", "campaign_id", campaignID, "allocated", allocated)
		return budget, nil
	}
	if err != nil {
		return nil, err
	}
	if err := budget.SetAllocation(allocated); err != nil {
		return nil, err
	}
	if err := g.budgets.Update(ctx, budget); err != nil {
		return nil, err
	}
	g.logger.Info("budget resized", "campaign_id", campaignID, "allocated", allocated)
	return budget, nil
}

// LockBudget freezes the campaign PRB's allocation.
func (g *Governor) LockBudget(ctx context.Context, campaignID string) (*Budget, error) {
	budget, err := g.budgets.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := budget.Lock(g.clock()); err != nil {
		return nil, err
	}
	if err := g.budgets.Update(ctx, budget); err != nil {
		return nil, err
	}
	g.logger.Info("budget locked", "campaign_id", campaignID)
	return budget, nil
}

// Budget returns the campaign PRB.
func (g *Governor) Budget(ctx context.Context, campaignID string) (*Budget, error) {
	return g.budgets.Get(ctx, campaignID)
}

// budgetFor loads the campaign PRB, allocating the default on first use.
// A creation race falls back to the winner's row.
func (g *Governor) budgetFor(ctx context.Context, campaignID string) (*Budget, error) {
	budget, err := g.budgets.Get(ctx, campaignID)
	if err == nil {
		return budget, nil
	}
	if !errs.IsKind(err, errs.KindNotFound) {
		return nil, err
	}
	budget, err = NewBudget(campaignID, g.cfg.DefaultAllocation, g.cfg.RulesetVersion, g.clock())
	if err != nil {
		return nil, err
	}
	if err := g.budgets.Create(ctx, budget); err != nil {
		if errs.IsKind(err, errs.KindDuplicate) {
			return g.budgets.Get(ctx, campaignID)
		}
		return nil, err
	}
	g.logger.Info("budget allocated on first use",
		"campaign_id", campaignID, "allocated", g.cfg.DefaultAllocation)
	return budget, nil
}

// rulesetCurrent reports whether the budget's ruleset meets the floor. An
// unparsable version fails closed.
func (g *Governor) rulesetCurrent(version string) bool {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return !v.LessThan(g.minRuleset)
}

// planCost totals the per-transform risk contributions.
func (g *Governor) planCost(transforms []string) float64 {
	var cost float64
	for _, t := range transforms {
		if c, ok := g.cfg.TransformCosts[t]; ok {
			cost += c
			continue
		}
		cost += g.cfg.DefaultTransformCost
	}
	return cost
}

func (g *Governor) emit(ctx context.Context, q PlanQuery, gate GateType, decision Decision,
	reasons []string, details map[string]interface{}) (*PolicyDecision, error) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["planId"] = q.PlanID
	details["gate"] = string(gate)
	details["decision"] = string(decision)
	details["policyVersion"] = g.cfg.PolicyVersion
	if len(reasons) > 0 {
		details["reasons"] = reasons
	}
	detailsHash, err := audit.HashDetails(details)
	if err != nil {
		return nil, err
	}
	receipt, err := g.ledger.Append(ctx, audit.EventPolicyDecision, "privacy-governor",
		audit.ActorSystem, q.PlanID, audit.ResourcePlan, detailsHash)
	if err != nil {
		return nil, err
	}
	g.logger.Info("policy decision",
		"gate", gate, "decision", decision, "plan_id", q.PlanID, "reasons", reasons)
	return &PolicyDecision{
		Type:          gate,
		Decision:      decision,
		Reasons:       reasons,
		PolicyVersion: g.cfg.PolicyVersion,
		DetailsHash:   detailsHash,
		ReceiptID:     receipt.ID,
		DecidedAt:     g.clock().UTC(),
	}, nil
}
