package screening

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/errs"
	"github.com/datapact/core/pkg/request"
)

// Config tunes the screening engine.
type Config struct {
	PolicyVersion         string
	MinCohortSize         int
	ManualReviewThreshold float64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PolicyVersion:         "screening-v1",
		MinCohortSize:         50,
		ManualReviewThreshold: 0.5,
	}
}

// Engine screens requests against the rule base.
type Engine struct {
	requests  *request.Service
	rules     RuleStore
	results   ResultStore
	estimator CohortEstimator
	evaluator *PredicateEvaluator
	ledger    *audit.Ledger
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time
}

// NewEngine wires the screening engine. The evaluator may be nil when the
// rule base carries no CEL predicates.
func NewEngine(requests *request.Service, rules RuleStore, results ResultStore,
	estimator CohortEstimator, evaluator *PredicateEvaluator,
	ledger *audit.Ledger, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if estimator == nil {
		estimator = NewHeuristicEstimator()
	}
	return &Engine{
		requests:  requests,
		rules:     rules,
		results:   results,
		estimator: estimator,
		evaluator: evaluator,
		ledger:    ledger,
		cfg:       cfg,
		logger:    logger.With("component", "screening.engine"),
		clock:     time.Now,
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Screen evaluates the request against every active rule and persists the
// decision. The request must be in SCREENING and not previously screened;
// on APPROVED it advances to ACTIVE, on REJECTED to REJECTED, and a
// MANUAL_REVIEW verdict leaves it in SCREENING for a human.
func (e *Engine) Screen(ctx context.Context, requestID string) (*Result, error) {
	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != request.StatusScreening {
		return nil, errs.Newf(errs.KindInvalidState, "SCREEN_002",
			"request %s is %s, screening requires SCREENING", requestID, req.Status)
	}
	if _, err := e.results.GetByRequest(ctx, requestID); err == nil {
		return nil, ErrAlreadyScreened
	} else if !errs.IsKind(err, errs.KindNotFound) {
		return nil, err
	}

	estimate, err := e.estimator.Estimate(ctx, req.Scope, req.EligibilityCriteria)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "SCREEN_006", err, "cohort estimation failed")
	}

	rules, err := e.rules.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	sortRules(rules)

	act := activation{req: req, cohortEstimate: estimate, minCohortSize: e.cfg.MinCohortSize}
	var (
		riskScore float64
		reasons   []string
		blocking  bool
	)
	for _, rule := range rules {
		violated, evalErr := e.evaluateRule(rule, act)
		if evalErr != nil {
			// Fail closed: the rule counts as violated and says why.
			e.logger.Warn("rule evaluation failed closed",
				"rule_code", rule.RuleCode, "error", evalErr)
		}
		if !violated {
			continue
		}
		riskScore += rule.RiskContribution()
		reasons = append(reasons, rule.RuleCode)
		if rule.RuleType == RuleBlocking {
			blocking = true
		}
	}
	if riskScore > 1.0 {
		riskScore = 1.0
	}

	decision := DecisionApproved
	switch {
	case blocking:
		decision = DecisionRejected
	case riskScore >= e.cfg.ManualReviewThreshold:
		decision = DecisionManualReview
	}

	result := &Result{
		ID:                 uuid.New().String(),
		Version:            1,
		CreatedAt:          e.clock().UTC(),
		RequestID:          requestID,
		Decision:           decision,
		ReasonCodes:        reasons,
		RiskScore:          riskScore,
		CohortSizeEstimate: estimate,
		PolicyVersion:      e.cfg.PolicyVersion,
		ScreenedBy:         ScreenedAutomated,
		AppealStatus:       AppealNone,
		EstimatorName:      e.estimator.Name(),
	}
	if err := e.results.Create(ctx, result); err != nil {
		return nil, err
	}

	switch decision {
	case DecisionApproved:
		if _, err := e.requests.Activate(ctx, requestID); err != nil {
			return nil, err
		}
	case DecisionRejected:
		if _, err := e.requests.Reject(ctx, requestID); err != nil {
			return nil, err
		}
	}

	if err := e.appendDecisionReceipt(ctx, result); err != nil {
		return nil, err
	}
	e.logger.Info("request screened",
		"request_id", requestID, "decision", decision,
		"risk_score", riskScore, "cohort_estimate", estimate)
	return result, nil
}

func (e *Engine) evaluateRule(rule PolicyRule, act activation) (bool, error) {
	if rule.Predicate == "" {
		return evaluateBuiltin(rule.RuleCode, act), nil
	}
	if e.evaluator == nil {
		return true, errs.Newf(errs.KindValidation, "SCREEN_016",
			"rule %s carries a predicate but no evaluator is wired", rule.RuleCode)
	}
	return e.evaluator.Evaluate(rule.Predicate, act.celActivation())
}

// GetResult returns the screening result for a request.
func (e *Engine) GetResult(ctx context.Context, requestID string) (*Result, error) {
	return e.results.GetByRequest(ctx, requestID)
}

// Appeal opens the single allowed appeal of a rejection.
func (e *Engine) Appeal(ctx context.Context, requestID, requesterID string) (*Result, error) {
	result, err := e.results.GetByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if result.Decision != DecisionRejected {
		return nil, errs.Newf(errs.KindInvalidState, "SCREEN_007",
			"only rejected screenings can be appealed, decision is %s", result.Decision)
	}
	if result.AppealStatus != AppealNone {
		return nil, errs.Newf(errs.KindDuplicate, "SCREEN_008",
			"request %s was already appealed", requestID)
	}
	result.AppealStatus = AppealPending
	if err := e.results.Update(ctx, result); err != nil {
		return nil, err
	}

	detailsHash, err := audit.HashDetails(map[string]string{"appealStatus": string(AppealPending)})
	if err != nil {
		return nil, err
	}
	if _, err := e.ledger.Append(ctx, audit.EventRequestAppealed, requesterID,
		audit.ActorRequester, requestID, audit.ResourceRequest, detailsHash); err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveAppeal closes a pending appeal. Approval flips the decision and
// activates the request; denial confirms the rejection.
func (e *Engine) ResolveAppeal(ctx context.Context, requestID, reviewerID string, approve bool) (*Result, error) {
	result, err := e.results.GetByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if result.AppealStatus != AppealPending {
		return nil, errs.Newf(errs.KindInvalidState, "SCREEN_009",
			"request %s has no pending appeal", requestID)
	}

	if approve {
		result.AppealStatus = AppealApproved
		result.Decision = DecisionApproved
		result.ScreenedBy = ScreenedManual
	} else {
		result.AppealStatus = AppealRejected
	}
	if err := e.results.Update(ctx, result); err != nil {
		return nil, err
	}
	if approve {
		if _, err := e.requests.Activate(ctx, requestID); err != nil {
			return nil, err
		}
	}

	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"appealStatus": result.AppealStatus,
		"decision":     result.Decision,
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.ledger.Append(ctx, audit.EventRequestAppealed, reviewerID,
		audit.ActorGuardian, requestID, audit.ResourceRequest, detailsHash); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) appendDecisionReceipt(ctx context.Context, result *Result) error {
	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"decision":           result.Decision,
		"riskScore":          result.RiskScore,
		"reasonCodes":        result.ReasonCodes,
		"cohortSizeEstimate": result.CohortSizeEstimate,
		"policyVersion":      result.PolicyVersion,
		"estimator":          result.EstimatorName,
	})
	if err != nil {
		return err
	}
	_, err = e.ledger.Append(ctx, audit.EventRequestScreened, "system",
		audit.ActorSystem, result.RequestID, audit.ResourceRequest, detailsHash)
	return err
}
