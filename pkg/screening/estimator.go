package screening

import "context"

// CohortEstimator sizes the population a scope and criteria set could
// reach. The estimator's name is folded into the decision details hash so
// an auditor can tell a heuristic estimate from a real aggregate count.
type CohortEstimator interface {
	Estimate(ctx context.Context, scope, criteria map[string]string) (int, error)
	Name() string
}

// HeuristicEstimator halves a nominal population for every scope label and
// criteria entry. It is deliberately conservative; production deployments
// swap in an estimator backed by the on-device label index aggregates.
type HeuristicEstimator struct{}

// NewHeuristicEstimator returns the default estimator.
func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{}
}

func (HeuristicEstimator) Name() string { return "heuristic-halving-v1" }

func (HeuristicEstimator) Estimate(_ context.Context, scope, criteria map[string]string) (int, error) {
	n := len(scope) + len(criteria)
	if n == 0 {
		return 1 << 10, nil
	}
	shift := 10 - n
	if shift < 0 {
		shift = 0
	}
	estimate := 1 << shift
	if estimate < 1 {
		estimate = 1
	}
	return estimate, nil
}
