package privacy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/errs"
)

type countingEstimator struct {
	calls int
}

func (e *countingEstimator) Name() string { return "heuristic-halving-v1" }

func (e *countingEstimator) Estimate(_ context.Context, scope, criteria map[string]string) (int, error) {
	e.calls++
	n := len(scope) + len(criteria)
	if n == 0 {
		return 1 << 10, nil
	}
	shift := 10 - n
	if shift < 0 {
		shift = 0
	}
	return 1 << shift, nil
}

type fixture struct {
	governor  *Governor
	estimator *countingEstimator
	budgets   *MemoryBudgetStore
	audit     *audit.MemoryStore
	now       time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		estimator: &countingEstimator{},
		budgets:   NewMemoryBudgetStore(),
		audit:     audit.NewMemoryStore(),
		now:       time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
	ledger := audit.NewLedger(f.audit, nil)
	clock := func() time.Time { return f.now }
	cache := NewMemoryCohortCache().WithClock(clock)
	linkage := NewMemoryLinkageStore(cfg.LinkageWindow, cfg.LinkageMaxPerWindow).WithClock(clock)
	governor, err := NewGovernor(f.estimator, cache, linkage, f.budgets, ledger, cfg, nil)
	require.NoError(t, err)
	f.governor = governor.WithClock(clock)
	return f
}

func healthQuery(planID string) PlanQuery {
	return PlanQuery{
		PlanID:      planID,
		CampaignID:  "req-1",
		RequesterID: "rq-1",
		Scope:       map[string]string{"domain.health": "*"},
		Criteria:    map[string]string{"geo.country": "US"},
		Transforms:  []string{"aggregate"},
	}
}

func TestAuthorizePermitsAndRecords(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	auth, err := f.governor.Authorize(ctx, healthQuery("plan-1"))
	require.NoError(t, err)
	assert.True(t, auth.Permitted())
	require.Len(t, auth.Decisions, 3)
	assert.Equal(t, GateKAnonymity, auth.Decisions[0].Type)
	assert.Equal(t, GateLinkage, auth.Decisions[1].Type)
	assert.Equal(t, GatePRB, auth.Decisions[2].Type)
	for _, d := range auth.Decisions {
		assert.True(t, d.Permitted())
		assert.NotEmpty(t, d.DetailsHash)
		assert.NotEmpty(t, d.ReceiptID)
	}

	receipts, err := f.audit.Query(ctx, audit.QueryFilter{EventType: audit.EventPolicyDecision})
	require.NoError(t, err)
	assert.Len(t, receipts, 3)
	assert.Equal(t, "plan-1", receipts[0].ResourceID)
	assert.Equal(t, audit.ResourcePlan, receipts[0].ResourceType)

	budget, err := f.governor.Budget(ctx, "req-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, budget.Consumed, 1e-9)
	assert.InDelta(t, 0.9, budget.Remaining, 1e-9)
}

func TestKAnonymityDeniesSmallCohort(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	q := healthQuery("plan-1")
	q.Criteria = map[string]string{
		"geo.country":  "US",
		"age_bucket":   "25-34",
		"language":     "en",
		"time.window":  "30d",
		"quality.tier": "high",
	}
	auth, err := f.governor.Authorize(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, auth.Permitted())
	require.Len(t, auth.Decisions, 1)
	assert.Equal(t, GateKAnonymity, auth.Decisions[0].Type)
	assert.Contains(t, auth.Decisions[0].Reasons, ReasonCohortTooSmall)
	assert.Contains(t, auth.DenyReasons(), ReasonCohortTooSmall)

	// A denied query never lands in the linkage window.
	window, err := f.governor.linkage.Window(context.Background(), q.RequesterID,
		f.now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, window)
}

func TestCohortCacheServesRepeatEstimates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CohortCacheTTL = 10 * time.Minute
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.governor.Authorize(ctx, healthQuery("plan-1"))
	require.NoError(t, err)
	_, err = f.governor.Authorize(ctx, healthQuery("plan-2"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.estimator.calls)

	f.now = f.now.Add(11 * time.Minute)
	_, err = f.governor.Authorize(ctx, healthQuery("plan-3"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.estimator.calls)
}

func TestLinkageWindowExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LinkageMaxPerWindow = 3
	f := newFixture(t, cfg)
	ctx := context.Background()

	// Distinct criteria keys keep the similarity rule quiet.
	for i, key := range []string{"geo.country", "time.window", "quality.tier"} {
		q := healthQuery("plan-" + key)
		q.Criteria = map[string]string{key: "x"}
		auth, err := f.governor.Authorize(ctx, q)
		require.NoError(t, err)
		require.True(t, auth.Permitted(), "query %d should pass", i)
	}

	q := healthQuery("plan-4")
	q.Criteria = map[string]string{"availability.tier": "x"}
	auth, err := f.governor.Authorize(ctx, q)
	require.NoError(t, err)
	assert.False(t, auth.Permitted())
	require.Len(t, auth.Decisions, 2)
	assert.Equal(t, GateLinkage, auth.Decisions[1].Type)
	assert.Contains(t, auth.Decisions[1].Reasons, ReasonWindowExceeded)
}

func TestLinkageWindowSlides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LinkageMaxPerWindow = 1
	cfg.LinkageWindow = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()

	auth, err := f.governor.Authorize(ctx, healthQuery("plan-1"))
	require.NoError(t, err)
	require.True(t, auth.Permitted())

	auth, err = f.governor.Authorize(ctx, healthQuery("plan-2"))
	require.NoError(t, err)
	assert.False(t, auth.Permitted())

	f.now = f.now.Add(2 * time.Hour)
	auth, err = f.governor.Authorize(ctx, healthQuery("plan-3"))
	require.NoError(t, err)
	assert.True(t, auth.Permitted())
}

func TestLinkageSimilarityDenied(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSimilar = 2
	f := newFixture(t, cfg)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		auth, err := f.governor.Authorize(ctx, healthQuery("plan-a"))
		require.NoError(t, err)
		require.True(t, auth.Permitted(), "repeat %d should pass", i)
	}

	auth, err := f.governor.Authorize(ctx, healthQuery("plan-b"))
	require.NoError(t, err)
	assert.False(t, auth.Permitted())
	require.Len(t, auth.Decisions, 2)
	assert.Contains(t, auth.Decisions[1].Reasons, ReasonTooSimilar)
}

func TestBudgetExhaustion(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	_, err := f.governor.AllocateBudget(ctx, "req-1", 0.3)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		auth, err := f.governor.Authorize(ctx, healthQuery("plan-a"))
		require.NoError(t, err)
		require.True(t, auth.Permitted(), "plan %d should fit the budget", i)
	}

	auth, err := f.governor.Authorize(ctx, healthQuery("plan-b"))
	require.NoError(t, err)
	assert.False(t, auth.Permitted())
	require.Len(t, auth.Decisions, 3)
	assert.Equal(t, GatePRB, auth.Decisions[2].Type)
	assert.Contains(t, auth.Decisions[2].Reasons, ReasonBudgetExhausted)

	budget, err := f.governor.Budget(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, BudgetExhausted, budget.Status)
	assert.Zero(t, budget.Remaining)
	assert.Equal(t, budget.Allocated, budget.Consumed)
}

func TestBudgetAllocatedOnFirstUse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultAllocation = 0.25
	f := newFixture(t, cfg)
	ctx := context.Background()

	auth, err := f.governor.Authorize(ctx, healthQuery("plan-1"))
	require.NoError(t, err)
	require.True(t, auth.Permitted())

	budget, err := f.governor.Budget(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 0.25, budget.Allocated)
	assert.Equal(t, BudgetDraft, budget.Status)
	assert.Equal(t, cfg.RulesetVersion, budget.RulesetVersion)
}

func TestRulesetFloorFailsClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinRulesetVersion = "2.0.0"
	cfg.RulesetVersion = "1.5.0"
	f := newFixture(t, cfg)
	ctx := context.Background()

	auth, err := f.governor.Authorize(ctx, healthQuery("plan-1"))
	require.NoError(t, err)
	assert.False(t, auth.Permitted())
	require.Len(t, auth.Decisions, 3)
	assert.Contains(t, auth.Decisions[2].Reasons, ReasonRulesetOutdated)
}

func TestRulesetParseFailureFailsClosed(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	budget, err := NewBudget("req-1", 1.0, "not-a-version", f.now)
	require.NoError(t, err)
	require.NoError(t, f.budgets.Create(ctx, budget))

	auth, err := f.governor.Authorize(ctx, healthQuery("plan-1"))
	require.NoError(t, err)
	assert.False(t, auth.Permitted())
	assert.Contains(t, auth.DenyReasons(), ReasonRulesetOutdated)
}

func TestNewGovernorRejectsBadFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinRulesetVersion = "garbage"
	_, err := NewGovernor(&countingEstimator{}, nil, nil, NewMemoryBudgetStore(),
		audit.NewLedger(audit.NewMemoryStore(), nil), cfg, nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestAllocateAndLockBudget(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	budget, err := f.governor.AllocateBudget(ctx, "req-1", 1.0)
	require.NoError(t, err)
	assert.Equal(t, BudgetDraft, budget.Status)

	budget, err = f.governor.AllocateBudget(ctx, "req-1", 2.0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, budget.Allocated)
	assert.Equal(t, 2.0, budget.Remaining)

	budget, err = f.governor.LockBudget(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, BudgetLocked, budget.Status)
	assert.False(t, budget.LockedAt.IsZero())

	_, err = f.governor.AllocateBudget(ctx, "req-1", 3.0)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInvalidState))

	_, err = f.governor.LockBudget(ctx, "req-1")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInvalidState))

	// A locked budget still admits consumption.
	auth, err := f.governor.Authorize(ctx, healthQuery("plan-1"))
	require.NoError(t, err)
	assert.True(t, auth.Permitted())
}

type conflictOnce struct {
	BudgetStore
	conflicts int
}

func (s *conflictOnce) Update(ctx context.Context, b *Budget) error {
	if s.conflicts > 0 {
		s.conflicts--
		return ErrBudgetVersionConflict
	}
	return s.BudgetStore.Update(ctx, b)
}

func TestConsumeBudgetRetriesOnConflict(t *testing.T) {
	mem := NewMemoryBudgetStore()
	store := &conflictOnce{BudgetStore: mem, conflicts: 1}
	ledger := audit.NewLedger(audit.NewMemoryStore(), nil)
	governor, err := NewGovernor(&countingEstimator{}, nil, nil, store, ledger, DefaultConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	d, err := governor.ConsumeBudget(ctx, healthQuery("plan-1"))
	require.NoError(t, err)
	assert.True(t, d.Permitted())

	budget, err := mem.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, budget.Consumed, 1e-9)
}

func TestConsumeBudgetGivesUpUnderContention(t *testing.T) {
	mem := NewMemoryBudgetStore()
	store := &conflictOnce{BudgetStore: mem, conflicts: budgetRetries}
	ledger := audit.NewLedger(audit.NewMemoryStore(), nil)
	governor, err := NewGovernor(&countingEstimator{}, nil, nil, store, ledger, DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = governor.ConsumeBudget(context.Background(), healthQuery("plan-1"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTransient))
}

func TestTransformCostTable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TransformCosts = map[string]float64{"aggregate": 0.05, "filter": 0.2}
	f := newFixture(t, cfg)

	assert.InDelta(t, 0.05, f.governor.planCost([]string{"aggregate"}), 1e-9)
	assert.InDelta(t, 0.25, f.governor.planCost([]string{"aggregate", "filter"}), 1e-9)
	assert.InDelta(t, 0.1, f.governor.planCost([]string{"project"}), 1e-9)
	assert.Zero(t, f.governor.planCost(nil))
}

func TestBudgetConsumeClampsToAllocation(t *testing.T) {
	b, err := NewBudget("c-1", 1.0, "1.0.0", time.Now())
	require.NoError(t, err)

	require.True(t, b.consume(0.4))
	require.True(t, b.consume(0.4))
	require.True(t, b.consume(0.2))
	assert.Equal(t, BudgetExhausted, b.Status)
	assert.Zero(t, b.Remaining)
	assert.Equal(t, 1.0, b.Consumed)
	assert.False(t, b.consume(0.1))
}

func TestBudgetSetAllocationBounds(t *testing.T) {
	b, err := NewBudget("c-1", 1.0, "1.0.0", time.Now())
	require.NoError(t, err)
	require.True(t, b.consume(0.5))

	err = b.SetAllocation(0.4)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	require.NoError(t, b.SetAllocation(0.6))
	assert.InDelta(t, 0.1, b.Remaining, 1e-9)
}

func TestMemoryBudgetStoreCAS(t *testing.T) {
	store := NewMemoryBudgetStore()
	ctx := context.Background()

	b, err := NewBudget("c-1", 1.0, "1.0.0", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, b))

	err = store.Create(ctx, b)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDuplicate))

	stale := *b
	b.Consumed = 0.2
	require.NoError(t, store.Update(ctx, b))
	assert.Equal(t, int64(2), b.Version)

	err = store.Update(ctx, &stale)
	assert.ErrorIs(t, err, ErrBudgetVersionConflict)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrBudgetNotFound)
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b"}, []string{"b", "a"}, 1.0},
		{"disjoint", []string{"a"}, []string{"b"}, 0.0},
		{"overlap", []string{"a", "b", "c"}, []string{"b", "c", "d"}, 0.5},
		{"both empty", nil, nil, 1.0},
		{"one empty", []string{"a"}, nil, 0.0},
		{"duplicates collapse", []string{"a", "a", "b"}, []string{"a", "b"}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

func TestMemoryLinkagePruning(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	store := NewMemoryLinkageStore(time.Hour, 5).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "rq-1", QueryRecord{QueryHash: "h1", At: now}))
	require.NoError(t, store.Record(ctx, "rq-1", QueryRecord{QueryHash: "h2", At: now.Add(time.Minute)}))

	window, err := store.Window(ctx, "rq-1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, window, 2)

	now = now.Add(2 * time.Hour)
	window, err = store.Window(ctx, "rq-1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, window)
}
