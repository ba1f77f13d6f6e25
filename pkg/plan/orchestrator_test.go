package plan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/consent"
	"github.com/datapact/core/pkg/crypto"
	"github.com/datapact/core/pkg/errs"
	"github.com/datapact/core/pkg/events"
	"github.com/datapact/core/pkg/privacy"
	"github.com/datapact/core/pkg/request"
	"github.com/datapact/core/pkg/screening"
)

// fakeTransport records deliveries and can be told to fail or stall per
// device. Stalls respect the context deadline the way a real transport
// would.
type fakeTransport struct {
	mu        sync.Mutex
	calls     map[string]int
	delivered []string
	envelopes map[string]DispatchEnvelope
	fail      map[string]error
	delay     map[string]time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		calls:     make(map[string]int),
		envelopes: make(map[string]DispatchEnvelope),
		fail:      make(map[string]error),
		delay:     make(map[string]time.Duration),
	}
}

func (f *fakeTransport) Deliver(ctx context.Context, deviceID string, env DispatchEnvelope) error {
	f.mu.Lock()
	f.calls[deviceID]++
	stall := f.delay[deviceID]
	failErr := f.fail[deviceID]
	f.mu.Unlock()

	if stall > 0 {
		select {
		case <-time.After(stall):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failErr != nil {
		return failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, deviceID)
	f.envelopes[deviceID] = env
	return nil
}

func (f *fakeTransport) callCount(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[deviceID]
}

type orchFixture struct {
	orch      *Orchestrator
	plans     *MemoryStore
	transport *fakeTransport
	audit     *audit.MemoryStore
	ledger    *audit.Ledger
	consents  *consent.Engine
	requests  *request.Service
	governor  *privacy.Governor
	grants    *GrantIssuer
	keys      *crypto.KeyRing
	request   *request.Request
	contract  *consent.Contract
	now       time.Time
}

func newOrchFixture(t *testing.T, cfg Config) *orchFixture {
	t.Helper()
	ctx := context.Background()
	f := &orchFixture{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.audit = audit.NewMemoryStore()
	f.ledger = audit.NewLedger(f.audit, nil).WithClock(clock)

	f.requests = request.NewService(request.NewMemoryStore(), f.ledger, nil).WithClock(clock)
	req, err := f.requests.Submit(ctx, request.SubmitInput{
		RequesterID:         "rq-1",
		Purpose:             "resting heart rate across regions",
		Scope:               map[string]string{"domain.health": "*"},
		EligibilityCriteria: map[string]string{"geo.country": "US"},
		DurationStart:       f.now,
		DurationEnd:         f.now.Add(30 * 24 * time.Hour),
		UnitType:            request.UnitDataAccess,
		UnitPrice:           10,
		MaxParticipants:     10,
		Budget:              100,
	})
	require.NoError(t, err)
	f.request = req

	f.consents = consent.NewEngine(consent.NewMemoryContractStore(), consent.NewMemoryObligationStore(),
		consent.NewMemoryViolationStore(), f.ledger, nil).WithClock(clock)
	res, err := f.consents.CreateConsent(ctx, consent.CreateInput{
		DSID:               "ds-1",
		RequesterID:        "rq-1",
		RequestID:          req.ID,
		ScopeHash:          "scope-hash-1",
		PurposeHash:        "purpose-hash-1",
		DurationStart:      f.now.Add(-time.Hour),
		DurationEnd:        f.now.Add(30 * 24 * time.Hour),
		CompensationAmount: 10,
		PermittedFields:    []string{"steps", "heart_rate"},
		OutputRestrictions: []string{"no_export"},
		DeliveryMode:       consent.DeliveryEncrypted,
	})
	require.NoError(t, err)
	f.contract = res.Contract

	pcfg := privacy.DefaultConfig()
	governor, err := privacy.NewGovernor(
		screening.NewHeuristicEstimator(),
		privacy.NewMemoryCohortCache().WithClock(clock),
		privacy.NewMemoryLinkageStore(pcfg.LinkageWindow, pcfg.LinkageMaxPerWindow).WithClock(clock),
		privacy.NewMemoryBudgetStore(),
		f.ledger, pcfg, nil)
	require.NoError(t, err)
	f.governor = governor.WithClock(clock)

	f.keys = crypto.NewKeyRing()
	signer, err := crypto.NewEd25519Signer("plan-key-1")
	require.NoError(t, err)
	f.keys.Add(signer)

	grants, ephemeral, err := NewGrantIssuer("")
	require.NoError(t, err)
	require.True(t, ephemeral)
	f.grants = grants.WithClock(clock)

	f.transport = newFakeTransport()
	f.plans = NewMemoryStore()
	f.orch = NewOrchestrator(f.plans, f.consents, f.requests, f.governor, f.keys,
		f.grants, f.transport, f.ledger, cfg, nil).WithClock(clock)
	return f
}

func (f *orchFixture) createPlan(t *testing.T, transforms []string, ttlMinutes int) *Plan {
	t.Helper()
	p, err := f.orch.Create(context.Background(), CreateInput{
		RequesterID: "rq-1",
		ContractID:  f.contract.ID,
		Transforms:  transforms,
		TTLMinutes:  ttlMinutes,
	})
	require.NoError(t, err)
	return p
}

func (f *orchFixture) receipts(t *testing.T, eventType string) []*audit.Receipt {
	t.Helper()
	rs, err := f.audit.Query(context.Background(), audit.QueryFilter{EventType: eventType})
	require.NoError(t, err)
	return rs
}

func TestCreateSignsAndFreezesContractTerms(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())

	p := f.createPlan(t, []string{"project", "aggregate"}, 60)

	assert.Equal(t, f.request.ID, p.RequestID)
	assert.Equal(t, f.contract.ID, p.ContractID)
	assert.Equal(t, "rq-1", p.RequesterID)
	assert.Equal(t, "scope-hash-1", p.ScopeHash)
	assert.Equal(t, []string{"aggregate", "project"}, p.AllowedTransforms)
	assert.Equal(t, []string{"heart_rate", "steps"}, p.PermittedFields)
	assert.Equal(t, []string{"no_export"}, p.OutputRestrictions)
	assert.Equal(t, int64(10), p.Compensation)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, f.now.Add(time.Hour), p.TTL)
	assert.Equal(t, "plan-key-1", p.SigningKeyID)
	assert.NotEmpty(t, p.Signature)
	require.NoError(t, f.orch.VerifySignature(p))

	receipts := f.receipts(t, audit.EventPlanCreated)
	require.Len(t, receipts, 1)
	assert.Equal(t, p.ID, receipts[0].ResourceID)
	assert.Equal(t, audit.ResourcePlan, receipts[0].ResourceType)
	assert.Equal(t, audit.ActorRequester, receipts[0].ActorType)
}

func TestCreateRejectsForeignRequester(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())

	_, err := f.orch.Create(context.Background(), CreateInput{
		RequesterID: "rq-other",
		ContractID:  f.contract.ID,
		Transforms:  []string{"aggregate"},
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUnauthorized))
	assert.Equal(t, "PLAN_020", errs.CodeOf(err))
}

func TestCreateRejectsRevokedContract(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	ctx := context.Background()

	_, err := f.consents.RevokeConsent(ctx, f.contract.ID, "ds-1")
	require.NoError(t, err)

	_, err = f.orch.Create(ctx, CreateInput{
		RequesterID: "rq-1",
		ContractID:  f.contract.ID,
		Transforms:  []string{"aggregate"},
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInvalidState))
}

func TestCreateRejectsContractOutsideWindow(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())

	f.now = f.now.Add(31 * 24 * time.Hour)
	_, err := f.orch.Create(context.Background(), CreateInput{
		RequesterID: "rq-1",
		ContractID:  f.contract.ID,
		Transforms:  []string{"aggregate"},
	})
	require.Error(t, err)
	assert.Equal(t, "PLAN_022", errs.CodeOf(err))
}

func TestCreateRejectsTransformsOutsideDeliveryMode(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	ctx := context.Background()

	// A clean-room contract only allows aggregate and count.
	res, err := f.consents.CreateConsent(ctx, consent.CreateInput{
		DSID:               "ds-2",
		RequesterID:        "rq-1",
		RequestID:          f.request.ID,
		ScopeHash:          "scope-hash-1",
		PurposeHash:        "purpose-hash-1",
		DurationStart:      f.now.Add(-time.Hour),
		DurationEnd:        f.now.Add(30 * 24 * time.Hour),
		CompensationAmount: 10,
		PermittedFields:    []string{"steps"},
		DeliveryMode:       consent.DeliveryCleanRoom,
	})
	require.NoError(t, err)

	_, err = f.orch.Create(ctx, CreateInput{
		RequesterID: "rq-1",
		ContractID:  res.Contract.ID,
		Transforms:  []string{"aggregate", "filter", "project"},
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindPolicyDenied))
	reasons := errs.ReasonsOf(err)
	assert.Contains(t, reasons, "TRANSFORM_NOT_ALLOWED:filter")
	assert.Contains(t, reasons, "TRANSFORM_NOT_ALLOWED:project")
	assert.NotContains(t, reasons, "TRANSFORM_NOT_ALLOWED:aggregate")
}

func TestCreateRequiresTransforms(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())

	_, err := f.orch.Create(context.Background(), CreateInput{
		RequesterID: "rq-1",
		ContractID:  f.contract.ID,
	})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestDispatchDeliversSignedEnvelopes(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.createPlan(t, []string{"aggregate"}, 60)

	res, err := f.orch.Dispatch(ctx, p.ID, []string{"dev-1", "dev-2", "dev-3"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered)
	require.Len(t, res.Devices, 3)
	for _, d := range res.Devices {
		assert.Equal(t, DeviceDelivered, d.Outcome)
	}

	got, err := f.orch.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, got.Status)

	// Every envelope carries the signed plan and a grant bound to this
	// plan, this device and the contract's scope.
	env, ok := f.transport.envelopes["dev-2"]
	require.True(t, ok)
	assert.Equal(t, p.ID, env.Plan.ID)
	require.NoError(t, f.orch.VerifySignature(&env.Plan))
	claims, bound, err := f.orch.VerifyGrant(ctx, env.Grant)
	require.NoError(t, err)
	assert.Equal(t, p.ID, claims.PlanID)
	assert.Equal(t, "dev-2", claims.DeviceID)
	assert.Equal(t, p.ContractID, claims.ContractID)
	assert.Equal(t, p.ScopeHash, claims.ScopeHash)
	assert.Equal(t, p.ID, bound.ID)

	dispatched := f.receipts(t, audit.EventPlanDispatched)
	require.Len(t, dispatched, 1)
	assert.Equal(t, res.ReceiptID, dispatched[0].ID)
	// One policy decision per privacy gate.
	assert.Len(t, f.receipts(t, audit.EventPolicyDecision), 3)
}

func TestDispatchRequiresPendingPlan(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.createPlan(t, []string{"aggregate"}, 60)

	_, err := f.orch.Dispatch(ctx, p.ID, []string{"dev-1"}, time.Second)
	require.NoError(t, err)

	_, err = f.orch.Dispatch(ctx, p.ID, []string{"dev-1"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, "PLAN_027", errs.CodeOf(err))
}

func TestDispatchExpiresPlanPastTTL(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.createPlan(t, []string{"aggregate"}, 30)

	// A plan is expired the instant the TTL is reached, not a moment later.
	f.now = f.now.Add(30 * time.Minute)
	_, err := f.orch.Dispatch(ctx, p.ID, []string{"dev-1"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, "PLAN_028", errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindInvalidState))

	got, err := f.orch.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Len(t, f.receipts(t, audit.EventPlanExpired), 1)
	assert.Zero(t, f.transport.callCount("dev-1"))
}

func TestDispatchTamperedPlanRaisesIncident(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.createPlan(t, []string{"aggregate"}, 60)

	stored, err := f.plans.Get(ctx, p.ID)
	require.NoError(t, err)
	stored.Compensation = 999999
	require.NoError(t, f.plans.Update(ctx, stored))

	_, err = f.orch.Dispatch(ctx, p.ID, []string{"dev-1"}, time.Second)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindIntegrity))
	assert.Equal(t, "PLAN_026", errs.CodeOf(err))

	incidents := f.receipts(t, audit.EventSecurityIncident)
	require.Len(t, incidents, 1)
	assert.Equal(t, p.ID, incidents[0].ResourceID)
	assert.Zero(t, f.transport.callCount("dev-1"))
}

func TestDispatchDeniedByPrivacyGates(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.createPlan(t, []string{"aggregate"}, 60)

	// Pre-allocating a budget below one transform cost exhausts the PRB
	// gate on the first dispatch.
	_, err := f.governor.AllocateBudget(ctx, f.request.ID, 0.05)
	require.NoError(t, err)

	_, err = f.orch.Dispatch(ctx, p.ID, []string{"dev-1"}, time.Second)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindPolicyDenied))
	assert.Equal(t, "PLAN_030", errs.CodeOf(err))
	assert.Contains(t, errs.ReasonsOf(err), "PRB_EXHAUSTED")

	got, err := f.orch.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, f.transport.callCount("dev-1"))
}

func TestDispatchClassifiesTimeouts(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.createPlan(t, []string{"aggregate"}, 60)
	f.transport.delay["slow-dev"] = 200 * time.Millisecond

	res, err := f.orch.Dispatch(ctx, p.ID, []string{"dev-1", "slow-dev"}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	outcomes := make(map[string]DeviceOutcome)
	for _, d := range res.Devices {
		outcomes[d.DeviceID] = d.Outcome
	}
	assert.Equal(t, DeviceDelivered, outcomes["dev-1"])
	assert.Equal(t, DeviceTimedOut, outcomes["slow-dev"])

	// A partial fan-out still dispatches; the plan proceeds with whatever
	// capsules arrive.
	got, err := f.orch.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, got.Status)
}

func TestDispatchBreakerShedsFailingDevice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerFailures = 2
	f := newOrchFixture(t, cfg)
	ctx := context.Background()
	f.transport.fail["flaky-dev"] = errors.New("device offline")

	outcomes := make([]DeviceOutcome, 0, 3)
	for i := 0; i < 3; i++ {
		p := f.createPlan(t, []string{"aggregate"}, 60)
		res, err := f.orch.Dispatch(ctx, p.ID, []string{"flaky-dev"}, time.Second)
		require.NoError(t, err)
		require.Len(t, res.Devices, 1)
		outcomes = append(outcomes, res.Devices[0].Outcome)
	}

	assert.Equal(t, []DeviceOutcome{DeviceFailed, DeviceFailed, DeviceUnavailable}, outcomes)
	// The open breaker sheds the third dispatch without touching the
	// transport.
	assert.Equal(t, 2, f.transport.callCount("flaky-dev"))
}

func TestVerifyGrantRejectsForeignBinding(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.createPlan(t, []string{"aggregate"}, 60)

	token, err := f.grants.Issue(p.ID, "dev-1", "other-contract", p.ScopeHash, p.TTL)
	require.NoError(t, err)

	_, _, err = f.orch.VerifyGrant(ctx, token)
	require.Error(t, err)
	assert.Equal(t, "PLAN_031", errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindUnauthorized))
}

func TestVerifyGrantRejectsUnknownPlan(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	p := f.createPlan(t, []string{"aggregate"}, 60)

	token, err := f.grants.Issue("missing-plan", "dev-1", p.ContractID, p.ScopeHash, p.TTL)
	require.NoError(t, err)

	_, _, err = f.orch.VerifyGrant(context.Background(), token)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestMarkExecutedRequiresDispatched(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.createPlan(t, []string{"aggregate"}, 60)

	_, err := f.orch.MarkExecuted(ctx, p.ID)
	require.Error(t, err)
	assert.Equal(t, "PLAN_032", errs.CodeOf(err))

	_, err = f.orch.Dispatch(ctx, p.ID, []string{"dev-1"}, time.Second)
	require.NoError(t, err)

	executed, err := f.orch.MarkExecuted(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, executed.Status)

	_, err = f.orch.MarkExecuted(ctx, p.ID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInvalidState))
}

func TestExpireDueSweepsOnlyOverdue(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	ctx := context.Background()
	short := f.createPlan(t, []string{"aggregate"}, 10)
	long := f.createPlan(t, []string{"aggregate"}, 120)

	f.now = f.now.Add(30 * time.Minute)
	n, err := f.orch.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotShort, err := f.orch.Get(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, gotShort.Status)
	gotLong, err := f.orch.Get(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, gotLong.Status)
	assert.Len(t, f.receipts(t, audit.EventPlanExpired), 1)
}

func TestConsentRevocationExpiresLivePlans(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	ctx := context.Background()

	bus := events.NewBus(events.NewMemoryStore(), nil)
	f.ledger.WithBus(bus)
	f.orch.BindConsentRevocation(bus)

	p1 := f.createPlan(t, []string{"aggregate"}, 60)
	p2 := f.createPlan(t, []string{"count"}, 60)

	_, err := f.consents.RevokeConsent(ctx, f.contract.ID, "ds-1")
	require.NoError(t, err)

	for _, id := range []string{p1.ID, p2.ID} {
		got, err := f.orch.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)
	}
	assert.Len(t, f.receipts(t, audit.EventPlanExpired), 2)

	// Expired plans cannot be dispatched afterwards.
	_, err = f.orch.Dispatch(ctx, p1.ID, []string{"dev-1"}, time.Second)
	require.Error(t, err)
	assert.Equal(t, "PLAN_027", errs.CodeOf(err))
}

func TestSignablePayloadPinsEveryGrantField(t *testing.T) {
	f := newOrchFixture(t, DefaultConfig())
	p := f.createPlan(t, []string{"project", "aggregate"}, 60)

	payload := p.SignablePayload()
	assert.True(t, strings.Contains(payload, "aggregate,project"))
	assert.True(t, strings.Contains(payload, p.ScopeHash))

	mutated := *p
	mutated.AllowedTransforms = []string{"aggregate"}
	assert.NotEqual(t, payload, mutated.SignablePayload())
	require.Error(t, f.orch.VerifySignature(&mutated))
}
