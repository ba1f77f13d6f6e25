package plan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/consent"
	"github.com/datapact/core/pkg/crypto"
	"github.com/datapact/core/pkg/errs"
	"github.com/datapact/core/pkg/events"
	"github.com/datapact/core/pkg/privacy"
	"github.com/datapact/core/pkg/request"
)

// DeviceTransport delivers a dispatch envelope to one device. The device
// runtime is an external collaborator; implementations honor the context
// deadline.
type DeviceTransport interface {
	Deliver(ctx context.Context, deviceID string, env DispatchEnvelope) error
}

// DispatchEnvelope is what a dispatched device receives: the signed plan
// and the grant it must present with its capsule.
type DispatchEnvelope struct {
	Plan  Plan   `json:"plan"`
	Grant string `json:"grant"`
}

// DeviceOutcome is the per-device dispatch classification.
type DeviceOutcome string

const (
	DeviceDelivered   DeviceOutcome = "DELIVERED"
	DeviceTimedOut    DeviceOutcome = "TIMED_OUT"
	DeviceUnavailable DeviceOutcome = "DEVICE_UNAVAILABLE"
	DeviceFailed      DeviceOutcome = "FAILED"
)

// DeviceDispatch records how one device fared.
type DeviceDispatch struct {
	DeviceID string        `json:"deviceId"`
	Outcome  DeviceOutcome `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// DispatchResult summarises a dispatch fan-out. The plan proceeds with
// whatever capsules arrive from the delivered devices.
type DispatchResult struct {
	PlanID    string           `json:"planId"`
	Devices   []DeviceDispatch `json:"devices"`
	Delivered int              `json:"delivered"`
	ReceiptID string           `json:"receiptId"`
}

// Config tunes the orchestrator.
type Config struct {
	DefaultTTL      time.Duration
	DispatchTimeout time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      time.Hour,
		DispatchTimeout: 5 * time.Second,
		BreakerFailures: 3,
		BreakerCooldown: 30 * time.Second,
	}
}

// Orchestrator creates, authorizes and dispatches query plans. Dispatch
// re-verifies the plan signature and TTL, runs the privacy gates, and
// fans out to devices behind per-device circuit breakers.
type Orchestrator struct {
	plans     Store
	contracts *consent.Engine
	requests  *request.Service
	governor  *privacy.Governor
	keys      *crypto.KeyRing
	grants    *GrantIssuer
	transport DeviceTransport
	ledger    *audit.Ledger
	breakers  *breakerPool
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time
}

// NewOrchestrator wires the plan orchestrator.
func NewOrchestrator(plans Store, contracts *consent.Engine, requests *request.Service,
	governor *privacy.Governor, keys *crypto.KeyRing, grants *GrantIssuer,
	transport DeviceTransport, ledger *audit.Ledger, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "plan.orchestrator")
	return &Orchestrator{
		plans:     plans,
		contracts: contracts,
		requests:  requests,
		governor:  governor,
		keys:      keys,
		grants:    grants,
		transport: transport,
		ledger:    ledger,
		breakers:  newBreakerPool(cfg.BreakerFailures, cfg.BreakerCooldown, logger),
		cfg:       cfg,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the time source.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// CreateInput describes a plan creation call.
type CreateInput struct {
	RequesterID string
	ContractID  string
	Transforms  []string
	TTLMinutes  int
}

// Create builds and signs a plan from an active contract. Transforms must
// be a subset of what the contract's delivery mode allows; fields, output
// restrictions and compensation are copied from the contract and frozen
// under the signature.
func (o *Orchestrator) Create(ctx context.Context, in CreateInput) (*Plan, error) {
	contract, err := o.contracts.Get(ctx, in.ContractID)
	if err != nil {
		return nil, err
	}
	if contract.RequesterID != in.RequesterID {
		return nil, errs.Newf(errs.KindUnauthorized, "PLAN_020",
			"contract %s does not belong to requester %s", in.ContractID, in.RequesterID)
	}
	if contract.Status != consent.StatusActive {
		return nil, errs.Newf(errs.KindInvalidState, "PLAN_021",
			"contract %s is %s, plan creation requires ACTIVE", in.ContractID, contract.Status)
	}
	now := o.clock().UTC()
	if !contract.WithinWindow(now) {
		return nil, errs.Newf(errs.KindInvalidState, "PLAN_022",
			"contract %s is outside its active window", in.ContractID)
	}
	if len(in.Transforms) == 0 {
		return nil, errs.New(errs.KindValidation, "PLAN_019", "a plan needs at least one transform")
	}
	allowed := make(map[string]struct{})
	for _, t := range contract.AllowedTransforms() {
		allowed[t] = struct{}{}
	}
	var denied []string
	for _, t := range in.Transforms {
		if _, ok := allowed[t]; !ok {
			denied = append(denied, "TRANSFORM_NOT_ALLOWED:"+t)
		}
	}
	if len(denied) > 0 {
		return nil, errs.Newf(errs.KindPolicyDenied, "PLAN_023",
			"contract %s delivery mode does not allow the requested transforms", in.ContractID).
			WithReasons(denied...)
	}

	ttl := o.cfg.DefaultTTL
	if in.TTLMinutes > 0 {
		ttl = time.Duration(in.TTLMinutes) * time.Minute
	}
	p := &Plan{
		ID:                 uuid.New().String(),
		RequestID:          contract.RequestID,
		ContractID:         contract.ID,
		RequesterID:        contract.RequesterID,
		ScopeHash:          contract.ScopeHash,
		AllowedTransforms:  sortedCopy(in.Transforms),
		OutputRestrictions: sortedCopy(contract.OutputRestrictions),
		PermittedFields:    sortedCopy(contract.PermittedFields),
		Compensation:       contract.CompensationAmount,
		TTL:                now.Add(ttl),
		Status:             StatusPending,
		CreatedAt:          now,
		Version:            1,
	}
	sig, keyID, err := o.keys.Sign([]byte(p.SignablePayload()))
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidState, "PLAN_024", err, "plan signing failed")
	}
	p.Signature = sig
	p.SignedAt = now
	p.SigningKeyID = keyID

	if err := o.plans.Create(ctx, p); err != nil {
		return nil, err
	}

	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"planId":       p.ID,
		"requestId":    p.RequestID,
		"contractId":   p.ContractID,
		"scopeHash":    p.ScopeHash,
		"transforms":   p.AllowedTransforms,
		"ttl":          p.TTL.Format(time.RFC3339),
		"signingKeyId": p.SigningKeyID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := o.ledger.Append(ctx, audit.EventPlanCreated, in.RequesterID,
		audit.ActorRequester, p.ID, audit.ResourcePlan, detailsHash); err != nil {
		return nil, err
	}
	o.logger.Info("plan created",
		"plan_id", p.ID, "contract_id", p.ContractID, "ttl", p.TTL, "key_id", p.SigningKeyID)
	return p, nil
}

// Get returns a plan by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Plan, error) {
	return o.plans.Get(ctx, id)
}

// VerifySignature checks the plan's Ed25519 signature against the key
// ring. Verification runs before dispatch and before any device acts on
// the plan.
func (o *Orchestrator) VerifySignature(p *Plan) error {
	ok, err := o.keys.VerifyWithKey(p.SigningKeyID, []byte(p.SignablePayload()), p.Signature)
	if err != nil {
		return errs.Wrap(errs.KindIntegrity, "PLAN_025", err, "plan signing key unavailable")
	}
	if !ok {
		return errs.Newf(errs.KindIntegrity, "PLAN_026", "plan %s signature mismatch", p.ID)
	}
	return nil
}

// Dispatch fans the plan out to the eligible devices. The signature and
// TTL are re-validated, the privacy gates run, and each device gets its
// own grant and timeout behind its circuit breaker. Devices that trip or
// time out are classified without failing the dispatch.
func (o *Orchestrator) Dispatch(ctx context.Context, planID string, deviceIDs []string,
	timeout time.Duration) (*DispatchResult, error) {
	p, err := o.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, errs.Newf(errs.KindInvalidState, "PLAN_027",
			"plan %s is %s, dispatch requires PENDING", planID, p.Status)
	}
	now := o.clock().UTC()
	if p.Expired(now) {
		if err := o.expire(ctx, p, "ttl reached before dispatch"); err != nil {
			return nil, err
		}
		return nil, errs.Newf(errs.KindInvalidState, "PLAN_028", "plan %s TTL has passed", planID)
	}
	if err := o.VerifySignature(p); err != nil {
		if errs.IsKind(err, errs.KindIntegrity) {
			if _, incErr := o.ledger.RaiseSecurityIncident(ctx, "plan-orchestrator",
				audit.ActorSystem, p.ID, audit.ResourcePlan, "plan signature mismatch at dispatch"); incErr != nil {
				o.logger.Error("security incident receipt failed", "error", incErr)
			}
		}
		return nil, err
	}
	if len(deviceIDs) == 0 {
		return nil, errs.New(errs.KindValidation, "PLAN_029", "dispatch needs at least one device")
	}
	if timeout <= 0 {
		timeout = o.cfg.DispatchTimeout
	}

	req, err := o.requests.Get(ctx, p.RequestID)
	if err != nil {
		return nil, err
	}
	auth, err := o.governor.Authorize(ctx, privacy.PlanQuery{
		PlanID:      p.ID,
		CampaignID:  p.RequestID,
		RequesterID: p.RequesterID,
		Scope:       req.Scope,
		Criteria:    req.EligibilityCriteria,
		Transforms:  p.AllowedTransforms,
	})
	if err != nil {
		return nil, err
	}
	if !auth.Permitted() {
		return nil, errs.Newf(errs.KindPolicyDenied, "PLAN_030",
			"privacy gates denied dispatch of plan %s", p.ID).
			WithReasons(auth.DenyReasons()...)
	}

	results := make([]DeviceDispatch, len(deviceIDs))
	var wg sync.WaitGroup
	for i, deviceID := range deviceIDs {
		wg.Add(1)
		go func(i int, deviceID string) {
			defer wg.Done()
			results[i] = o.dispatchDevice(ctx, p, deviceID, timeout)
		}(i, deviceID)
	}
	wg.Wait()

	delivered := 0
	for _, r := range results {
		if r.Outcome == DeviceDelivered {
			delivered++
		}
	}

	p.Status = StatusDispatched
	if err := o.plans.Update(ctx, p); err != nil {
		return nil, err
	}
	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"planId":    p.ID,
		"devices":   len(deviceIDs),
		"delivered": delivered,
		"outcomes":  outcomeCounts(results),
	})
	if err != nil {
		return nil, err
	}
	receipt, err := o.ledger.Append(ctx, audit.EventPlanDispatched, p.RequesterID,
		audit.ActorRequester, p.ID, audit.ResourcePlan, detailsHash)
	if err != nil {
		return nil, err
	}
	o.logger.Info("plan dispatched",
		"plan_id", p.ID, "devices", len(deviceIDs), "delivered", delivered)
	return &DispatchResult{
		PlanID:    p.ID,
		Devices:   results,
		Delivered: delivered,
		ReceiptID: receipt.ID,
	}, nil
}

func (o *Orchestrator) dispatchDevice(ctx context.Context, p *Plan, deviceID string,
	timeout time.Duration) DeviceDispatch {
	grant, err := o.grants.Issue(p.ID, deviceID, p.ContractID, p.ScopeHash, p.TTL)
	if err != nil {
		return DeviceDispatch{DeviceID: deviceID, Outcome: DeviceFailed, Error: err.Error()}
	}
	err = o.breakers.do(deviceID, func() error {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return o.transport.Deliver(dctx, deviceID, DispatchEnvelope{Plan: *p, Grant: grant})
	})
	switch {
	case err == nil:
		return DeviceDispatch{DeviceID: deviceID, Outcome: DeviceDelivered}
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return DeviceDispatch{DeviceID: deviceID, Outcome: DeviceUnavailable, Error: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return DeviceDispatch{DeviceID: deviceID, Outcome: DeviceTimedOut, Error: err.Error()}
	default:
		return DeviceDispatch{DeviceID: deviceID, Outcome: DeviceFailed, Error: err.Error()}
	}
}

// VerifyGrant checks a device-presented grant and binds it to the plan it
// names. Capsule acceptance calls this before trusting any payload.
func (o *Orchestrator) VerifyGrant(ctx context.Context, token string) (*GrantClaims, *Plan, error) {
	claims, err := o.grants.Verify(token)
	if err != nil {
		return nil, nil, err
	}
	p, err := o.plans.Get(ctx, claims.PlanID)
	if err != nil {
		return nil, nil, err
	}
	if p.ContractID != claims.ContractID || p.ScopeHash != claims.ScopeHash {
		return nil, nil, errs.New(errs.KindUnauthorized, "PLAN_031",
			"dispatch grant does not match the plan it names")
	}
	return claims, p, nil
}

// MarkExecuted records that the plan's capsules have been accepted.
func (o *Orchestrator) MarkExecuted(ctx context.Context, planID string) (*Plan, error) {
	p, err := o.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDispatched {
		return nil, errs.Newf(errs.KindInvalidState, "PLAN_032",
			"plan %s is %s, execution requires DISPATCHED", planID, p.Status)
	}
	p.Status = StatusExecuted
	if err := o.plans.Update(ctx, p); err != nil {
		return nil, err
	}
	o.logger.Info("plan executed", "plan_id", p.ID)
	return p, nil
}

// ExpireDue sweeps every non-terminal plan whose TTL has passed.
func (o *Orchestrator) ExpireDue(ctx context.Context) (int, error) {
	due, err := o.plans.ListDue(ctx, o.clock().UTC())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range due {
		if err := o.expire(ctx, p, "ttl reached"); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// ExpireByContract expires every live plan under a contract. Consent
// revocation routes here.
func (o *Orchestrator) ExpireByContract(ctx context.Context, contractID, reason string) (int, error) {
	plans, err := o.plans.ListByContract(ctx, contractID)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range plans {
		if p.Terminal() {
			continue
		}
		if err := o.expire(ctx, p, reason); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// BindConsentRevocation expires a contract's live plans whenever the bus
// carries a consent.revoked event for it.
func (o *Orchestrator) BindConsentRevocation(bus *events.Bus) {
	bus.Subscribe("consent.revoked", func(e events.Event) {
		n, err := o.ExpireByContract(context.Background(), e.ResourceRef, "consent revoked")
		if err != nil {
			o.logger.Error("plan expiry on revocation failed",
				"contract_id", e.ResourceRef, "error", err)
			return
		}
		if n > 0 {
			o.logger.Info("plans expired on revocation", "contract_id", e.ResourceRef, "count", n)
		}
	})
}

func (o *Orchestrator) expire(ctx context.Context, p *Plan, reason string) error {
	p.Status = StatusExpired
	if err := o.plans.Update(ctx, p); err != nil {
		return err
	}
	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"planId": p.ID,
		"reason": reason,
		"ttl":    p.TTL.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if _, err := o.ledger.Append(ctx, audit.EventPlanExpired, "plan-orchestrator",
		audit.ActorSystem, p.ID, audit.ResourcePlan, detailsHash); err != nil {
		return err
	}
	o.logger.Info("plan expired", "plan_id", p.ID, "reason", reason)
	return nil
}

func outcomeCounts(devices []DeviceDispatch) map[string]int {
	counts := make(map[string]int)
	for _, d := range devices {
		counts[string(d.Outcome)]++
	}
	return counts
}
