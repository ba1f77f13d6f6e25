package consent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/canonical"
	"github.com/datapact/core/pkg/errs"
)

// ConsentResult is what a successful grant returns.
type ConsentResult struct {
	Contract       *Contract `json:"contract"`
	AuditReceiptID string    `json:"auditReceiptId"`
}

// RevocationResult is what a successful revocation returns.
type RevocationResult struct {
	ContractID     string    `json:"contractId"`
	RevokedAt      time.Time `json:"revokedAt"`
	AuditReceiptID string    `json:"auditReceiptId"`
}

// ObligationResult is what minting a contract's obligations returns.
type ObligationResult struct {
	ObligationIDs  []string `json:"obligationIds"`
	ObligationHash string   `json:"obligationHash"`
	AuditReceiptID string   `json:"auditReceiptId"`
}

// PenaltyResult is what applying a penalty returns.
type PenaltyResult struct {
	ViolationID    string    `json:"violationId"`
	Amount         int64     `json:"amount"`
	AppliedAt      time.Time `json:"appliedAt"`
	AuditReceiptID string    `json:"auditReceiptId"`
}

// Engine runs the consent-contract lifecycle and obligation enforcement.
type Engine struct {
	contracts   ContractStore
	obligations ObligationStore
	violations  ViolationStore
	ledger      *audit.Ledger
	logger      *slog.Logger
	clock       func() time.Time
}

// NewEngine wires the consent engine over its stores.
func NewEngine(contracts ContractStore, obligations ObligationStore,
	violations ViolationStore, ledger *audit.Ledger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		contracts:   contracts,
		obligations: obligations,
		violations:  violations,
		ledger:      ledger,
		logger:      logger.With("component", "consent.engine"),
		clock:       time.Now,
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// CreateConsent validates the grant and creates an ACTIVE contract.
// Permitted fields whose sensitive-field consent was withheld are dropped.
// A second non-revoked contract for the same (ds, request) pair is a
// duplicate.
func (e *Engine) CreateConsent(ctx context.Context, in CreateInput) (*ConsentResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	existing, err := e.contracts.ListByDSAndRequest(ctx, in.DSID, in.RequestID)
	if err != nil {
		return nil, err
	}
	for _, c := range existing {
		if c.Status != StatusRevoked {
			return nil, errs.Newf(errs.KindDuplicate, "CONSENT_002",
				"ds %s already holds contract %s for request %s", in.DSID, c.ID, in.RequestID)
		}
	}

	mode := in.DeliveryMode
	if mode == "" {
		mode = DeliveryEncrypted
	}
	now := e.clock().UTC()
	contract := &Contract{
		ID:                     uuid.New().String(),
		DSID:                   in.DSID,
		RequesterID:            in.RequesterID,
		RequestID:              in.RequestID,
		ScopeHash:              in.ScopeHash,
		PurposeHash:            in.PurposeHash,
		DurationStart:          in.DurationStart.UTC(),
		DurationEnd:            in.DurationEnd.UTC(),
		CompensationAmount:     in.CompensationAmount,
		Status:                 StatusActive,
		PermittedFields:        grantedFields(in.PermittedFields, in.SensitiveFieldConsents),
		SensitiveFieldConsents: in.SensitiveFieldConsents,
		OutputRestrictions:     in.OutputRestrictions,
		DeliveryMode:           mode,
		CreatedAt:              now,
		Version:                1,
	}
	if err := e.contracts.Create(ctx, contract); err != nil {
		return nil, err
	}

	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"dsId":               contract.DSID,
		"requesterId":        contract.RequesterID,
		"requestId":          contract.RequestID,
		"scopeHash":          contract.ScopeHash,
		"deliveryMode":       contract.DeliveryMode,
		"compensationAmount": contract.CompensationAmount,
	})
	if err != nil {
		return nil, err
	}
	receipt, err := e.ledger.Append(ctx, audit.EventConsentGranted, contract.DSID,
		audit.ActorDS, contract.ID, audit.ResourceConsentContract, detailsHash)
	if err != nil {
		return nil, err
	}

	e.logger.Info("consent granted",
		"contract_id", contract.ID, "ds_id", contract.DSID,
		"request_id", contract.RequestID, "delivery_mode", contract.DeliveryMode)
	return &ConsentResult{Contract: contract, AuditReceiptID: receipt.ID}, nil
}

// Get returns the contract by id.
func (e *Engine) Get(ctx context.Context, id string) (*Contract, error) {
	return e.contracts.Get(ctx, id)
}

// RevokeConsent ends the contract. Only the owning DS may revoke; REVOKED
// is terminal. Dependent query plans expire through the consent.revoked
// canonical event the receipt publishes.
func (e *Engine) RevokeConsent(ctx context.Context, contractID, dsID string) (*RevocationResult, error) {
	contract, err := e.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.DSID != dsID {
		return nil, errs.Newf(errs.KindUnauthorized, "CONSENT_004",
			"ds %s does not own contract %s", dsID, contractID)
	}
	if contract.Status == StatusRevoked {
		return nil, errs.Newf(errs.KindInvalidState, "CONSENT_005",
			"contract %s is already revoked", contractID)
	}

	now := e.clock().UTC()
	contract.Status = StatusRevoked
	contract.RevokedAt = now
	if err := e.contracts.Update(ctx, contract); err != nil {
		return nil, err
	}

	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"requestId": contract.RequestID,
		"revokedAt": now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	receipt, err := e.ledger.Append(ctx, audit.EventConsentRevoked, dsID,
		audit.ActorDS, contractID, audit.ResourceConsentContract, detailsHash)
	if err != nil {
		return nil, err
	}

	e.logger.Info("consent revoked", "contract_id", contractID, "ds_id", dsID)
	return &RevocationResult{ContractID: contractID, RevokedAt: now, AuditReceiptID: receipt.ID}, nil
}

// EvaluateAccess reports whether the requested fields may be read under the
// contract right now: status ACTIVE, inside the consent window, and the
// requested-fields hash matching either the scope hash or the permitted
// subset hash. A lapsed contract is marked EXPIRED on the way out.
func (e *Engine) EvaluateAccess(ctx context.Context, contractID, requestedFieldsHash string) (bool, error) {
	contract, err := e.contracts.Get(ctx, contractID)
	if err != nil {
		return false, err
	}
	now := e.clock().UTC()
	if contract.Status == StatusActive && now.After(contract.DurationEnd) {
		contract.Status = StatusExpired
		if err := e.contracts.Update(ctx, contract); err != nil && !errs.IsKind(err, errs.KindTransient) {
			return false, err
		}
		return false, nil
	}
	if contract.Status != StatusActive || !contract.WithinWindow(now) {
		return false, nil
	}
	if requestedFieldsHash == contract.ScopeHash {
		return true, nil
	}
	subsetHash, err := contract.PermittedFieldsHash()
	if err != nil {
		return false, err
	}
	return requestedFieldsHash == subsetHash, nil
}

// CreateObligations validates the spec against the obligation schema,
// mints one obligation per required type, and persists the spec's
// canonical hash on the contract. Obligations are minted once per
// contract.
func (e *Engine) CreateObligations(ctx context.Context, contractID string, spec ObligationSpec) (*ObligationResult, error) {
	contract, err := e.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.ObligationHash != "" {
		return nil, errs.Newf(errs.KindDuplicate, "CONSENT_012",
			"contract %s already carries obligations", contractID)
	}
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	spec = spec.normalise()
	obligationHash, err := spec.Hash()
	if err != nil {
		return nil, err
	}

	now := e.clock().UTC()
	mint := []struct {
		typ   ObligationType
		spec  map[string]interface{}
		level EnforcementLevel
	}{
		{ObligationRetentionLimit, map[string]interface{}{
			"retentionDays":   spec.RetentionDays,
			"retentionPolicy": spec.RetentionPolicy,
		}, spec.RetentionEnforcement},
		{ObligationUsageRestriction, spec.UsageRestrictions, spec.UsageEnforcement},
		{ObligationDeletionRequirement, spec.DeletionRequirements, spec.DeletionEnforcement},
	}
	ids := make([]string, 0, len(mint))
	for _, m := range mint {
		o := &Obligation{
			ID:               uuid.New().String(),
			ContractID:       contractID,
			Type:             m.typ,
			Specification:    m.spec,
			EnforcementLevel: m.level,
			Status:           ObligationActive,
			CreatedAt:        now,
			Version:          1,
		}
		if err := e.obligations.Create(ctx, o); err != nil {
			return nil, err
		}
		ids = append(ids, o.ID)
	}

	contract.RetentionDays = spec.RetentionDays
	contract.UsageRestrictions = spec.UsageRestrictions
	contract.DeletionRequirements = spec.DeletionRequirements
	contract.ObligationHash = obligationHash
	if err := e.contracts.Update(ctx, contract); err != nil {
		return nil, err
	}

	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"obligationIds":  ids,
		"obligationHash": obligationHash,
	})
	if err != nil {
		return nil, err
	}
	receipt, err := e.ledger.Append(ctx, audit.EventObligationCreated, "consent-engine",
		audit.ActorSystem, contractID, audit.ResourceObligation, detailsHash)
	if err != nil {
		return nil, err
	}

	e.logger.Info("obligations created",
		"contract_id", contractID, "count", len(ids), "obligation_hash", obligationHash)
	return &ObligationResult{ObligationIDs: ids, ObligationHash: obligationHash, AuditReceiptID: receipt.ID}, nil
}

// ValidateContractObligations reports whether the contract carries at
// least one non-expired obligation of each required type.
func (e *Engine) ValidateContractObligations(ctx context.Context, contractID string) (bool, error) {
	if _, err := e.contracts.Get(ctx, contractID); err != nil {
		return false, err
	}
	obligations, err := e.obligations.ListByContract(ctx, contractID)
	if err != nil {
		return false, err
	}
	present := make(map[ObligationType]bool)
	for _, o := range obligations {
		if o.Status != ObligationExpired {
			present[o.Type] = true
		}
	}
	for _, typ := range requiredObligationTypes {
		if !present[typ] {
			return false, nil
		}
	}
	return true, nil
}

// DetectViolations maps the observed context onto the contract's
// obligations and records one violation per triggered breach. Every
// violation hashes the full context as evidence and appends a receipt.
func (e *Engine) DetectViolations(ctx context.Context, contractID string, vctx ViolationContext) ([]*Violation, error) {
	if _, err := e.contracts.Get(ctx, contractID); err != nil {
		return nil, err
	}
	obligations, err := e.obligations.ListByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	byType := make(map[ObligationType]*Obligation)
	for _, o := range obligations {
		if o.Status == ObligationExpired {
			continue
		}
		if _, ok := byType[o.Type]; !ok {
			byType[o.Type] = o
		}
	}

	evidenceHash, err := canonical.CanonicalHash(vctx)
	if err != nil {
		return nil, err
	}

	type breach struct {
		vtype    ViolationType
		enforcer *Obligation
	}
	var breaches []breach

	if enforcer := byType[ObligationRetentionLimit]; enforcer != nil {
		limit := vctx.MaxRetainedDays
		if limit == 0 {
			limit = specInt(enforcer.Specification, "retentionDays")
		}
		if limit > 0 && vctx.ActualRetainedDays > limit {
			breaches = append(breaches, breach{ViolationRetentionExceeded, enforcer})
		}
	}
	if vctx.UnauthorizedUse {
		if enforcer := byType[ObligationUsageRestriction]; enforcer != nil {
			breaches = append(breaches, breach{ViolationUnauthorizedUsage, enforcer})
		}
	}
	if vctx.UnauthorizedField != "" {
		enforcer := byType[ObligationPurposeLimitation]
		if enforcer == nil {
			enforcer = byType[ObligationUsageRestriction]
		}
		if enforcer != nil {
			breaches = append(breaches, breach{ViolationPurposeViolation, enforcer})
		}
	}
	if vctx.DeletionFailed {
		if enforcer := byType[ObligationDeletionRequirement]; enforcer != nil {
			breaches = append(breaches, breach{ViolationDeletionFailure, enforcer})
		}
	}
	if vctx.SharedWithThirdParty {
		enforcer := byType[ObligationSharingProhibition]
		if enforcer == nil {
			enforcer = byType[ObligationUsageRestriction]
		}
		if enforcer != nil {
			breaches = append(breaches, breach{ViolationUnauthorizedSharing, enforcer})
		}
	}

	now := e.clock().UTC()
	found := make([]*Violation, 0, len(breaches))
	for _, b := range breaches {
		v := &Violation{
			ID:            uuid.New().String(),
			ContractID:    contractID,
			ObligationID:  b.enforcer.ID,
			ViolationType: b.vtype,
			Severity:      severityFor(b.enforcer.EnforcementLevel, b.vtype),
			EvidenceHash:  evidenceHash,
			DetectedAt:    now,
			Version:       1,
		}
		if err := e.violations.Create(ctx, v); err != nil {
			return nil, err
		}
		if b.enforcer.Status != ObligationViolated {
			b.enforcer.Status = ObligationViolated
			if err := e.obligations.Update(ctx, b.enforcer); err != nil {
				return nil, err
			}
		}

		detailsHash, err := audit.HashDetails(map[string]interface{}{
			"violationId":   v.ID,
			"obligationId":  v.ObligationID,
			"violationType": v.ViolationType,
			"severity":      v.Severity,
			"evidenceHash":  v.EvidenceHash,
		})
		if err != nil {
			return nil, err
		}
		if _, err := e.ledger.Append(ctx, audit.EventObligationViolated, "consent-engine",
			audit.ActorSystem, v.ID, audit.ResourceViolation, detailsHash); err != nil {
			return nil, err
		}
		found = append(found, v)
	}

	if len(found) > 0 {
		e.logger.Warn("obligation violations detected",
			"contract_id", contractID, "count", len(found), "resource_id", vctx.ResourceID)
	}
	return found, nil
}

// EnforcePenalty marks the violation penalised. A violation is penalised
// at most once.
func (e *Engine) EnforcePenalty(ctx context.Context, violationID string, amount int64) (*PenaltyResult, error) {
	if amount <= 0 {
		return nil, errs.Newf(errs.KindValidation, "CONSENT_010",
			"penalty amount must be positive, got %d", amount)
	}
	v, err := e.violations.Get(ctx, violationID)
	if err != nil {
		return nil, err
	}
	if v.PenaltyApplied {
		return nil, errs.Newf(errs.KindDuplicate, "CONSENT_009",
			"penalty already applied for violation %s", violationID)
	}

	now := e.clock().UTC()
	v.PenaltyApplied = true
	v.PenaltyAmount = amount
	if err := e.violations.Update(ctx, v); err != nil {
		return nil, err
	}

	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"violationId": violationID,
		"contractId":  v.ContractID,
		"amount":      amount,
		"severity":    v.Severity,
	})
	if err != nil {
		return nil, err
	}
	receipt, err := e.ledger.Append(ctx, audit.EventPenaltyApplied, "consent-engine",
		audit.ActorSystem, violationID, audit.ResourceViolation, detailsHash)
	if err != nil {
		return nil, err
	}

	e.logger.Info("penalty applied",
		"violation_id", violationID, "contract_id", v.ContractID, "amount", amount)
	return &PenaltyResult{ViolationID: violationID, Amount: amount, AppliedAt: now, AuditReceiptID: receipt.ID}, nil
}

// specInt reads an integer from an obligation specification, tolerating
// the float64 that JSON round-trips produce.
func specInt(spec map[string]interface{}, key string) int {
	switch n := spec[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
