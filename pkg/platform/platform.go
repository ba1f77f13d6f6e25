// Package platform is the composition root: it wires the screening,
// coordination, consent, privacy, plan, capsule, settlement and credit
// engines over one audit chain and one canonical event bus. The zero
// Options value yields a fully in-process core suitable for tests and
// single-node development; production deployments inject durable stores,
// Redis and an anchor publisher through Options.
package platform

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/capsule"
	"github.com/datapact/core/pkg/config"
	"github.com/datapact/core/pkg/consent"
	"github.com/datapact/core/pkg/coordinator"
	"github.com/datapact/core/pkg/crypto"
	"github.com/datapact/core/pkg/events"
	"github.com/datapact/core/pkg/plan"
	"github.com/datapact/core/pkg/privacy"
	"github.com/datapact/core/pkg/request"
	"github.com/datapact/core/pkg/screening"
	"github.com/datapact/core/pkg/settlement"
	"github.com/datapact/core/pkg/ycredit"
)

// Options overrides the in-process defaults. Every nil field falls back
// to a memory implementation, so tests build a whole platform from the
// zero value.
type Options struct {
	Logger *slog.Logger
	Clock  func() time.Time

	AuditStore      audit.Store
	EventStore      events.Store
	AnchorPublisher audit.Publisher

	KeyDirectory capsule.KeyDirectory
	Transport    plan.DeviceTransport

	// DB switches the contract, obligation, capsule, journal, escrow,
	// balance, payout, credit, rule, budget and event stores to their
	// SQL implementations. Run cmd/bootstrap against the database first;
	// New does not create schemas.
	DB *sql.DB

	// Redis backs the cohort cache and linkage store when set. The
	// memory stores are used otherwise.
	Redis *redis.Client

	// PlanSeed pins the plan signing key for deterministic tests. A
	// fresh Ed25519 key is generated when empty.
	PlanSeed []byte
}

// Platform holds every wired engine. Fields are exported so callers,
// the CLI and tests reach the subsystems directly.
type Platform struct {
	Config *config.Config
	Logger *slog.Logger

	Bus      *events.Bus
	Events   events.Store
	Worker   *events.Worker
	Audit    *audit.Ledger
	Anchorer *audit.Anchorer

	Requests    *request.Service
	Screening   *screening.Engine
	Coordinator *coordinator.Reviewer
	Consent     *consent.Engine
	Governor    *privacy.Governor
	Plans       *plan.Orchestrator
	Capsules    *capsule.Service
	Sweeper     *capsule.Sweeper
	Settlement  *settlement.Service
	Credits     *ycredit.Ledger

	Transport plan.DeviceTransport
	Directory capsule.KeyDirectory
}

// New validates the configuration and wires the platform. Engines share
// one audit ledger and one bus; the ledger publishes every receipt as a
// canonical event, and plan expiry is bound to consent revocation events
// before New returns.
func New(cfg *config.Config, opts Options) (*Platform, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	eventStore := opts.EventStore
	if eventStore == nil {
		if opts.DB != nil {
			eventStore = events.NewPostgresStore(opts.DB)
		} else {
			eventStore = events.NewMemoryStore()
		}
	}
	bus := events.NewBus(eventStore, logger).WithClock(clock)

	auditStore := opts.AuditStore
	if auditStore == nil {
		auditStore = audit.NewMemoryStore()
	}
	ledger := audit.NewLedger(auditStore, logger).WithBus(bus).WithClock(clock)
	anchorer := audit.NewAnchorer(ledger, auditStore, opts.AnchorPublisher, logger).WithClock(clock)

	requests := request.NewService(request.NewMemoryStore(), ledger, logger).WithClock(clock)

	estimator := screening.NewHeuristicEstimator()
	evaluator, err := screening.NewPredicateEvaluator()
	if err != nil {
		return nil, err
	}
	var rules screening.RuleStore
	if opts.DB != nil {
		rules = screening.NewPostgresRuleStore(opts.DB)
	} else {
		rules = screening.NewMemoryRuleStore()
	}
	screener := screening.NewEngine(requests, rules,
		screening.NewMemoryResultStore(), estimator, evaluator, ledger,
		screening.Config{
			PolicyVersion:         cfg.ScreeningPolicyVersion,
			MinCohortSize:         cfg.MinCohortSize,
			ManualReviewThreshold: cfg.ManualReviewThreshold,
		}, logger).WithClock(clock)

	signer, ephemeral, err := coordinator.NewStampSigner(cfg.CoordinatorPolicyKey, cfg.CoordinatorPolicyVersion)
	if err != nil {
		return nil, err
	}
	signer.WithClock(clock)
	if ephemeral {
		logger.Warn("coordinator policy key is ephemeral, stamps will not verify after restart")
	}
	var profile *coordinator.Profile
	if cfg.CoordinatorProfilePath != "" {
		profile, err = coordinator.LoadProfile(cfg.CoordinatorProfilePath)
		if err != nil {
			return nil, err
		}
	}
	reviewer := coordinator.NewReviewer(requests, signer, profile, ledger, logger).WithClock(clock)

	var (
		contractStore  consent.ContractStore
		obligationSt   consent.ObligationStore
		violationStore consent.ViolationStore
	)
	if opts.DB != nil {
		contractStore = consent.NewPostgresContractStore(opts.DB)
		obligationSt = consent.NewPostgresObligationStore(opts.DB)
		violationStore = consent.NewPostgresViolationStore(opts.DB)
	} else {
		contractStore = consent.NewMemoryContractStore()
		obligationSt = consent.NewMemoryObligationStore()
		violationStore = consent.NewMemoryViolationStore()
	}
	consents := consent.NewEngine(contractStore, obligationSt, violationStore,
		ledger, logger).WithClock(clock)

	privacyCfg := privacy.DefaultConfig()
	privacyCfg.MinCohortSize = cfg.MinCohortSize
	privacyCfg.LinkageWindow = cfg.LinkageWindow
	privacyCfg.LinkageMaxPerWindow = cfg.LinkageMaxPerWindow
	privacyCfg.SimilarityThreshold = cfg.LinkageSimilarityThreshold
	privacyCfg.MaxSimilar = cfg.LinkageMaxSimilar
	privacyCfg.DefaultAllocation = cfg.PRBDefaultAllocated
	var cache privacy.CohortCache
	var linkage privacy.LinkageStore
	if opts.Redis != nil {
		cache = privacy.NewRedisCohortCache(opts.Redis)
		linkage = privacy.NewRedisLinkageStore(opts.Redis, privacyCfg.LinkageWindow)
	} else {
		cache = privacy.NewMemoryCohortCache().WithClock(clock)
		linkage = privacy.NewMemoryLinkageStore(privacyCfg.LinkageWindow,
			privacyCfg.LinkageMaxPerWindow).WithClock(clock)
	}
	var budgets privacy.BudgetStore
	if opts.DB != nil {
		budgets = privacy.NewPostgresBudgetStore(opts.DB)
	} else {
		budgets = privacy.NewMemoryBudgetStore()
	}
	governor, err := privacy.NewGovernor(estimator, cache, linkage,
		budgets, ledger, privacyCfg, logger)
	if err != nil {
		return nil, err
	}
	governor.WithClock(clock)

	keys := crypto.NewKeyRing()
	var planSigner *crypto.Ed25519Signer
	if len(opts.PlanSeed) > 0 {
		planSigner, err = crypto.NewEd25519SignerFromSeed(opts.PlanSeed, "plan-key-1")
	} else {
		planSigner, err = crypto.NewEd25519Signer("plan-key-1")
	}
	if err != nil {
		return nil, err
	}
	keys.Add(planSigner)
	grants, grantEphemeral, err := plan.NewGrantIssuer(cfg.PlanGrantKey)
	if err != nil {
		return nil, err
	}
	grants.WithClock(clock)
	if grantEphemeral {
		logger.Warn("plan grant key is ephemeral, outstanding grants die with the process")
	}
	transport := opts.Transport
	if transport == nil {
		transport = NewLoopbackTransport()
	}
	plans := plan.NewOrchestrator(plan.NewMemoryStore(), consents, requests,
		governor, keys, grants, transport, ledger, plan.DefaultConfig(), logger).WithClock(clock)
	plans.BindConsentRevocation(bus)

	directory := opts.KeyDirectory
	if directory == nil {
		directory = capsule.NewMemoryKeyDirectory()
	}
	capsuleCfg := capsule.DefaultConfig()
	capsuleCfg.DefaultTTL = cfg.CapsuleDefaultTTL
	var (
		capsuleStore capsule.Store
		nonces       capsule.NonceRegistry
	)
	if opts.DB != nil {
		capsuleStore = capsule.NewPostgresStore(opts.DB)
		nonces = capsule.NewPostgresNonceRegistry(opts.DB)
	} else {
		capsuleStore = capsule.NewMemoryStore()
		nonces = capsule.NewMemoryNonceRegistry().WithClock(clock)
	}
	capsules, err := capsule.NewService(capsuleStore,
		crypto.NewKeyStore().WithClock(clock), nonces,
		directory, planGate{plans}, ledger, capsuleCfg, logger)
	if err != nil {
		return nil, err
	}
	capsules.WithClock(clock)
	sweeper := capsule.NewSweeper(capsules, 0, logger)

	var (
		journalStore settlement.JournalStore
		escrowStore  settlement.EscrowStore
		balanceStore settlement.BalanceStore
		payoutStore  settlement.PayoutStore
		tokenStore   ycredit.TokenStore
	)
	if opts.DB != nil {
		journalStore = settlement.NewPostgresJournal(opts.DB)
		escrowStore = settlement.NewPostgresEscrowStore(opts.DB)
		balanceStore = settlement.NewPostgresBalanceStore(opts.DB)
		payoutStore = settlement.NewPostgresPayoutStore(opts.DB)
		tokenStore = ycredit.NewPostgresTokenStore(opts.DB)
	} else {
		escrowStore = settlement.NewMemoryEscrowStore()
		balanceStore = settlement.NewMemoryBalanceStore()
		payoutStore = settlement.NewMemoryPayoutStore()
		tokenStore = ycredit.NewMemoryTokenStore()
	}
	journal := settlement.NewJournal(journalStore, logger).WithClock(clock)
	settle := settlement.NewService(journal, escrowStore,
		balanceStore, payoutStore, ledger, logger).WithClock(clock)
	credits, err := ycredit.NewLedger(tokenStore, settle, ledger,
		ycredit.Config{Currency: "YC", TransfersEnabled: cfg.YCTransfersEnabled}, logger)
	if err != nil {
		return nil, err
	}
	credits.WithClock(clock)
	settle.WithCredits(credits)

	worker := events.NewWorker(eventStore, events.DefaultWorkerConfig(), logger).WithClock(clock)

	return &Platform{
		Config:      cfg,
		Logger:      logger,
		Bus:         bus,
		Events:      eventStore,
		Worker:      worker,
		Audit:       ledger,
		Anchorer:    anchorer,
		Requests:    requests,
		Screening:   screener,
		Coordinator: reviewer,
		Consent:     consents,
		Governor:    governor,
		Plans:       plans,
		Capsules:    capsules,
		Sweeper:     sweeper,
		Settlement:  settle,
		Credits:     credits,
		Transport:   transport,
		Directory:   directory,
	}, nil
}

// Start launches the background loops: the event worker and the capsule
// TTL sweeper. It returns once both are running.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.Worker.Start(ctx); err != nil {
		return err
	}
	if err := p.Sweeper.Start(ctx); err != nil {
		p.Worker.Stop()
		return err
	}
	p.Logger.Info("platform started", "env", p.Config.Env)
	return nil
}

// Stop halts the background loops. Engines themselves hold no goroutines.
func (p *Platform) Stop() {
	p.Sweeper.Stop()
	p.Worker.Stop()
	p.Logger.Info("platform stopped")
}

// planGate adapts the orchestrator's grant verification to the binding
// the capsule service checks at creation and acceptance.
type planGate struct {
	plans *plan.Orchestrator
}

func (g planGate) VerifyGrant(ctx context.Context, grant string) (*capsule.PlanBinding, error) {
	claims, p, err := g.plans.VerifyGrant(ctx, grant)
	if err != nil {
		return nil, err
	}
	return &capsule.PlanBinding{
		PlanID:      p.ID,
		DeviceID:    claims.DeviceID,
		ContractID:  p.ContractID,
		ScopeHash:   p.ScopeHash,
		RequesterID: p.RequesterID,
		PlanHash:    crypto.SHA256Hex([]byte(p.SignablePayload())),
		Dispatched:  p.Status == plan.StatusDispatched,
	}, nil
}
