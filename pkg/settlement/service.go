package settlement

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/errs"
)

const serviceActor = "settlement-service"

// CreditIssuer mirrors settled funds into the YC credit ledger. The ycredit
// package is the production implementation; a nil issuer skips credits.
type CreditIssuer interface {
	IssueFromSettlement(ctx context.Context, settlementID, escrowID, dsID string, amount Money) error
	RedeemForPayout(ctx context.Context, payoutID, dsID string, amount Money) error
}

// Service drives escrow accounts, settlements and payouts. Every transition
// is backed by a journal posting whose idempotency key makes retries no-ops.
type Service struct {
	journal  *Journal
	escrows  EscrowStore
	balances BalanceStore
	payouts  PayoutStore
	ledger   *audit.Ledger
	credits  CreditIssuer
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService wires the settlement service. Stores default to their
// in-process implementations.
func NewService(journal *Journal, escrows EscrowStore, balances BalanceStore,
	payouts PayoutStore, ledger *audit.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if journal == nil {
		journal = NewJournal(nil, logger)
	}
	if escrows == nil {
		escrows = NewMemoryEscrowStore()
	}
	if balances == nil {
		balances = NewMemoryBalanceStore()
	}
	if payouts == nil {
		payouts = NewMemoryPayoutStore()
	}
	return &Service{
		journal:  journal,
		escrows:  escrows,
		balances: balances,
		payouts:  payouts,
		ledger:   ledger,
		logger:   logger.With("component", "settlement.service"),
		clock:    time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithCredits attaches the YC credit issuer.
func (s *Service) WithCredits(credits CreditIssuer) *Service {
	s.credits = credits
	return s
}

// CreateEscrow opens a PENDING escrow for a request. One escrow per request.
func (s *Service) CreateEscrow(ctx context.Context, requesterID, requestID string) (*EscrowAccount, error) {
	if requesterID == "" || requestID == "" {
		return nil, errs.New(errs.KindValidation, "SETTLE_006", "escrow needs a requester and a request")
	}
	e := &EscrowAccount{
		ID:          uuid.New().String(),
		RequesterID: requesterID,
		RequestID:   requestID,
		Status:      EscrowPending,
		CreatedAt:   s.clock().UTC(),
		UpdatedAt:   s.clock().UTC(),
		Version:     1,
	}
	if err := s.escrows.Create(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("escrow created", "escrow_id", e.ID, "request_id", requestID)
	return e, nil
}

// Fund moves the requester's budget into the escrow: PENDING → FUNDED.
func (s *Service) Fund(ctx context.Context, escrowID string, amount Money) (*EscrowAccount, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != EscrowPending {
		return nil, errs.Newf(errs.KindInvalidState, "SETTLE_023",
			"escrow %s is %s, funding requires PENDING", escrowID, e.Status)
	}
	if _, _, err := s.journal.Post(ctx, PostInput{
		Debit:          RequesterCashAccount(e.RequesterID),
		Credit:         EscrowFundedAccount(e.ID),
		Amount:         amount,
		Reference:      e.RequestID,
		IdempotencyKey: "FUND:" + e.ID,
	}); err != nil {
		return nil, err
	}
	e.Currency = amount.Currency
	e.Scale = amount.Scale
	e.FundedMinor += amount.AmountMinor
	e.Status = EscrowFunded
	e.UpdatedAt = s.clock().UTC()
	if err := s.escrows.Update(ctx, e); err != nil {
		return nil, err
	}
	if err := s.appendEscrowReceipt(ctx, audit.EventEscrowFunded, e.RequesterID,
		audit.ActorRequester, e, amount.AmountMinor, ""); err != nil {
		return nil, err
	}
	s.logger.Info("escrow funded", "escrow_id", e.ID, "amount", amount.String())
	return e, nil
}

// Lock commits funded money to active contracts: FUNDED → LOCKED.
func (s *Service) Lock(ctx context.Context, escrowID string, amount Money) (*EscrowAccount, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != EscrowFunded {
		return nil, errs.Newf(errs.KindInvalidState, "SETTLE_024",
			"escrow %s is %s, locking requires FUNDED", escrowID, e.Status)
	}
	if amount.Currency != e.Currency {
		return nil, errs.Newf(errs.KindValidation, "SETTLE_029",
			"escrow %s is kept in %s, not %s", escrowID, e.Currency, amount.Currency)
	}
	if amount.AmountMinor > e.Remainder() {
		return nil, errs.Newf(errs.KindInsufficientResource, "SETTLE_025",
			"escrow %s holds %d unlocked, cannot lock %d", escrowID, e.Remainder(), amount.AmountMinor)
	}
	if _, _, err := s.journal.Post(ctx, PostInput{
		Debit:          EscrowFundedAccount(e.ID),
		Credit:         EscrowLockedAccount(e.ID),
		Amount:         amount,
		Reference:      e.RequestID,
		IdempotencyKey: "LOCK:" + e.ID,
	}); err != nil {
		return nil, err
	}
	e.LockedMinor += amount.AmountMinor
	e.Status = EscrowLocked
	e.UpdatedAt = s.clock().UTC()
	if err := s.escrows.Update(ctx, e); err != nil {
		return nil, err
	}
	if err := s.appendEscrowReceipt(ctx, audit.EventEscrowLocked, serviceActor,
		audit.ActorSystem, e, amount.AmountMinor, ""); err != nil {
		return nil, err
	}
	s.logger.Info("escrow locked", "escrow_id", e.ID, "amount", amount.String())
	return e, nil
}

// SettlementInput identifies one DS's settlement under a contract.
type SettlementInput struct {
	ContractID string
	DSID       string
	EscrowID   string
	Amount     Money
}

// SettlementResult is what a settlement returns. The settlement id is the
// journal posting's id; a replay returns the prior posting with
// Duplicate=true and no side effects.
type SettlementResult struct {
	SettlementID   string `json:"settlementId"`
	ContractID     string `json:"contractId"`
	DSID           string `json:"dsId"`
	EscrowID       string `json:"escrowId"`
	Amount         Money  `json:"amount"`
	Duplicate      bool   `json:"duplicate"`
	AuditReceiptID string `json:"auditReceiptId,omitempty"`
}

// ProcessSettlement releases locked escrow funds to a DS's pending balance
// and mirrors the amount into YC credits. The escrow transitions to SETTLED
// once its funds are fully released.
func (s *Service) ProcessSettlement(ctx context.Context, in SettlementInput) (*SettlementResult, error) {
	if in.ContractID == "" || in.DSID == "" || in.EscrowID == "" {
		return nil, errs.New(errs.KindValidation, "SETTLE_007",
			"settlement needs a contract, a ds and an escrow")
	}
	if err := requirePositive(in.Amount); err != nil {
		return nil, err
	}
	key := "SETTLE:" + in.EscrowID + ":" + in.ContractID + ":" + in.DSID
	prior, err := s.journal.Lookup(ctx, key)
	if err == nil {
		// Replay. The books already hold this settlement; return it as-is
		// even if the escrow has since reached a terminal state.
		return &SettlementResult{
			SettlementID: prior.ID,
			ContractID:   in.ContractID,
			DSID:         in.DSID,
			EscrowID:     in.EscrowID,
			Amount:       prior.Amount,
			Duplicate:    true,
		}, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}
	e, err := s.escrows.Get(ctx, in.EscrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != EscrowLocked {
		return nil, errs.Newf(errs.KindInvalidState, "SETTLE_026",
			"escrow %s is %s, settlement requires LOCKED", in.EscrowID, e.Status)
	}
	if in.Amount.Currency != e.Currency {
		return nil, errs.Newf(errs.KindValidation, "SETTLE_029",
			"escrow %s is kept in %s, not %s", in.EscrowID, e.Currency, in.Amount.Currency)
	}
	if in.Amount.AmountMinor > e.LockedMinor {
		return nil, errs.Newf(errs.KindInsufficientResource, "SETTLE_027",
			"escrow %s holds %d locked, cannot settle %d", in.EscrowID, e.LockedMinor, in.Amount.AmountMinor)
	}
	entry, duplicate, err := s.journal.Post(ctx, PostInput{
		Debit:          EscrowLockedAccount(e.ID),
		Credit:         DSPendingAccount(in.DSID),
		Amount:         in.Amount,
		Reference:      in.ContractID,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}
	result := &SettlementResult{
		SettlementID: entry.ID,
		ContractID:   in.ContractID,
		DSID:         in.DSID,
		EscrowID:     in.EscrowID,
		Amount:       entry.Amount,
		Duplicate:    duplicate,
	}
	if duplicate {
		return result, nil
	}

	e.LockedMinor -= in.Amount.AmountMinor
	e.ReleasedMinor += in.Amount.AmountMinor
	e.UpdatedAt = s.clock().UTC()
	if err := s.escrows.Update(ctx, e); err != nil {
		return nil, err
	}
	if _, err := s.balances.CreditPending(ctx, in.DSID, in.Amount, s.clock().UTC()); err != nil {
		return nil, err
	}

	detailsHash, err := audit.HashDetails(map[string]interface{}{
		"settlementId": entry.ID,
		"contractId":   in.ContractID,
		"dsId":         in.DSID,
		"escrowId":     in.EscrowID,
		"amountMinor":  in.Amount.AmountMinor,
		"currency":     in.Amount.Currency,
	})
	if err != nil {
		return nil, err
	}
	receipt, err := s.ledger.Append(ctx, audit.EventSettlementComplete, serviceActor,
		audit.ActorSystem, entry.ID, audit.ResourceSettlement, detailsHash)
	if err != nil {
		return nil, err
	}
	result.AuditReceiptID = receipt.ID

	if s.credits != nil {
		if err := s.credits.IssueFromSettlement(ctx, entry.ID, e.ID, in.DSID, in.Amount); err != nil {
			return nil, err
		}
	}

	if e.LockedMinor == 0 && e.Remainder() == 0 {
		e.Status = EscrowSettled
		e.UpdatedAt = s.clock().UTC()
		if err := s.escrows.Update(ctx, e); err != nil {
			return nil, err
		}
		if err := s.appendEscrowReceipt(ctx, audit.EventEscrowSettled, serviceActor,
			audit.ActorSystem, e, e.ReleasedMinor, ""); err != nil {
			return nil, err
		}
		s.logger.Info("escrow settled", "escrow_id", e.ID)
	}
	s.logger.Info("settlement complete",
		"settlement_id", entry.ID, "contract_id", in.ContractID, "ds_id", in.DSID,
		"amount", in.Amount.String())
	return result, nil
}

// CompleteContract moves every settled amount under a contract from pending
// to available. Safe to call repeatedly; already released settlements are
// skipped via the journal key. Returns the number of releases applied.
func (s *Service) CompleteContract(ctx context.Context, contractID string) (int, error) {
	if contractID == "" {
		return 0, errs.New(errs.KindValidation, "SETTLE_008", "contract id is empty")
	}
	entries, err := s.journal.EntriesByReference(ctx, contractID)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, entry := range entries {
		if !strings.HasSuffix(entry.CreditAccount, ":PENDING") {
			continue
		}
		dsID, ok := dsFromAccount(entry.CreditAccount)
		if !ok {
			continue
		}
		_, duplicate, err := s.journal.Post(ctx, PostInput{
			Debit:          DSPendingAccount(dsID),
			Credit:         DSAvailableAccount(dsID),
			Amount:         entry.Amount,
			Reference:      contractID,
			IdempotencyKey: "RELEASE:" + contractID + ":" + dsID,
		})
		if err != nil {
			return released, err
		}
		if duplicate {
			continue
		}
		if _, err := s.balances.ReleasePending(ctx, dsID, entry.Amount, s.clock().UTC()); err != nil {
			return released, err
		}
		released++
	}
	if released > 0 {
		s.logger.Info("contract balances released", "contract_id", contractID, "count", released)
	}
	return released, nil
}

// Refund returns unreleased funds to the requester: {FUNDED, LOCKED} →
// REFUNDED. Locked funds are unwound first so the journal mirrors the path
// the money took.
func (s *Service) Refund(ctx context.Context, escrowID, reason string) (*EscrowAccount, error) {
	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if e.Status != EscrowFunded && e.Status != EscrowLocked {
		return nil, errs.Newf(errs.KindInvalidState, "SETTLE_028",
			"escrow %s is %s, refund requires FUNDED or LOCKED", escrowID, e.Status)
	}
	if e.LockedMinor > 0 {
		unlock := Money{AmountMinor: e.LockedMinor, Currency: e.Currency, Scale: e.Scale}
		if _, _, err := s.journal.Post(ctx, PostInput{
			Debit:          EscrowLockedAccount(e.ID),
			Credit:         EscrowFundedAccount(e.ID),
			Amount:         unlock,
			Reference:      e.RequestID,
			IdempotencyKey: "UNLOCK:" + e.ID,
		}); err != nil {
			return nil, err
		}
		e.LockedMinor = 0
	}
	refundable := e.Remainder()
	if refundable <= 0 {
		return nil, errs.Newf(errs.KindInvalidState, "SETTLE_005",
			"escrow %s has nothing to refund", escrowID)
	}
	amount := Money{AmountMinor: refundable, Currency: e.Currency, Scale: e.Scale}
	if _, _, err := s.journal.Post(ctx, PostInput{
		Debit:          EscrowFundedAccount(e.ID),
		Credit:         RequesterCashAccount(e.RequesterID),
		Amount:         amount,
		Reference:      e.RequestID,
		IdempotencyKey: "REFUND:" + e.ID,
	}); err != nil {
		return nil, err
	}
	e.RefundedMinor += refundable
	e.Status = EscrowRefunded
	e.UpdatedAt = s.clock().UTC()
	if err := s.escrows.Update(ctx, e); err != nil {
		return nil, err
	}
	if err := s.appendEscrowReceipt(ctx, audit.EventEscrowRefunded, serviceActor,
		audit.ActorSystem, e, refundable, reason); err != nil {
		return nil, err
	}
	s.logger.Info("escrow refunded",
		"escrow_id", e.ID, "amount", amount.String(), "reason", reason)
	return e, nil
}

// PayoutInput is one payout request.
type PayoutInput struct {
	DSID            string
	Amount          Money
	Method          PayoutMethod
	DestinationHash string
}

// RequestPayout debits the DS's available balance, redeems the matching YC
// and records the instruction. Only the destination hash is stored.
func (s *Service) RequestPayout(ctx context.Context, in PayoutInput) (*Payout, error) {
	if err := requirePositive(in.Amount); err != nil {
		return nil, err
	}
	switch in.Method {
	case PayoutBank, PayoutPaypal, PayoutCrypto:
	default:
		return nil, errs.Newf(errs.KindValidation, "SETTLE_033", "unknown payout method %q", in.Method)
	}
	if in.DestinationHash == "" {
		return nil, errs.New(errs.KindValidation, "SETTLE_034", "payout needs a destination hash")
	}
	if in.DSID == "" {
		return nil, errs.New(errs.KindValidation, "SETTLE_009", "payout needs a ds id")
	}
	now := s.clock().UTC()
	payout := &Payout{
		ID:              uuid.New().String(),
		DSID:            in.DSID,
		Amount:          in.Amount,
		Method:          in.Method,
		DestinationHash: in.DestinationHash,
		Status:          PayoutPending,
		RequestedAt:     now,
	}
	if err := s.payouts.Create(ctx, payout); err != nil {
		return nil, err
	}
	if _, _, err := s.journal.Post(ctx, PostInput{
		Debit:          DSAvailableAccount(in.DSID),
		Credit:         DSPaidOutAccount(in.DSID),
		Amount:         in.Amount,
		Reference:      payout.ID,
		IdempotencyKey: "PAYOUT:" + payout.ID,
	}); err != nil {
		return nil, err
	}
	if _, err := s.balances.DebitAvailable(ctx, in.DSID, in.Amount, now); err != nil {
		return nil, err
	}
	if s.credits != nil {
		if err := s.credits.RedeemForPayout(ctx, payout.ID, in.DSID, in.Amount); err != nil {
			return nil, err
		}
	}
	payout.Status = PayoutCompleted
	payout.CompletedAt = s.clock().UTC()
	if err := s.payouts.Update(ctx, payout); err != nil {
		return nil, err
	}
	s.logger.Info("payout completed",
		"payout_id", payout.ID, "ds_id", in.DSID, "amount", in.Amount.String(), "method", in.Method)
	return payout, nil
}

// GetEscrow returns an escrow by id.
func (s *Service) GetEscrow(ctx context.Context, id string) (*EscrowAccount, error) {
	return s.escrows.Get(ctx, id)
}

// GetEscrowByRequest returns the escrow opened for a request.
func (s *Service) GetEscrowByRequest(ctx context.Context, requestID string) (*EscrowAccount, error) {
	return s.escrows.GetByRequest(ctx, requestID)
}

// ReleasedAmount reports how much an escrow has released. The YC ledger
// reconciles issuance totals against it.
func (s *Service) ReleasedAmount(ctx context.Context, escrowID string) (Money, error) {
	e, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return Money{}, err
	}
	return e.Released(), nil
}

// GetBalance returns a DS's balance.
func (s *Service) GetBalance(ctx context.Context, dsID string) (*DSBalance, error) {
	return s.balances.Get(ctx, dsID)
}

// GetPayout returns a payout instruction.
func (s *Service) GetPayout(ctx context.Context, id string) (*Payout, error) {
	return s.payouts.Get(ctx, id)
}

// ListPayouts returns a DS's payout instructions, oldest first.
func (s *Service) ListPayouts(ctx context.Context, dsID string) ([]*Payout, error) {
	return s.payouts.ListByDS(ctx, dsID)
}

func (s *Service) appendEscrowReceipt(ctx context.Context, eventType, actorID string,
	actorType audit.ActorType, e *EscrowAccount, amountMinor int64, reason string) error {
	details := map[string]interface{}{
		"escrowId":    e.ID,
		"requestId":   e.RequestID,
		"amountMinor": amountMinor,
		"currency":    e.Currency,
	}
	if reason != "" {
		details["reason"] = reason
	}
	detailsHash, err := audit.HashDetails(details)
	if err != nil {
		return err
	}
	_, err = s.ledger.Append(ctx, eventType, actorID, actorType, e.ID, audit.ResourceEscrow, detailsHash)
	return err
}
