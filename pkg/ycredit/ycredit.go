// Package ycredit keeps the YC credit ledger: an append-only token stream
// per data sovereign whose signed amounts sum to the DS's credit balance.
// Credits are issued from escrow settlements, redeemed by payouts, clawed
// back by disputes, and are not peer-transferable unless governance enables
// transfers.
package ycredit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/errs"
	"github.com/datapact/core/pkg/settlement"
)

// OperationType classifies a token.
type OperationType string

const (
	OpIssuance   OperationType = "ISSUANCE"
	OpRedemption OperationType = "REDEMPTION"
	OpClawback   OperationType = "CLAWBACK"
	OpAdjustment OperationType = "ADJUSTMENT"
)

// Token is one ledger line. Amount is signed: positive for issuance,
// negative for redemption and clawback.
type Token struct {
	ID             string        `json:"id"`
	DSID           string        `json:"dsId"`
	AmountMinor    int64         `json:"amountMinor"`
	Currency       string        `json:"currency"`
	OperationType  OperationType `json:"operationType"`
	ReferenceID    string        `json:"referenceId"`
	ReferenceType  string        `json:"referenceType"`
	EscrowID       string        `json:"escrowId,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// TokenStore persists tokens. Insert reports whether the idempotency key
// was already present; when it was, the stored token is returned untouched.
// GetByKey returns ErrTokenNotFound for unknown keys.
type TokenStore interface {
	Insert(ctx context.Context, t *Token) (*Token, bool, error)
	GetByKey(ctx context.Context, idempotencyKey string) (*Token, error)
	SumByDS(ctx context.Context, dsID string) (int64, error)
	SumIssuedByEscrow(ctx context.Context, escrowID string) (int64, error)
	ListByDS(ctx context.Context, dsID string) ([]*Token, error)
}

// EscrowView is the slice of the settlement service the credit ledger
// needs: how much an escrow has released.
type EscrowView interface {
	ReleasedAmount(ctx context.Context, escrowID string) (settlement.Money, error)
}

// Config tunes the credit ledger.
type Config struct {
	Currency         string
	TransfersEnabled bool
}

// DefaultConfig returns the credit defaults. Transfers stay off until
// governance flips them.
func DefaultConfig() Config {
	return Config{Currency: "YC", TransfersEnabled: false}
}

// Ledger is the YC credit ledger.
type Ledger struct {
	store  TokenStore
	escrow EscrowView
	audit  *audit.Ledger
	logger *slog.Logger
	clock  func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// NewLedger wires the credit ledger. The escrow view is mandatory: every
// issuance is reconciled against released escrow funds.
func NewLedger(store TokenStore, escrow EscrowView, auditLedger *audit.Ledger,
	cfg Config, logger *slog.Logger) (*Ledger, error) {
	if escrow == nil {
		return nil, errs.New(errs.KindValidation, "YC_001", "credit ledger needs an escrow view")
	}
	if store == nil {
		store = NewMemoryTokenStore()
	}
	if cfg.Currency == "" {
		cfg.Currency = "YC"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		escrow: escrow,
		audit:  auditLedger,
		logger: logger.With("component", "ycredit.ledger"),
		clock:  time.Now,
		cfg:    cfg,
	}, nil
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// SetTransfersEnabled flips the governance transfer switch.
func (l *Ledger) SetTransfersEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.TransfersEnabled = enabled
}

// TransfersEnabled reports the governance transfer switch.
func (l *Ledger) TransfersEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.TransfersEnabled
}

func (l *Ledger) checkAmount(amount settlement.Money) error {
	if amount.Currency != l.cfg.Currency {
		return errs.Newf(errs.KindValidation, "YC_002",
			"credits are kept in %s, not %s", l.cfg.Currency, amount.Currency)
	}
	if !amount.IsPositive() {
		return errs.Newf(errs.KindValidation, "YC_003",
			"credit amount must be positive, got %s", amount)
	}
	return nil
}

// IssueFromSettlement issues credits backed by released escrow funds. The
// issuance total for the escrow can never exceed what it released. Replays
// under the same settlement are no-ops.
func (l *Ledger) IssueFromSettlement(ctx context.Context, settlementID, escrowID, dsID string, amount settlement.Money) error {
	if settlementID == "" || escrowID == "" || dsID == "" {
		return errs.New(errs.KindValidation, "YC_004", "issuance needs a settlement, an escrow and a ds")
	}
	if err := l.checkAmount(amount); err != nil {
		return err
	}
	// A replayed settlement must no-op before the backing check: its own
	// prior issuance is already counted in SumIssuedByEscrow.
	idempotencyKey := "ISSUE:" + settlementID + ":" + dsID
	if _, err := l.store.GetByKey(ctx, idempotencyKey); err == nil {
		return nil
	} else if !errs.IsKind(err, errs.KindNotFound) {
		return err
	}
	released, err := l.escrow.ReleasedAmount(ctx, escrowID)
	if err != nil {
		return err
	}
	issued, err := l.store.SumIssuedByEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	if issued+amount.AmountMinor > released.AmountMinor {
		return errs.Newf(errs.KindInvalidState, "YC_005",
			"escrow %s released %d, cannot back %d of issuance", escrowID, released.AmountMinor, issued+amount.AmountMinor)
	}
	token := &Token{
		ID:             uuid.New().String(),
		DSID:           dsID,
		AmountMinor:    amount.AmountMinor,
		Currency:       l.cfg.Currency,
		OperationType:  OpIssuance,
		ReferenceID:    settlementID,
		ReferenceType:  "SETTLEMENT",
		EscrowID:       escrowID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      l.clock().UTC(),
	}
	stored, duplicate, err := l.store.Insert(ctx, token)
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}
	if err := l.appendReceipt(ctx, audit.EventYCIssued, dsID, map[string]interface{}{
		"tokenId":      stored.ID,
		"dsId":         dsID,
		"amountMinor":  stored.AmountMinor,
		"settlementId": settlementID,
		"escrowId":     escrowID,
	}); err != nil {
		return err
	}
	l.logger.Info("credits issued",
		"ds_id", dsID, "amount", amount.String(), "settlement_id", settlementID)
	return nil
}

// RedeemForPayout burns credits against a payout. The DS must hold at
// least the redeemed amount.
func (l *Ledger) RedeemForPayout(ctx context.Context, payoutID, dsID string, amount settlement.Money) error {
	if payoutID == "" || dsID == "" {
		return errs.New(errs.KindValidation, "YC_006", "redemption needs a payout and a ds")
	}
	if err := l.checkAmount(amount); err != nil {
		return err
	}
	balance, err := l.store.SumByDS(ctx, dsID)
	if err != nil {
		return err
	}
	if balance < amount.AmountMinor {
		return errs.Newf(errs.KindInsufficientResource, "YC_007",
			"ds %s holds %d credits, cannot redeem %d", dsID, balance, amount.AmountMinor)
	}
	token := &Token{
		ID:             uuid.New().String(),
		DSID:           dsID,
		AmountMinor:    -amount.AmountMinor,
		Currency:       l.cfg.Currency,
		OperationType:  OpRedemption,
		ReferenceID:    payoutID,
		ReferenceType:  "PAYOUT",
		IdempotencyKey: "REDEEM:" + payoutID + ":" + dsID,
		CreatedAt:      l.clock().UTC(),
	}
	stored, duplicate, err := l.store.Insert(ctx, token)
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}
	if err := l.appendReceipt(ctx, audit.EventYCRedeemed, dsID, map[string]interface{}{
		"tokenId":     stored.ID,
		"dsId":        dsID,
		"amountMinor": stored.AmountMinor,
		"payoutId":    payoutID,
	}); err != nil {
		return err
	}
	l.logger.Info("credits redeemed",
		"ds_id", dsID, "amount", amount.String(), "payout_id", payoutID)
	return nil
}

// Clawback reverses credits under a dispute. Unlike redemption it applies
// even when it drives the balance negative: the dispute outcome binds the
// DS regardless of what they have already redeemed.
func (l *Ledger) Clawback(ctx context.Context, disputeID, dsID string, amount settlement.Money) error {
	if disputeID == "" || dsID == "" {
		return errs.New(errs.KindValidation, "YC_008", "clawback needs a dispute and a ds")
	}
	if err := l.checkAmount(amount); err != nil {
		return err
	}
	token := &Token{
		ID:             uuid.New().String(),
		DSID:           dsID,
		AmountMinor:    -amount.AmountMinor,
		Currency:       l.cfg.Currency,
		OperationType:  OpClawback,
		ReferenceID:    disputeID,
		ReferenceType:  "DISPUTE",
		IdempotencyKey: "CLAWBACK:" + disputeID + ":" + dsID,
		CreatedAt:      l.clock().UTC(),
	}
	stored, duplicate, err := l.store.Insert(ctx, token)
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}
	if err := l.appendReceipt(ctx, audit.EventYCClawback, dsID, map[string]interface{}{
		"tokenId":     stored.ID,
		"dsId":        dsID,
		"amountMinor": stored.AmountMinor,
		"disputeId":   disputeID,
	}); err != nil {
		return err
	}
	l.logger.Warn("credits clawed back",
		"ds_id", dsID, "amount", amount.String(), "dispute_id", disputeID)
	return nil
}

// TransferInput is one peer transfer attempt.
type TransferInput struct {
	TransferID string
	FromDSID   string
	ToDSID     string
	Amount     settlement.Money
}

// Transfer moves credits between data sovereigns. Credits are
// non-transferable while governance keeps the switch off: the attempt is
// rejected and the rejection itself is audited.
func (l *Ledger) Transfer(ctx context.Context, in TransferInput) error {
	if in.TransferID == "" || in.FromDSID == "" || in.ToDSID == "" {
		return errs.New(errs.KindValidation, "YC_009", "transfer needs a transfer id and both parties")
	}
	if in.FromDSID == in.ToDSID {
		return errs.New(errs.KindValidation, "YC_010", "transfer to self")
	}
	if err := l.checkAmount(in.Amount); err != nil {
		return err
	}
	if !l.TransfersEnabled() {
		if err := l.appendReceipt(ctx, audit.EventYCTransferRejected, in.FromDSID, map[string]interface{}{
			"transferId":  in.TransferID,
			"fromDsId":    in.FromDSID,
			"toDsId":      in.ToDSID,
			"amountMinor": in.Amount.AmountMinor,
			"reason":      "transfers disabled by governance",
		}); err != nil {
			return err
		}
		l.logger.Warn("credit transfer rejected",
			"transfer_id", in.TransferID, "from", in.FromDSID, "to", in.ToDSID)
		return errs.Newf(errs.KindPolicyDenied, "YC_TRANSFER_DISABLED",
			"credit transfers are disabled, transfer %s rejected", in.TransferID)
	}
	balance, err := l.store.SumByDS(ctx, in.FromDSID)
	if err != nil {
		return err
	}
	if balance < in.Amount.AmountMinor {
		return errs.Newf(errs.KindInsufficientResource, "YC_007",
			"ds %s holds %d credits, cannot transfer %d", in.FromDSID, balance, in.Amount.AmountMinor)
	}
	now := l.clock().UTC()
	out := &Token{
		ID:             uuid.New().String(),
		DSID:           in.FromDSID,
		AmountMinor:    -in.Amount.AmountMinor,
		Currency:       l.cfg.Currency,
		OperationType:  OpAdjustment,
		ReferenceID:    in.TransferID,
		ReferenceType:  "TRANSFER",
		IdempotencyKey: "TRANSFER:" + in.TransferID + ":OUT",
		CreatedAt:      now,
	}
	incoming := &Token{
		ID:             uuid.New().String(),
		DSID:           in.ToDSID,
		AmountMinor:    in.Amount.AmountMinor,
		Currency:       l.cfg.Currency,
		OperationType:  OpAdjustment,
		ReferenceID:    in.TransferID,
		ReferenceType:  "TRANSFER",
		IdempotencyKey: "TRANSFER:" + in.TransferID + ":IN",
		CreatedAt:      now,
	}
	// Both legs insert under their own key so a replay after a partial
	// write completes the pair instead of dropping the incoming leg.
	if _, _, err := l.store.Insert(ctx, out); err != nil {
		return err
	}
	if _, _, err := l.store.Insert(ctx, incoming); err != nil {
		return err
	}
	l.logger.Info("credits transferred",
		"transfer_id", in.TransferID, "from", in.FromDSID, "to", in.ToDSID,
		"amount", in.Amount.String())
	return nil
}

// Balance returns a DS's credit balance.
func (l *Ledger) Balance(ctx context.Context, dsID string) (settlement.Money, error) {
	sum, err := l.store.SumByDS(ctx, dsID)
	if err != nil {
		return settlement.Money{}, err
	}
	return settlement.NewMoney(sum, l.cfg.Currency), nil
}

// History returns a DS's tokens, oldest first.
func (l *Ledger) History(ctx context.Context, dsID string) ([]*Token, error) {
	return l.store.ListByDS(ctx, dsID)
}

// Reconcile checks one escrow: the sum of its issuance tokens must equal
// the funds it released. A mismatch is an integrity failure.
func (l *Ledger) Reconcile(ctx context.Context, escrowID string) error {
	released, err := l.escrow.ReleasedAmount(ctx, escrowID)
	if err != nil {
		return err
	}
	issued, err := l.store.SumIssuedByEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	if issued != released.AmountMinor {
		return errs.Newf(errs.KindIntegrity, "YC_011",
			"escrow %s released %d but %d credits were issued", escrowID, released.AmountMinor, issued)
	}
	return nil
}

func (l *Ledger) appendReceipt(ctx context.Context, eventType, dsID string, details map[string]interface{}) error {
	detailsHash, err := audit.HashDetails(details)
	if err != nil {
		return err
	}
	_, err = l.audit.Append(ctx, eventType, "ycredit-ledger", audit.ActorSystem,
		dsID, audit.ResourceYCAccount, detailsHash)
	return err
}
