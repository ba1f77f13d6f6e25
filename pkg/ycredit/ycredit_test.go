package ycredit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/errs"
	"github.com/datapact/core/pkg/settlement"
)

// fakeEscrowView reports a fixed released amount per escrow.
type fakeEscrowView struct {
	released map[string]int64
}

func (v *fakeEscrowView) ReleasedAmount(_ context.Context, escrowID string) (settlement.Money, error) {
	minor, ok := v.released[escrowID]
	if !ok {
		return settlement.Money{}, settlement.ErrEscrowNotFound
	}
	return settlement.NewMoney(minor, "YC"), nil
}

type creditFixture struct {
	ledger *Ledger
	store  *MemoryTokenStore
	escrow *fakeEscrowView
	audit  *audit.MemoryStore
	now    time.Time
}

func newCreditFixture(t *testing.T) *creditFixture {
	t.Helper()
	f := &creditFixture{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.store = NewMemoryTokenStore()
	f.escrow = &fakeEscrowView{released: map[string]int64{"esc-1": 100}}
	f.audit = audit.NewMemoryStore()
	auditLedger := audit.NewLedger(f.audit, nil).WithClock(clock)

	ledger, err := NewLedger(f.store, f.escrow, auditLedger, DefaultConfig(), nil)
	require.NoError(t, err)
	f.ledger = ledger.WithClock(clock)
	return f
}

func (f *creditFixture) receipts(t *testing.T, eventType string) []*audit.Receipt {
	t.Helper()
	rs, err := f.audit.Query(context.Background(), audit.QueryFilter{EventType: eventType})
	require.NoError(t, err)
	return rs
}

func (f *creditFixture) balance(t *testing.T, dsID string) int64 {
	t.Helper()
	m, err := f.ledger.Balance(context.Background(), dsID)
	require.NoError(t, err)
	assert.Equal(t, "YC", m.Currency)
	return m.AmountMinor
}

func yc(minor int64) settlement.Money { return settlement.NewMoney(minor, "YC") }

func TestIssueFromSettlement(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	err := f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", yc(60))
	require.NoError(t, err)
	assert.Equal(t, int64(60), f.balance(t, "ds-1"))

	rs := f.receipts(t, audit.EventYCIssued)
	require.Len(t, rs, 1)
	assert.Equal(t, "ds-1", rs[0].ResourceID)
	assert.Equal(t, audit.ResourceYCAccount, rs[0].ResourceType)
	assert.Equal(t, audit.ActorSystem, rs[0].ActorType)

	// Replaying the same settlement issues nothing and audits nothing new.
	err = f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", yc(60))
	require.NoError(t, err)
	assert.Equal(t, int64(60), f.balance(t, "ds-1"))
	assert.Len(t, f.receipts(t, audit.EventYCIssued), 1)

	history, err := f.ledger.History(ctx, "ds-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, OpIssuance, history[0].OperationType)
	assert.Equal(t, "SETTLEMENT", history[0].ReferenceType)
	assert.Equal(t, "esc-1", history[0].EscrowID)
	assert.Equal(t, f.now, history[0].CreatedAt)
}

func TestIssueReplayAfterEscrowFullyIssued(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	// Exhaust the escrow backing across two settlements.
	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", yc(60)))
	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-2", "esc-1", "ds-2", yc(40)))

	// Replays no-op even though the escrow has nothing left to back.
	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", yc(60)))
	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-2", "esc-1", "ds-2", yc(40)))
	assert.Equal(t, int64(60), f.balance(t, "ds-1"))
	assert.Equal(t, int64(40), f.balance(t, "ds-2"))

	// A fresh settlement against the exhausted escrow still fails.
	err := f.ledger.IssueFromSettlement(ctx, "set-3", "esc-1", "ds-3", yc(1))
	assert.Equal(t, "YC_005", errs.CodeOf(err))
}

func TestIssueValidation(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	err := f.ledger.IssueFromSettlement(ctx, "", "esc-1", "ds-1", yc(10))
	assert.Equal(t, "YC_004", errs.CodeOf(err))

	err = f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", settlement.NewMoney(10, "USD"))
	assert.Equal(t, "YC_002", errs.CodeOf(err))

	err = f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", yc(0))
	assert.Equal(t, "YC_003", errs.CodeOf(err))

	_, err = NewLedger(NewMemoryTokenStore(), nil, nil, DefaultConfig(), nil)
	assert.Equal(t, "YC_001", errs.CodeOf(err))
}

func TestIssueCannotExceedReleased(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", yc(80)))

	err := f.ledger.IssueFromSettlement(ctx, "set-2", "esc-1", "ds-2", yc(30))
	assert.Equal(t, "YC_005", errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindInvalidState))
	assert.Zero(t, f.balance(t, "ds-2"))

	// The remaining 20 still fits.
	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-3", "esc-1", "ds-2", yc(20)))
	assert.Equal(t, int64(20), f.balance(t, "ds-2"))
}

func TestRedeemForPayout(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", yc(100)))

	err := f.ledger.RedeemForPayout(ctx, "pay-1", "ds-1", yc(40))
	require.NoError(t, err)
	assert.Equal(t, int64(60), f.balance(t, "ds-1"))

	rs := f.receipts(t, audit.EventYCRedeemed)
	require.Len(t, rs, 1)

	// Replay is a no-op.
	require.NoError(t, f.ledger.RedeemForPayout(ctx, "pay-1", "ds-1", yc(40)))
	assert.Equal(t, int64(60), f.balance(t, "ds-1"))
	assert.Len(t, f.receipts(t, audit.EventYCRedeemed), 1)

	// Remaining balance will not cover 100.
	err = f.ledger.RedeemForPayout(ctx, "pay-2", "ds-1", yc(100))
	assert.Equal(t, "YC_007", errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindInsufficientResource))

	err = f.ledger.RedeemForPayout(ctx, "", "ds-1", yc(10))
	assert.Equal(t, "YC_006", errs.CodeOf(err))
}

func TestClawbackDrivesBalanceNegative(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", yc(50)))
	require.NoError(t, f.ledger.RedeemForPayout(ctx, "pay-1", "ds-1", yc(50)))
	assert.Zero(t, f.balance(t, "ds-1"))

	// The dispute outcome binds even though the credits are already spent.
	err := f.ledger.Clawback(ctx, "disp-1", "ds-1", yc(30))
	require.NoError(t, err)
	assert.Equal(t, int64(-30), f.balance(t, "ds-1"))

	rs := f.receipts(t, audit.EventYCClawback)
	require.Len(t, rs, 1)

	// Replay claws back nothing further.
	require.NoError(t, f.ledger.Clawback(ctx, "disp-1", "ds-1", yc(30)))
	assert.Equal(t, int64(-30), f.balance(t, "ds-1"))
	assert.Len(t, f.receipts(t, audit.EventYCClawback), 1)

	err = f.ledger.Clawback(ctx, "", "ds-1", yc(10))
	assert.Equal(t, "YC_008", errs.CodeOf(err))
}

func TestTransferDisabledIsRejectedAndAudited(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", yc(100)))
	require.False(t, f.ledger.TransfersEnabled())

	err := f.ledger.Transfer(ctx, TransferInput{
		TransferID: "tr-1", FromDSID: "ds-1", ToDSID: "ds-2", Amount: yc(40),
	})
	require.Error(t, err)
	assert.Equal(t, "YC_TRANSFER_DISABLED", errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindPolicyDenied))

	// The rejection itself leaves an audit trail; no credits move.
	rs := f.receipts(t, audit.EventYCTransferRejected)
	require.Len(t, rs, 1)
	assert.Equal(t, "ds-1", rs[0].ResourceID)
	assert.Equal(t, int64(100), f.balance(t, "ds-1"))
	assert.Zero(t, f.balance(t, "ds-2"))
}

func TestTransferWhenEnabled(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", yc(100)))

	f.ledger.SetTransfersEnabled(true)
	require.True(t, f.ledger.TransfersEnabled())

	err := f.ledger.Transfer(ctx, TransferInput{
		TransferID: "tr-1", FromDSID: "ds-1", ToDSID: "ds-2", Amount: yc(40),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(60), f.balance(t, "ds-1"))
	assert.Equal(t, int64(40), f.balance(t, "ds-2"))
	assert.Empty(t, f.receipts(t, audit.EventYCTransferRejected))

	// Replaying the transfer moves nothing twice.
	require.NoError(t, f.ledger.Transfer(ctx, TransferInput{
		TransferID: "tr-1", FromDSID: "ds-1", ToDSID: "ds-2", Amount: yc(40),
	}))
	assert.Equal(t, int64(60), f.balance(t, "ds-1"))
	assert.Equal(t, int64(40), f.balance(t, "ds-2"))

	err = f.ledger.Transfer(ctx, TransferInput{
		TransferID: "tr-2", FromDSID: "ds-1", ToDSID: "ds-2", Amount: yc(500),
	})
	assert.Equal(t, "YC_007", errs.CodeOf(err))

	err = f.ledger.Transfer(ctx, TransferInput{
		TransferID: "tr-3", FromDSID: "ds-1", ToDSID: "ds-1", Amount: yc(10),
	})
	assert.Equal(t, "YC_010", errs.CodeOf(err))

	err = f.ledger.Transfer(ctx, TransferInput{FromDSID: "ds-1", ToDSID: "ds-2", Amount: yc(10)})
	assert.Equal(t, "YC_009", errs.CodeOf(err))
}

func TestReconcileAgainstEscrow(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", yc(60)))
	err := f.ledger.Reconcile(ctx, "esc-1")
	assert.Equal(t, "YC_011", errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindIntegrity))

	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-2", "esc-1", "ds-2", yc(40)))
	assert.NoError(t, f.ledger.Reconcile(ctx, "esc-1"))

	err = f.ledger.Reconcile(ctx, "esc-missing")
	assert.ErrorIs(t, err, settlement.ErrEscrowNotFound)
}

func TestHistoryKeepsInsertionOrder(t *testing.T) {
	f := newCreditFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.IssueFromSettlement(ctx, "set-1", "esc-1", "ds-1", yc(100)))
	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.ledger.RedeemForPayout(ctx, "pay-1", "ds-1", yc(25)))
	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.ledger.Clawback(ctx, "disp-1", "ds-1", yc(10)))

	history, err := f.ledger.History(ctx, "ds-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, OpIssuance, history[0].OperationType)
	assert.Equal(t, OpRedemption, history[1].OperationType)
	assert.Equal(t, OpClawback, history[2].OperationType)
	assert.Equal(t, int64(65), f.balance(t, "ds-1"))
}

func TestMemoryTokenStoreDedupe(t *testing.T) {
	store := NewMemoryTokenStore()
	ctx := context.Background()

	first := &Token{ID: "t-1", DSID: "ds-1", AmountMinor: 10, Currency: "YC",
		OperationType: OpIssuance, EscrowID: "esc-1", IdempotencyKey: "k-1"}
	stored, dup, err := store.Insert(ctx, first)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "t-1", stored.ID)

	second := &Token{ID: "t-2", DSID: "ds-1", AmountMinor: 99, Currency: "YC",
		OperationType: OpIssuance, IdempotencyKey: "k-1"}
	stored, dup, err = store.Insert(ctx, second)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "t-1", stored.ID)
	assert.Equal(t, int64(10), stored.AmountMinor)

	sum, err := store.SumByDS(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum)

	issued, err := store.SumIssuedByEscrow(ctx, "esc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), issued)
}
