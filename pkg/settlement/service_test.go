package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/errs"
)

type issueCall struct {
	settlementID, escrowID, dsID string
	amount                       Money
}

type redeemCall struct {
	payoutID, dsID string
	amount         Money
}

type fakeCredits struct {
	issued   []issueCall
	redeemed []redeemCall
	issueErr error
}

func (c *fakeCredits) IssueFromSettlement(_ context.Context, settlementID, escrowID, dsID string, amount Money) error {
	if c.issueErr != nil {
		return c.issueErr
	}
	c.issued = append(c.issued, issueCall{settlementID, escrowID, dsID, amount})
	return nil
}

func (c *fakeCredits) RedeemForPayout(_ context.Context, payoutID, dsID string, amount Money) error {
	c.redeemed = append(c.redeemed, redeemCall{payoutID, dsID, amount})
	return nil
}

type settleFixture struct {
	service  *Service
	journal  *Journal
	balances *MemoryBalanceStore
	audit    *audit.MemoryStore
	credits  *fakeCredits
	now      time.Time
}

func newSettleFixture(t *testing.T) *settleFixture {
	t.Helper()
	f := &settleFixture{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.audit = audit.NewMemoryStore()
	ledger := audit.NewLedger(f.audit, nil).WithClock(clock)
	f.journal = NewJournal(NewMemoryJournal(), nil).WithClock(clock)
	f.balances = NewMemoryBalanceStore()
	f.credits = &fakeCredits{}
	f.service = NewService(f.journal, NewMemoryEscrowStore(), f.balances,
		NewMemoryPayoutStore(), ledger, nil).WithClock(clock).WithCredits(f.credits)
	return f
}

func (f *settleFixture) receipts(t *testing.T, eventType string) []*audit.Receipt {
	t.Helper()
	rs, err := f.audit.Query(context.Background(), audit.QueryFilter{EventType: eventType})
	require.NoError(t, err)
	return rs
}

// lockedEscrow opens, funds and fully locks an escrow.
func (f *settleFixture) lockedEscrow(t *testing.T, amount int64) *EscrowAccount {
	t.Helper()
	ctx := context.Background()
	e, err := f.service.CreateEscrow(ctx, "rq-1", "req-1")
	require.NoError(t, err)
	e, err = f.service.Fund(ctx, e.ID, NewMoney(amount, "YC"))
	require.NoError(t, err)
	e, err = f.service.Lock(ctx, e.ID, NewMoney(amount, "YC"))
	require.NoError(t, err)
	return e
}

func TestEscrowStraightThrough(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	e := f.lockedEscrow(t, 100)
	assert.Equal(t, EscrowLocked, e.Status)

	// Ten participants settle ten credits each.
	for i := 0; i < 10; i++ {
		dsID := string(rune('a'+i)) + "-ds"
		res, err := f.service.ProcessSettlement(ctx, SettlementInput{
			ContractID: "contract-1", DSID: dsID, EscrowID: e.ID, Amount: NewMoney(10, "YC"),
		})
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.NotEmpty(t, res.SettlementID)
		assert.NotEmpty(t, res.AuditReceiptID)
	}

	got, err := f.service.GetEscrow(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, EscrowSettled, got.Status)
	assert.Equal(t, int64(100), got.ReleasedMinor)
	assert.Zero(t, got.LockedMinor)
	assert.Zero(t, got.Remainder())

	assert.Len(t, f.receipts(t, audit.EventEscrowFunded), 1)
	assert.Len(t, f.receipts(t, audit.EventEscrowLocked), 1)
	assert.Len(t, f.receipts(t, audit.EventSettlementComplete), 10)
	assert.Len(t, f.receipts(t, audit.EventEscrowSettled), 1)
	assert.Len(t, f.credits.issued, 10)

	b, err := f.service.GetBalance(ctx, "a-ds")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.PendingMinor)
	assert.Equal(t, int64(10), b.EarnedMinor)
	assert.Zero(t, b.AvailableMinor)
}

func TestEscrowStateGates(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()

	e, err := f.service.CreateEscrow(ctx, "rq-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, EscrowPending, e.Status)

	// Settlement and lock both need earlier transitions first.
	_, err = f.service.Lock(ctx, e.ID, NewMoney(10, "YC"))
	assert.Equal(t, "SETTLE_024", errs.CodeOf(err))
	_, err = f.service.ProcessSettlement(ctx, SettlementInput{
		ContractID: "c", DSID: "ds", EscrowID: e.ID, Amount: NewMoney(10, "YC"),
	})
	assert.Equal(t, "SETTLE_026", errs.CodeOf(err))

	_, err = f.service.Fund(ctx, e.ID, NewMoney(100, "YC"))
	require.NoError(t, err)
	_, err = f.service.Fund(ctx, e.ID, NewMoney(100, "YC"))
	assert.Equal(t, "SETTLE_023", errs.CodeOf(err))

	_, err = f.service.Lock(ctx, e.ID, NewMoney(500, "YC"))
	assert.Equal(t, "SETTLE_025", errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindInsufficientResource))

	_, err = f.service.Lock(ctx, e.ID, NewMoney(100, "USD"))
	assert.Equal(t, "SETTLE_029", errs.CodeOf(err))
}

func TestCreateEscrowUniquePerRequest(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateEscrow(ctx, "rq-1", "req-1")
	require.NoError(t, err)
	_, err = f.service.CreateEscrow(ctx, "rq-2", "req-1")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDuplicate))
}

func TestSettlementCannotExceedLocked(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	e := f.lockedEscrow(t, 50)

	_, err := f.service.ProcessSettlement(ctx, SettlementInput{
		ContractID: "contract-1", DSID: "ds-1", EscrowID: e.ID, Amount: NewMoney(60, "YC"),
	})
	require.Error(t, err)
	assert.Equal(t, "SETTLE_027", errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindInsufficientResource))
}

func TestSettlementReplayIsANoOp(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	e := f.lockedEscrow(t, 100)

	in := SettlementInput{ContractID: "contract-1", DSID: "ds-1", EscrowID: e.ID, Amount: NewMoney(100, "YC")}
	first, err := f.service.ProcessSettlement(ctx, in)
	require.NoError(t, err)

	// The escrow fully settled above; the replay still answers with the
	// prior posting instead of a state error.
	second, err := f.service.ProcessSettlement(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.SettlementID, second.SettlementID)

	assert.Len(t, f.receipts(t, audit.EventSettlementComplete), 1)
	assert.Len(t, f.credits.issued, 1)
	b, err := f.service.GetBalance(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.PendingMinor)
}

func TestCompleteContractReleasesPending(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	e := f.lockedEscrow(t, 100)

	for _, dsID := range []string{"ds-1", "ds-2"} {
		_, err := f.service.ProcessSettlement(ctx, SettlementInput{
			ContractID: "contract-1", DSID: dsID, EscrowID: e.ID, Amount: NewMoney(50, "YC"),
		})
		require.NoError(t, err)
	}

	released, err := f.service.CompleteContract(ctx, "contract-1")
	require.NoError(t, err)
	assert.Equal(t, 2, released)

	for _, dsID := range []string{"ds-1", "ds-2"} {
		b, err := f.service.GetBalance(ctx, dsID)
		require.NoError(t, err)
		assert.Equal(t, int64(50), b.AvailableMinor)
		assert.Zero(t, b.PendingMinor)
		assert.Equal(t, b.EarnedMinor-b.PaidOutMinor, b.AvailableMinor+b.PendingMinor)
	}

	// Completion is idempotent.
	released, err = f.service.CompleteContract(ctx, "contract-1")
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestRefundUnwindsLockedFunds(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	e := f.lockedEscrow(t, 100)

	_, err := f.service.ProcessSettlement(ctx, SettlementInput{
		ContractID: "contract-1", DSID: "ds-1", EscrowID: e.ID, Amount: NewMoney(40, "YC"),
	})
	require.NoError(t, err)

	refunded, err := f.service.Refund(ctx, e.ID, "contract terminated early")
	require.NoError(t, err)
	assert.Equal(t, EscrowRefunded, refunded.Status)
	assert.Equal(t, int64(40), refunded.ReleasedMinor)
	assert.Equal(t, int64(60), refunded.RefundedMinor)
	assert.Zero(t, refunded.LockedMinor)
	assert.Zero(t, refunded.Remainder())
	assert.Len(t, f.receipts(t, audit.EventEscrowRefunded), 1)

	// The unwind shows up in the journal as locked going back to funded.
	unlock, err := f.journal.Lookup(ctx, "UNLOCK:"+e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), unlock.Amount.AmountMinor)
	refund, err := f.journal.Lookup(ctx, "REFUND:"+e.ID)
	require.NoError(t, err)
	assert.Equal(t, RequesterCashAccount("rq-1"), refund.CreditAccount)

	_, err = f.service.Refund(ctx, e.ID, "again")
	assert.Equal(t, "SETTLE_028", errs.CodeOf(err))
}

func TestRefundFromFunded(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()

	e, err := f.service.CreateEscrow(ctx, "rq-1", "req-1")
	require.NoError(t, err)
	_, err = f.service.Fund(ctx, e.ID, NewMoney(100, "YC"))
	require.NoError(t, err)

	refunded, err := f.service.Refund(ctx, e.ID, "request rejected at screening")
	require.NoError(t, err)
	assert.Equal(t, EscrowRefunded, refunded.Status)
	assert.Equal(t, int64(100), refunded.RefundedMinor)
}

func TestPayoutLifecycle(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	e := f.lockedEscrow(t, 100)

	_, err := f.service.ProcessSettlement(ctx, SettlementInput{
		ContractID: "contract-1", DSID: "ds-1", EscrowID: e.ID, Amount: NewMoney(100, "YC"),
	})
	require.NoError(t, err)
	_, err = f.service.CompleteContract(ctx, "contract-1")
	require.NoError(t, err)

	payout, err := f.service.RequestPayout(ctx, PayoutInput{
		DSID: "ds-1", Amount: NewMoney(40, "YC"), Method: PayoutBank,
		DestinationHash: "sha256:destination",
	})
	require.NoError(t, err)
	assert.Equal(t, PayoutCompleted, payout.Status)
	assert.Equal(t, f.now, payout.CompletedAt)

	b, err := f.service.GetBalance(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), b.AvailableMinor)
	assert.Equal(t, int64(40), b.PaidOutMinor)
	assert.Equal(t, b.EarnedMinor-b.PaidOutMinor, b.AvailableMinor+b.PendingMinor)

	require.Len(t, f.credits.redeemed, 1)
	assert.Equal(t, payout.ID, f.credits.redeemed[0].payoutID)

	listed, err := f.service.ListPayouts(ctx, "ds-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, payout.ID, listed[0].ID)

	// More than the available balance is refused.
	_, err = f.service.RequestPayout(ctx, PayoutInput{
		DSID: "ds-1", Amount: NewMoney(70, "YC"), Method: PayoutBank,
		DestinationHash: "sha256:destination",
	})
	require.Error(t, err)
	assert.Equal(t, "SETTLE_032", errs.CodeOf(err))
	assert.True(t, errs.IsKind(err, errs.KindInsufficientResource))
}

func TestPayoutValidation(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()

	_, err := f.service.RequestPayout(ctx, PayoutInput{
		DSID: "ds-1", Amount: NewMoney(10, "YC"), Method: "WIRE",
		DestinationHash: "h",
	})
	assert.Equal(t, "SETTLE_033", errs.CodeOf(err))

	_, err = f.service.RequestPayout(ctx, PayoutInput{
		DSID: "ds-1", Amount: NewMoney(10, "YC"), Method: PayoutCrypto,
	})
	assert.Equal(t, "SETTLE_034", errs.CodeOf(err))

	_, err = f.service.RequestPayout(ctx, PayoutInput{
		DSID: "ds-1", Amount: NewMoney(0, "YC"), Method: PayoutBank,
		DestinationHash: "h",
	})
	assert.Equal(t, "SETTLE_003", errs.CodeOf(err))
}

func TestReleasedAmountForReconciliation(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	e := f.lockedEscrow(t, 100)

	_, err := f.service.ProcessSettlement(ctx, SettlementInput{
		ContractID: "contract-1", DSID: "ds-1", EscrowID: e.ID, Amount: NewMoney(30, "YC"),
	})
	require.NoError(t, err)

	released, err := f.service.ReleasedAmount(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), released.AmountMinor)
	assert.Equal(t, "YC", released.Currency)
}

func TestBalanceStoreGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBalanceStore()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	_, err := s.Get(ctx, "ds-1")
	require.ErrorIs(t, err, ErrBalanceNotFound)

	_, err = s.CreditPending(ctx, "ds-1", NewMoney(100, "YC"), now)
	require.NoError(t, err)
	_, err = s.CreditPending(ctx, "ds-1", NewMoney(100, "USD"), now)
	assert.Equal(t, "SETTLE_036", errs.CodeOf(err))

	_, err = s.ReleasePending(ctx, "ds-1", NewMoney(150, "YC"), now)
	assert.Equal(t, "SETTLE_031", errs.CodeOf(err))

	b, err := s.ReleasePending(ctx, "ds-1", NewMoney(100, "YC"), now)
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.AvailableMinor)

	_, err = s.DebitAvailable(ctx, "ds-1", NewMoney(101, "YC"), now)
	assert.Equal(t, "SETTLE_032", errs.CodeOf(err))
}
