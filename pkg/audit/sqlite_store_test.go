package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteChainRoundTrip(t *testing.T) {
	store := openSQLiteStore(t)
	ctx := context.Background()

	head, seq, err := store.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, head)
	assert.Equal(t, uint64(0), seq)

	ledger := NewLedger(store, nil)
	r1, err := ledger.Append(ctx, EventConsentGranted, "ds-a", ActorDS, "contract-1", ResourceConsentContract, "d1")
	require.NoError(t, err)
	r2, err := ledger.Append(ctx, EventConsentRevoked, "ds-a", ActorDS, "contract-1", ResourceConsentContract, "d2")
	require.NoError(t, err)

	head, seq, err = store.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, r2.ReceiptHash, head)
	assert.Equal(t, uint64(2), seq)

	got, err := store.Get(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, r1.ReceiptHash, got.ReceiptHash)
	assert.Equal(t, ActorDS, got.ActorType)
	assert.True(t, got.Timestamp.Equal(r1.Timestamp), "timestamps survive the round trip")

	bySeq, err := store.GetBySequence(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, r2.ID, bySeq.ID)

	require.NoError(t, ledger.VerifyChain(ctx))
	require.NoError(t, ledger.VerifyReceiptIntegrity(ctx, r2.ID))
}

func TestSQLiteRejectsDuplicateID(t *testing.T) {
	store := openSQLiteStore(t)
	ctx := context.Background()

	r := &Receipt{
		ID:              "fixed-id",
		Sequence:        1,
		EventType:       EventPlanCreated,
		Timestamp:       time.Now().UTC(),
		ActorID:         "system",
		ActorType:       ActorSystem,
		ResourceID:      "plan-1",
		ResourceType:    ResourcePlan,
		PrevReceiptHash: GenesisHash,
	}
	r.ReceiptHash = ComputeReceiptHash(r)
	require.NoError(t, store.Append(ctx, r))

	dup := *r
	dup.Sequence = 2
	err := store.Append(ctx, &dup)
	assert.ErrorIs(t, err, ErrDuplicateReceipt)
}

func TestSQLiteQueryAndAnchor(t *testing.T) {
	store := openSQLiteStore(t)
	ctx := context.Background()
	ledger := NewLedger(store, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		r, err := ledger.Append(ctx, EventEscrowSettled, "system", ActorSystem, "escrow-1", ResourceEscrow, "d")
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}

	byResource, err := store.Query(ctx, QueryFilter{ResourceID: "escrow-1"})
	require.NoError(t, err)
	assert.Len(t, byResource, 3)

	paged, err := store.Query(ctx, QueryFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, uint64(2), paged[0].Sequence)

	anchorer := NewAnchorer(ledger, store, nil, nil)
	batch, err := anchorer.AnchorBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.ReceiptCount)

	got, err := store.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, batch.ID, got.AnchorBatchID)
	assert.NotEmpty(t, got.MerkleProof)
	assert.True(t, VerifyInclusion(got, batch.Root))

	pending, err := store.Unanchored(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "only the anchoring receipt remains")
	assert.Equal(t, EventAuditAnchored, pending[0].EventType)
}
