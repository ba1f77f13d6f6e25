package plan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan(id, contractID string, ttl time.Time) *Plan {
	return &Plan{
		ID:                id,
		RequestID:         "req-1",
		ContractID:        contractID,
		RequesterID:       "rq-1",
		ScopeHash:         "scope-hash-1",
		AllowedTransforms: []string{"aggregate"},
		TTL:               ttl,
		Status:            StatusPending,
		CreatedAt:         ttl.Add(-time.Hour),
		Version:           1,
	}
}

func TestMemoryStoreRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ttl := time.Date(2025, 6, 15, 13, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, testPlan("p-1", "c-1", ttl)))
	err := s.Create(ctx, testPlan("p-1", "c-1", ttl))
	require.Error(t, err)
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ttl := time.Date(2025, 6, 15, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, testPlan("p-1", "c-1", ttl)))

	a, err := s.Get(ctx, "p-1")
	require.NoError(t, err)
	b, err := s.Get(ctx, "p-1")
	require.NoError(t, err)

	a.Status = StatusDispatched
	require.NoError(t, s.Update(ctx, a))

	b.Status = StatusExpired
	err = s.Update(ctx, b)
	require.ErrorIs(t, err, ErrVersionConflict)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ttl := time.Date(2025, 6, 15, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, testPlan("p-1", "c-1", ttl)))

	got, err := s.Get(ctx, "p-1")
	require.NoError(t, err)
	got.AllowedTransforms[0] = "mutated"
	got.Status = StatusExpired

	again, err := s.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"aggregate"}, again.AllowedTransforms)
	assert.Equal(t, StatusPending, again.Status)
}

func TestMemoryStoreListByContract(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ttl := time.Date(2025, 6, 15, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.Create(ctx, testPlan("p-1", "c-1", ttl)))
	require.NoError(t, s.Create(ctx, testPlan("p-2", "c-2", ttl)))
	require.NoError(t, s.Create(ctx, testPlan("p-3", "c-1", ttl)))

	got, err := s.ListByContract(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p-1", got[0].ID)
	assert.Equal(t, "p-3", got[1].ID)
}

func TestMemoryStoreListDue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2025, 6, 15, 13, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, testPlan("p-due", "c-1", base)))
	require.NoError(t, s.Create(ctx, testPlan("p-later", "c-1", base.Add(time.Hour))))
	terminal := testPlan("p-done", "c-1", base)
	terminal.Status = StatusExecuted
	require.NoError(t, s.Create(ctx, terminal))

	// Due at exactly the TTL instant.
	due, err := s.ListDue(ctx, base)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "p-due", due[0].ID)

	due, err = s.ListDue(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestPlanExpiredBoundary(t *testing.T) {
	ttl := time.Date(2025, 6, 15, 13, 0, 0, 0, time.UTC)
	p := testPlan("p-1", "c-1", ttl)

	assert.False(t, p.Expired(ttl.Add(-time.Nanosecond)))
	assert.True(t, p.Expired(ttl))
	assert.True(t, p.Expired(ttl.Add(time.Second)))
}

func TestTerminalStatuses(t *testing.T) {
	p := testPlan("p-1", "c-1", time.Now())
	for status, terminal := range map[Status]bool{
		StatusPending:    false,
		StatusDispatched: false,
		StatusExecuted:   true,
		StatusExpired:    true,
	} {
		p.Status = status
		assert.Equal(t, terminal, p.Terminal(), "status %s", status)
	}
}
