package request

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/errs"
)

func validInput() SubmitInput {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return SubmitInput{
		RequesterID:         "rq-1",
		Purpose:             "step count research",
		Scope:               map[string]string{"domain.health": "steps"},
		EligibilityCriteria: map[string]string{"geo.country": "US"},
		DurationStart:       now,
		DurationEnd:         now.AddDate(0, 1, 0),
		UnitType:            UnitDataAccess,
		UnitPrice:           10,
		MaxParticipants:     10,
		Budget:              100,
	}
}

func newTestService(t *testing.T) (*Service, *audit.MemoryStore) {
	t.Helper()
	auditStore := audit.NewMemoryStore()
	ledger := audit.NewLedger(auditStore, nil)
	return NewService(NewMemoryStore(), ledger, nil), auditStore
}

func TestSubmitCreatesDraft(t *testing.T) {
	svc, auditStore := newTestService(t)
	ctx := context.Background()

	r, err := svc.Submit(ctx, validInput())
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, r.Status)
	assert.Equal(t, uint64(1), r.Version)
	assert.Equal(t, "USD", r.Currency)
	assert.NotEmpty(t, r.ID)

	receipts, err := auditStore.Query(ctx, audit.QueryFilter{EventType: audit.EventRequestSubmitted})
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
	assert.Equal(t, r.ID, receipts[0].ResourceID)
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*SubmitInput)
		reason string
	}{
		{"missing scope", func(in *SubmitInput) { in.Scope = nil }, "MISSING_SCOPE"},
		{"zero price", func(in *SubmitInput) { in.UnitPrice = 0 }, "INVALID_UNIT_PRICE"},
		{"zero budget", func(in *SubmitInput) { in.Budget = 0 }, "INVALID_BUDGET"},
		{"inverted duration", func(in *SubmitInput) {
			in.DurationEnd = in.DurationStart.Add(-time.Hour)
		}, "INVALID_DURATION"},
		{"bad unit type", func(in *SubmitInput) { in.UnitType = "LEASE" }, "INVALID_UNIT_TYPE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := svc.Submit(ctx, in)
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
			assert.Contains(t, errs.ReasonsOf(err), tt.reason)
		})
	}
}

func TestLifecycleTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.Submit(ctx, validInput())
	require.NoError(t, err)

	r, err = svc.BeginScreening(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScreening, r.Status)

	r, err = svc.Activate(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, r.Status)

	r, err = svc.Complete(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)

	// Terminal: no further moves.
	_, err = svc.Cancel(ctx, r.ID, "rq-1")
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
}

func TestRejectFromScreeningOnly(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.Submit(ctx, validInput())
	require.NoError(t, err)

	_, err = svc.Reject(ctx, r.ID)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))

	_, err = svc.BeginScreening(ctx, r.ID)
	require.NoError(t, err)
	r, err = svc.Reject(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, r.Status)
}

func TestCancelRequiresOwner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.Submit(ctx, validInput())
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, r.ID, "rq-other")
	assert.Equal(t, errs.KindUnauthorized, errs.KindOf(err))

	r, err = svc.Cancel(ctx, r.ID, "rq-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, r.Status)
}

func TestOptimisticVersioning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	r := &Request{ID: "r-1", Version: 1, Status: StatusDraft}
	require.NoError(t, store.Create(ctx, r))

	stale, err := store.Get(ctx, "r-1")
	require.NoError(t, err)

	fresh, err := store.Get(ctx, "r-1")
	require.NoError(t, err)
	require.NoError(t, store.Update(ctx, fresh))

	err = store.Update(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestBudgetCovers(t *testing.T) {
	r := &Request{Budget: 100, UnitPrice: 10, MaxParticipants: 10}
	assert.True(t, r.BudgetCovers())
	r.Budget = 99
	assert.False(t, r.BudgetCovers())
}
