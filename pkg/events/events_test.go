package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapact/core/pkg/errs"
)

func testClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewEventDerivesIdempotencyKey(t *testing.T) {
	e := NewEvent(TypeEscrowSettled, "trace-1", "actor-1", "buyer", "settlement-9", "abc123")
	assert.Equal(t, "escrow.settled:settlement-9:trace-1", e.IdempotencyKey)
	assert.Equal(t, "trace-1", e.TraceID)
	assert.NotEmpty(t, e.ID)
	assert.NotEmpty(t, e.CorrelationID)
	assert.Equal(t, StatusPending, e.Status)
}

func TestEventValidate(t *testing.T) {
	base := func() *Event {
		return NewEvent(TypeRequestScreened, "trace-1", "a", "platform", "req-1", "h")
	}

	e := base()
	require.NoError(t, e.Validate())

	e = base()
	e.EventType = ""
	assert.Equal(t, "EVENT_001", errs.CodeOf(e.Validate()))

	e = base()
	e.IdempotencyKey = ""
	assert.Equal(t, "EVENT_002", errs.CodeOf(e.Validate()))

	e = base()
	e.SchemaVersion = "not-a-version"
	assert.Equal(t, "EVENT_004", errs.CodeOf(e.Validate()))

	e = base()
	e.SchemaVersion = "2.0"
	assert.Equal(t, "EVENT_005", errs.CodeOf(e.Validate()))

	// Minor bumps within the supported major are accepted.
	e = base()
	e.SchemaVersion = "1.3"
	assert.NoError(t, e.Validate())
}

func TestBusPublishIsIdempotent(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := NewBus(NewMemoryStore(), nil).WithClock(testClock(now))

	var seen []Event
	bus.Subscribe("*", func(e Event) { seen = append(seen, e) })

	first := NewEvent(TypeEscrowSettled, "trace-1", "platform", "platform", "settlement-9", "h1")
	stored, created, err := bus.Publish(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, now, stored.Timestamp)

	// Same business fact from a retried producer: new envelope id, same key.
	dup := NewEvent(TypeEscrowSettled, "trace-1", "platform", "platform", "settlement-9", "h1")
	replay, created, err := bus.Publish(context.Background(), dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, replay.ID)

	assert.Len(t, seen, 1, "subscribers fire once per stored event")
}

func TestBusSubscribePatterns(t *testing.T) {
	bus := NewBus(NewMemoryStore(), nil)

	var exact, family, all, actor int
	bus.Subscribe(TypeEscrowSettled, func(Event) { exact++ })
	bus.Subscribe("escrow.*", func(Event) { family++ })
	bus.Subscribe("*", func(Event) { all++ })
	bus.SubscribeActor("escrow.*", "seller", func(Event) { actor++ })

	ctx := context.Background()
	_, _, err := bus.Publish(ctx, NewEvent(TypeEscrowSettled, "t1", "a1", "buyer", "s1", "h"))
	require.NoError(t, err)
	_, _, err = bus.Publish(ctx, NewEvent(TypeEscrowFunded, "t2", "a2", "seller", "s2", "h"))
	require.NoError(t, err)
	_, _, err = bus.Publish(ctx, NewEvent(TypeYCIssued, "t3", "a3", "seller", "y1", "h"))
	require.NoError(t, err)

	assert.Equal(t, 1, exact)
	assert.Equal(t, 2, family)
	assert.Equal(t, 3, all)
	assert.Equal(t, 1, actor, "actor filter matches the funded event only")
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, matchPattern("*", "escrow.settled"))
	assert.True(t, matchPattern("escrow.settled", "escrow.settled"))
	assert.True(t, matchPattern("escrow.*", "escrow.settled"))
	assert.False(t, matchPattern("escrow.*", "yc.issued"))
	assert.False(t, matchPattern("escrow.settled", "escrow.funded"))
	assert.False(t, matchPattern("escrow", "escrow.settled"))
}

func TestMemoryStoreListDueOrderAndLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, res := range []string{"r1", "r2", "r3"} {
		e := NewEvent(TypeRequestSubmitted, "trace", "a", "platform", res, "h")
		e.Timestamp = now
		e.NextAttemptAt = now.Add(time.Duration(i) * time.Second)
		_, created, err := store.Append(ctx, e)
		require.NoError(t, err)
		require.True(t, created)
	}

	due, err := store.ListDue(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "r1", due[0].ResourceRef)
	assert.Equal(t, "r2", due[1].ResourceRef)

	due, err = store.ListDue(ctx, now.Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMemoryStoreStatusCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := NewEvent(TypeRequestSubmitted, "trace", "a", "platform", "r1", "h")
	e.Timestamp = time.Now()
	_, _, err := store.Append(ctx, e)
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, e.ID, StatusPending, StatusProcessing))
	err = store.UpdateStatus(ctx, e.ID, StatusPending, StatusProcessing)
	assert.ErrorIs(t, err, ErrStatusConflict)

	err = store.UpdateStatus(ctx, "missing", StatusPending, StatusProcessing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkerCompletesRoutedEvent(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := NewBus(store, nil).WithClock(testClock(now))
	w := NewWorker(store, DefaultWorkerConfig(), nil).WithClock(testClock(now))

	var dispatched []string
	w.Route("request.*", func(_ context.Context, e *Event) error {
		dispatched = append(dispatched, e.EventType)
		return nil
	})

	ctx := context.Background()
	stored, _, err := bus.Publish(ctx, NewEvent(TypeRequestSubmitted, "t1", "a", "platform", "r1", "h"))
	require.NoError(t, err)

	n, err := w.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{TypeRequestSubmitted}, dispatched)

	got, err := store.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestWorkerUnroutedEventCompletes(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := NewBus(store, nil).WithClock(testClock(now))
	w := NewWorker(store, DefaultWorkerConfig(), nil).WithClock(testClock(now))

	ctx := context.Background()
	stored, _, err := bus.Publish(ctx, NewEvent(TypeSecurityIncident, "t1", "a", "platform", "r1", "h"))
	require.NoError(t, err)

	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)

	got, err := store.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestWorkerRouteForMatchesFirstRegistered(t *testing.T) {
	w := NewWorker(NewMemoryStore(), DefaultWorkerConfig(), nil)

	var hit string
	w.Route("escrow.settled", func(context.Context, *Event) error {
		hit = "exact"
		return nil
	})
	w.Route("escrow.*", func(context.Context, *Event) error {
		hit = "family"
		return nil
	})

	d := w.routeFor("escrow.settled")
	require.NotNil(t, d)
	require.NoError(t, d(context.Background(), nil))
	assert.Equal(t, "exact", hit)

	d = w.routeFor("escrow.refunded")
	require.NotNil(t, d)
	require.NoError(t, d(context.Background(), nil))
	assert.Equal(t, "family", hit)

	assert.Nil(t, w.routeFor("capsule.opened"))
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	store := NewMemoryStore()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }

	cfg := DefaultWorkerConfig()
	cfg.MaxRetries = 2
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffCap = 50 * time.Millisecond

	bus := NewBus(store, nil).WithClock(clock)
	w := NewWorker(store, cfg, nil).WithClock(clock)

	attempts := 0
	w.Route("plan.*", func(context.Context, *Event) error {
		attempts++
		return errs.New(errs.KindTransient, "PLAN_999", "downstream unavailable")
	})

	ctx := context.Background()
	stored, _, err := bus.Publish(ctx, NewEvent(TypePlanDispatched, "t1", "a", "platform", "p1", "h"))
	require.NoError(t, err)

	// Attempt 1 fails and schedules a retry.
	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)
	got, _ := store.Get(ctx, stored.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.NextAttemptAt.After(now))

	// Attempt 2 fails once the backoff elapses.
	now = now.Add(time.Second)
	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)
	got, _ = store.Get(ctx, stored.ID)
	assert.Equal(t, 2, got.RetryCount)

	// Attempt 3 exceeds the budget and parks the event.
	now = now.Add(time.Second)
	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)
	got, _ = store.Get(ctx, stored.ID)
	assert.Equal(t, StatusDeadLetter, got.Status)
	assert.Equal(t, 3, attempts)

	dead, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, stored.ID, dead[0].ID)
}

func TestWorkerTerminalErrorSkipsRetry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := NewBus(store, nil).WithClock(testClock(now))
	w := NewWorker(store, DefaultWorkerConfig(), nil).WithClock(testClock(now))

	attempts := 0
	w.Route("capsule.*", func(context.Context, *Event) error {
		attempts++
		return errs.New(errs.KindValidation, "CAPSULE_001", "malformed payload hash")
	})

	ctx := context.Background()
	stored, _, err := bus.Publish(ctx, NewEvent(TypeCapsuleCreated, "t1", "a", "platform", "c1", "h"))
	require.NoError(t, err)

	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)
	got, _ := store.Get(ctx, stored.ID)
	assert.Equal(t, StatusDeadLetter, got.Status)
	assert.Equal(t, 1, attempts)
}

func TestWorkerIdempotentSafeErrorCompletes(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := NewBus(store, nil).WithClock(testClock(now))
	w := NewWorker(store, DefaultWorkerConfig(), nil).WithClock(testClock(now))

	w.Route("yc.*", func(context.Context, *Event) error {
		return errs.New(errs.KindDuplicate, "YC_003", "credit already issued")
	})

	ctx := context.Background()
	stored, _, err := bus.Publish(ctx, NewEvent(TypeYCIssued, "t1", "a", "platform", "y1", "h"))
	require.NoError(t, err)

	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)
	got, _ := store.Get(ctx, stored.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestWorkerHoldsTraceOrderAcrossRetries(t *testing.T) {
	store := NewMemoryStore()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }

	cfg := DefaultWorkerConfig()
	cfg.BackoffBase = 10 * time.Millisecond

	bus := NewBus(store, nil).WithClock(clock)
	w := NewWorker(store, cfg, nil).WithClock(clock)

	var order []string
	failFirst := true
	w.Route("request.*", func(_ context.Context, e *Event) error {
		if e.ResourceRef == "r1" && failFirst {
			failFirst = false
			return errs.New(errs.KindTransient, "REQ_999", "flaky downstream")
		}
		order = append(order, e.ResourceRef)
		return nil
	})

	ctx := context.Background()
	_, _, err := bus.Publish(ctx, NewEvent(TypeRequestSubmitted, "trace-A", "a", "platform", "r1", "h"))
	require.NoError(t, err)
	_, _, err = bus.Publish(ctx, NewEvent(TypeRequestScreened, "trace-A", "a", "platform", "r2", "h"))
	require.NoError(t, err)

	// First drain: r1 fails and blocks the trace, r2 must not dispatch.
	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, order)

	// Second drain after backoff: r1 succeeds, then r2.
	now = now.Add(time.Second)
	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, order)
}

func TestWorkerRequeueDeadLetter(t *testing.T) {
	store := NewMemoryStore()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }

	cfg := DefaultWorkerConfig()
	cfg.MaxRetries = 0

	bus := NewBus(store, nil).WithClock(clock)
	w := NewWorker(store, cfg, nil).WithClock(clock)

	healthy := false
	w.Route("audit.*", func(context.Context, *Event) error {
		if !healthy {
			return errs.New(errs.KindTransient, "AUDIT_999", "anchor endpoint down")
		}
		return nil
	})

	ctx := context.Background()
	stored, _, err := bus.Publish(ctx, NewEvent(TypeAuditAnchored, "t1", "a", "platform", "b1", "h"))
	require.NoError(t, err)

	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)
	got, _ := store.Get(ctx, stored.ID)
	require.Equal(t, StatusDeadLetter, got.Status)

	healthy = true
	require.NoError(t, w.RequeueDeadLetter(ctx, stored.ID))
	got, _ = store.Get(ctx, stored.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	now = now.Add(time.Second)
	_, err = w.ProcessDue(ctx)
	require.NoError(t, err)
	got, _ = store.Get(ctx, stored.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestWorkerBackoffDoublesAndCaps(t *testing.T) {
	cfg := DefaultWorkerConfig()
	cfg.BackoffBase = 100 * time.Millisecond
	cfg.BackoffCap = 400 * time.Millisecond
	w := NewWorker(NewMemoryStore(), cfg, nil)

	for retry, want := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		9: 400 * time.Millisecond,
	} {
		d := w.backoff(retry)
		assert.GreaterOrEqual(t, d, want-want/10, "retry %d", retry)
		assert.LessOrEqual(t, d, want+want/5, "retry %d", retry)
	}
}
