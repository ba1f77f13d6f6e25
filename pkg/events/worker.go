package events

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/datapact/core/pkg/errs"
)

// Dispatcher processes a claimed event. Returning a retryable error
// reschedules the event with backoff; a terminal error parks it in the
// dead letter queue.
type Dispatcher func(ctx context.Context, e *Event) error

type route struct {
	pattern    string
	dispatcher Dispatcher
}

// WorkerConfig tunes the delivery worker.
type WorkerConfig struct {
	PollInterval time.Duration
	ShardCount   int
	BatchSize    int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// DefaultWorkerConfig returns the production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 500 * time.Millisecond,
		ShardCount:   4,
		BatchSize:    64,
		MaxRetries:   5,
		BackoffBase:  200 * time.Millisecond,
		BackoffCap:   30 * time.Second,
	}
}

// Worker drains pending events from the store and hands them to routed
// dispatchers. Events sharing a trace id land on the same shard, and a
// trace whose head event is awaiting retry holds back its later events,
// so dispatchers observe each trace in producer order.
type Worker struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time
	cfg    WorkerConfig

	mu      sync.Mutex
	routes  []route
	running bool
	stopCh  chan struct{}
	shards  []chan *Event
	wg      sync.WaitGroup

	blockedMu sync.Mutex
	blocked   map[string]string
}

// NewWorker builds a stopped worker over the store.
func NewWorker(store Store, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	return &Worker{
		store:   store,
		logger:  logger.With("component", "events.worker"),
		clock:   time.Now,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		blocked: make(map[string]string),
	}
}

// WithClock overrides the time source.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Route registers a dispatcher for event types matching pattern. Events
// with no matching route complete immediately.
func (w *Worker) Route(pattern string, d Dispatcher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.routes = append(w.routes, route{pattern: pattern, dispatcher: d})
}

// routeFor returns the first registered dispatcher whose pattern matches
// the event type, or nil when no route matches.
func (w *Worker) routeFor(eventType string) Dispatcher {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.routes {
		if matchPattern(r.pattern, eventType) {
			return r.dispatcher
		}
	}
	return nil
}

// Start launches the shard goroutines and the poll loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("event worker already running")
	}
	w.running = true
	w.shards = make([]chan *Event, w.cfg.ShardCount)
	for i := range w.shards {
		w.shards[i] = make(chan *Event, w.cfg.BatchSize)
	}
	w.mu.Unlock()

	for i := range w.shards {
		w.wg.Add(1)
		go w.shardLoop(ctx, w.shards[i])
	}
	w.wg.Add(1)
	go w.pollLoop(ctx)
	return nil
}

// Stop halts the poll loop and waits for in-flight dispatches.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.running = false
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		for _, ch := range w.shards {
			close(ch)
		}
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	due, err := w.store.ListDue(ctx, w.clock(), w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("list due events failed", "error", err)
		return
	}
	for _, e := range due {
		select {
		case w.shards[w.shardFor(e.TraceID)] <- e:
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) shardLoop(ctx context.Context, ch <-chan *Event) {
	defer w.wg.Done()
	for e := range ch {
		w.process(ctx, e)
	}
}

func (w *Worker) shardFor(traceID string) int {
	h := fnv.New32a()
	h.Write([]byte(traceID))
	return int(h.Sum32()) % w.cfg.ShardCount
}

// ProcessDue drains one batch synchronously. The drain subcommand and
// tests use this deterministic path instead of Start.
func (w *Worker) ProcessDue(ctx context.Context) (int, error) {
	due, err := w.store.ListDue(ctx, w.clock(), w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range due {
		if w.process(ctx, e) {
			n++
		}
	}
	return n, nil
}

// process claims and dispatches one event. Returns true when the event
// reached a terminal status.
func (w *Worker) process(ctx context.Context, e *Event) bool {
	if w.isBlocked(e) {
		return false
	}
	if err := w.store.UpdateStatus(ctx, e.ID, StatusPending, StatusProcessing); err != nil {
		// Lost the claim or the event moved on. Either way another
		// path owns it now.
		return false
	}

	d := w.routeFor(e.EventType)
	if d == nil {
		w.complete(ctx, e)
		return true
	}

	err := d(ctx, e)
	if err == nil {
		w.complete(ctx, e)
		return true
	}

	switch errs.Classify(err) {
	case errs.ClassIdempotentSafe:
		w.complete(ctx, e)
		return true
	case errs.ClassRetryable:
		retry := e.RetryCount + 1
		if retry > w.cfg.MaxRetries {
			w.deadLetter(ctx, e, err)
			return true
		}
		next := w.clock().Add(w.backoff(retry))
		if merr := w.store.MarkRetry(ctx, e.ID, retry, next); merr != nil {
			w.logger.Error("mark retry failed", "event_id", e.ID, "error", merr)
			return false
		}
		w.setBlocked(e)
		w.logger.Warn("event dispatch failed, scheduled retry",
			"event_id", e.ID, "event_type", e.EventType, "retry", retry,
			"next_attempt_at", next, "error", err)
		return false
	default:
		w.deadLetter(ctx, e, err)
		return true
	}
}

func (w *Worker) complete(ctx context.Context, e *Event) {
	if err := w.store.UpdateStatus(ctx, e.ID, StatusProcessing, StatusCompleted); err != nil {
		w.logger.Error("complete event failed", "event_id", e.ID, "error", err)
		return
	}
	w.clearBlocked(e)
}

func (w *Worker) deadLetter(ctx context.Context, e *Event, cause error) {
	if err := w.store.UpdateStatus(ctx, e.ID, StatusProcessing, StatusDeadLetter); err != nil {
		w.logger.Error("dead letter event failed", "event_id", e.ID, "error", err)
		return
	}
	w.clearBlocked(e)
	w.logger.Error("event parked in dead letter queue",
		"event_id", e.ID, "event_type", e.EventType, "retries", e.RetryCount, "error", cause)
}

// RequeueDeadLetter returns a parked event to the pending queue with a
// fresh retry budget.
func (w *Worker) RequeueDeadLetter(ctx context.Context, id string) error {
	if err := w.store.UpdateStatus(ctx, id, StatusDeadLetter, StatusPending); err != nil {
		return err
	}
	return w.store.MarkRetry(ctx, id, 0, w.clock())
}

// isBlocked reports whether an earlier event of the same trace is still
// awaiting retry. The blocking event itself passes through.
func (w *Worker) isBlocked(e *Event) bool {
	w.blockedMu.Lock()
	defer w.blockedMu.Unlock()
	blocker, ok := w.blocked[e.TraceID]
	return ok && blocker != e.ID
}

func (w *Worker) setBlocked(e *Event) {
	w.blockedMu.Lock()
	defer w.blockedMu.Unlock()
	w.blocked[e.TraceID] = e.ID
}

func (w *Worker) clearBlocked(e *Event) {
	w.blockedMu.Lock()
	defer w.blockedMu.Unlock()
	if w.blocked[e.TraceID] == e.ID {
		delete(w.blocked, e.TraceID)
	}
}

// backoff returns the delay before attempt retry, doubling from the base
// up to the cap with up to 20% jitter.
func (w *Worker) backoff(retry int) time.Duration {
	d := w.cfg.BackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= w.cfg.BackoffCap {
			d = w.cfg.BackoffCap
			break
		}
	}
	if d > w.cfg.BackoffCap {
		d = w.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d - d/10 + jitter
}
