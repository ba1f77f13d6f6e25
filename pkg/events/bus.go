package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Handler observes a published event. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(e Event)

type subscription struct {
	pattern   string
	actorType string
	handler   Handler
}

// Bus appends events to the store and pushes them to in-process
// subscribers. Appends are idempotent: a replayed publish returns the
// previously stored event and does not notify subscribers again.
type Bus struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time

	mu   sync.RWMutex
	subs []subscription
}

// NewBus wires a bus over the given store.
func NewBus(store Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:  store,
		logger: logger.With("component", "events.bus"),
		clock:  time.Now,
	}
}

// WithClock overrides the time source.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Publish validates, timestamps, and appends the event, then notifies
// matching subscribers exactly once per stored event.
func (b *Bus) Publish(ctx context.Context, e *Event) (*Event, bool, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock().UTC()
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = e.Timestamp
	}
	stored, created, err := b.store.Append(ctx, e)
	if err != nil {
		return nil, false, err
	}
	if !created {
		b.logger.Debug("duplicate publish collapsed",
			"event_type", e.EventType, "idempotency_key", e.IdempotencyKey)
		return stored, false, nil
	}
	b.notify(*stored)
	return stored, true, nil
}

// Subscribe registers a handler for event types matching pattern. A
// pattern is an exact type ("escrow.settled"), a family wildcard
// ("escrow.*"), or "*" for everything.
func (b *Bus) Subscribe(pattern string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, handler: h})
}

// SubscribeActor registers a handler that additionally filters on the
// event's actor type.
func (b *Bus) SubscribeActor(pattern, actorType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, actorType: actorType, handler: h})
}

func (b *Bus) notify(e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, sub := range subs {
		if !matchPattern(sub.pattern, e.EventType) {
			continue
		}
		if sub.actorType != "" && sub.actorType != e.ActorType {
			continue
		}
		sub.handler(e)
	}
}

// matchPattern reports whether an event type matches a subscription
// pattern.
func matchPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
