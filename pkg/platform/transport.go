package platform

import (
	"context"
	"sync"

	"github.com/datapact/core/pkg/plan"
)

// LoopbackTransport delivers dispatch envelopes into per-device
// in-process mailboxes. Device runtimes living in the same process, and
// tests standing in for them, drain their mailbox and answer with
// capsules. It is the transport New falls back to when none is injected.
type LoopbackTransport struct {
	mu        sync.Mutex
	mailboxes map[string][]plan.DispatchEnvelope
}

// NewLoopbackTransport returns an empty loopback transport.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{mailboxes: make(map[string][]plan.DispatchEnvelope)}
}

// Deliver appends the envelope to the device's mailbox.
func (t *LoopbackTransport) Deliver(ctx context.Context, deviceID string, env plan.DispatchEnvelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mailboxes[deviceID] = append(t.mailboxes[deviceID], env)
	return nil
}

// Envelopes returns a copy of the device's mailbox without draining it.
func (t *LoopbackTransport) Envelopes(deviceID string) []plan.DispatchEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]plan.DispatchEnvelope(nil), t.mailboxes[deviceID]...)
}

// Drain empties the device's mailbox and returns what it held.
func (t *LoopbackTransport) Drain(deviceID string) []plan.DispatchEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	held := t.mailboxes[deviceID]
	delete(t.mailboxes, deviceID)
	return held
}
