package plan

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakerPool lazily builds one circuit breaker per device. A device
// tripping its breaker fails fast with DEVICE_UNAVAILABLE until the
// cooldown elapses and a half-open probe succeeds.
type breakerPool struct {
	mu       sync.Mutex
	failures uint32
	cooldown time.Duration
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerPool(consecutiveFailures uint32, cooldown time.Duration, logger *slog.Logger) *breakerPool {
	if consecutiveFailures == 0 {
		consecutiveFailures = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breakerPool{
		failures: consecutiveFailures,
		cooldown: cooldown,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (p *breakerPool) get(deviceID string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[deviceID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "device:" + deviceID,
		MaxRequests: 1,
		Timeout:     p.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("device breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	p.breakers[deviceID] = cb
	return cb
}

// do runs fn under the device's breaker. gobreaker.ErrOpenState and
// ErrTooManyRequests surface unchanged so the dispatcher can classify
// them without consuming the device timeout.
func (p *breakerPool) do(deviceID string, fn func() error) error {
	cb := p.get(deviceID)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}
