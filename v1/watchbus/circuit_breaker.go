package watchbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a WatchBus so that a failing transport is not
// hammered by every publish. After threshold consecutive failures publishes
// fail fast with ErrCircuitOpen until timeout has passed; then one probe is
// let through and its outcome closes or reopens the circuit.
type CircuitBreaker struct {
	bus       WatchBus
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
	now       func() time.Time
}

// NewCircuitBreaker returns a new CircuitBreaker around bus.
func NewCircuitBreaker(bus WatchBus, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
		now:       time.Now,
	}
}

// IsHealthy returns true unless the circuit is open and still cooling down.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return cb.now().Sub(cb.lastFail) > cb.timeout
	}
	return true
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.now().Sub(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	// half-open: a probe is already in flight
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = cb.now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Publish implements WatchBus.Publish with circuit breaker logic.
func (cb *CircuitBreaker) Publish(ctx context.Context, key string, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, key, data); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Watch implements WatchBus.Watch.
func (cb *CircuitBreaker) Watch(ctx context.Context, key string) (chan []byte, error) {
	return cb.bus.Watch(ctx, key)
}

// Unwatch implements WatchBus.Unwatch.
func (cb *CircuitBreaker) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	return cb.bus.Unwatch(ctx, key, ch)
}
