package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is the position of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass
	BreakerOpen                         // calls rejected until the cooldown ends
	BreakerHalfOpen                     // probe calls decide whether to close
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "closed"
}

// CircuitBreaker stops calling a remote service after consecutive failures
// and lets probe calls through once the cooldown has elapsed. Safe for
// concurrent use.
//
// Failures caused by the caller's own context being cancelled are not held
// against the remote side.
type CircuitBreaker struct {
	mu       sync.Mutex
	state    BreakerState
	failures int
	probes   int
	openedAt time.Time

	threshold     int
	cooldown      time.Duration
	probesToClose int
	now           func() time.Time
	onChange      func(from, to BreakerState)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the consecutive failures that open the breaker.
// Default 5.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

// WithBreakerResetTimeout sets how long the breaker stays open. Default 30s.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.cooldown = d }
}

// WithBreakerHalfOpenMax sets the successful probes needed to close.
// Default 2.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.probesToClose = n }
}

// WithBreakerClock replaces time.Now.
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// WithBreakerStateHook calls fn on every state transition, outside the lock.
func WithBreakerStateHook(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		threshold:     5,
		cooldown:      30 * time.Second,
		probesToClose: 2,
		now:           time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	if cb.threshold < 1 {
		cb.threshold = 1
	}
	if cb.probesToClose < 1 {
		cb.probesToClose = 1
	}
	return cb
}

// State reports the current state, moving an expired open breaker to
// half-open.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	from := cb.state
	cb.cool()
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return to
}

// Guard runs fn unless the breaker is open, in which case it returns
// *ErrCircuitOpen without calling fn. fn's outcome is recorded.
func (cb *CircuitBreaker) Guard(service string, fn func() error) error {
	cb.mu.Lock()
	from := cb.state
	cb.cool()
	open := cb.state == BreakerOpen
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	if open {
		return &ErrCircuitOpen{Service: service}
	}

	err := fn()
	cb.record(err)
	return err
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state, cb.failures, cb.probes = BreakerClosed, 0, 0
	cb.mu.Unlock()
	cb.notify(from, BreakerClosed)
}

func (cb *CircuitBreaker) record(err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	cb.mu.Lock()
	from := cb.state
	switch {
	case err == nil && cb.state == BreakerHalfOpen:
		cb.probes++
		if cb.probes >= cb.probesToClose {
			cb.state, cb.failures, cb.probes = BreakerClosed, 0, 0
		}
	case err == nil:
		cb.failures = 0
	case cb.state == BreakerHalfOpen:
		cb.trip()
	default:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.trip()
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// trip opens the breaker. Caller holds mu.
func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.probes = 0
}

// cool moves an open breaker whose cooldown has elapsed to half-open.
// Caller holds mu.
func (cb *CircuitBreaker) cool() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = BreakerHalfOpen
		cb.probes = 0
	}
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if from != to && cb.onChange != nil {
		cb.onChange(from, to)
	}
}
