package billing

import (
	"context"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// CircuitBreaker guards calls to the billing provider's API.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after a run of consecutive failures and lets a
// single probe through once the reset timeout has elapsed.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	now           func() time.Time
	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn when the circuit allows it. Cancellation of ctx is not
// counted as a provider failure.
func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}

	err := fn()
	switch {
	case err == nil:
		cb.success()
	case ctx.Err() != nil:
		cb.release()
	default:
		cb.failure()
	}
	return err
}

func (cb *DefaultCircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		cb.changeState(StateHalfOpen)
		return true
	default:
		return false
	}
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	cb.consecutiveFailures = 0
	cb.changeState(StateClosed)
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.openedAt = cb.now()
		cb.changeState(StateOpen)
	}
	cb.probing = false
}

func (cb *DefaultCircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}
