package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int, timeout time.Duration, onChange func(CircuitBreakerState)) (*DefaultCircuitBreaker, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewDefaultCircuitBreaker(threshold, timeout, onChange)
	cb.now = clock.Now
	return cb, clock
}

func TestDefaultCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := time.Minute
	var states []CircuitBreakerState
	cb, clock := newTestBreaker(threshold, timeout, func(state CircuitBreakerState) {
		states = append(states, state)
	})

	ctx := context.Background()
	fail := func() error { return errors.New("fail") }

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	// Next failure should open the circuit
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	// When open, Execute should fail fast
	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	clock.Advance(timeout)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Successful probe closes the circuit
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}, states)
}

func TestDefaultCircuitBreaker_HalfOpenFailure(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute, nil)
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, func() error { return errors.New("fail") }))
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Minute)
	assert.Error(t, cb.Execute(ctx, func() error { return errors.New("still failing") }))
	assert.Equal(t, StateOpen, cb.State())

	// The reset timeout restarts from the failed probe.
	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitOpen)
}

func TestDefaultCircuitBreaker_SingleProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Minute, nil)
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, func() error { return errors.New("fail") }))
	clock.Advance(time.Minute)

	probeStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitOpen)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_CancellationIsNotFailure(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_Concurrency(t *testing.T) {
	cb := NewDefaultCircuitBreaker(10, 10*time.Millisecond, nil)
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(ctx, func() error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
			_ = cb.State()
		}(i)
	}
	wg.Wait()
}
