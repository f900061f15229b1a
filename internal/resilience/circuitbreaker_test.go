package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// call runs fn through cb the way the ISS client does.
func call(cb *CircuitBreaker, fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", cfg)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, call(cb, func() error { return errBoom }), errBoom)
	}
	require.NoError(t, call(cb, func() error { return nil }))
	assert.Equal(t, CircuitClosed, cb.Stats().State, "a success resets the failure streak")

	for i := 0; i < 3; i++ {
		_ = call(cb, func() error { return errBoom })
	}
	assert.Equal(t, CircuitOpen, cb.Stats().State)

	called := false
	err := call(cb, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	stats := cb.Stats()
	assert.Equal(t, int64(1), stats.TotalRejected)
	assert.Equal(t, int64(6), stats.TotalRequests)
	assert.Equal(t, int64(5), stats.TotalFailures)
	assert.InDelta(t, 83.33, stats.FailureRate(), 0.01)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	var transitions []CircuitState
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		OnStateChange: func(_ string, _, to CircuitState) {
			transitions = append(transitions, to)
		},
	})

	_ = call(cb, func() error { return errBoom })
	require.Equal(t, CircuitOpen, cb.Stats().State)

	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "still cooling down")

	clock.Advance(31 * time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.Stats().State)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "only one probe at a time")

	cb.Record(errBoom)
	assert.Equal(t, CircuitOpen, cb.Stats().State, "a failed probe reopens the circuit")

	clock.Advance(time.Minute)
	require.NoError(t, cb.Allow())
	cb.Record(nil)
	assert.Equal(t, CircuitClosed, cb.Stats().State)

	assert.Equal(t, []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitOpen, CircuitHalfOpen, CircuitClosed}, transitions)
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	ignored := errors.New("not found")
	cb, _ := newTestBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		IsFailure:        func(err error) bool { return !errors.Is(err, ignored) },
	})

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, call(cb, func() error { return ignored }), ignored)
	}
	assert.Equal(t, CircuitClosed, cb.Stats().State)
	assert.Zero(t, cb.Stats().TotalFailures)
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{FailureThreshold: 0})
	for i := 0; i < 100; i++ {
		_ = call(cb, func() error { return errBoom })
	}
	assert.Equal(t, CircuitClosed, cb.Stats().State)
}

func TestCircuitBreaker_ConcurrentUse(t *testing.T) {
	cb := NewCircuitBreaker("concurrent", CircuitBreakerConfig{FailureThreshold: 10, Cooldown: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = call(cb, func() error {
				if i%2 == 0 {
					return errBoom
				}
				return nil
			})
		}(i)
	}
	wg.Wait()

	stats := cb.Stats()
	assert.Equal(t, stats.TotalRequests, stats.TotalSuccesses+stats.TotalFailures)
}
