package client

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	// Configure for fast testing: 3 failures, 100ms timeout
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow(), "closed breaker allows requests")

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "two failures keep the breaker closed")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow(), "open breaker rejects requests")

	time.Sleep(150 * time.Millisecond)

	assert.True(t, cb.Allow(), "probe allowed after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe in flight")

	// probe fails -> open again
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(150 * time.Millisecond)
	assert.True(t, cb.Allow())

	// probe succeeds -> closed
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.failures)
}

func TestCircuitBreakerDo(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)
	boom := errors.New("connection refused")

	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	assert.NoError(t, cb.Do(func() error { return nil }))
	assert.Zero(t, cb.failures, "success resets the failure count")

	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	before := testutil.ToFloat64(breakerRejections)
	called := false
	err := cb.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, before+1, testutil.ToFloat64(breakerRejections))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(7).String())
}
