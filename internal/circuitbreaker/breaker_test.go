package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func sidecarBreaker(resetTimeout time.Duration) *CircuitBreaker {
	cfg := SidecarConfig("test", 5, resetTimeout)
	cfg.OnStateChange = nil
	return New(cfg)
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(func() error { return errBoom })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(func() error { return nil })
}

func TestBreaker_StaysClosedUnderThreshold(t *testing.T) {
	cb := sidecarBreaker(30 * time.Second)

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, fail(cb), errBoom)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestBreaker_TripsOnFifthConsecutiveFailure(t *testing.T) {
	cb := sidecarBreaker(30 * time.Second)

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, fail(cb), errBoom)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Open circuit rejects without invoking the function.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	cb := sidecarBreaker(30 * time.Second)

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, fail(cb), errBoom)
	}
	require.NoError(t, succeed(cb))
	for i := 0; i < 4; i++ {
		require.ErrorIs(t, fail(cb), errBoom)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := sidecarBreaker(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, fail(cb), errBoom)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	cb := sidecarBreaker(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, fail(cb), errBoom)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// First probe is admitted and holds the only half-open slot.
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			<-release
			return nil
		})
	}()

	// Second concurrent request is rejected while the probe is in flight.
	assert.Eventually(t, func() bool {
		return errors.Is(cb.Allow(), ErrTooManyRequests)
	}, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := sidecarBreaker(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		require.ErrorIs(t, fail(cb), errBoom)
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.ErrorIs(t, fail(cb), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := SidecarConfig("cb-ml", 5, time.Hour)
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	cb := New(cfg)

	for i := 0; i < 5; i++ {
		_ = fail(cb)
	}
	assert.Equal(t, []string{"CLOSED->OPEN"}, transitions)
}
