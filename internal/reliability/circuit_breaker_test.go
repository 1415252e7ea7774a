package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitmq/conduit-go/contracts"
)

var errBoom = errors.New("boom")

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Call(context.Background(), func() error { return errBoom })
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	t.Run("stays closed below threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(5))
		failN(cb, 4)
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("opens at threshold and short-circuits the next call", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(5), WithCooldown(time.Minute))
		failN(cb, 5)
		require.Equal(t, StateOpen, cb.GetState())

		invoked := false
		err := cb.Call(context.Background(), func() error {
			invoked = true
			return nil
		})

		assert.False(t, invoked, "open circuit must not invoke the function")
		var coe *contracts.CircuitOpenError
		require.ErrorAs(t, err, &coe)
		assert.Equal(t, 5, coe.Failures)
		assert.True(t, coe.RetryAt.After(coe.OpenedAt))
	})

	t.Run("successes do not accumulate failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))
		for i := 0; i < 10; i++ {
			require.NoError(t, cb.Call(context.Background(), func() error { return nil }))
		}
		cb.Call(context.Background(), func() error { return errBoom })
		assert.Equal(t, StateClosed, cb.GetState())
	})
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	t.Run("cooldown elapses into a trial that closes on success", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2), WithCooldown(30*time.Millisecond))
		failN(cb, 2)
		require.Equal(t, StateOpen, cb.GetState())

		time.Sleep(50 * time.Millisecond)

		err := cb.Call(context.Background(), func() error { return nil })
		require.NoError(t, err)
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("failed trial reopens with escalated cooldown", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(2),
			WithCooldown(30*time.Millisecond),
			WithCooldownEscalation(2.0, time.Second),
		)
		failN(cb, 2)
		time.Sleep(50 * time.Millisecond)

		cb.Call(context.Background(), func() error { return errBoom })

		assert.Equal(t, StateOpen, cb.GetState())
		assert.Equal(t, 60*time.Millisecond, cb.Snapshot().Cooldown)
	})

	t.Run("half-open admits exactly one trial", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2), WithCooldown(20*time.Millisecond))
		failN(cb, 2)
		time.Sleep(40 * time.Millisecond)

		release := make(chan struct{})
		trialStarted := make(chan struct{})
		go cb.Call(context.Background(), func() error {
			close(trialStarted)
			<-release
			return nil
		})
		<-trialStarted

		invoked := false
		err := cb.Call(context.Background(), func() error {
			invoked = true
			return nil
		})
		close(release)

		assert.False(t, invoked)
		var coe *contracts.CircuitOpenError
		assert.ErrorAs(t, err, &coe)
	})

	t.Run("closing resets the cooldown to base", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(2),
			WithCooldown(20*time.Millisecond),
			WithCooldownEscalation(2.0, time.Second),
		)
		failN(cb, 2)
		time.Sleep(35 * time.Millisecond)
		cb.Call(context.Background(), func() error { return errBoom }) // cooldown now 40ms

		time.Sleep(60 * time.Millisecond)
		require.NoError(t, cb.Call(context.Background(), func() error { return nil }))

		assert.Equal(t, StateClosed, cb.GetState())
		assert.Equal(t, 20*time.Millisecond, cb.Snapshot().Cooldown)
	})
}

func TestCircuitBreakerSlidingWindow(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(3), WithWindow(40*time.Millisecond))

	failN(cb, 2)
	time.Sleep(60 * time.Millisecond)
	failN(cb, 2)

	// The first two failures fell out of the window.
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(WithFailureThreshold(1), WithCooldown(time.Minute))
	failN(cb, 1)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()

	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Call(context.Background(), func() error { return nil }))
}

func TestCircuitBreakerSnapshot(t *testing.T) {
	cb := NewCircuitBreaker(WithName("publisher"), WithFailureThreshold(2), WithCooldown(time.Minute))
	failN(cb, 2)
	cb.Call(context.Background(), func() error { return nil }) // short-circuited

	snap := cb.Snapshot()
	assert.Equal(t, "publisher", snap.Name)
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.TotalFailures)
	assert.Equal(t, int64(1), snap.ShortCircuited)
}
