package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conduitmq/conduit-go/contracts"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

// CircuitBreaker isolates calls to a failing dependency. Failures are
// counted over a sliding window; crossing the threshold opens the circuit,
// which short-circuits calls until the cooldown elapses. Half-open admits
// exactly one trial call.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failureTimes []time.Time
	openedAt     time.Time
	trialActive  bool
	cooldown     time.Duration

	// Configuration
	name             string
	failureThreshold int
	window           time.Duration
	baseCooldown     time.Duration
	maxCooldown      time.Duration
	escalation       float64
	sink             contracts.ObservabilitySink

	listeners []StateChangeListener

	totalRequests  int64
	totalFailures  int64
	totalShortfall int64
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithName sets the breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailureThreshold sets the failure count that opens the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithWindow sets the sliding window over which failures are counted
func WithWindow(window time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.window = window
	}
}

// WithCooldown sets the base cooldown before a half-open trial is allowed
func WithCooldown(cooldown time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.baseCooldown = cooldown
	}
}

// WithCooldownEscalation sets the multiplier applied to the cooldown when a
// half-open trial fails, and the cap it may grow to. A factor of 1 disables
// escalation.
func WithCooldownEscalation(factor float64, max time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.escalation = factor
		cb.maxCooldown = max
	}
}

// WithBreakerSink sets the observability sink
func WithBreakerSink(sink contracts.ObservabilitySink) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.sink = sink
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		window:           time.Minute,
		baseCooldown:     30 * time.Second,
		maxCooldown:      5 * time.Minute,
		escalation:       2.0,
		sink:             contracts.NoOpSink{},
	}

	for _, opt := range options {
		opt(cb)
	}

	cb.cooldown = cb.baseCooldown
	return cb
}

// Call invokes fn under circuit breaker protection. While the circuit is
// open and the cooldown has not elapsed, fn is never invoked and a
// CircuitOpenError is returned.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		cb.record(ctx.Err())
		return ctx.Err()
	default:
	}

	err := fn()
	cb.record(err)
	return err
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the breaker's externally visible state.
func (cb *CircuitBreaker) Snapshot() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitState{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: len(cb.failureTimes),
		OpenedAt:            cb.openedAt,
		Cooldown:            cb.cooldown,
		TotalRequests:       cb.totalRequests,
		TotalFailures:       cb.totalFailures,
		ShortCircuited:      cb.totalShortfall,
	}
}

// Reset closes the circuit and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	old := cb.state
	cb.state = StateClosed
	cb.failureTimes = nil
	cb.trialActive = false
	cb.cooldown = cb.baseCooldown
	if old != StateClosed {
		cb.notify(old, StateClosed, "manual reset")
	}
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// admit decides whether a call may proceed, transitioning Open to HalfOpen
// once the cooldown has elapsed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		retryAt := cb.openedAt.Add(cb.cooldown)
		if time.Now().After(retryAt) {
			old := cb.state
			cb.state = StateHalfOpen
			cb.trialActive = true
			cb.notify(old, cb.state, "cooldown elapsed")
			return nil
		}
		cb.totalShortfall++
		return &contracts.CircuitOpenError{
			Breaker:  cb.name,
			Failures: len(cb.failureTimes),
			OpenedAt: cb.openedAt,
			RetryAt:  retryAt,
		}

	case StateHalfOpen:
		// Only the single trial call is admitted.
		if cb.trialActive {
			cb.totalShortfall++
			return &contracts.CircuitOpenError{
				Breaker:  cb.name,
				Failures: len(cb.failureTimes),
				OpenedAt: cb.openedAt,
				RetryAt:  time.Now().Add(time.Second),
			}
		}
		cb.trialActive = true
		return nil

	default:
		return fmt.Errorf("circuit breaker %q: unknown state %d", cb.name, cb.state)
	}
}

// record applies the call outcome to the state machine.
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	if err != nil {
		cb.totalFailures++

		switch cb.state {
		case StateClosed:
			cb.failureTimes = append(cb.failureTimes, now)
			cb.pruneWindow(now)
			if len(cb.failureTimes) >= cb.failureThreshold {
				old := cb.state
				cb.state = StateOpen
				cb.openedAt = now
				cb.notify(old, cb.state, fmt.Sprintf("failure threshold reached (%d within %v)",
					len(cb.failureTimes), cb.window))
				cb.sink.Record("circuit.opened", map[string]any{
					"breaker":  cb.name,
					"failures": len(cb.failureTimes),
				})
			}

		case StateHalfOpen:
			// The trial failed: reopen with an escalated cooldown.
			old := cb.state
			cb.state = StateOpen
			cb.openedAt = now
			cb.trialActive = false
			cb.escalateCooldown()
			cb.notify(old, cb.state, "trial call failed")
			cb.sink.Record("circuit.reopened", map[string]any{
				"breaker":  cb.name,
				"cooldown": cb.cooldown.String(),
			})
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		old := cb.state
		cb.state = StateClosed
		cb.failureTimes = nil
		cb.trialActive = false
		cb.cooldown = cb.baseCooldown
		cb.notify(old, cb.state, "trial call succeeded")
		cb.sink.Record("circuit.closed", map[string]any{"breaker": cb.name})

	case StateClosed:
		cb.pruneWindow(now)
	}
}

// pruneWindow drops failures older than the sliding window.
func (cb *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-cb.window)
	i := 0
	for i < len(cb.failureTimes) && cb.failureTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.failureTimes = append([]time.Time(nil), cb.failureTimes[i:]...)
	}
}

func (cb *CircuitBreaker) escalateCooldown() {
	if cb.escalation <= 1 {
		return
	}
	next := time.Duration(float64(cb.cooldown) * cb.escalation)
	if next > cb.maxCooldown {
		next = cb.maxCooldown
	}
	cb.cooldown = next
}

// notify delivers the state change to listeners. Called with the lock held;
// listeners run in goroutines so slow listeners cannot stall the breaker.
func (cb *CircuitBreaker) notify(from, to State, reason string) {
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)

	for _, listener := range listeners {
		go listener.OnStateChange(from, to, reason)
	}
}

// CircuitState is a point-in-time snapshot of a breaker.
type CircuitState struct {
	Name                string
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	Cooldown            time.Duration
	TotalRequests       int64
	TotalFailures       int64
	ShortCircuited      int64
}
