package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyQueueName is returned when a queue spec has no name.
	ErrEmptyQueueName = errors.New("queue name cannot be empty")

	// ErrInvalidMaxAttempts is returned when max attempts is below one.
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")

	// ErrInvalidVisibilityTimeout is returned for a non-positive timeout.
	ErrInvalidVisibilityTimeout = errors.New("visibility timeout must be positive")

	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrThrottled marks a rate-limited call. Throttling is transient.
	ErrThrottled = errors.New("rate limit exceeded")
)

// TransientError wraps a retryable failure: network blips, throttling
// responses, broker timeouts. Callers may retry after backoff.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("transient failure: %s after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("transient failure: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRetryable marks the error for retry policies.
func (e *TransientError) IsRetryable() bool { return true }

// PermanentError wraps a failure that retrying cannot fix: oversized or
// malformed messages, auth rejections. It is surfaced immediately.
type PermanentError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent failure: %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent failure: %s: %s", e.Op, e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable marks the error as non-retryable for retry policies.
func (e *PermanentError) IsRetryable() bool { return false }

// TimeoutError is returned when a quick-return operation exceeded its
// explicit deadline instead of blocking indefinitely.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s exceeded %v", e.Op, e.Timeout)
}

// IsRetryable: a timed-out call may be retried.
func (e *TimeoutError) IsRetryable() bool { return true }

// CircuitOpenError is returned by a circuit breaker that short-circuited
// the call without invoking the protected function.
type CircuitOpenError struct {
	Breaker  string
	Failures int
	OpenedAt time.Time
	RetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	retryIn := time.Until(e.RetryAt).Round(time.Millisecond)
	return fmt.Sprintf("circuit %q open: call blocked (failures=%d, retry in %v)",
		e.Breaker, e.Failures, retryIn)
}

// IsRetryable: the call may succeed once the cooldown elapses.
func (e *CircuitOpenError) IsRetryable() bool { return true }

// LockContentionError is returned when a lock could not be acquired because
// another holder owns it.
type LockContentionError struct {
	Key string
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("lock contention: key %q is held", e.Key)
}

// MaxAttemptsError marks a message that exhausted its retry budget and was
// routed to the dead letter destination.
type MaxAttemptsError struct {
	MessageID   string
	Attempts    int
	MaxAttempts int
	LastErr     error
}

func (e *MaxAttemptsError) Error() string {
	return fmt.Sprintf("message %s exceeded max attempts (%d/%d): %v",
		e.MessageID, e.Attempts, e.MaxAttempts, e.LastErr)
}

func (e *MaxAttemptsError) Unwrap() error { return e.LastErr }

// IsRetryable: the retry budget is spent.
func (e *MaxAttemptsError) IsRetryable() bool { return false }

// retryable is implemented by errors that know their own retry semantics.
type retryable interface {
	IsRetryable() bool
}

// IsTransient reports whether err should be retried. Errors that do not
// declare themselves default to retryable, matching at-least-once delivery:
// an unknown failure is redelivered rather than silently dropped.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// IsPermanent reports whether err is a terminal, non-retryable failure.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return !r.IsRetryable()
	}
	return false
}
