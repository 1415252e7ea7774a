package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/conduitmq/conduit-go/contracts"
)

// RetryPolicy decides whether a failed call gets another attempt and how
// long to wait before it. Attempt numbering starts at 0 for the initial
// call, so a policy with MaxRetries 3 permits four invocations in total.
type RetryPolicy interface {
	// ShouldRetry reports whether the given attempt may be retried after
	// err, and the delay to wait first.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the retry budget after the initial attempt.
	MaxRetries() int
	// NextDelay returns the delay preceding the given retry attempt.
	NextDelay(attempt int) time.Duration
}

// retryable gates every policy: the budget must not be spent and the error
// must be worth retrying. Permanent errors never get a second attempt.
func retryable(attempt, budget int, err error) bool {
	return attempt < budget && contracts.IsTransient(err)
}

// ExponentialBackoff grows the delay geometrically between attempts, capped
// at MaxInterval. Jitter spreads delays by ±15% so callers failing together
// do not retry together.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a jittered exponential backoff policy.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy.
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if !retryable(attempt, e.MaxAttempts, err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy.
func (e *ExponentialBackoff) MaxRetries() int { return e.MaxAttempts }

// NextDelay implements RetryPolicy.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := math.Min(
		float64(e.InitialInterval)*math.Pow(e.Multiplier, float64(attempt)),
		float64(e.MaxInterval),
	)
	if e.Jitter {
		delay *= 0.85 + rand.Float64()*0.3
	}
	return time.Duration(delay)
}

// FixedDelay waits the same interval between every attempt.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed-interval retry policy.
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxRetries}
}

// ShouldRetry implements RetryPolicy.
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if !retryable(attempt, f.MaxAttempts, err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy.
func (f *FixedDelay) MaxRetries() int { return f.MaxAttempts }

// NextDelay implements RetryPolicy.
func (f *FixedDelay) NextDelay(attempt int) time.Duration { return f.Delay }

// NoRetry permits only the initial attempt.
type NoRetry struct{}

// ShouldRetry implements RetryPolicy.
func (NoRetry) ShouldRetry(attempt int, err error) (bool, time.Duration) { return false, 0 }

// MaxRetries implements RetryPolicy.
func (NoRetry) MaxRetries() int { return 0 }

// NextDelay implements RetryPolicy.
func (NoRetry) NextDelay(attempt int) time.Duration { return 0 }

// Retry runs fn until it succeeds, the policy declines, or ctx is done.
// The last error from fn is returned when the policy gives up; a context
// cancellation surfaces as the context's error even mid-delay.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		again, delay := policy.ShouldRetry(attempt, err)
		if !again {
			return err
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
