package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conduitmq/conduit-go/contracts"
	"github.com/conduitmq/conduit-go/internal/reliability"
)

// Publisher reliably hands messages to the connection manager's transport,
// guarded by a rate limiter and a circuit breaker. Delivery is
// at-least-once: retries may duplicate, so callers needing exactly-once
// attach an idempotency key attribute, which passes through opaquely.
type Publisher struct {
	conn           *ConnectionManager
	retryPolicy    reliability.RetryPolicy
	circuitBreaker *reliability.CircuitBreaker
	rateLimiter    *reliability.TokenBucket
	maxMessageSize int
	logger         *slog.Logger
	sink           contracts.ObservabilitySink
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublisherSink sets the observability sink
func WithPublisherSink(sink contracts.ObservabilitySink) PublisherOption {
	return func(p *Publisher) {
		p.sink = sink
	}
}

// WithRetryPolicy sets the retry policy for transient publish failures
func WithRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.retryPolicy = policy
	}
}

// WithCircuitBreaker guards transport calls with the given breaker
func WithCircuitBreaker(cb *reliability.CircuitBreaker) PublisherOption {
	return func(p *Publisher) {
		p.circuitBreaker = cb
	}
}

// WithRateLimiter throttles outbound publishes with the given bucket
func WithRateLimiter(bucket *reliability.TokenBucket) PublisherOption {
	return func(p *Publisher) {
		p.rateLimiter = bucket
	}
}

// WithMaxMessageSize sets the size limit enforced before any send
func WithMaxMessageSize(bytes int) PublisherOption {
	return func(p *Publisher) {
		p.maxMessageSize = bytes
	}
}

// NewPublisher creates a new publisher over the connection manager.
func NewPublisher(conn *ConnectionManager, options ...PublisherOption) (*Publisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection manager cannot be nil")
	}

	p := &Publisher{
		conn:           conn,
		retryPolicy:    reliability.NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 3),
		maxMessageSize: 256 * 1024,
		logger:         slog.Default(),
		sink:           contracts.NoOpSink{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p, nil
}

// PublishOptions configures a single publish call.
type PublishOptions struct {
	GroupKey       string
	IdempotencyKey string
	Attributes     map[string]string
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithGroupKey orders the message relative to others sharing the key
func WithGroupKey(key string) PublishOption {
	return func(opts *PublishOptions) {
		opts.GroupKey = key
	}
}

// WithIdempotencyKey attaches a caller-owned dedup key attribute
func WithIdempotencyKey(key string) PublishOption {
	return func(opts *PublishOptions) {
		opts.IdempotencyKey = key
	}
}

// WithAttributes merges attributes onto the message
func WithAttributes(attrs map[string]string) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Attributes == nil {
			opts.Attributes = make(map[string]string)
		}
		for k, v := range attrs {
			opts.Attributes[k] = v
		}
	}
}

// Publish validates, throttles and sends one message, returning its id.
// Oversized messages fail immediately with a PermanentError; transient
// transport errors are retried per policy and surface as a TransientError
// once the budget is spent.
func (p *Publisher) Publish(ctx context.Context, topic string, msg *contracts.Message, options ...PublishOption) (string, error) {
	if msg == nil {
		return "", &contracts.PermanentError{Op: "publish", Reason: "message cannot be nil"}
	}
	if topic == "" {
		return "", &contracts.PermanentError{Op: "publish", Reason: "topic cannot be empty"}
	}

	var opts PublishOptions
	for _, opt := range options {
		opt(&opts)
	}
	p.applyOptions(msg, &opts)

	if size := msg.Size(); size > p.maxMessageSize {
		p.sink.Record("publish.rejected", map[string]any{
			"messageId": msg.ID,
			"size":      size,
			"limit":     p.maxMessageSize,
		})
		return "", &contracts.PermanentError{
			Op:     "publish",
			Reason: fmt.Sprintf("message size %d exceeds limit %d", size, p.maxMessageSize),
		}
	}

	var id string
	attempts := 0
	err := reliability.Retry(ctx, p.retryPolicy, func() error {
		attempts++
		if err := p.admit(); err != nil {
			return err
		}
		sendErr := p.guarded(ctx, func() error {
			var err error
			id, err = p.conn.Send(ctx, topic, msg)
			return err
		})
		return sendErr
	})

	if err != nil {
		p.logger.Error("failed to publish message",
			"messageId", msg.ID,
			"topic", topic,
			"attempts", attempts,
			"error", err,
		)
		p.sink.Record("publish.failed", map[string]any{
			"messageId": msg.ID,
			"topic":     topic,
			"attempts":  attempts,
		})
		if contracts.IsPermanent(err) {
			return "", err
		}
		return "", &contracts.TransientError{Op: "publish " + msg.ID, Attempts: attempts, Err: err}
	}

	p.logger.Debug("message published", "messageId", id, "topic", topic)
	p.sink.Record("publish.ok", map[string]any{"messageId": id, "topic": topic})
	return id, nil
}

// PublishBatch sends all messages in one transport call. Partial failures
// come back as a per-message result list, never an all-or-nothing error.
func (p *Publisher) PublishBatch(ctx context.Context, topic string, msgs []*contracts.Message) ([]SendResult, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	results := make([]SendResult, len(msgs))
	keep := make([]*contracts.Message, 0, len(msgs))
	indexes := make([]int, 0, len(msgs))

	// Size violations are settled locally; only valid messages go out.
	for i, msg := range msgs {
		if msg == nil {
			results[i] = SendResult{Err: &contracts.PermanentError{Op: "publish", Reason: "message cannot be nil"}}
			continue
		}
		if size := msg.Size(); size > p.maxMessageSize {
			results[i] = SendResult{
				MessageID: msg.ID,
				Err: &contracts.PermanentError{
					Op:     "publish",
					Reason: fmt.Sprintf("message size %d exceeds limit %d", size, p.maxMessageSize),
				},
			}
			continue
		}
		keep = append(keep, msg)
		indexes = append(indexes, i)
	}

	if len(keep) == 0 {
		return results, nil
	}

	var sent []SendResult
	err := reliability.Retry(ctx, p.retryPolicy, func() error {
		if err := p.admit(); err != nil {
			return err
		}
		return p.guarded(ctx, func() error {
			var err error
			sent, err = p.conn.SendBatch(ctx, topic, keep)
			return err
		})
	})
	if err != nil {
		p.sink.Record("publish.batch_failed", map[string]any{"topic": topic, "count": len(keep)})
		return nil, &contracts.TransientError{Op: "publish batch", Err: err}
	}

	for i, r := range sent {
		results[indexes[i]] = r
	}

	p.sink.Record("publish.batch_ok", map[string]any{"topic": topic, "count": len(keep)})
	return results, nil
}

// applyOptions folds publish options into the message.
func (p *Publisher) applyOptions(msg *contracts.Message, opts *PublishOptions) {
	if opts.GroupKey != "" {
		msg.GroupKey = opts.GroupKey
	}
	if opts.IdempotencyKey != "" {
		msg.SetAttribute(contracts.AttrIdempotencyKey, opts.IdempotencyKey)
	}
	for k, v := range opts.Attributes {
		msg.SetAttribute(k, v)
	}
}

// admit consumes a rate limiter token. Exhaustion is a throttling response,
// which is transient and therefore handled by the retry policy.
func (p *Publisher) admit() error {
	if p.rateLimiter == nil {
		return nil
	}
	if !p.rateLimiter.Allow() {
		return &contracts.TransientError{Op: "publish", Err: contracts.ErrThrottled}
	}
	return nil
}

// guarded wraps a transport call with the circuit breaker when configured.
func (p *Publisher) guarded(ctx context.Context, fn func() error) error {
	if p.circuitBreaker == nil {
		return fn()
	}
	return p.circuitBreaker.Call(ctx, fn)
}
