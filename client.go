// Package conduit ties the transport bindings, managed connection,
// publisher and consumers together behind a single client.
package conduit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/conduitmq/conduit-go/contracts"
	"github.com/conduitmq/conduit-go/internal/reliability"
	"github.com/conduitmq/conduit-go/messaging"
)

// Client is the main entry point. It owns the managed connection and the
// publisher built on it, and constructs consumers bound to declared queues.
type Client struct {
	conn      *messaging.ConnectionManager
	publisher *messaging.Publisher
	logger    *slog.Logger
	sink      contracts.ObservabilitySink
	queues    []contracts.QueueSpec
}

// clientConfig holds client configuration.
type clientConfig struct {
	logger           *slog.Logger
	sink             contracts.ObservabilitySink
	queues           []contracts.QueueSpec
	connectionOpts   []messaging.ConnectionOption
	publisherOpts    []messaging.PublisherOption
	rateLimit        float64
	rateBurst        int
	breakerThreshold int
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithSink sets the observability sink for all components.
func WithSink(sink contracts.ObservabilitySink) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sink = sink
	}
}

// WithQueue registers a queue declared on Connect. Consumers may only be
// opened against registered queues.
func WithQueue(spec contracts.QueueSpec) ClientOption {
	return func(cfg *clientConfig) {
		cfg.queues = append(cfg.queues, spec)
	}
}

// WithConnectionOptions forwards options to the connection manager.
func WithConnectionOptions(opts ...messaging.ConnectionOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionOpts = append(cfg.connectionOpts, opts...)
	}
}

// WithPublisherOptions forwards options to the publisher.
func WithPublisherOptions(opts ...messaging.PublisherOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publisherOpts = append(cfg.publisherOpts, opts...)
	}
}

// WithPublishRateLimit throttles publishes to rate per second with the
// given burst capacity.
func WithPublishRateLimit(rate float64, burst int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.rateLimit = rate
		cfg.rateBurst = burst
	}
}

// WithPublishCircuitBreaker guards publishes with a circuit breaker that
// opens after threshold consecutive-window failures.
func WithPublishCircuitBreaker(threshold int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breakerThreshold = threshold
	}
}

// NewClient creates a client over the given transport. Call Connect before
// publishing or consuming.
func NewClient(transport messaging.Transport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("conduit: transport is required")
	}

	cfg := &clientConfig{
		logger: slog.Default(),
		sink:   contracts.NoOpSink{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	for _, spec := range cfg.queues {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("conduit: queue %q: %w", spec.Name, err)
		}
	}

	connOpts := append([]messaging.ConnectionOption{
		messaging.WithConnectionLogger(cfg.logger),
		messaging.WithConnectionSink(cfg.sink),
	}, cfg.connectionOpts...)
	conn := messaging.NewConnectionManager(transport, connOpts...)

	pubOpts := append([]messaging.PublisherOption{
		messaging.WithPublisherLogger(cfg.logger),
		messaging.WithPublisherSink(cfg.sink),
	}, cfg.publisherOpts...)
	if cfg.rateLimit > 0 {
		pubOpts = append(pubOpts, messaging.WithRateLimiter(
			reliability.NewTokenBucket(cfg.rateBurst, cfg.rateLimit),
		))
	}
	if cfg.breakerThreshold > 0 {
		pubOpts = append(pubOpts, messaging.WithCircuitBreaker(
			reliability.NewCircuitBreaker(
				reliability.WithName("publisher"),
				reliability.WithFailureThreshold(cfg.breakerThreshold),
				reliability.WithBreakerSink(cfg.sink),
			),
		))
	}
	publisher, err := messaging.NewPublisher(conn, pubOpts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		conn:      conn,
		publisher: publisher,
		logger:    cfg.logger,
		sink:      cfg.sink,
		queues:    cfg.queues,
	}, nil
}

// Connect establishes the managed connection and declares the registered
// queues together with their dead letter targets.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	for _, spec := range c.queues {
		if err := c.conn.CreateTopic(ctx, spec); err != nil {
			return fmt.Errorf("conduit: declare queue %q: %w", spec.Name, err)
		}
	}
	return nil
}

// Publisher returns the client's publisher.
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// Connection returns the managed connection.
func (c *Client) Connection() *messaging.ConnectionManager {
	return c.conn
}

// Consumer creates a consumer for a registered queue, wired to the queue's
// dead letter router when a target is set.
func (c *Client) Consumer(queueName string, opts ...messaging.ConsumerOption) (*messaging.Consumer, error) {
	spec, ok := c.queue(queueName)
	if !ok {
		return nil, fmt.Errorf("conduit: queue %q not registered", queueName)
	}

	var router *messaging.DeadLetterRouter
	if spec.DeadLetterTarget != "" {
		var err error
		router, err = messaging.NewDeadLetterRouter(c.conn, spec,
			messaging.WithRouterLogger(c.logger),
			messaging.WithRouterSink(c.sink),
		)
		if err != nil {
			return nil, err
		}
	}

	opts = append([]messaging.ConsumerOption{
		messaging.WithConsumerLogger(c.logger),
		messaging.WithConsumerSink(c.sink),
	}, opts...)
	return messaging.NewConsumer(c.conn, spec, router, opts...)
}

// Close disconnects the managed connection.
func (c *Client) Close() error {
	return c.conn.Disconnect()
}

func (c *Client) queue(name string) (contracts.QueueSpec, bool) {
	for _, spec := range c.queues {
		if spec.Name == name {
			return spec, true
		}
	}
	return contracts.QueueSpec{}, false
}
