package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/conduitmq/conduit-go/contracts"
)

// DeadLetterRouter is the final sink for messages that exhausted their
// retry budget. The increment-and-check on the attempt count and the
// routing itself form one operation guarded per message id, so two
// concurrent redelivery attempts can never both decide to route.
type DeadLetterRouter struct {
	conn   *ConnectionManager
	spec   contracts.QueueSpec
	logger *slog.Logger
	sink   contracts.ObservabilitySink

	mu      sync.Mutex
	pending map[string]struct{}
}

// DeadLetterOption configures the router
type DeadLetterOption func(*DeadLetterRouter)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) DeadLetterOption {
	return func(r *DeadLetterRouter) {
		r.logger = logger
	}
}

// WithRouterSink sets the observability sink
func WithRouterSink(sink contracts.ObservabilitySink) DeadLetterOption {
	return func(r *DeadLetterRouter) {
		r.sink = sink
	}
}

// NewDeadLetterRouter creates a router for the given queue spec.
func NewDeadLetterRouter(conn *ConnectionManager, spec contracts.QueueSpec, options ...DeadLetterOption) (*DeadLetterRouter, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection manager cannot be nil")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.DeadLetterTarget == "" {
		return nil, fmt.Errorf("queue %q has no dead letter target", spec.Name)
	}

	r := &DeadLetterRouter{
		conn:    conn,
		spec:    spec,
		logger:  slog.Default(),
		sink:    contracts.NoOpSink{},
		pending: make(map[string]struct{}),
	}

	for _, opt := range options {
		opt(r)
	}

	return r, nil
}

// HandleFailure decides the fate of a failed delivery: route to the dead
// letter destination when the incremented attempt count exceeds the
// queue's budget, otherwise nack for redelivery after the visibility
// timeout lapses. Returns whether the message was routed.
func (r *DeadLetterRouter) HandleFailure(ctx context.Context, msg *contracts.Message, cause error) (bool, error) {
	if msg == nil {
		return false, fmt.Errorf("message cannot be nil")
	}

	if !r.begin(msg.ID) {
		// Another redelivery attempt is already deciding.
		return false, nil
	}
	defer r.end(msg.ID)

	attempts := msg.AttemptCount + 1
	if attempts <= r.spec.MaxAttempts {
		if err := r.conn.Nack(ctx, msg.Receipt); err != nil {
			return false, fmt.Errorf("failed to nack message %s: %w", msg.ID, err)
		}
		r.sink.Record("dlq.redelivery_scheduled", map[string]any{
			"messageId": msg.ID,
			"attempt":   msg.AttemptCount,
		})
		return false, nil
	}

	if err := r.route(ctx, msg, attempts, cause); err != nil {
		return false, err
	}
	return true, nil
}

// Route forces a message to the dead letter destination regardless of its
// remaining budget. Used for permanent handler failures.
func (r *DeadLetterRouter) Route(ctx context.Context, msg *contracts.Message, cause error) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	if !r.begin(msg.ID) {
		return nil
	}
	defer r.end(msg.ID)

	return r.route(ctx, msg, msg.AttemptCount, cause)
}

// route copies the message plus failure metadata into the dead letter
// destination and removes the original from the primary queue.
func (r *DeadLetterRouter) route(ctx context.Context, msg *contracts.Message, attempts int, cause error) error {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}

	dead := msg.Clone()
	dead.Receipt = ""
	dead.AttemptCount = attempts
	dead.VisibilityDeadline = nil
	dead.SetAttribute(contracts.AttrFailureReason, reason)
	dead.SetAttribute(contracts.AttrOriginQueue, r.spec.Name)
	dead.SetAttribute(contracts.AttrFinalAttempts, fmt.Sprintf("%d", attempts))

	if _, err := r.conn.Send(ctx, r.spec.DeadLetterTarget, dead); err != nil {
		return fmt.Errorf("failed to route message %s to dead letter %q: %w",
			msg.ID, r.spec.DeadLetterTarget, err)
	}

	if err := r.conn.Ack(ctx, msg.Receipt); err != nil {
		// The copy is already in the DLQ; redelivery of the original
		// would duplicate it, which at-least-once permits.
		r.logger.Warn("failed to remove dead-lettered message from primary queue",
			"messageId", msg.ID,
			"error", err,
		)
	}

	r.logger.Info("message routed to dead letter destination",
		"messageId", msg.ID,
		"queue", r.spec.Name,
		"target", r.spec.DeadLetterTarget,
		"attempts", attempts,
		"reason", reason,
	)
	r.sink.Record("dlq.routed", map[string]any{
		"messageId": msg.ID,
		"queue":     r.spec.Name,
		"target":    r.spec.DeadLetterTarget,
		"attempts":  attempts,
		"reason":    reason,
	})

	return nil
}

func (r *DeadLetterRouter) begin(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.pending[id]; busy {
		return false
	}
	r.pending[id] = struct{}{}
	return true
}

func (r *DeadLetterRouter) end(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}
