package messaging

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/conduitmq/conduit-go/contracts"
)

// SessionState represents the consumer session state
type SessionState int

const (
	SessionRunning SessionState = iota
	SessionPaused
	SessionDraining
	SessionStopped
)

func (s SessionState) String() string {
	switch s {
	case SessionRunning:
		return "running"
	case SessionPaused:
		return "paused"
	case SessionDraining:
		return "draining"
	case SessionStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ConsumerSession is a snapshot of a consumer's identity and state. It is
// owned exclusively by the consumer and transitions only through its state
// machine.
type ConsumerSession struct {
	ID       string
	GroupID  string
	State    SessionState
	InFlight int
}

// Consumer pulls messages and drives them through handler execution with
// retry and visibility semantics. Messages sharing a group key are always
// dispatched to the same worker in enqueue order; the poll loop requests
// new messages only while in-flight count stays under the prefetch cap.
type Consumer struct {
	conn   *ConnectionManager
	spec   contracts.QueueSpec
	router *DeadLetterRouter

	concurrency    int
	prefetchFactor int
	waitTime       time.Duration
	heartbeatFrac  float64
	ownsConnection bool
	groupID        string

	logger *slog.Logger
	sink   contracts.ObservabilitySink

	sessionID string
	mu        sync.Mutex
	state     SessionState
	started   bool
	stopped   bool
	resumeCh  chan struct{}

	inflight atomic.Int64
	rr       atomic.Uint64
	workers  []chan *contracts.Message
	workerWg sync.WaitGroup

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	workCancel context.CancelFunc
	stopOnce   sync.Once
	stopErr    error
}

// ConsumerOption configures the Consumer
type ConsumerOption func(*Consumer)

// WithConcurrency sets the worker pool size
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		c.concurrency = n
	}
}

// WithPrefetchFactor caps in-flight messages at concurrency * factor
func WithPrefetchFactor(factor int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchFactor = factor
	}
}

// WithWaitTime sets how long a poll waits when the queue is empty
func WithWaitTime(wait time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.waitTime = wait
	}
}

// WithHeartbeatFraction sets the fraction of the visibility timeout at
// which the heartbeat extends a running handler's deadline
func WithHeartbeatFraction(frac float64) ConsumerOption {
	return func(c *Consumer) {
		c.heartbeatFrac = frac
	}
}

// WithConsumerGroupID sets the session group id
func WithConsumerGroupID(groupID string) ConsumerOption {
	return func(c *Consumer) {
		c.groupID = groupID
	}
}

// WithOwnedConnection makes Stop disconnect the connection manager
func WithOwnedConnection(owns bool) ConsumerOption {
	return func(c *Consumer) {
		c.ownsConnection = owns
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithConsumerSink sets the observability sink
func WithConsumerSink(sink contracts.ObservabilitySink) ConsumerOption {
	return func(c *Consumer) {
		c.sink = sink
	}
}

// NewConsumer creates a consumer for one queue. A nil router is allowed
// for queues without a dead letter target; failed messages are then nacked
// indefinitely.
func NewConsumer(conn *ConnectionManager, spec contracts.QueueSpec, router *DeadLetterRouter, options ...ConsumerOption) (*Consumer, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection manager cannot be nil")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	c := &Consumer{
		conn:           conn,
		spec:           spec,
		router:         router,
		concurrency:    4,
		prefetchFactor: 2,
		waitTime:       time.Second,
		heartbeatFrac:  1.0 / 3.0,
		logger:         slog.Default(),
		sink:           contracts.NoOpSink{},
		sessionID:      uuid.New().String(),
		state:          SessionStopped,
	}

	for _, opt := range options {
		opt(c)
	}

	if c.concurrency < 1 {
		c.concurrency = 1
	}
	if c.prefetchFactor < 1 {
		c.prefetchFactor = 1
	}
	if c.groupID == "" {
		c.groupID = "consumer-" + spec.Name
	}

	return c, nil
}

// Start begins the poll loop and worker pool, dispatching every received
// message to the handler. It returns once the loop is running.
func (c *Consumer) Start(ctx context.Context, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return fmt.Errorf("consumer already stopped")
	}
	if c.started {
		return fmt.Errorf("consumer already started")
	}
	c.started = true
	c.state = SessionRunning

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	// Workers outlive the poll loop: draining cancels polling first and
	// cancels handler contexts only after the grace period expires.
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	c.workCancel = workCancel

	c.workers = make([]chan *contracts.Message, c.concurrency)
	for i := range c.workers {
		ch := make(chan *contracts.Message, c.prefetch())
		c.workers[i] = ch
		c.workerWg.Add(1)
		go c.worker(workCtx, ch, handler)
	}

	go c.pollLoop(pollCtx)

	c.logger.Info("consumer started",
		"sessionId", c.sessionID,
		"queue", c.spec.Name,
		"concurrency", c.concurrency,
		"prefetch", c.prefetch(),
	)
	c.sink.Record("consumer.started", map[string]any{
		"sessionId": c.sessionID,
		"queue":     c.spec.Name,
	})

	return nil
}

// Pause stops the poll loop without tearing down the connection.
func (c *Consumer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != SessionRunning {
		return fmt.Errorf("cannot pause consumer in state %s", c.state)
	}
	c.state = SessionPaused
	c.resumeCh = make(chan struct{})
	c.logger.Info("consumer paused", "sessionId", c.sessionID)
	c.sink.Record("consumer.paused", map[string]any{"sessionId": c.sessionID})
	return nil
}

// Resume restarts a paused poll loop.
func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != SessionPaused {
		return fmt.Errorf("cannot resume consumer in state %s", c.state)
	}
	c.state = SessionRunning
	close(c.resumeCh)
	c.resumeCh = nil
	c.logger.Info("consumer resumed", "sessionId", c.sessionID)
	c.sink.Record("consumer.resumed", map[string]any{"sessionId": c.sessionID})
	return nil
}

// Stop drains the consumer: polling stops, in-flight handlers get up to
// gracePeriod to finish, then the session is Stopped and the connection is
// released if owned. Idempotent: concurrent calls produce exactly one
// disconnect, and every caller returns after teardown completes. A stopped
// consumer cannot be started again.
func (c *Consumer) Stop(gracePeriod time.Duration) error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		wasStarted := c.started
		c.stopped = true
		c.state = SessionDraining
		if c.resumeCh != nil {
			close(c.resumeCh)
			c.resumeCh = nil
		}
		c.mu.Unlock()

		c.logger.Info("consumer draining",
			"sessionId", c.sessionID,
			"inFlight", c.inflight.Load(),
			"gracePeriod", gracePeriod,
		)

		if wasStarted {
			c.pollCancel()
			<-c.pollDone
			c.awaitDrain(gracePeriod)

			for _, ch := range c.workers {
				close(ch)
			}
			c.workCancel()
		}

		c.mu.Lock()
		c.state = SessionStopped
		c.mu.Unlock()

		if abandoned := c.inflight.Load(); abandoned > 0 {
			// Unacked handlers are abandoned; their messages reappear
			// once the visibility timeout lapses.
			c.logger.Warn("grace period expired with handlers in flight",
				"sessionId", c.sessionID,
				"abandoned", abandoned,
			)
		}

		if c.ownsConnection {
			c.stopErr = c.conn.Disconnect()
		}

		c.logger.Info("consumer stopped", "sessionId", c.sessionID)
		c.sink.Record("consumer.stopped", map[string]any{"sessionId": c.sessionID})
	})
	return c.stopErr
}

// Session returns a snapshot of the consumer session.
func (c *Consumer) Session() ConsumerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConsumerSession{
		ID:       c.sessionID,
		GroupID:  c.groupID,
		State:    c.state,
		InFlight: int(c.inflight.Load()),
	}
}

func (c *Consumer) prefetch() int {
	return c.concurrency * c.prefetchFactor
}

// pollLoop requests batches sized to the free prefetch slots and fans them
// out to the workers. It is the only place that blocks on receive I/O.
func (c *Consumer) pollLoop(ctx context.Context) {
	defer close(c.pollDone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if ch := c.pausedCh(); ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				return
			}
			continue
		}

		free := c.prefetch() - int(c.inflight.Load())
		if free <= 0 {
			// Backpressure: all prefetch slots are in flight.
			select {
			case <-time.After(10 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		msgs, err := c.conn.Receive(ctx, c.spec.Name, free, c.waitTime)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("poll failed", "queue", c.spec.Name, "error", err)
			select {
			case <-time.After(c.waitTime):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, msg := range msgs {
			c.inflight.Add(1)
			select {
			case c.workers[c.workerFor(msg)] <- msg:
			case <-ctx.Done():
				c.inflight.Add(-1)
				return
			}
		}
	}
}

// workerFor pins grouped messages to a fixed worker so same-key messages
// stay serial and ordered; ungrouped messages round-robin.
func (c *Consumer) workerFor(msg *contracts.Message) int {
	if msg.GroupKey == "" {
		return int(c.rr.Add(1) % uint64(c.concurrency))
	}
	h := fnv.New32a()
	h.Write([]byte(msg.GroupKey))
	return int(h.Sum32() % uint32(c.concurrency))
}

func (c *Consumer) worker(ctx context.Context, ch <-chan *contracts.Message, handler MessageHandler) {
	defer c.workerWg.Done()

	for msg := range ch {
		c.process(ctx, msg, handler)
		c.inflight.Add(-1)
	}
}

// process runs one delivery through the handler with a visibility
// heartbeat, then settles it: ack on success, dead-letter routing or nack
// on failure.
func (c *Consumer) process(ctx context.Context, msg *contracts.Message, handler MessageHandler) {
	stopHeartbeat := c.startHeartbeat(msg)

	start := time.Now()
	err := handler.Handle(ctx, msg)
	stopHeartbeat()

	if err == nil {
		if ackErr := c.conn.Ack(ctx, msg.Receipt); ackErr != nil {
			c.logger.Error("failed to ack message", "messageId", msg.ID, "error", ackErr)
			return
		}
		c.sink.Record("consumer.processed", map[string]any{
			"messageId": msg.ID,
			"duration":  time.Since(start).String(),
		})
		return
	}

	c.logger.Error("handler failed",
		"messageId", msg.ID,
		"attempt", msg.AttemptCount,
		"error", err,
	)
	c.sink.Record("consumer.handler_failed", map[string]any{
		"messageId": msg.ID,
		"attempt":   msg.AttemptCount,
	})

	if c.router == nil {
		if nackErr := c.conn.Nack(ctx, msg.Receipt); nackErr != nil {
			c.logger.Error("failed to nack message", "messageId", msg.ID, "error", nackErr)
		}
		return
	}

	// A permanent handler failure bypasses the remaining retry budget.
	if contracts.IsPermanent(err) {
		if routeErr := c.router.Route(ctx, msg, err); routeErr != nil {
			c.logger.Error("failed to dead-letter message", "messageId", msg.ID, "error", routeErr)
		}
		return
	}

	if _, hfErr := c.router.HandleFailure(ctx, msg, err); hfErr != nil {
		c.logger.Error("failed to settle message failure", "messageId", msg.ID, "error", hfErr)
	}
}

// startHeartbeat extends the message's visibility while its handler runs,
// so another worker cannot receive it mid-processing. The returned stop
// function cancels the heartbeat; it must be called on handler completion.
func (c *Consumer) startHeartbeat(msg *contracts.Message) func() {
	interval := time.Duration(float64(c.spec.VisibilityTimeout) * c.heartbeatFrac)
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.conn.ExtendVisibility(ctx, msg.Receipt, c.spec.VisibilityTimeout); err != nil {
					c.logger.Warn("failed to extend visibility",
						"messageId", msg.ID,
						"error", err,
					)
					return
				}
				c.sink.Record("consumer.visibility_extended", map[string]any{"messageId": msg.ID})
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (c *Consumer) pausedCh() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == SessionPaused {
		return c.resumeCh
	}
	return nil
}

// awaitDrain waits until in-flight handlers finish or the grace period
// expires. It never forcibly kills a handler.
func (c *Consumer) awaitDrain(gracePeriod time.Duration) {
	deadline := time.NewTimer(gracePeriod)
	defer deadline.Stop()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.inflight.Load() == 0 {
			return
		}
		select {
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}
