package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/conduitmq/conduit-go/contracts"
)

// ConnState represents the connection manager state
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateShuttingDown
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state transitions. Events are
// delivered synchronously and in order from the manager's own goroutines,
// so listeners must return quickly.
type ConnectionStateListener interface {
	OnStateChange(from, to ConnState, err error)
}

// ConnectionManager owns the single logical connection to a transport and
// keeps it alive. Reconnection runs as one supervised loop with a
// cancellation channel; the loop itself never fails outward, only the
// initial Connect call may return an error.
type ConnectionManager struct {
	transport Transport

	mu    sync.RWMutex
	conn  Connection
	state ConnState

	baseDelay      time.Duration
	maxDelay       time.Duration
	multiplier     float64
	maxAttempts    int // -1 = infinite
	connectTimeout time.Duration

	logger *slog.Logger
	sink   contracts.ObservabilitySink

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectionSink sets the observability sink
func WithConnectionSink(sink contracts.ObservabilitySink) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.sink = sink
	}
}

// WithReconnectBackoff sets the reconnect backoff parameters
func WithReconnectBackoff(base, max time.Duration, multiplier float64) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.baseDelay = base
		cm.maxDelay = max
		cm.multiplier = multiplier
	}
}

// WithMaxReconnectAttempts caps reconnection attempts; -1 retries forever
func WithMaxReconnectAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxAttempts = attempts
	}
}

// WithConnectTimeout bounds a single dial attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(transport Transport, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		transport:      transport,
		state:          StateDisconnected,
		baseDelay:      time.Second,
		maxDelay:       5 * time.Minute,
		multiplier:     2.0,
		maxAttempts:    -1,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		sink:           contracts.NoOpSink{},
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection and starts the reconnect
// supervisor. It is the only call that surfaces a connection error.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	select {
	case <-cm.done:
		return fmt.Errorf("connection manager is shut down")
	default:
	}

	cm.mu.Lock()
	if cm.state == StateShuttingDown {
		cm.mu.Unlock()
		return fmt.Errorf("connection manager is shut down")
	}
	if cm.state == StateConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	cm.setState(StateConnecting, nil)

	conn, err := cm.dial(ctx)
	if err != nil {
		cm.setState(StateDisconnected, err)
		return &contracts.TransientError{Op: "connect", Attempts: 1, Err: err}
	}

	cm.mu.Lock()
	cm.conn = conn
	cm.mu.Unlock()
	cm.setState(StateConnected, nil)

	cm.logger.Info("transport connected")
	cm.sink.Record("connection.established", nil)

	cm.wg.Add(1)
	go cm.supervise(conn)

	return nil
}

// Disconnect transitions to ShuttingDown, cancels any in-progress reconnect
// attempt and releases the transport handle. Idempotent.
func (cm *ConnectionManager) Disconnect() error {
	var closeErr error
	cm.closeOnce.Do(func() {
		cm.setState(StateShuttingDown, nil)
		close(cm.done)

		cm.mu.Lock()
		conn := cm.conn
		cm.conn = nil
		cm.mu.Unlock()

		if conn != nil {
			closeErr = conn.Close()
		}

		cm.wg.Wait()
		cm.setState(StateDisconnected, nil)
		cm.logger.Info("connection manager shut down")
	})
	return closeErr
}

// State returns the current state.
func (cm *ConnectionManager) State() ConnState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected reports whether a live connection is held.
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Connection returns the current connection or ErrNotConnected.
func (cm *ConnectionManager) Connection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.state != StateConnected || cm.conn == nil {
		return nil, contracts.ErrNotConnected
	}
	return cm.conn, nil
}

// AddStateListener registers a state change listener.
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// Send publishes through the current connection.
func (cm *ConnectionManager) Send(ctx context.Context, topic string, msg *contracts.Message) (string, error) {
	conn, err := cm.Connection()
	if err != nil {
		return "", err
	}
	return conn.Send(ctx, topic, msg)
}

// SendBatch publishes a batch through the current connection.
func (cm *ConnectionManager) SendBatch(ctx context.Context, topic string, msgs []*contracts.Message) ([]SendResult, error) {
	conn, err := cm.Connection()
	if err != nil {
		return nil, err
	}
	return conn.SendBatch(ctx, topic, msgs)
}

// Receive polls the current connection.
func (cm *ConnectionManager) Receive(ctx context.Context, topic string, maxMessages int, waitTime time.Duration) ([]*contracts.Message, error) {
	conn, err := cm.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Receive(ctx, topic, maxMessages, waitTime)
}

// Ack acknowledges a delivery on the current connection.
func (cm *ConnectionManager) Ack(ctx context.Context, receipt string) error {
	conn, err := cm.Connection()
	if err != nil {
		return err
	}
	return conn.Ack(ctx, receipt)
}

// Nack returns a delivery for redelivery on the current connection.
func (cm *ConnectionManager) Nack(ctx context.Context, receipt string) error {
	conn, err := cm.Connection()
	if err != nil {
		return err
	}
	return conn.Nack(ctx, receipt)
}

// ExtendVisibility extends a delivery's redelivery deadline.
func (cm *ConnectionManager) ExtendVisibility(ctx context.Context, receipt string, timeout time.Duration) error {
	conn, err := cm.Connection()
	if err != nil {
		return err
	}
	return conn.ExtendVisibility(ctx, receipt, timeout)
}

// CreateTopic declares a topic through the current connection.
func (cm *ConnectionManager) CreateTopic(ctx context.Context, spec contracts.QueueSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	conn, err := cm.Connection()
	if err != nil {
		return err
	}
	return conn.CreateTopic(ctx, spec)
}

// Remove deletes a sent message when the transport supports removal.
func (cm *ConnectionManager) Remove(ctx context.Context, topic, messageID string) error {
	conn, err := cm.Connection()
	if err != nil {
		return err
	}
	remover, ok := conn.(MessageRemover)
	if !ok {
		return &contracts.PermanentError{Op: "remove", Reason: "transport does not support message removal"}
	}
	return remover.Remove(ctx, topic, messageID)
}

// supervise watches the connection and reconnects when it dies. One
// supervisor goroutine exists per manager lifetime; it follows the live
// connection across reconnects.
func (cm *ConnectionManager) supervise(conn Connection) {
	defer cm.wg.Done()

	for {
		select {
		case err, ok := <-conn.NotifyClose():
			if !ok {
				// Clean close from our own Disconnect.
				return
			}
			cm.logger.Error("connection lost", "error", err)
			cm.sink.Record("connection.lost", map[string]any{"error": fmt.Sprint(err)})

			cm.mu.Lock()
			cm.conn = nil
			cm.mu.Unlock()
			cm.setState(StateReconnecting, err)

			next, ok := cm.reconnect()
			if !ok {
				return
			}
			conn = next

		case <-cm.done:
			return
		}
	}
}

// reconnect runs the backoff loop until a connection is established, the
// attempt budget is exhausted, or shutdown begins.
func (cm *ConnectionManager) reconnect() (Connection, bool) {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if cm.maxAttempts >= 0 && attempt >= cm.maxAttempts {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt,
				"duration", time.Since(start))
			cm.sink.Record("connection.gave_up", map[string]any{"attempts": attempt})
			cm.setState(StateDisconnected, &contracts.TransientError{
				Op:       "reconnect",
				Attempts: attempt,
				Err:      contracts.ErrNotConnected,
			})
			return nil, false
		}

		if attempt > 0 || cm.baseDelay > 0 {
			delay := cm.backoff(attempt)
			select {
			case <-time.After(delay):
			case <-cm.done:
				return nil, false
			}
		}

		cm.setState(StateConnecting, nil)
		cm.logger.Info("attempting to reconnect", "attempt", attempt+1)

		ctx, cancel := context.WithTimeout(context.Background(), cm.connectTimeout)
		conn, err := cm.dial(ctx)
		cancel()

		select {
		case <-cm.done:
			if conn != nil {
				conn.Close()
			}
			return nil, false
		default:
		}

		if err != nil {
			cm.logger.Error("reconnection failed", "attempt", attempt+1, "error", err)
			cm.setState(StateReconnecting, err)
			continue
		}

		cm.mu.Lock()
		cm.conn = conn
		cm.mu.Unlock()
		cm.setState(StateConnected, nil)

		cm.logger.Info("reconnected",
			"attempts", attempt+1,
			"duration", time.Since(start))
		cm.sink.Record("connection.reestablished", map[string]any{"attempts": attempt + 1})
		return conn, true
	}
}

// dial runs one connection attempt bounded by the connect timeout.
func (cm *ConnectionManager) dial(ctx context.Context) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		conn, err := cm.transport.Connect(dialCtx)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-dialCtx.Done():
		return nil, &contracts.TimeoutError{Op: "dial", Timeout: cm.connectTimeout}
	}
}

// setState records the transition and notifies listeners in order.
func (cm *ConnectionManager) setState(to ConnState, err error) {
	cm.mu.Lock()
	from := cm.state
	cm.state = to
	cm.mu.Unlock()

	if from == to {
		return
	}

	cm.listenersMu.RLock()
	listeners := make([]ConnectionStateListener, len(cm.listeners))
	copy(listeners, cm.listeners)
	cm.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener.OnStateChange(from, to, err)
	}
}

// backoff calculates the delay before the given attempt, with ±25% jitter.
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	delay := float64(cm.baseDelay) * math.Pow(cm.multiplier, float64(attempt))
	if delay > float64(cm.maxDelay) {
		delay = float64(cm.maxDelay)
	}

	jitter := delay * 0.25
	delay = delay - jitter/2 + rand.Float64()*jitter

	return time.Duration(delay)
}
