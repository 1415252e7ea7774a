package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conduitmq/conduit-go/contracts"
)

// fakeConn is a controllable in-memory Connection shared by the package
// tests. Receive drains a pushed queue; every settlement call is recorded.
type fakeConn struct {
	mu       sync.Mutex
	queue    []*contracts.Message
	sent     map[string][]*contracts.Message
	sendErrs []error
	batchErr error
	ackErr   error

	acked    []string
	nacked   []string
	extends  map[string]int
	removed  map[string][]string
	removeErr error
	created  []contracts.QueueSpec

	closeCalls int
	closed     bool
	notify     chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:    make(map[string][]*contracts.Message),
		extends: make(map[string]int),
		removed: make(map[string][]string),
		notify:  make(chan error, 1),
	}
}

// push enqueues deliveries returned by subsequent Receive calls.
func (f *fakeConn) push(msgs ...*contracts.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, msgs...)
}

// failSends queues errors consumed by the next Send calls; a nil entry
// lets that call through.
func (f *fakeConn) failSends(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, errs...)
}

func (f *fakeConn) sentTo(topic string) []*contracts.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*contracts.Message(nil), f.sent[topic]...)
}

func (f *fakeConn) ackedReceipts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func (f *fakeConn) nackedReceipts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.nacked...)
}

func (f *fakeConn) extendCount(receipt string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extends[receipt]
}

func (f *fakeConn) Send(ctx context.Context, topic string, msg *contracts.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.sent[topic] = append(f.sent[topic], msg.Clone())
	return msg.ID, nil
}

func (f *fakeConn) SendBatch(ctx context.Context, topic string, msgs []*contracts.Message) ([]SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.batchErr != nil {
		return nil, f.batchErr
	}
	results := make([]SendResult, len(msgs))
	for i, msg := range msgs {
		f.sent[topic] = append(f.sent[topic], msg.Clone())
		results[i] = SendResult{MessageID: msg.ID}
	}
	return results, nil
}

func (f *fakeConn) Receive(ctx context.Context, topic string, maxMessages int, waitTime time.Duration) ([]*contracts.Message, error) {
	f.mu.Lock()
	n := maxMessages
	if n > len(f.queue) {
		n = len(f.queue)
	}
	batch := f.queue[:n]
	f.queue = f.queue[n:]
	f.mu.Unlock()

	if len(batch) == 0 {
		select {
		case <-time.After(waitTime):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return batch, nil
}

func (f *fakeConn) Ack(ctx context.Context, receipt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acked = append(f.acked, receipt)
	return nil
}

func (f *fakeConn) Nack(ctx context.Context, receipt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, receipt)
	return nil
}

func (f *fakeConn) ExtendVisibility(ctx context.Context, receipt string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extends[receipt]++
	return nil
}

func (f *fakeConn) CreateTopic(ctx context.Context, spec contracts.QueueSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return nil
}

func (f *fakeConn) Remove(ctx context.Context, topic, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed[topic] = append(f.removed[topic], messageID)
	return nil
}

func (f *fakeConn) NotifyClose() <-chan error {
	return f.notify
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if !f.closed {
		f.closed = true
		close(f.notify)
	}
	return nil
}

// fail simulates a connection loss observed by the supervisor.
func (f *fakeConn) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.notify <- err
	}
}

// fakeTransport hands out queued connections, optionally failing dials.
type fakeTransport struct {
	mu    sync.Mutex
	conns []Connection
	errs  []error
	dials int
}

func (t *fakeTransport) Connect(ctx context.Context) (Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++

	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(t.conns) == 0 {
		return nil, contracts.ErrNotConnected
	}
	conn := t.conns[0]
	t.conns = t.conns[1:]
	return conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// newTestManager connects a manager over a single fake connection.
func newTestManager(t *testing.T, conn Connection) *ConnectionManager {
	t.Helper()

	cm := NewConnectionManager(
		&fakeTransport{conns: []Connection{conn}},
		WithReconnectBackoff(time.Millisecond, 10*time.Millisecond, 2.0),
		WithConnectTimeout(time.Second),
	)
	require.NoError(t, cm.Connect(context.Background()))
	t.Cleanup(func() { cm.Disconnect() })
	return cm
}

func testQueueSpec() contracts.QueueSpec {
	return contracts.QueueSpec{
		Name:              "orders",
		MaxAttempts:       3,
		VisibilityTimeout: 30 * time.Second,
		DeadLetterTarget:  "orders.dlq",
	}
}

// waitFor polls until cond is true or the deadline lapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
