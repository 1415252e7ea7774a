// Package inmem provides an in-process transport with full primary-queue
// semantics: visibility timeouts, attempt counting, per-group FIFO
// delivery and message removal. It backs the end-to-end tests and local
// development; queue contents survive reconnects because the broker state
// lives outside any single connection.
package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduitmq/conduit-go/contracts"
	"github.com/conduitmq/conduit-go/messaging"
)

// Broker holds the queue state shared by every connection.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	sendHook func(topic string, msg *contracts.Message) error
}

type queue struct {
	spec    contracts.QueueSpec
	entries []*entry
}

type entry struct {
	msg            *contracts.Message
	attempts       int
	receipt        string
	invisibleUntil time.Time
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

// SetSendHook installs a hook invoked before every send; returning an
// error fails the send. Tests use it to simulate transport failures.
func (b *Broker) SetSendHook(hook func(topic string, msg *contracts.Message) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendHook = hook
}

// Depth returns the number of messages resident in a queue.
func (b *Broker) Depth(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		return 0
	}
	return len(q.entries)
}

// Messages returns a snapshot of a queue's resident messages in order.
func (b *Broker) Messages(topic string) []*contracts.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		return nil
	}
	out := make([]*contracts.Message, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.msg.Clone())
	}
	return out
}

// ensureQueue returns the queue, creating a default one for undeclared
// topics so plain pub/sub works without the admin path.
func (b *Broker) ensureQueue(topic string) *queue {
	q, ok := b.queues[topic]
	if !ok {
		q = &queue{spec: contracts.QueueSpec{
			Name:              topic,
			MaxAttempts:       5,
			VisibilityTimeout: 30 * time.Second,
		}}
		b.queues[topic] = q
	}
	return q
}

// Transport implements messaging.Transport over a shared broker.
type Transport struct {
	broker *Broker

	mu       sync.Mutex
	dialErrs []error
}

// NewTransport creates a transport over the given broker.
func NewTransport(broker *Broker) *Transport {
	return &Transport{broker: broker}
}

// FailDials queues errors returned by the next Connect calls, in order.
// Used by reconnection tests.
func (t *Transport) FailDials(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErrs = append(t.dialErrs, errs...)
}

// Connect implements messaging.Transport.
func (t *Transport) Connect(ctx context.Context) (messaging.Connection, error) {
	t.mu.Lock()
	if len(t.dialErrs) > 0 {
		err := t.dialErrs[0]
		t.dialErrs = t.dialErrs[1:]
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	return &Connection{
		broker:      t.broker,
		notifyClose: make(chan error, 1),
	}, nil
}

// Connection is one live handle on the broker.
type Connection struct {
	broker *Broker

	mu          sync.Mutex
	closed      bool
	notifyClose chan error
}

// Fail simulates a connection loss: the close channel receives err and the
// connection becomes unusable.
func (c *Connection) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.notifyClose <- err
}

// Send implements messaging.Connection.
func (c *Connection) Send(ctx context.Context, topic string, msg *contracts.Message) (string, error) {
	if err := c.live(); err != nil {
		return "", err
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.broker.sendHook != nil {
		if err := c.broker.sendHook(topic, msg); err != nil {
			return "", err
		}
	}

	q := c.broker.ensureQueue(topic)
	stored := msg.Clone()
	stored.Topic = topic
	stored.Receipt = ""
	q.entries = append(q.entries, &entry{msg: stored})
	return stored.ID, nil
}

// SendBatch implements messaging.Connection.
func (c *Connection) SendBatch(ctx context.Context, topic string, msgs []*contracts.Message) ([]messaging.SendResult, error) {
	if err := c.live(); err != nil {
		return nil, err
	}

	results := make([]messaging.SendResult, len(msgs))
	for i, msg := range msgs {
		id, err := c.Send(ctx, topic, msg)
		results[i] = messaging.SendResult{MessageID: id, Err: err}
	}
	return results, nil
}

// Receive implements messaging.Connection. Delivery is FIFO with one
// in-flight message per group key, so same-group messages stay serial even
// across redeliveries.
func (c *Connection) Receive(ctx context.Context, topic string, maxMessages int, waitTime time.Duration) ([]*contracts.Message, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	if maxMessages < 1 {
		return nil, nil
	}

	deadline := time.Now().Add(waitTime)
	for {
		batch := c.take(topic, maxMessages)
		if len(batch) > 0 {
			return batch, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-time.After(2 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Connection) take(topic string, max int) []*contracts.Message {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	q, ok := c.broker.queues[topic]
	if !ok {
		return nil
	}

	now := time.Now()
	var out []*contracts.Message
	blockedGroups := make(map[string]bool)

	for _, e := range q.entries {
		if len(out) >= max {
			break
		}

		busy := e.invisibleUntil.After(now)
		if g := e.msg.GroupKey; g != "" {
			if blockedGroups[g] {
				continue
			}
			// An earlier same-group entry that is in flight or skipped
			// blocks the rest of the group.
			blockedGroups[g] = true
			if busy {
				continue
			}
		} else if busy {
			continue
		}

		e.attempts++
		e.receipt = uuid.New().String()
		e.invisibleUntil = now.Add(q.spec.VisibilityTimeout)

		m := e.msg.Clone()
		m.AttemptCount = e.attempts
		m.Receipt = e.receipt
		vd := e.invisibleUntil
		m.VisibilityDeadline = &vd
		out = append(out, m)
	}

	return out
}

// Ack implements messaging.Connection. A receipt from a superseded
// delivery is rejected so a stale worker cannot delete a message another
// worker is processing.
func (c *Connection) Ack(ctx context.Context, receipt string) error {
	if err := c.live(); err != nil {
		return err
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	for _, q := range c.broker.queues {
		for i, e := range q.entries {
			if e.receipt == receipt {
				q.entries = append(q.entries[:i], q.entries[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("inmem: receipt %q not found or superseded", receipt)
}

// Nack implements messaging.Connection. The entry keeps its visibility
// deadline and reappears when it lapses.
func (c *Connection) Nack(ctx context.Context, receipt string) error {
	if err := c.live(); err != nil {
		return err
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if e := c.find(receipt); e != nil {
		return nil
	}
	return fmt.Errorf("inmem: receipt %q not found or superseded", receipt)
}

// ExtendVisibility implements messaging.Connection.
func (c *Connection) ExtendVisibility(ctx context.Context, receipt string, timeout time.Duration) error {
	if err := c.live(); err != nil {
		return err
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if e := c.find(receipt); e != nil {
		e.invisibleUntil = time.Now().Add(timeout)
		return nil
	}
	return fmt.Errorf("inmem: receipt %q not found or superseded", receipt)
}

// CreateTopic implements messaging.Connection. The dead letter target is
// declared alongside the primary queue.
func (c *Connection) CreateTopic(ctx context.Context, spec contracts.QueueSpec) error {
	if err := c.live(); err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if _, exists := c.broker.queues[spec.Name]; !exists {
		c.broker.queues[spec.Name] = &queue{spec: spec}
	}
	if spec.DeadLetterTarget != "" {
		if _, exists := c.broker.queues[spec.DeadLetterTarget]; !exists {
			c.broker.queues[spec.DeadLetterTarget] = &queue{spec: contracts.QueueSpec{
				Name:              spec.DeadLetterTarget,
				MaxAttempts:       1,
				VisibilityTimeout: spec.VisibilityTimeout,
			}}
		}
	}
	return nil
}

// Remove implements messaging.MessageRemover for transaction aborts.
func (c *Connection) Remove(ctx context.Context, topic, messageID string) error {
	if err := c.live(); err != nil {
		return err
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	q, ok := c.broker.queues[topic]
	if !ok {
		return fmt.Errorf("inmem: unknown topic %q", topic)
	}
	for i, e := range q.entries {
		if e.msg.ID == messageID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("inmem: message %q not found in %q", messageID, topic)
}

// NotifyClose implements messaging.Connection.
func (c *Connection) NotifyClose() <-chan error {
	return c.notifyClose
}

// Close implements messaging.Connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.notifyClose)
	return nil
}

func (c *Connection) live() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return contracts.ErrNotConnected
	}
	return nil
}

// find locates an in-flight entry by receipt. Caller holds the broker lock.
func (c *Connection) find(receipt string) *entry {
	for _, q := range c.broker.queues {
		for _, e := range q.entries {
			if e.receipt == receipt {
				return e
			}
		}
	}
	return nil
}
