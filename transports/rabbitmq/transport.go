// Package rabbitmq binds the messaging layer to RabbitMQ via amqp091-go.
//
// Queues are declared as quorum queues so the broker stamps every
// redelivery with x-delivery-count, which is what attempt accounting and
// dead letter routing are built on. A dead letter exchange is declared
// when the spec names a dead letter target. Receives use basic.get polling
// so the pull-based Connection contract maps directly onto AMQP;
// visibility is governed by the broker's unacked-delivery semantics, so
// ExtendVisibility is a no-op.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/conduitmq/conduit-go/contracts"
	"github.com/conduitmq/conduit-go/messaging"
)

const deadLetterExchange = "conduit.dlx"

// Transport dials RabbitMQ connections.
type Transport struct {
	url    string
	config amqp.Config
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithAMQPConfig overrides the dial configuration.
func WithAMQPConfig(cfg amqp.Config) TransportOption {
	return func(t *Transport) {
		t.config = cfg
	}
}

// NewTransport creates a transport for the given AMQP URL.
func NewTransport(url string, opts ...TransportOption) *Transport {
	t := &Transport{
		url:    url,
		config: amqp.Config{Heartbeat: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect implements messaging.Transport.
func (t *Transport) Connect(ctx context.Context) (messaging.Connection, error) {
	conn, err := amqp.DialConfig(t.url, t.config)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial %s: %w", t.url, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}

	c := &Connection{
		conn:        conn,
		ch:          ch,
		receipts:    make(map[string]uint64),
		notifyClose: make(chan error, 1),
	}
	go c.watchClose(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

// Connection wraps an AMQP connection and channel.
type Connection struct {
	conn *amqp.Connection

	mu       sync.Mutex
	ch       *amqp.Channel
	receipts map[string]uint64

	notifyClose chan error
}

func (c *Connection) watchClose(errs <-chan *amqp.Error) {
	err, ok := <-errs
	if ok && err != nil {
		c.notifyClose <- err
	}
	close(c.notifyClose)
}

// Send implements messaging.Connection.
func (c *Connection) Send(ctx context.Context, topic string, msg *contracts.Message) (string, error) {
	pub, err := toPublishing(msg)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.PublishWithContext(ctx, "", topic, false, false, pub); err != nil {
		return "", fmt.Errorf("rabbitmq: publish to %s: %w", topic, err)
	}
	return msg.ID, nil
}

// SendBatch implements messaging.Connection. AMQP has no batch publish so
// messages are sent individually; each slot reports its own outcome.
func (c *Connection) SendBatch(ctx context.Context, topic string, msgs []*contracts.Message) ([]messaging.SendResult, error) {
	results := make([]messaging.SendResult, len(msgs))
	for i, msg := range msgs {
		id, err := c.Send(ctx, topic, msg)
		results[i] = messaging.SendResult{MessageID: id, Err: err}
	}
	return results, nil
}

// Receive implements messaging.Connection via basic.get polling.
func (c *Connection) Receive(ctx context.Context, topic string, maxMessages int, waitTime time.Duration) ([]*contracts.Message, error) {
	deadline := time.Now().Add(waitTime)
	var out []*contracts.Message

	for len(out) < maxMessages {
		c.mu.Lock()
		delivery, ok, err := c.ch.Get(topic, false)
		c.mu.Unlock()
		if err != nil {
			return out, fmt.Errorf("rabbitmq: get from %s: %w", topic, err)
		}
		if !ok {
			if len(out) > 0 || !time.Now().Before(deadline) {
				return out, nil
			}
			select {
			case <-time.After(50 * time.Millisecond):
				continue
			case <-ctx.Done():
				return out, ctx.Err()
			}
		}

		msg, err := fromDelivery(&delivery)
		if err != nil {
			// Undecodable payloads go back to the broker rather than
			// poisoning the batch.
			c.mu.Lock()
			_ = c.ch.Nack(delivery.DeliveryTag, false, true)
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.receipts[msg.Receipt] = delivery.DeliveryTag
		c.mu.Unlock()
		out = append(out, msg)
	}
	return out, nil
}

// Ack implements messaging.Connection.
func (c *Connection) Ack(ctx context.Context, receipt string) error {
	tag, err := c.claimReceipt(receipt)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Ack(tag, false)
}

// Nack implements messaging.Connection. The delivery is requeued and
// rejoins the queue for redelivery.
func (c *Connection) Nack(ctx context.Context, receipt string) error {
	tag, err := c.claimReceipt(receipt)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.Nack(tag, false, true)
}

// ExtendVisibility implements messaging.Connection. RabbitMQ keeps unacked
// deliveries invisible for the life of the channel, so there is nothing
// to extend.
func (c *Connection) ExtendVisibility(ctx context.Context, receipt string, timeout time.Duration) error {
	return nil
}

// CreateTopic implements messaging.Connection. Declares the queue as a
// quorum queue (classic queues do not maintain x-delivery-count, which
// attempt accounting requires), and when a dead letter target is set, the
// shared dead letter exchange plus the target queue bound to it.
func (c *Connection) CreateTopic(ctx context.Context, spec contracts.QueueSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	args := amqp.Table{"x-queue-type": "quorum"}
	if spec.DeadLetterTarget != "" {
		if err := c.ch.ExchangeDeclare(deadLetterExchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("rabbitmq: declare dlx: %w", err)
		}
		if _, err := c.ch.QueueDeclare(spec.DeadLetterTarget, true, false, false, false, amqp.Table{"x-queue-type": "quorum"}); err != nil {
			return fmt.Errorf("rabbitmq: declare dead letter queue %s: %w", spec.DeadLetterTarget, err)
		}
		if err := c.ch.QueueBind(spec.DeadLetterTarget, spec.Name, deadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("rabbitmq: bind dead letter queue %s: %w", spec.DeadLetterTarget, err)
		}
		args["x-dead-letter-exchange"] = deadLetterExchange
		args["x-dead-letter-routing-key"] = spec.Name
	}

	if _, err := c.ch.QueueDeclare(spec.Name, true, false, false, false, args); err != nil {
		return fmt.Errorf("rabbitmq: declare queue %s: %w", spec.Name, err)
	}
	return nil
}

// NotifyClose implements messaging.Connection.
func (c *Connection) NotifyClose() <-chan error {
	return c.notifyClose
}

// Close implements messaging.Connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ch.Close(); err != nil && err != amqp.ErrClosed {
		c.conn.Close()
		return err
	}
	if err := c.conn.Close(); err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

func (c *Connection) claimReceipt(receipt string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tag, ok := c.receipts[receipt]
	if !ok {
		return 0, fmt.Errorf("rabbitmq: receipt %q not found", receipt)
	}
	delete(c.receipts, receipt)
	return tag, nil
}

func toPublishing(msg *contracts.Message) (amqp.Publishing, error) {
	headers := amqp.Table{}
	for k, v := range msg.Attributes {
		headers[k] = v
	}
	if msg.GroupKey != "" {
		headers["conduit-group-key"] = msg.GroupKey
	}
	headers["conduit-enqueue-time"] = msg.EnqueueTime.Format(time.RFC3339Nano)

	return amqp.Publishing{
		MessageId:    msg.ID,
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Timestamp:    msg.EnqueueTime,
		Headers:      headers,
		Body:         msg.Body,
	}, nil
}

func fromDelivery(d *amqp.Delivery) (*contracts.Message, error) {
	if d.MessageId == "" {
		return nil, fmt.Errorf("rabbitmq: delivery without message id")
	}

	msg := &contracts.Message{
		ID:          d.MessageId,
		Body:        d.Body,
		Attributes:  make(map[string]string),
		EnqueueTime: d.Timestamp,
		Receipt:     d.MessageId + ":" + strconv.FormatUint(d.DeliveryTag, 10),
	}

	for k, v := range d.Headers {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch k {
		case "conduit-group-key":
			msg.GroupKey = s
		case "conduit-enqueue-time":
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				msg.EnqueueTime = ts
			}
		default:
			msg.Attributes[k] = s
		}
	}

	// Quorum queues stamp x-delivery-count with the number of prior
	// failed deliveries; the header is absent on the first delivery.
	msg.AttemptCount = deliveryCount(d.Headers) + 1
	return msg, nil
}

func deliveryCount(headers amqp.Table) int {
	switch v := headers["x-delivery-count"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}
