// Package kafka binds the messaging layer to Apache Kafka via
// segmentio/kafka-go.
//
// Kafka commits offsets rather than acking individual messages, so the
// binding adapts: Ack commits the fetched offset, and Nack commits the
// offset too but requeues a copy locally for redelivery once the queue's
// visibility timeout lapses. Local requeues do not survive a process
// restart; uncommitted offsets cover that case through normal consumer
// group rebalancing. Group keys map onto partition keys, which preserves
// per-group ordering at the broker.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/conduitmq/conduit-go/contracts"
	"github.com/conduitmq/conduit-go/messaging"
)

const (
	headerMessageID   = "conduit-message-id"
	headerGroupKey    = "conduit-group-key"
	headerEnqueueTime = "conduit-enqueue-time"
)

// Transport dials Kafka connections.
type Transport struct {
	brokers    []string
	groupID    string
	partitions int
	replicas   int
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithGroupID sets the consumer group id. Defaults to "conduit".
func WithGroupID(groupID string) TransportOption {
	return func(t *Transport) {
		t.groupID = groupID
	}
}

// WithTopicDefaults sets partition and replica counts for created topics.
func WithTopicDefaults(partitions, replicas int) TransportOption {
	return func(t *Transport) {
		t.partitions = partitions
		t.replicas = replicas
	}
}

// NewTransport creates a transport for the given broker addresses.
func NewTransport(brokers []string, opts ...TransportOption) *Transport {
	t := &Transport{
		brokers:    brokers,
		groupID:    "conduit",
		partitions: 3,
		replicas:   1,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect implements messaging.Transport.
func (t *Transport) Connect(ctx context.Context) (messaging.Connection, error) {
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(t.brokers...),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		Async:        false,
	}

	return &Connection{
		transport:   t,
		writer:      writer,
		readers:     make(map[string]*kafkago.Reader),
		specs:       make(map[string]contracts.QueueSpec),
		inflight:    make(map[string]*delivery),
		requeued:    make(map[string][]*requeuedMessage),
		notifyClose: make(chan error, 1),
	}, nil
}

type delivery struct {
	topic    string
	raw      kafkago.Message
	local    *contracts.Message // set when the entry came from the requeue buffer
	requeue  bool
	attempts int
}

type requeuedMessage struct {
	msg      *contracts.Message
	attempts int
	eligible time.Time
}

// Connection multiplexes one writer and per-topic readers.
type Connection struct {
	transport *Transport
	writer    *kafkago.Writer

	mu       sync.Mutex
	closed   bool
	readers  map[string]*kafkago.Reader
	specs    map[string]contracts.QueueSpec
	inflight map[string]*delivery
	requeued map[string][]*requeuedMessage

	notifyClose chan error
}

// Send implements messaging.Connection.
func (c *Connection) Send(ctx context.Context, topic string, msg *contracts.Message) (string, error) {
	if err := c.live(); err != nil {
		return "", err
	}
	if err := c.writer.WriteMessages(ctx, toKafkaMessage(topic, msg)); err != nil {
		return "", fmt.Errorf("kafka: write to %s: %w", topic, err)
	}
	return msg.ID, nil
}

// SendBatch implements messaging.Connection. The writer reports a joined
// error per message, so slots are settled individually from it.
func (c *Connection) SendBatch(ctx context.Context, topic string, msgs []*contracts.Message) ([]messaging.SendResult, error) {
	if err := c.live(); err != nil {
		return nil, err
	}

	batch := make([]kafkago.Message, len(msgs))
	for i, msg := range msgs {
		batch[i] = toKafkaMessage(topic, msg)
	}

	err := c.writer.WriteMessages(ctx, batch...)
	results := make([]messaging.SendResult, len(msgs))

	var writeErrs kafkago.WriteErrors
	perMessage := errors.As(err, &writeErrs) && len(writeErrs) == len(msgs)

	for i, msg := range msgs {
		results[i] = messaging.SendResult{MessageID: msg.ID}
		switch {
		case err == nil:
		case perMessage:
			results[i].Err = writeErrs[i]
		default:
			results[i].Err = err
		}
	}
	return results, nil
}

// Receive implements messaging.Connection. Locally requeued messages are
// served first, then the group reader is fetched until the wait expires.
func (c *Connection) Receive(ctx context.Context, topic string, maxMessages int, waitTime time.Duration) ([]*contracts.Message, error) {
	if err := c.live(); err != nil {
		return nil, err
	}
	if maxMessages < 1 {
		return nil, nil
	}

	out := c.takeRequeued(topic, maxMessages)
	if len(out) >= maxMessages {
		return out, nil
	}

	reader := c.readerFor(topic)
	fetchCtx, cancel := context.WithTimeout(ctx, waitTime)
	defer cancel()

	for len(out) < maxMessages {
		raw, err := reader.FetchMessage(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return out, fmt.Errorf("kafka: fetch from %s: %w", topic, err)
		}
		out = append(out, c.admit(topic, raw))
	}
	return out, nil
}

func (c *Connection) takeRequeued(topic string, max int) []*contracts.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var out []*contracts.Message
	var remaining []*requeuedMessage

	for _, rq := range c.requeued[topic] {
		if len(out) >= max || rq.eligible.After(now) {
			remaining = append(remaining, rq)
			continue
		}
		receipt := uuid.New().String()
		rq.attempts++
		c.inflight[receipt] = &delivery{topic: topic, local: rq.msg, requeue: true, attempts: rq.attempts}

		m := rq.msg.Clone()
		m.AttemptCount = rq.attempts
		m.Receipt = receipt
		vd := now.Add(c.visibility(topic))
		m.VisibilityDeadline = &vd
		out = append(out, m)
	}
	c.requeued[topic] = remaining
	return out
}

func (c *Connection) admit(topic string, raw kafkago.Message) *contracts.Message {
	receipt := uuid.New().String()

	c.mu.Lock()
	c.inflight[receipt] = &delivery{topic: topic, raw: raw, attempts: 1}
	vis := c.visibility(topic)
	c.mu.Unlock()

	msg := fromKafkaMessage(raw)
	msg.AttemptCount = 1
	msg.Receipt = receipt
	vd := time.Now().Add(vis)
	msg.VisibilityDeadline = &vd
	return msg
}

// Ack implements messaging.Connection.
func (c *Connection) Ack(ctx context.Context, receipt string) error {
	d, err := c.claim(receipt)
	if err != nil {
		return err
	}
	if d.requeue {
		// The broker offset was committed when the message was nacked.
		return nil
	}
	return c.commit(ctx, d)
}

// Nack implements messaging.Connection. The offset is committed at the
// broker and the message rejoins the local requeue buffer, becoming
// eligible after the visibility timeout.
func (c *Connection) Nack(ctx context.Context, receipt string) error {
	d, err := c.claim(receipt)
	if err != nil {
		return err
	}
	msg := d.local
	if !d.requeue {
		if err := c.commit(ctx, d); err != nil {
			return err
		}
		msg = fromKafkaMessage(d.raw)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requeued[d.topic] = append(c.requeued[d.topic], &requeuedMessage{
		msg:      msg,
		attempts: d.attempts,
		eligible: time.Now().Add(c.visibility(d.topic)),
	})
	return nil
}

// ExtendVisibility implements messaging.Connection. Kafka deliveries stay
// exclusive until committed, so there is nothing to extend for fetched
// messages; requeued entries are kept off the wire until acked or nacked.
func (c *Connection) ExtendVisibility(ctx context.Context, receipt string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[receipt]; !ok {
		return fmt.Errorf("kafka: receipt %q not found", receipt)
	}
	return nil
}

// CreateTopic implements messaging.Connection. Creates the topic and, when
// set, the dead letter target via the admin API.
func (c *Connection) CreateTopic(ctx context.Context, spec contracts.QueueSpec) error {
	if err := c.live(); err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	client := &kafkago.Client{Addr: kafkago.TCP(c.transport.brokers...)}
	configs := []kafkago.TopicConfig{{
		Topic:             spec.Name,
		NumPartitions:     c.transport.partitions,
		ReplicationFactor: c.transport.replicas,
	}}
	if spec.DeadLetterTarget != "" {
		configs = append(configs, kafkago.TopicConfig{
			Topic:             spec.DeadLetterTarget,
			NumPartitions:     c.transport.partitions,
			ReplicationFactor: c.transport.replicas,
		})
	}

	resp, err := client.CreateTopics(ctx, &kafkago.CreateTopicsRequest{Topics: configs})
	if err != nil {
		return fmt.Errorf("kafka: create topics: %w", err)
	}
	for topic, topicErr := range resp.Errors {
		if topicErr != nil && !errors.Is(topicErr, kafkago.TopicAlreadyExists) {
			return fmt.Errorf("kafka: create topic %s: %w", topic, topicErr)
		}
	}

	c.mu.Lock()
	c.specs[spec.Name] = spec
	c.mu.Unlock()
	return nil
}

// NotifyClose implements messaging.Connection.
func (c *Connection) NotifyClose() <-chan error {
	return c.notifyClose
}

// Close implements messaging.Connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	readers := make([]*kafkago.Reader, 0, len(c.readers))
	for _, r := range c.readers {
		readers = append(readers, r)
	}
	c.mu.Unlock()

	var firstErr error
	for _, r := range readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	close(c.notifyClose)
	return firstErr
}

func (c *Connection) live() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return contracts.ErrNotConnected
	}
	return nil
}

func (c *Connection) claim(receipt string) (*delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.inflight[receipt]
	if !ok {
		return nil, fmt.Errorf("kafka: receipt %q not found", receipt)
	}
	delete(c.inflight, receipt)
	return d, nil
}

func (c *Connection) commit(ctx context.Context, d *delivery) error {
	c.mu.Lock()
	reader, ok := c.readers[d.topic]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("kafka: no reader for topic %s", d.topic)
	}
	if err := reader.CommitMessages(ctx, d.raw); err != nil {
		return fmt.Errorf("kafka: commit offset on %s: %w", d.topic, err)
	}
	return nil
}

func (c *Connection) readerFor(topic string) *kafkago.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.readers[topic]; ok {
		return r
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        c.transport.brokers,
		Topic:          topic,
		GroupID:        c.transport.groupID,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: 0, // manual commits
		StartOffset:    kafkago.FirstOffset,
	})
	c.readers[topic] = r
	return r
}

func (c *Connection) visibility(topic string) time.Duration {
	if spec, ok := c.specs[topic]; ok && spec.VisibilityTimeout > 0 {
		return spec.VisibilityTimeout
	}
	return 30 * time.Second
}

func toKafkaMessage(topic string, msg *contracts.Message) kafkago.Message {
	headers := []kafkago.Header{
		{Key: headerMessageID, Value: []byte(msg.ID)},
		{Key: headerEnqueueTime, Value: []byte(msg.EnqueueTime.Format(time.RFC3339Nano))},
	}
	if msg.GroupKey != "" {
		headers = append(headers, kafkago.Header{Key: headerGroupKey, Value: []byte(msg.GroupKey)})
	}
	for k, v := range msg.Attributes {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	out := kafkago.Message{
		Topic:   topic,
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.EnqueueTime,
	}
	if msg.GroupKey != "" {
		out.Key = []byte(msg.GroupKey)
	} else {
		out.Key = []byte(msg.ID)
	}
	return out
}

func fromKafkaMessage(raw kafkago.Message) *contracts.Message {
	msg := &contracts.Message{
		Topic:       raw.Topic,
		Body:        raw.Value,
		Attributes:  make(map[string]string),
		EnqueueTime: raw.Time,
	}
	for _, h := range raw.Headers {
		switch h.Key {
		case headerMessageID:
			msg.ID = string(h.Value)
		case headerGroupKey:
			msg.GroupKey = string(h.Value)
		case headerEnqueueTime:
			if ts, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				msg.EnqueueTime = ts
			}
		default:
			msg.Attributes[h.Key] = string(h.Value)
		}
	}
	if msg.ID == "" {
		// Foreign producers may omit the id header; derive a stable one.
		msg.ID = raw.Topic + "-" + strconv.Itoa(raw.Partition) + "-" + strconv.FormatInt(raw.Offset, 10)
	}
	return msg
}
