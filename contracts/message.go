package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Message is the unit of delivery moving through the core. Body and
// Attributes are opaque to every component; dedup keys, content types and
// trace ids all travel as attributes.
type Message struct {
	ID                 string            `json:"id"`
	Topic              string            `json:"topic"`
	Body               []byte            `json:"body"`
	Attributes         map[string]string `json:"attributes,omitempty"`
	AttemptCount       int               `json:"attemptCount"`
	EnqueueTime        time.Time         `json:"enqueueTime"`
	VisibilityDeadline *time.Time        `json:"visibilityDeadline,omitempty"`
	GroupKey           string            `json:"groupKey,omitempty"`

	// Receipt is the transport delivery handle used for ack/nack.
	// It is only meaningful on received messages.
	Receipt string `json:"-"`
}

// NewMessage creates a message with a generated ID and enqueue timestamp.
func NewMessage(topic string, body []byte) *Message {
	return &Message{
		ID:          uuid.New().String(),
		Topic:       topic,
		Body:        body,
		EnqueueTime: time.Now().UTC(),
	}
}

// SetAttribute sets a single attribute, allocating the map on first use.
func (m *Message) SetAttribute(key, value string) {
	if m.Attributes == nil {
		m.Attributes = make(map[string]string)
	}
	m.Attributes[key] = value
}

// Attribute returns the attribute value, or "" when absent.
func (m *Message) Attribute(key string) string {
	if m.Attributes == nil {
		return ""
	}
	return m.Attributes[key]
}

// Clone returns a deep copy. Routing a message to a dead letter destination
// copies it rather than aliasing the original's attribute map.
func (m *Message) Clone() *Message {
	c := *m
	if m.Attributes != nil {
		c.Attributes = make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			c.Attributes[k] = v
		}
	}
	if m.VisibilityDeadline != nil {
		d := *m.VisibilityDeadline
		c.VisibilityDeadline = &d
	}
	c.Body = append([]byte(nil), m.Body...)
	return &c
}

// Size returns the byte size counted against a publisher's size limit.
func (m *Message) Size() int {
	n := len(m.Body)
	for k, v := range m.Attributes {
		n += len(k) + len(v)
	}
	return n
}

// QueueSpec describes a queue or topic. Specs are immutable after creation;
// they are declared once through the admin path (Transport.CreateTopic) and
// never mutated by publishers or consumers.
type QueueSpec struct {
	Name              string        `json:"name"`
	MaxAttempts       int           `json:"maxAttempts"`
	VisibilityTimeout time.Duration `json:"visibilityTimeout"`
	DeadLetterTarget  string        `json:"deadLetterTarget,omitempty"`
}

// Validate checks the spec before declaration.
func (q QueueSpec) Validate() error {
	if q.Name == "" {
		return ErrEmptyQueueName
	}
	if q.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if q.VisibilityTimeout <= 0 {
		return ErrInvalidVisibilityTimeout
	}
	return nil
}

// Attribute keys the core itself reads or writes. Everything else in
// Message.Attributes passes through untouched.
const (
	// AttrIdempotencyKey is the caller-supplied dedup key. The core passes
	// it through opaquely; enforcement belongs to idempotent handlers.
	AttrIdempotencyKey = "conduit-idempotency-key"

	// AttrFailureReason carries the terminal failure into the dead letter
	// destination.
	AttrFailureReason = "conduit-failure-reason"

	// AttrOriginQueue records which queue a dead-lettered message came from.
	AttrOriginQueue = "conduit-origin-queue"

	// AttrFinalAttempts records the attempt count at routing time.
	AttrFinalAttempts = "conduit-final-attempts"
)
