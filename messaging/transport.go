package messaging

import (
	"context"
	"time"

	"github.com/conduitmq/conduit-go/contracts"
)

// Transport is the wire-level collaborator implemented by broker bindings.
// The core owns connection lifecycle, retries, visibility bookkeeping and
// dead-lettering; the transport only moves bytes.
type Transport interface {
	// Connect dials the broker and returns a live connection.
	Connect(ctx context.Context) (Connection, error)
}

// Connection is a single logical connection to a broker.
type Connection interface {
	// Send publishes one message and returns the broker-assigned (or
	// echoed) message id.
	Send(ctx context.Context, topic string, msg *contracts.Message) (string, error)

	// SendBatch publishes several messages in one transport call. The
	// result slice is index-aligned with msgs; partial failure is
	// reported per message, never as an all-or-nothing error.
	SendBatch(ctx context.Context, topic string, msgs []*contracts.Message) ([]SendResult, error)

	// Receive returns up to maxMessages from topic, waiting up to
	// waitTime when the queue is empty. Returned messages carry a
	// Receipt and an incremented AttemptCount.
	Receive(ctx context.Context, topic string, maxMessages int, waitTime time.Duration) ([]*contracts.Message, error)

	// Ack removes the delivery identified by receipt from the queue.
	Ack(ctx context.Context, receipt string) error

	// Nack makes the delivery eligible for redelivery once its
	// visibility timeout lapses.
	Nack(ctx context.Context, receipt string) error

	// ExtendVisibility pushes out the redelivery deadline of an
	// in-flight delivery. Brokers without visibility semantics may
	// implement this as a no-op.
	ExtendVisibility(ctx context.Context, receipt string, timeout time.Duration) error

	// CreateTopic declares a queue/topic from its spec. Admin path only;
	// specs are immutable afterwards.
	CreateTopic(ctx context.Context, spec contracts.QueueSpec) error

	// NotifyClose returns a channel that receives the terminal error
	// when the connection dies. The channel is closed on clean shutdown.
	NotifyClose() <-chan error

	// Close releases the underlying transport handle.
	Close() error
}

// MessageRemover is an optional Connection capability used by transaction
// abort to undo already-sent messages. Transports that cannot remove a
// published message simply do not implement it.
type MessageRemover interface {
	// Remove deletes a previously sent message from a topic.
	Remove(ctx context.Context, topic, messageID string) error
}

// SendResult reports the outcome for one message of a batch.
type SendResult struct {
	MessageID string
	Err       error
}

// Ok reports whether the message was accepted by the transport.
func (r SendResult) Ok() bool { return r.Err == nil }
