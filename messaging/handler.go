package messaging

import (
	"context"

	"github.com/conduitmq/conduit-go/contracts"
)

// MessageHandler processes a delivered message. A nil return acknowledges
// the message; an error return makes it eligible for redelivery unless the
// error is permanent, in which case remaining retries are bypassed and the
// message goes straight to the dead letter destination.
type MessageHandler interface {
	Handle(ctx context.Context, msg *contracts.Message) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg *contracts.Message) error

// Handle implements MessageHandler.
func (f MessageHandlerFunc) Handle(ctx context.Context, msg *contracts.Message) error {
	return f(ctx, msg)
}
