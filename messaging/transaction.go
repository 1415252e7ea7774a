package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/conduitmq/conduit-go/contracts"
)

// Transaction groups several publishes so a caller failure between Begin
// and Commit triggers Abort. Grouping is best effort: messages are sent
// eagerly, and Abort undoes them only when the transport supports removal;
// otherwise the already-sent subset is reported in the abort error.
type Transaction struct {
	publisher *Publisher

	mu        sync.Mutex
	sent      []sentMessage
	committed bool
	aborted   bool
}

type sentMessage struct {
	topic     string
	messageID string
}

// AbortError reports an abort that could not undo every sent message.
type AbortError struct {
	// Remaining lists the messages that stayed published.
	Remaining []string
	Err       error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction abort left %d message(s) published: %v", len(e.Remaining), e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// BeginTransaction starts a publishing transaction.
func (p *Publisher) BeginTransaction() *Transaction {
	return &Transaction{publisher: p}
}

// Publish sends a message within the transaction and records it for a
// possible abort.
func (tx *Transaction) Publish(ctx context.Context, topic string, msg *contracts.Message, options ...PublishOption) (string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return "", fmt.Errorf("transaction already committed")
	}
	if tx.aborted {
		return "", fmt.Errorf("transaction already aborted")
	}

	id, err := tx.publisher.Publish(ctx, topic, msg, options...)
	if err != nil {
		return "", err
	}

	tx.sent = append(tx.sent, sentMessage{topic: topic, messageID: id})
	return id, nil
}

// Commit finalizes the transaction. Nothing further can be published or
// undone through it.
func (tx *Transaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.aborted {
		return fmt.Errorf("transaction already aborted")
	}
	if tx.committed {
		return fmt.Errorf("transaction already committed")
	}

	tx.committed = true
	tx.publisher.logger.Debug("transaction committed", "messages", len(tx.sent))
	tx.publisher.sink.Record("transaction.committed", map[string]any{"messages": len(tx.sent)})
	return nil
}

// Abort attempts to undo every sent message. When the transport cannot
// remove messages, the sent subset is documented in the returned
// AbortError rather than silently left behind. Idempotent.
func (tx *Transaction) Abort(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.committed {
		return fmt.Errorf("transaction already committed")
	}
	if tx.aborted {
		return nil
	}
	tx.aborted = true

	var remaining []string
	var lastErr error
	for _, sm := range tx.sent {
		if err := tx.publisher.conn.Remove(ctx, sm.topic, sm.messageID); err != nil {
			remaining = append(remaining, sm.messageID)
			lastErr = err
		}
	}

	tx.publisher.sink.Record("transaction.aborted", map[string]any{
		"messages":  len(tx.sent),
		"remaining": len(remaining),
	})

	if len(remaining) > 0 {
		tx.publisher.logger.Warn("transaction abort could not undo all messages",
			"remaining", len(remaining),
			"error", lastErr,
		)
		return &AbortError{Remaining: remaining, Err: lastErr}
	}

	tx.publisher.logger.Debug("transaction aborted", "undone", len(tx.sent))
	return nil
}

// Run executes fn inside a transaction: a nil return commits, an error or
// panic aborts before the error is rethrown.
func (p *Publisher) Run(ctx context.Context, fn func(tx *Transaction) error) (err error) {
	tx := p.BeginTransaction()

	defer func() {
		if r := recover(); r != nil {
			tx.Abort(ctx)
			panic(r)
		}
	}()

	if err = fn(tx); err != nil {
		if abortErr := tx.Abort(ctx); abortErr != nil {
			return fmt.Errorf("%w (abort: %v)", err, abortErr)
		}
		return err
	}

	return tx.Commit()
}
