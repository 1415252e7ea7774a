package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conduitmq/conduit-go/contracts"
)

// Batcher buffers messages for one topic and flushes them as a single
// transport call when the buffer reaches its size cap or the flush
// interval elapses, whichever comes first. Each flushed batch settles
// per message; partial failure never discards the rest of the batch.
type Batcher struct {
	publisher     *Publisher
	topic         string
	maxSize       int
	flushInterval time.Duration
	onFlush       func([]SendResult)
	logger        *slog.Logger

	mu      sync.Mutex
	pending []*contracts.Message
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// BatcherOption configures the Batcher
type BatcherOption func(*Batcher)

// WithBatchSize sets the size cap that triggers a flush
func WithBatchSize(n int) BatcherOption {
	return func(b *Batcher) {
		b.maxSize = n
	}
}

// WithFlushInterval sets the window after which a partial batch flushes
func WithFlushInterval(interval time.Duration) BatcherOption {
	return func(b *Batcher) {
		b.flushInterval = interval
	}
}

// WithFlushHandler receives the per-message results of every flush
func WithFlushHandler(fn func([]SendResult)) BatcherOption {
	return func(b *Batcher) {
		b.onFlush = fn
	}
}

// WithBatcherLogger sets the logger
func WithBatcherLogger(logger *slog.Logger) BatcherOption {
	return func(b *Batcher) {
		b.logger = logger
	}
}

// NewBatcher creates a batcher publishing to topic and starts its flush
// timer. Callers must Close it to flush the tail.
func (p *Publisher) NewBatcher(topic string, options ...BatcherOption) (*Batcher, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	b := &Batcher{
		publisher:     p,
		topic:         topic,
		maxSize:       100,
		flushInterval: 100 * time.Millisecond,
		logger:        p.logger,
		done:          make(chan struct{}),
	}

	for _, opt := range options {
		opt(b)
	}

	if b.onFlush == nil {
		b.onFlush = b.logFailures
	}

	b.wg.Add(1)
	go b.flushLoop()

	return b, nil
}

// Add buffers a message, flushing immediately when the size cap is hit.
func (b *Batcher) Add(ctx context.Context, msg *contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("batcher is closed")
	}
	b.pending = append(b.pending, msg)
	full := len(b.pending) >= b.maxSize
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Len returns the number of buffered messages.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush sends the buffered messages now. Safe to call concurrently with
// Add and the timer flush.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	results, err := b.publisher.PublishBatch(ctx, b.topic, batch)
	if err != nil {
		// The whole transport call failed; report every message.
		results = make([]SendResult, len(batch))
		for i, msg := range batch {
			results[i] = SendResult{MessageID: msg.ID, Err: err}
		}
		b.onFlush(results)
		return err
	}

	b.onFlush(results)
	return nil
}

// Close flushes the remaining buffer and stops the timer. Idempotent.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	return b.Flush(ctx)
}

func (b *Batcher) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.Flush(context.Background()); err != nil {
				b.logger.Warn("interval flush failed", "topic", b.topic, "error", err)
			}
		case <-b.done:
			return
		}
	}
}

func (b *Batcher) logFailures(results []SendResult) {
	for _, r := range results {
		if r.Err != nil {
			b.logger.Error("batch message failed",
				"topic", b.topic,
				"messageId", r.MessageID,
				"error", r.Err,
			)
		}
	}
}
