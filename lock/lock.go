// Package lock provides TTL-based distributed mutual exclusion over a
// shared store, for leader election and singleton job execution.
//
// At most one unexpired lock exists per key. Ownership is proven solely by
// the opaque owner token generated at acquisition, never by caller
// identity, so a crashed holder cannot be impersonated and auto-expiry
// guarantees no permanent deadlock.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduitmq/conduit-go/contracts"
	"github.com/conduitmq/conduit-go/store"
)

// Lock describes a held acquisition.
type Lock struct {
	Key        string
	OwnerToken string
	TTL        time.Duration
	AcquiredAt time.Time
}

// DistributedLock acquires, renews and releases locks in a shared store.
// Every operation maps to a single atomic store command.
type DistributedLock struct {
	store  store.Store
	logger *slog.Logger
	sink   contracts.ObservabilitySink
	prefix string
}

// Option configures the DistributedLock.
type Option func(*DistributedLock)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *DistributedLock) {
		l.logger = logger
	}
}

// WithSink sets the observability sink.
func WithSink(sink contracts.ObservabilitySink) Option {
	return func(l *DistributedLock) {
		l.sink = sink
	}
}

// WithKeyPrefix namespaces all lock keys in the store.
func WithKeyPrefix(prefix string) Option {
	return func(l *DistributedLock) {
		l.prefix = prefix
	}
}

// New creates a DistributedLock over the given store.
func New(s store.Store, options ...Option) (*DistributedLock, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	l := &DistributedLock{
		store:  s,
		logger: slog.Default(),
		sink:   contracts.NoOpSink{},
		prefix: "conduit.lock.",
	}

	for _, opt := range options {
		opt(l)
	}

	return l, nil
}

// Acquire attempts a single atomic set-if-absent with TTL. It returns the
// lock and true on success, or nil and false when the key is already held.
func (l *DistributedLock) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("lock key cannot be empty")
	}
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive")
	}

	token := uuid.New().String()

	won, err := l.store.SetIfAbsent(ctx, l.prefix+key, token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}
	if !won {
		return nil, false, nil
	}

	l.sink.Record("lock.acquired", map[string]any{"key": key, "ttl": ttl.String()})
	l.logger.Debug("lock acquired", "key", key, "ttl", ttl)

	return &Lock{
		Key:        key,
		OwnerToken: token,
		TTL:        ttl,
		AcquiredAt: time.Now(),
	}, true, nil
}

// Release deletes the lock only if the stored token still matches,
// executed as one atomic compare-and-delete. It returns false when the
// lock already expired or is held by someone else.
func (l *DistributedLock) Release(ctx context.Context, key, ownerToken string) (bool, error) {
	deleted, err := l.store.CompareAndDelete(ctx, l.prefix+key, ownerToken)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %q: %w", key, err)
	}
	if deleted {
		l.sink.Record("lock.released", map[string]any{"key": key})
	}
	return deleted, nil
}

// Renew extends the TTL only if the token matches. Long-running critical
// sections call this before their TTL lapses.
func (l *DistributedLock) Renew(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	extended, err := l.store.ExtendTTL(ctx, l.prefix+key, ownerToken, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %q: %w", key, err)
	}
	if extended {
		l.sink.Record("lock.renewed", map[string]any{"key": key, "ttl": ttl.String()})
	}
	return extended, nil
}

// Do runs fn while holding the lock, renewing it at half the TTL until fn
// returns, then releases. It returns LockContentionError when the lock is
// held elsewhere.
func (l *DistributedLock) Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	held, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return &contracts.LockContentionError{Key: key}
	}

	// Renew in the background so the critical section may outlive the TTL.
	renewCtx, stopRenew := context.WithCancel(ctx)
	var renewWg sync.WaitGroup
	renewWg.Add(1)
	go func() {
		defer renewWg.Done()
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if ok, err := l.Renew(renewCtx, key, held.OwnerToken, ttl); err != nil || !ok {
					l.logger.Warn("lock renewal failed", "key", key, "error", err)
					return
				}
			}
		}
	}()

	fnErr := fn(ctx)

	stopRenew()
	renewWg.Wait()

	if _, err := l.Release(context.WithoutCancel(ctx), key, held.OwnerToken); err != nil {
		l.logger.Warn("lock release failed", "key", key, "error", err)
	}

	return fnErr
}
