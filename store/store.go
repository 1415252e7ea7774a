// Package store defines the shared key-value store used for distributed
// coordination (locks, dedup markers). Every operation must be atomic at
// the storage layer: a single command, never a client-side check-then-write.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get for missing or expired keys.
var ErrKeyNotFound = errors.New("store: key not found")

// Store is the shared backing store contract. Implementations must make
// each method a single atomic storage operation.
type Store interface {
	// SetIfAbsent stores value under key with a TTL only if the key is
	// absent or expired. Returns true when the write won.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if its current value equals
	// expected. Returns true when a matching entry was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// ExtendTTL pushes out the expiry of key only if its current value
	// equals expected. Returns true when the entry was extended.
	ExtendTTL(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	// Get returns the current value, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)
}
