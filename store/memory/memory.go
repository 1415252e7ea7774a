// Package memory provides an in-process store.Store, used by tests and
// single-node deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/conduitmq/conduit-go/store"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Store is a mutex-guarded map with per-key expiry. Expired entries are
// reaped lazily on access.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// SetIfAbsent implements store.Store.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && e.expiresAt.After(now) {
		return false, nil
	}

	s.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

// CompareAndDelete implements store.Store.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !e.expiresAt.After(s.now()) || e.value != expected {
		return false, nil
	}

	delete(s.entries, key)
	return true, nil
}

// ExtendTTL implements store.Store.
func (s *Store) ExtendTTL(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || !e.expiresAt.After(now) || e.value != expected {
		return false, nil
	}

	e.expiresAt = now.Add(ttl)
	s.entries[key] = e
	return true, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !e.expiresAt.After(s.now()) {
		delete(s.entries, key)
		return "", store.ErrKeyNotFound
	}
	return e.value, nil
}
