// Package postgres provides a store.Store backed by PostgreSQL. Each
// operation is a single statement, so atomicity comes from the database
// rather than client-side coordination.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conduitmq/conduit-go/store"
)

const (
	createTableQuery = `
CREATE TABLE IF NOT EXISTS conduit_kv (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conduit_kv_expires_at ON conduit_kv (expires_at);
`

	// An expired row loses the conflict: the upsert overwrites it.
	setIfAbsentQuery = `
INSERT INTO conduit_kv (key, value, expires_at)
VALUES ($1, $2, now() + $3)
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
WHERE conduit_kv.expires_at <= now();
`

	compareAndDeleteQuery = `
DELETE FROM conduit_kv
WHERE key = $1 AND value = $2 AND expires_at > now();
`

	extendTTLQuery = `
UPDATE conduit_kv
SET expires_at = now() + $3
WHERE key = $1 AND value = $2 AND expires_at > now();
`

	getQuery = `
SELECT value FROM conduit_kv
WHERE key = $1 AND expires_at > now();
`
)

// Store implements store.Store over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates the backing table if needed and returns the store.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if _, err := pool.Exec(ctx, createTableQuery); err != nil {
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}
	return &Store{pool: pool}, nil
}

// SetIfAbsent implements store.Store.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, setIfAbsentQuery, key, value, ttl)
	if err != nil {
		return false, fmt.Errorf("set-if-absent %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndDelete implements store.Store.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	tag, err := s.pool.Exec(ctx, compareAndDeleteQuery, key, expected)
	if err != nil {
		return false, fmt.Errorf("compare-and-delete %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExtendTTL implements store.Store.
func (s *Store) ExtendTTL(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, extendTTLQuery, key, expected, ttl)
	if err != nil {
		return false, fmt.Errorf("extend-ttl %q: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, getQuery, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}
