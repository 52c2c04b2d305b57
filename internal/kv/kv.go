// Package kv provides the TTL-aware key-value service that holds pending
// authorization state and sessions.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the narrow contract the state and session stores rely on.
// Implementations must make GetDel atomic: once it returns a value for a key,
// every later GetDel for that key returns ErrNotFound.
type Store interface {
	// Set stores value under key, replacing any previous value and TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetExisting replaces the value and TTL of key only if key still exists.
	// It reports whether the value was written.
	SetExisting(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetDel returns the value stored under key and deletes it in one step.
	GetDel(ctx context.Context, key string) ([]byte, error)

	// Del removes key and reports whether it existed.
	Del(ctx context.Context, key string) (bool, error)

	// Expire resets the TTL of key and reports whether it existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
