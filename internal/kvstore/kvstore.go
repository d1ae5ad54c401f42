// Package kvstore defines the narrow TTL key/value interface used for state
// that must survive across request handlers and, in multi-instance
// deployments, across processes (OAuth flow state, login challenges). Handlers
// never keep such state in process-local maps; they go through this interface
// so the backing store can be swapped for a distributed one.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its entry has expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a key/value store with per-entry expiry.
type Store interface {
	// Set writes value under key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}
