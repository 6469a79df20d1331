package cache

import (
	"context"
	"errors"
)

// ErrClosed is returned by backends used after Close
var ErrClosed = errors.New("cache backend closed")

// Backend is a plain string key-value store used as the storage of one cache
// tier. Backends do not interpret values and enforce no expiry of their own that
// callers may rely on; freshness is decided by the Tier from the stored timestamp.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs and metrics
	Name() string
	// Get returns the value and true, or "" and false when the key is absent
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	// Clear removes every key starting with prefix
	Clear(ctx context.Context, prefix string) error
	Close() error
}
