package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryBackend keeps values for the process lifetime in a bounded LRU.
// The LRU's own TTL only reclaims memory for keys that are never read again;
// it should be at least the tier TTL.
type MemoryBackend struct {
	cache *lru.LRU[string, string]
}

// NewMemoryBackend creates an in-process backend holding at most maxEntries keys
func NewMemoryBackend(maxEntries int, reclaimAfter time.Duration) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryBackend{cache: lru.NewLRU[string, string](maxEntries, nil, reclaimAfter)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.cache.Get(key)
	return v, ok, nil
}

func (m *MemoryBackend) Set(_ context.Context, key, value string) error {
	m.cache.Add(key, value)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.cache.Remove(k)
	}
	return nil
}

func (m *MemoryBackend) Clear(_ context.Context, prefix string) error {
	if prefix == "" {
		m.cache.Purge()
		return nil
	}
	for _, k := range m.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.cache.Remove(k)
		}
	}
	return nil
}

// Len returns the number of live keys
func (m *MemoryBackend) Len() int {
	return m.cache.Len()
}

func (m *MemoryBackend) Close() error {
	m.cache.Purge()
	return nil
}
