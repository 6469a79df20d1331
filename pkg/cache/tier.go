package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Entry is a cached value stamped with the time it was written
type Entry[V any] struct {
	Value    V         `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// Tier is one level of a Tiered cache: a backend plus the TTL and encoding rules
// shared by every level.
type Tier[V any] struct {
	name    string
	backend Backend
	ttl     time.Duration
}

// NewTier pairs a backend with its TTL. name is used in metrics ("memory", "persisted").
func NewTier[V any](name string, backend Backend, ttl time.Duration) *Tier[V] {
	return &Tier[V]{name: name, backend: backend, ttl: ttl}
}

func (t *Tier[V]) Name() string { return t.name }

func (t *Tier[V]) TTL() time.Duration { return t.ttl }

func (t *Tier[V]) Backend() Backend { return t.backend }

func (t *Tier[V]) expired(e Entry[V], now time.Time) bool {
	return !now.Before(e.StoredAt.Add(t.ttl))
}

type lookup int

const (
	lookupMiss lookup = iota
	lookupHit
	lookupExpired
	lookupCorrupt
)

// get decodes the entry under key. Expired and undecodable entries are deleted
// and reported as absent.
func (t *Tier[V]) get(ctx context.Context, key string, now time.Time) (Entry[V], lookup, error) {
	var entry Entry[V]

	raw, ok, err := t.backend.Get(ctx, key)
	if err != nil {
		return entry, lookupMiss, err
	}
	if !ok {
		return entry, lookupMiss, nil
	}

	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		if err := t.backend.Delete(ctx, key); err != nil {
			return Entry[V]{}, lookupCorrupt, err
		}
		return Entry[V]{}, lookupCorrupt, nil
	}
	if t.expired(entry, now) {
		if err := t.backend.Delete(ctx, key); err != nil {
			return Entry[V]{}, lookupExpired, err
		}
		return Entry[V]{}, lookupExpired, nil
	}
	return entry, lookupHit, nil
}

func (t *Tier[V]) put(ctx context.Context, key string, entry Entry[V]) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return t.backend.Set(ctx, key, string(data))
}
