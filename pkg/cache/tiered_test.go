package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hearth/pkg/observability"
)

type bundle struct {
	Role string `json:"role"`
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingBackend returns err from every call
type failingBackend struct{ err error }

func (f failingBackend) Name() string { return "failing" }

func (f failingBackend) Get(context.Context, string) (string, bool, error) {
	return "", false, f.err
}

func (f failingBackend) Set(context.Context, string, string) error { return f.err }

func (f failingBackend) Delete(context.Context, ...string) error { return f.err }

func (f failingBackend) Clear(context.Context, string) error { return f.err }

func (f failingBackend) Close() error { return nil }

// corruptBackend holds one undecodable value it cannot delete
type corruptBackend struct{ failingBackend }

func (f corruptBackend) Get(context.Context, string) (string, bool, error) {
	return "{not json", true, nil
}

func newTestCache(t *testing.T, clock *fakeClock, memTTL, persistedTTL time.Duration) (*Tiered[bundle], *MemoryBackend, *SQLiteBackend) {
	t.Helper()
	mem := NewMemoryBackend(16, 0)
	persisted, err := OpenSQLiteBackend(":memory:")
	require.NoError(t, err)

	c := NewTiered(
		NewTier[bundle]("memory", mem, memTTL),
		NewTier[bundle]("persisted", persisted, persistedTTL),
		WithClock(clock.Now),
		WithKeyPrefix("role:"),
	)
	t.Cleanup(func() { c.Close() })
	return c, mem, persisted
}

func TestTiered_PutGet(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, _, persisted := newTestCache(t, clock, time.Minute, 30*time.Minute)

	_, ok := c.Get(ctx, "u1")
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "u1", bundle{Role: "member"}))

	entry, ok := c.Get(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, "member", entry.Value.Role)
	assert.Equal(t, clock.Now(), entry.StoredAt)

	raw, ok, err := persisted.Get(ctx, "role:u1")
	require.NoError(t, err)
	require.True(t, ok, "put writes every tier")
	assert.Contains(t, raw, `"stored_at"`)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Memory.Hits)
	assert.Equal(t, int64(1), stats.Memory.Misses)
}

func TestTiered_MemoryExpiryFallsBackToPersisted(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, mem, _ := newTestCache(t, clock, time.Minute, 30*time.Minute)

	require.NoError(t, c.Put(ctx, "u1", bundle{Role: "admin"}))
	clock.Advance(time.Minute)

	entry, ok := c.Get(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, "admin", entry.Value.Role)
	assert.Equal(t, int64(1), c.Stats().Persisted.Hits)

	// memory entry was expired and evicted; backfill is skipped because the
	// entry is already older than the memory TTL
	_, present, err := mem.Get(ctx, "role:u1")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestTiered_PersistedHitBackfillsMemory(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, mem, _ := newTestCache(t, clock, time.Minute, 30*time.Minute)

	require.NoError(t, c.Put(ctx, "u1", bundle{Role: "member"}))
	require.NoError(t, mem.Delete(ctx, "role:u1"))
	clock.Advance(10 * time.Second)

	entry, ok := c.Get(ctx, "u1")
	require.True(t, ok)

	raw, present, err := mem.Get(ctx, "role:u1")
	require.NoError(t, err)
	require.True(t, present)
	assert.Contains(t, raw, entry.StoredAt.Format(time.RFC3339))

	_, ok = c.Get(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Memory.Hits)

	// the backfilled copy keeps the original timestamp, so it expires on schedule
	clock.Advance(50 * time.Second)
	_, ok = c.Get(ctx, "u1")
	require.True(t, ok)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Memory.Hits)
	assert.Equal(t, int64(2), stats.Persisted.Hits)
}

func TestTiered_ExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, _, persisted := newTestCache(t, clock, time.Minute, 30*time.Minute)

	require.NoError(t, c.Put(ctx, "u1", bundle{Role: "member"}))

	clock.Advance(30*time.Minute - time.Nanosecond)
	_, ok := c.Get(ctx, "u1")
	assert.True(t, ok, "persisted entry is live until exactly T+TTL")

	clock.Advance(time.Nanosecond)
	_, ok = c.Get(ctx, "u1")
	assert.False(t, ok)

	_, present, err := persisted.Get(ctx, "role:u1")
	require.NoError(t, err)
	assert.False(t, present, "expired entries are evicted on read")
}

func TestTiered_IndependentTTLs(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	// memory outlives persisted here, which must still be honoured per tier
	c, _, persisted := newTestCache(t, clock, time.Hour, time.Minute)

	require.NoError(t, c.Put(ctx, "u1", bundle{Role: "member"}))
	clock.Advance(2 * time.Minute)

	_, ok := c.Get(ctx, "u1")
	assert.True(t, ok, "memory tier still fresh")

	_, present, err := persisted.Get(ctx, "role:u1")
	require.NoError(t, err)
	assert.True(t, present, "persisted tier is not read on a memory hit")
}

func TestTiered_Invalidate(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, _, _ := newTestCache(t, clock, time.Minute, 30*time.Minute)

	require.NoError(t, c.Put(ctx, "u1", bundle{Role: "member"}))
	require.NoError(t, c.Put(ctx, "u2", bundle{Role: "admin"}))

	require.NoError(t, c.Invalidate(ctx, "u1"))
	_, ok := c.Get(ctx, "u1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "u2")
	assert.True(t, ok)

	require.NoError(t, c.InvalidateAll(ctx))
	_, ok = c.Get(ctx, "u2")
	assert.False(t, ok)
}

func TestTiered_InvalidateAllKeepsForeignKeys(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, mem, persisted := newTestCache(t, clock, time.Minute, 30*time.Minute)

	require.NoError(t, persisted.Set(ctx, "session:refresh_token", "tok"))
	require.NoError(t, mem.Set(ctx, "other", "x"))
	require.NoError(t, c.Put(ctx, "u1", bundle{Role: "member"}))

	require.NoError(t, c.InvalidateAll(ctx))

	_, ok, _ := persisted.Get(ctx, "session:refresh_token")
	assert.True(t, ok)
	_, ok, _ = mem.Get(ctx, "other")
	assert.True(t, ok)
}

func TestTiered_CorruptEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, mem, _ := newTestCache(t, clock, time.Minute, 30*time.Minute)

	require.NoError(t, mem.Set(ctx, "role:u1", "{not json"))
	_, ok := c.Get(ctx, "u1")
	assert.False(t, ok)

	_, present, _ := mem.Get(ctx, "role:u1")
	assert.False(t, present)
}

func TestTiered_CorruptEntryDeleteFailureIsReported(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetrics(nil)
	c := NewTiered(
		NewTier[bundle]("memory", NewMemoryBackend(4, 0), time.Minute),
		NewTier[bundle]("persisted", corruptBackend{failingBackend{err: errors.New("read only")}}, time.Hour),
		WithMetrics(metrics),
	)

	_, ok := c.Get(ctx, "u1")
	assert.False(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheErrorsTotal.WithLabelValues("persisted", "get")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("persisted")))
}

func TestTiered_BackendFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("redis unavailable")
	metrics := observability.NewMetrics(nil)

	c := NewTiered(
		NewTier[bundle]("memory", NewMemoryBackend(4, 0), time.Minute),
		NewTier[bundle]("persisted", failingBackend{err: boom}, time.Hour),
		WithMetrics(metrics),
	)

	err := c.Put(ctx, "u1", bundle{Role: "member"})
	require.ErrorIs(t, err, boom)

	// memory write still happened
	entry, ok := c.Get(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, "member", entry.Value.Role)

	require.ErrorIs(t, c.Invalidate(ctx, "u1"), boom)
	_, ok = c.Get(ctx, "u1")
	assert.False(t, ok, "memory tier is cleared even when the persisted tier fails")
}

func TestTiered_ReadErrorIsMiss(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetrics(nil)
	c := NewTiered(
		NewTier[bundle]("memory", NewMemoryBackend(4, 0), time.Minute),
		NewTier[bundle]("persisted", failingBackend{err: errors.New("down")}, time.Hour),
		WithMetrics(metrics),
	)

	_, ok := c.Get(ctx, "u1")
	assert.False(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheErrorsTotal.WithLabelValues("persisted", "get")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("memory")))
}

func TestTiered_MemoryOnly(t *testing.T) {
	ctx := context.Background()
	c := NewTiered[bundle](NewTier[bundle]("memory", NewMemoryBackend(4, 0), time.Minute), nil)

	require.NoError(t, c.Put(ctx, "u1", bundle{Role: "guest"}))
	entry, ok := c.Get(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, "guest", entry.Value.Role)
	require.NoError(t, c.InvalidateAll(ctx))
	_, ok = c.Get(ctx, "u1")
	assert.False(t, ok)
}
