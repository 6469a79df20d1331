package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hearth/pkg/cache"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *MemoryStore
	cache    *cache.Tiered[Resolution]
	resolver *Resolver
	admin    *AdminService
	clock    *testClock
}

func newFixture(t *testing.T, opts ...ResolverOption) *fixture {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryStore()

	roleCache := cache.NewTiered(
		cache.NewTier[Resolution]("memory", cache.NewMemoryBackend(100, time.Hour), cache.DefaultMemoryTTL),
		cache.NewTier[Resolution]("persisted", cache.NewMemoryBackend(100, time.Hour), cache.DefaultPersistedTTL),
		cache.WithClock(clock.Now),
		cache.WithKeyPrefix("test:role:"),
	)
	t.Cleanup(func() { require.NoError(t, roleCache.Close()) })

	resolver := NewResolver(store, roleCache, opts...)
	return &fixture{
		store:    store,
		cache:    roleCache,
		resolver: resolver,
		admin:    NewAdminService(store, resolver),
		clock:    clock,
	}
}

func (f *fixture) seedSuperAdmin(id string) {
	f.store.PutAdmin(AdminRecord{ID: id, Email: id + "@example.com", IsSuperAdmin: true})
}

func (f *fixture) seedAdmin(id string, perms AdminPermissions) {
	f.store.PutAdmin(AdminRecord{ID: id, Email: id + "@example.com", Permissions: perms})
}

func (f *fixture) seedMember(id string, role StoredRole) {
	f.store.PutMember(MemberRecord{ID: id, Email: id + "@example.com", Role: role})
}

func (f *fixture) cached(t *testing.T, id string) (Resolution, bool) {
	t.Helper()
	entry, ok := f.cache.Get(context.Background(), id)
	return entry.Value, ok
}

// blockingStore never answers GetAdmin before the context ends
type blockingStore struct {
	*MemoryStore
}

func (b blockingStore) GetAdmin(ctx context.Context, userID string) (*AdminRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
