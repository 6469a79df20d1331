package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hearth/pkg/cache"
	"github.com/platinummonkey/hearth/pkg/observability"
)

func TestResolve_GuestWhenInNeitherTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.resolver.Resolve(ctx, "U1", false)
	require.NoError(t, err)
	assert.Equal(t, RoleGuest, res.Role)
	assert.Nil(t, res.Member)
	assert.Nil(t, res.Admin)

	cached, ok := f.cached(t, "U1")
	require.True(t, ok, "guest result should be cached")
	assert.Equal(t, RoleGuest, cached.Role)
}

func TestResolve_AdminRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAdmin("a1", DefaultAdminPermissions())
	f.seedSuperAdmin("s1")

	res, err := f.resolver.Resolve(ctx, "a1", false)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, res.Role)
	require.NotNil(t, res.Admin)
	assert.Nil(t, res.Member)

	res, err = f.resolver.Resolve(ctx, "s1", false)
	require.NoError(t, err)
	assert.Equal(t, RoleSuperAdmin, res.Role)

	assert.Equal(t, 0, f.store.Calls(OpGetMember), "member table must not be queried for admins")
}

func TestResolve_AdminTakesPrecedenceOverStaleMember(t *testing.T) {
	f := newFixture(t)
	f.seedAdmin("u", AdminPermissions{})
	f.seedMember("u", StoredMember)

	res, err := f.resolver.Resolve(context.Background(), "u", false)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, res.Role)
	assert.Nil(t, res.Member)
}

func TestResolve_MemberTagNormalization(t *testing.T) {
	tests := []struct {
		tag  StoredRole
		want Role
	}{
		{"member", RoleMember},
		{"MEMBER", RoleMember},
		{"Admin", RoleAdmin},
		{"guest", RoleGuest},
		{"super_admin", RoleGuest},
		{"moderator", RoleGuest},
		{"", RoleGuest},
	}
	for _, tt := range tests {
		t.Run(string(tt.tag), func(t *testing.T) {
			f := newFixture(t)
			f.seedMember("m", tt.tag)

			res, err := f.resolver.Resolve(context.Background(), "m", false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Role)
			require.NotNil(t, res.Member)
			assert.Nil(t, res.Admin)
		})
	}
}

func TestResolve_CacheHitSkipsStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMember("m", StoredMember)

	first, err := f.resolver.Resolve(ctx, "m", false)
	require.NoError(t, err)
	second, err := f.resolver.Resolve(ctx, "m", false)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.store.Calls(OpGetAdmin))
	assert.Equal(t, 1, f.store.Calls(OpGetMember))
}

func TestResolve_ForceRefreshAlwaysQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMember("m", StoredMember)

	for i := 0; i < 3; i++ {
		_, err := f.resolver.Resolve(ctx, "m", true)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.store.Calls(OpGetAdmin))
}

func TestResolve_ExpiredEntriesRequery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMember("m", StoredMember)

	_, err := f.resolver.Resolve(ctx, "m", false)
	require.NoError(t, err)

	// memory tier expired, persisted tier still live
	f.clock.Advance(cache.DefaultMemoryTTL)
	_, err = f.resolver.Resolve(ctx, "m", false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Calls(OpGetAdmin))

	// both tiers expired
	f.clock.Advance(cache.DefaultPersistedTTL)
	_, err = f.resolver.Resolve(ctx, "m", false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.Calls(OpGetAdmin))
}

func TestResolve_StoreFailureIsNotGuest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.FailOn(OpGetMember, errors.New("connection refused"))

	res, err := f.resolver.Resolve(ctx, "U3", false)
	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackingStore)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "member", resErr.Stage)
	assert.Equal(t, "U3", resErr.UserID)

	_, ok := f.cached(t, "U3")
	assert.False(t, ok, "failed resolution must not be cached")
}

func TestResolve_AdminLookupFailureSkipsMemberLookup(t *testing.T) {
	f := newFixture(t)
	f.store.FailOn(OpGetAdmin, errors.New("timeout"))

	_, err := f.resolver.Resolve(context.Background(), "u", false)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "admin", resErr.Stage)
	assert.Equal(t, 0, f.store.Calls(OpGetMember))
}

func TestResolve_FailureLeavesPreviousEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMember("U3", StoredMember)

	_, err := f.resolver.Resolve(ctx, "U3", false)
	require.NoError(t, err)

	f.store.FailOn(OpGetAdmin, errors.New("network unreachable"))
	_, err = f.resolver.Resolve(ctx, "U3", true)
	require.ErrorIs(t, err, ErrBackingStore)

	cached, ok := f.cached(t, "U3")
	require.True(t, ok)
	assert.Equal(t, RoleMember, cached.Role)
}

func TestResolve_Timeout(t *testing.T) {
	clock := newTestClock()
	roleCache := cache.NewTiered(
		cache.NewTier[Resolution]("memory", cache.NewMemoryBackend(10, time.Hour), time.Minute),
		nil,
		cache.WithClock(clock.Now),
	)
	store := blockingStore{MemoryStore: NewMemoryStore()}
	resolver := NewResolver(store, roleCache, WithResolveTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := resolver.Resolve(context.Background(), "slow", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackingStore)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestResolve_EmptyUserID(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), "", false)
	assert.Error(t, err)
	assert.Equal(t, 0, f.store.Calls(OpGetAdmin))
}

func TestResolve_Metrics(t *testing.T) {
	f := newFixture(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	resolver := NewResolver(f.store, f.cache, WithResolverMetrics(metrics))
	ctx := context.Background()
	f.seedMember("m", StoredMember)

	_, err := resolver.Resolve(ctx, "m", false)
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, "m", false)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues("store", "member")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues("cache", "member")))
}

func TestResolver_InvalidateAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMember("a", StoredMember)
	f.seedMember("b", StoredMember)

	for _, id := range []string{"a", "b"} {
		_, err := f.resolver.Resolve(ctx, id, false)
		require.NoError(t, err)
	}
	require.NoError(t, f.resolver.Invalidate(ctx, "a"))
	_, ok := f.cached(t, "a")
	assert.False(t, ok)
	_, ok = f.cached(t, "b")
	assert.True(t, ok)

	require.NoError(t, f.resolver.InvalidateAll(ctx))
	_, ok = f.cached(t, "b")
	assert.False(t, ok)
}
