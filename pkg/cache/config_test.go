package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hearth/pkg/config"
)

func testCacheConfig(backend string) config.CacheConfig {
	return config.CacheConfig{
		MemoryTTL:        time.Minute,
		MemoryMaxEntries: 10,
		PersistedBackend: backend,
		PersistedTTL:     time.Hour,
		KeyPrefix:        "test:",
	}
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testCacheConfig(config.PersistedBackendRedis)
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"
	ctx := context.Background()

	c, err := Open[string](ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Redis)
	require.NoError(t, c.Put(ctx, "u1", "hello"))
	assert.True(t, mr.Exists("test:u1"))
	assert.Equal(t, 2*time.Hour, mr.TTL("test:u1"))
}

func TestOpen_SQLite(t *testing.T) {
	cfg := testCacheConfig(config.PersistedBackendSQLite)
	cfg.SQLitePath = filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c, err := Open[string](ctx, cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "u1", "hello"))
	require.NoError(t, c.Close())

	// A new process sees the persisted entry
	reopened, err := Open[string](ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer reopened.Close()
	entry, ok := reopened.Get(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, "hello", entry.Value)
	assert.Nil(t, reopened.Redis)
}

func TestOpen_MemoryOnly(t *testing.T) {
	c, err := Open[string](context.Background(), testCacheConfig(config.PersistedBackendNone), nil, nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Nil(t, c.Redis)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open[string](context.Background(), testCacheConfig("memcached"), nil, nil)
	assert.EqualError(t, err, `unknown persisted cache backend "memcached"`)

	cfg := testCacheConfig(config.PersistedBackendRedis)
	cfg.RedisURL = "not a url"
	_, err = Open[string](context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}
