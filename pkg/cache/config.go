package cache

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/hearth/pkg/config"
	"github.com/platinummonkey/hearth/pkg/observability"
)

// Opened is a Tiered cache built from configuration, plus the Redis client
// behind the persisted tier when that backend is redis
type Opened[V any] struct {
	*Tiered[V]
	Redis *redis.Client
}

// Open builds both tiers from cfg. The memory backend reclaims idle keys after
// twice the memory TTL; the Redis backstop is twice the persisted TTL.
func Open[V any](ctx context.Context, cfg config.CacheConfig, logger *observability.Logger, metrics *observability.Metrics) (*Opened[V], error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	memory := NewTier[V]("memory", NewMemoryBackend(cfg.MemoryMaxEntries, 2*cfg.MemoryTTL), cfg.MemoryTTL)

	out := &Opened[V]{}
	var persisted *Tier[V]
	switch cfg.PersistedBackend {
	case config.PersistedBackendRedis:
		backend, err := NewRedisBackend(ctx, cfg.RedisURL, 2*cfg.PersistedTTL)
		if err != nil {
			return nil, err
		}
		out.Redis = backend.Client()
		persisted = NewTier[V]("persisted", backend, cfg.PersistedTTL)
	case config.PersistedBackendSQLite:
		backend, err := OpenSQLiteBackend(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		persisted = NewTier[V]("persisted", backend, cfg.PersistedTTL)
	case config.PersistedBackendNone, "":
	default:
		return nil, fmt.Errorf("unknown persisted cache backend %q", cfg.PersistedBackend)
	}

	logger.WithField("persisted_backend", cfg.PersistedBackend).Debug("cache configured")
	out.Tiered = NewTiered(memory, persisted,
		WithKeyPrefix(cfg.KeyPrefix),
		WithLogger(logger.WithField("component", "cache")),
		WithMetrics(metrics),
	)
	return out, nil
}
