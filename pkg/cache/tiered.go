package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/hearth/pkg/observability"
)

// Default tier lifetimes
const (
	DefaultMemoryTTL    = 5 * time.Minute
	DefaultPersistedTTL = 30 * time.Minute
)

// Tiered is a two-level expiring cache: a fast memory tier checked first and an
// optional persisted tier that outlives the process. Each tier applies its own
// TTL to the timestamp stored with the entry.
//
// Tiered is constructed once and injected; it holds no package-level state.
type Tiered[V any] struct {
	memory    *Tier[V]
	persisted *Tier[V]

	prefix  string
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics

	memoryStats    counters
	persistedStats counters
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// TierStats reports hit and miss counts for one tier
type TierStats struct {
	Hits   int64
	Misses int64
}

// Stats reports counters for both tiers
type Stats struct {
	Memory    TierStats
	Persisted TierStats
}

// Option configures a Tiered cache
type Option func(*options)

type options struct {
	prefix  string
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
}

// WithKeyPrefix namespaces every key written to the backends
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithClock replaces time.Now, mainly for expiry tests
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger used for backend failures
func WithLogger(logger *observability.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records hits, misses and errors per tier
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *options) { o.metrics = metrics }
}

// NewTiered builds a cache from a memory tier and an optional persisted tier (nil
// disables it).
func NewTiered[V any](memory, persisted *Tier[V], opts ...Option) *Tiered[V] {
	o := options{now: time.Now, logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Tiered[V]{
		memory:    memory,
		persisted: persisted,
		prefix:    o.prefix,
		now:       o.now,
		logger:    o.logger,
		metrics:   o.metrics,
	}
}

func (c *Tiered[V]) key(id string) string {
	return c.prefix + id
}

// Get returns the freshest live entry for id. The memory tier is consulted first;
// a persisted hit is copied into memory with its original timestamp. Backend read
// errors are logged and treated as a miss.
func (c *Tiered[V]) Get(ctx context.Context, id string) (Entry[V], bool) {
	key := c.key(id)
	now := c.now()

	if entry, ok := c.getFrom(ctx, c.memory, &c.memoryStats, key, now); ok {
		return entry, true
	}
	if c.persisted == nil {
		return Entry[V]{}, false
	}

	entry, ok := c.getFrom(ctx, c.persisted, &c.persistedStats, key, now)
	if !ok {
		return Entry[V]{}, false
	}
	if !c.memory.expired(entry, now) {
		if err := c.memory.put(ctx, key, entry); err != nil {
			c.tierError(c.memory, "backfill", err)
		}
	}
	return entry, true
}

func (c *Tiered[V]) getFrom(ctx context.Context, tier *Tier[V], stats *counters, key string, now time.Time) (Entry[V], bool) {
	entry, result, err := tier.get(ctx, key, now)
	if err != nil {
		c.tierError(tier, "get", err)
	}

	switch result {
	case lookupHit:
		stats.hits.Add(1)
		if c.metrics != nil {
			c.metrics.CacheHitsTotal.WithLabelValues(tier.name).Inc()
		}
		return entry, true
	case lookupExpired:
		if c.metrics != nil {
			c.metrics.CacheExpiredTotal.WithLabelValues(tier.name).Inc()
		}
	case lookupCorrupt:
		c.logger.WithField("tier", tier.name).WithField("key", key).Warn("dropped undecodable cache entry")
	}

	stats.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(tier.name).Inc()
	}
	return Entry[V]{}, false
}

// Put stamps value with the current time and writes it to every tier. A failing
// tier does not stop the others; the joined error is returned.
func (c *Tiered[V]) Put(ctx context.Context, id string, value V) error {
	key := c.key(id)
	entry := Entry[V]{Value: value, StoredAt: c.now()}

	var errs []error
	for _, tier := range c.tiers() {
		if err := tier.put(ctx, key, entry); err != nil {
			c.tierError(tier, "put", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Invalidate removes id from every tier
func (c *Tiered[V]) Invalidate(ctx context.Context, id string) error {
	key := c.key(id)

	var errs []error
	for _, tier := range c.tiers() {
		if err := tier.backend.Delete(ctx, key); err != nil {
			c.tierError(tier, "delete", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvalidateAll removes every entry under this cache's key prefix from every tier
func (c *Tiered[V]) InvalidateAll(ctx context.Context) error {
	var errs []error
	for _, tier := range c.tiers() {
		if err := tier.backend.Clear(ctx, c.prefix); err != nil {
			c.tierError(tier, "clear", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns hit and miss counters since construction
func (c *Tiered[V]) Stats() Stats {
	return Stats{
		Memory:    TierStats{Hits: c.memoryStats.hits.Load(), Misses: c.memoryStats.misses.Load()},
		Persisted: TierStats{Hits: c.persistedStats.hits.Load(), Misses: c.persistedStats.misses.Load()},
	}
}

// Close releases both backends
func (c *Tiered[V]) Close() error {
	var errs []error
	for _, tier := range c.tiers() {
		if err := tier.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Tiered[V]) tiers() []*Tier[V] {
	if c.persisted == nil {
		return []*Tier[V]{c.memory}
	}
	return []*Tier[V]{c.memory, c.persisted}
}

func (c *Tiered[V]) tierError(tier *Tier[V], op string, err error) {
	c.logger.WithError(err).
		WithField("tier", tier.name).
		WithField("backend", tier.backend.Name()).
		Warnf("cache %s failed", op)
	if c.metrics != nil {
		c.metrics.CacheErrorsTotal.WithLabelValues(tier.name, op).Inc()
	}
}
