// Package cache implements the two-tier expiring cache used for resolved role
// bundles.
//
// A Tiered cache combines a memory Tier and an optional persisted Tier. Each tier
// is a Backend (LRU memory, Redis, or a SQLite file) with its own TTL; entries are
// stored as JSON alongside the time they were written, and a tier treats an entry
// as absent once now >= StoredAt + TTL, deleting it on that read.
//
//	memory := cache.NewTier[Bundle]("memory", cache.NewMemoryBackend(10000, 0), 5*time.Minute)
//	persisted := cache.NewTier[Bundle]("persisted", redisBackend, 30*time.Minute)
//	c := cache.NewTiered(memory, persisted, cache.WithKeyPrefix("hearth:role:"))
package cache
