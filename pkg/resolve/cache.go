package resolve

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores lockfiles keyed by root reference. A cache is a hint, never
// an authority: every hit is re-validated against current store content
// before it short-circuits resolution.
type Cache interface {
	Get(ctx context.Context, key string) (*Lockfile, bool)
	Put(ctx context.Context, key string, lf *Lockfile)
}

// MemoryCache is a process-local lockfile cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Lockfile
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*Lockfile)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Lockfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lf, ok := c.entries[key]
	return lf, ok
}

func (c *MemoryCache) Put(_ context.Context, key string, lf *Lockfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = lf
}

// RedisCache shares lockfiles across kernel hosts resolving against the same
// item registry. Entries expire so a retired root reference does not pin its
// lockfile forever.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache wraps a redis client. ttl <= 0 means no expiry.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: slog.Default()}
}

func (c *RedisCache) cacheKey(key string) string {
	return "keel:lockfile:" + key
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Lockfile, bool) {
	raw, err := c.client.Get(ctx, c.cacheKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("lockfile cache read failed", "key", key, "err", err)
		}
		return nil, false
	}
	lf, err := DecodeLockfile(raw)
	if err != nil {
		// Corrupt or incompatible entry: drop it and resolve fresh.
		c.client.Del(ctx, c.cacheKey(key))
		return nil, false
	}
	return lf, true
}

func (c *RedisCache) Put(ctx context.Context, key string, lf *Lockfile) {
	raw, err := lf.Encode()
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.cacheKey(key), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("lockfile cache write failed", "key", key, "err", err)
	}
}
