package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CostGuard/internal/conf"

	"github.com/redis/go-redis/v9"
)

// CacheKeyBreaker is the prefix for breaker state caches: breaker:{name}
const CacheKeyBreaker = "breaker"

// defaultStateCacheTTL bounds how stale the fast read path may be. The TTL
// is deliberately short: the cache only absorbs read bursts, it never feeds
// mutation decisions.
const defaultStateCacheTTL = 2 * time.Second

// ErrCacheNotFound is returned when a cache key does not exist.
var ErrCacheNotFound = errors.New("cache: key not found")

// StateCache caches breaker state snapshots for the unlocked fast read path.
// Implementations must be safe for concurrent use. Every cache failure is a
// miss, never an outage: callers fall through to the database.
type StateCache interface {
	// Get retrieves the cached snapshot for a breaker name.
	// Returns ErrCacheNotFound if no snapshot is cached.
	Get(ctx context.Context, name string) (*BreakerState, error)

	// Set caches a snapshot under the configured TTL.
	Set(ctx context.Context, name string, state *BreakerState) error

	// Invalidate removes the snapshot after a state transition.
	Invalidate(ctx context.Context, name string) error
}

// redisStateCache is the Redis-based implementation of StateCache.
type redisStateCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStateCache creates a Redis-backed breaker state cache.
// A nil Data or Redis client yields a cache where every read misses.
func NewStateCache(d *Data, c *conf.Data) StateCache {
	var rdb *redis.Client
	if d != nil {
		rdb = d.redisClient
	}
	ttl := defaultStateCacheTTL
	if c != nil && c.Redis != nil && c.Redis.StateCacheTTL > 0 {
		ttl = c.Redis.StateCacheTTL
	}
	return &redisStateCache{
		client: rdb,
		ttl:    ttl,
	}
}

func cacheKey(name string) string {
	return fmt.Sprintf("%s:%s", CacheKeyBreaker, name)
}

// Get retrieves and deserializes a cached snapshot.
func (c *redisStateCache) Get(ctx context.Context, name string) (*BreakerState, error) {
	if c.client == nil {
		return nil, ErrCacheNotFound
	}

	val, err := c.client.Get(ctx, cacheKey(name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheNotFound
		}
		return nil, fmt.Errorf("cache: failed to get key %s: %w", cacheKey(name), err)
	}

	var st BreakerState
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		return nil, fmt.Errorf("cache: failed to unmarshal state for %s: %w", name, err)
	}
	return &st, nil
}

// Set serializes and stores a snapshot with the configured TTL.
func (c *redisStateCache) Set(ctx context.Context, name string, state *BreakerState) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal state for %s: %w", name, err)
	}

	if err := c.client.Set(ctx, cacheKey(name), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: failed to set key %s: %w", cacheKey(name), err)
	}
	return nil
}

// Invalidate removes a cached snapshot.
func (c *redisStateCache) Invalidate(ctx context.Context, name string) error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, cacheKey(name)).Err(); err != nil {
		return fmt.Errorf("cache: failed to delete key %s: %w", cacheKey(name), err)
	}
	return nil
}
