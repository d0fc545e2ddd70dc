package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultRedisPrefix namespaces every key the tier writes.
const DefaultRedisPrefix = "simgate:cache:"

// RedisOptions configures a RedisTier.
type RedisOptions struct {
	Prefix     string
	MaxEntries int
	MaxTTL     time.Duration
}

// DefaultRedisOptions mirrors the memory store limits.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix:     DefaultRedisPrefix,
		MaxEntries: DefaultMaxEntries,
		MaxTTL:     DefaultMaxTTL,
	}
}

// RedisTier is a response cache shared across processes. Expiry is
// delegated to Redis key TTLs; capacity is enforced in insertion order with
// a list of keys.
type RedisTier struct {
	redis *redis.Client
	opts  RedisOptions
}

// NewRedisTier creates a shared tier on top of redisClient.
func NewRedisTier(redisClient *redis.Client, opts RedisOptions) *RedisTier {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	def := DefaultRedisOptions()
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = def.MaxTTL
	}
	return &RedisTier{redis: redisClient, opts: opts}
}

func (t *RedisTier) dataKey(key string) string {
	return t.opts.Prefix + key
}

func (t *RedisTier) orderKey() string {
	return t.opts.Prefix + "__order"
}

// Get retrieves raw data by key.
// Returns ErrCacheMiss if the key doesn't exist or has expired.
func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := t.redis.Get(ctx, t.dataKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(LayerRedis).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	CacheHits.WithLabelValues(LayerRedis).Inc()
	return data, nil
}

// Set stores data for ttl (clamped to MaxTTL) and trims the oldest keys
// once the tier holds more than MaxEntries. Rewriting a key moves it to
// the newest position.
func (t *RedisTier) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl > t.opts.MaxTTL {
		ttl = t.opts.MaxTTL
	}
	if ttl <= 0 {
		return nil
	}

	full := t.dataKey(key)
	order := t.orderKey()

	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, full, data, ttl)
	pipe.LRem(ctx, order, 0, full)
	pipe.RPush(ctx, order, full)
	length := pipe.LLen(ctx, order)
	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	overflow := length.Val() - int64(t.opts.MaxEntries)
	if overflow <= 0 {
		return nil
	}

	evicted, err := t.redis.LPopCount(ctx, order, int(overflow)).Result()
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis trim order: %w", err)
	}
	if len(evicted) > 0 {
		if err := t.redis.Del(ctx, evicted...).Err(); err != nil {
			CacheErrors.WithLabelValues("delete").Inc()
			return fmt.Errorf("redis del evicted: %w", err)
		}
		CacheEvictions.WithLabelValues(EvictCapacity).Add(float64(len(evicted)))
	}
	return nil
}

// Delete removes a cache entry.
func (t *RedisTier) Delete(ctx context.Context, key string) error {
	full := t.dataKey(key)

	pipe := t.redis.TxPipeline()
	pipe.Del(ctx, full)
	pipe.LRem(ctx, t.orderKey(), 0, full)
	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear deletes every tracked entry and the order list.
func (t *RedisTier) Clear(ctx context.Context) error {
	order := t.orderKey()

	keys, err := t.redis.LRange(ctx, order, 0, -1).Result()
	if err != nil {
		CacheErrors.WithLabelValues("clear").Inc()
		return fmt.Errorf("redis lrange: %w", err)
	}

	keys = append(keys, order)
	if err := t.redis.Del(ctx, keys...).Err(); err != nil {
		CacheErrors.WithLabelValues("clear").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping checks connectivity to the backing Redis.
func (t *RedisTier) Ping(ctx context.Context) error {
	return t.redis.Ping(ctx).Err()
}
