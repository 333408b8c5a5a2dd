package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps the go-redis client used by the asset cache
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects to Redis and pings it before returning
func NewRedisClient(ctx context.Context, addr string, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		//Connection Pool settings
		PoolSize:     10,
		MinIdleConns: 2,

		//Timeout settings
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Ping tests the connection
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// RedisCache serves assets from Redis and fills misses from another Loader.
// Reference images are shared across test processes this way.
type RedisCache struct {
	redis *RedisClient
	next  Loader
	ttl   time.Duration
}

var _ Loader = (*RedisCache)(nil)

// NewRedisCache caches assets from next with the given TTL
func NewRedisCache(redisClient *RedisClient, next Loader, ttl time.Duration) *RedisCache {
	return &RedisCache{
		redis: redisClient,
		next:  next,
		ttl:   ttl,
	}
}

// key names the cache entry for name. When the wrapped loader can version its
// assets the version goes into the key, so loaders over different sources do
// not collide and an edited source misses instead of serving the old bytes.
func (c *RedisCache) key(ctx context.Context, name string) (string, error) {
	versioner, ok := c.next.(Versioner)
	if !ok {
		return fmt.Sprintf("asset:%s", name), nil
	}

	version, err := versioner.Version(ctx, name)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(version))
	return fmt.Sprintf("asset:%s:%s", name, hex.EncodeToString(sum[:])), nil
}

// Load returns the cached asset, falling back to the wrapped loader on a miss.
// Redis failures are logged and never fail the load.
func (c *RedisCache) Load(ctx context.Context, name string) ([]byte, error) {
	key, err := c.key(ctx, name)
	if err != nil {
		return nil, err
	}

	data, err := c.redis.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		slog.Debug("asset served from cache", "name", name, "size", len(data))
		return data, nil
	case !errors.Is(err, redis.Nil):
		slog.Warn("asset cache lookup failed", "name", name, "error", err)
	}

	data, err = c.next.Load(ctx, name)
	if err != nil {
		return nil, err
	}

	if err := c.redis.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		slog.Warn("failed to cache asset", "name", name, "error", err)
	}
	return data, nil
}

// Evict removes a cached asset so the next Load rereads it
func (c *RedisCache) Evict(ctx context.Context, name string) error {
	key, err := c.key(ctx, name)
	if err != nil {
		return err
	}
	if err := c.redis.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to evict asset %s: %w", name, err)
	}
	return nil
}
