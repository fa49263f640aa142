package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/hlspack/internal/domain/model"
)

const (
	// statusCacheKeyPrefix is the prefix for status cache keys in Redis.
	statusCacheKeyPrefix = "status:"
)

// ClientConfig holds configuration for the Redis client.
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a Redis client and verifies the server is reachable.
func NewClient(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

// statusJSON is the JSON representation of a cached status.
// Using explicit struct avoids coupling to domain model's JSON tags.
type statusJSON struct {
	Status   string `json:"status"`
	CachedAt string `json:"cached_at"`
}

// RedisStatusCache implements StatusCache using Redis as the backing store.
type RedisStatusCache struct {
	client *redis.Client
}

// Compile-time verification that RedisStatusCache implements StatusCache.
var _ StatusCache = (*RedisStatusCache)(nil)

// NewRedisStatusCache creates a new Redis-backed status cache.
func NewRedisStatusCache(client *redis.Client) *RedisStatusCache {
	return &RedisStatusCache{
		client: client,
	}
}

// Get retrieves a status from Redis cache.
// Returns nil, nil on cache miss.
func (c *RedisStatusCache) Get(ctx context.Context, assetID string) (*CachedStatus, error) {
	data, err := c.client.Get(ctx, c.buildKey(assetID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	cached, err := c.deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("deserialize status: %w", err)
	}

	return cached, nil
}

// Set stores a status in Redis cache with the specified TTL.
func (c *RedisStatusCache) Set(ctx context.Context, assetID string, status model.Status, ttl time.Duration) error {
	data, err := json.Marshal(statusJSON{
		Status:   status.String(),
		CachedAt: time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("serialize status: %w", err)
	}

	if err := c.client.Set(ctx, c.buildKey(assetID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes a status from Redis cache.
func (c *RedisStatusCache) Delete(ctx context.Context, assetID string) error {
	if err := c.client.Del(ctx, c.buildKey(assetID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// buildKey constructs the Redis key for an asset.
func (c *RedisStatusCache) buildKey(assetID string) string {
	return statusCacheKeyPrefix + assetID
}

func (c *RedisStatusCache) deserialize(data []byte) (*CachedStatus, error) {
	var v statusJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}

	status := model.Status(v.Status)
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidStatus, v.Status)
	}

	cachedAt, err := time.Parse(time.RFC3339Nano, v.CachedAt)
	if err != nil {
		return nil, fmt.Errorf("parse cached_at: %w", err)
	}

	return &CachedStatus{Status: status, CachedAt: cachedAt}, nil
}
