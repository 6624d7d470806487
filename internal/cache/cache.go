// Package cache is the key/TTL/invalidate layer in front of the store.
// Values are JSON. A failing cache never fails a request: Gate logs the
// error and carries on as if the key was absent.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores JSON values under string keys with a TTL.
type Cache interface {
	// Get decodes the value at key into dst. It reports false on a miss.
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 200

// RedisCache implements Cache on a go-redis client.
type RedisCache struct {
	rdb redis.UniversalClient
}

// NewRedisCache wraps an existing client. The caller owns the client.
func NewRedisCache(rdb redis.UniversalClient) *RedisCache {
	return &RedisCache{rdb: rdb}
}

// Ping checks the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: del: %w", err)
	}
	return nil
}

// DeletePrefix collects every key matching prefix over a complete SCAN walk
// and only then deletes them, so deletions never shift the cursor mid-walk.
// Keys written concurrently with the walk may survive it.
func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	var (
		cursor  uint64
		matched []string
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("cache: scan %s*: %w", prefix, err)
		}
		matched = append(matched, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}

	for len(matched) > 0 {
		n := min(len(matched), scanBatch)
		if err := c.rdb.Del(ctx, matched[:n]...).Err(); err != nil {
			return fmt.Errorf("cache: del %s*: %w", prefix, err)
		}
		matched = matched[n:]
	}
	return nil
}

// NopCache is used when no Redis is configured. Every read misses.
type NopCache struct{}

func (NopCache) Get(context.Context, string, any) (bool, error) { return false, nil }

func (NopCache) Set(context.Context, string, any, time.Duration) error { return nil }

func (NopCache) Delete(context.Context, ...string) error { return nil }

func (NopCache) DeletePrefix(context.Context, string) error { return nil }
