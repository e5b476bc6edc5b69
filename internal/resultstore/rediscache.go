package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"orchestratord/internal/model"
)

// RedisCache implements Cache on top of go-redis, keyed
// "result:<task_id>" per SPEC_FULL.md §4.6a.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to addr. The connection is lazy — go-redis
// dials on first use — so this never blocks or fails at construction.
func NewRedisCache(addr string) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func cacheKey(taskID string) string { return "result:" + taskID }

// Get returns the cached result for taskID, or found=false on a cache
// miss. A redis.Nil miss is not an error.
func (c *RedisCache) Get(ctx context.Context, taskID string) (*model.TaskResult, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resource_error: redis get: %w", err)
	}
	var result model.TaskResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false, fmt.Errorf("resource_error: decode cached result: %w", err)
	}
	return &result, true, nil
}

// Set stores result with the given TTL; ttl<=0 means no expiry.
func (c *RedisCache) Set(ctx context.Context, result *model.TaskResult, ttl time.Duration) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("resource_error: encode result for cache: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(result.TaskID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("resource_error: redis set: %w", err)
	}
	return nil
}

// Close releases the underlying redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
