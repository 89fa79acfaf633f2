package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"spotfleet/internal/model"

	"github.com/go-redis/redis/v8"
)

const poolCacheKeyPrefix = "pools:ranked:" // pools:ranked:{agent_id}

// PoolCache keeps recently ranked candidate pools per agent (ephemeral data with TTL)
type PoolCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewPoolCache creates the ranked pool cache
func NewPoolCache(redisClient *RedisClient, ttl time.Duration) *PoolCache {
	return &PoolCache{
		redis: redisClient.GetClient(),
		ttl:   ttl,
	}
}

// Get returns cached pools, ok=false on a miss
func (c *PoolCache) Get(ctx context.Context, agentID string) ([]model.RankedPool, bool, error) {
	data, err := c.redis.Get(ctx, poolCacheKeyPrefix+agentID).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get ranked pools: %w", err)
	}

	var pools []model.RankedPool
	if err := json.Unmarshal(data, &pools); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal ranked pools: %w", err)
	}
	return pools, true, nil
}

// Set stores ranked pools for the cache TTL
func (c *PoolCache) Set(ctx context.Context, agentID string, pools []model.RankedPool) error {
	data, err := json.Marshal(pools)
	if err != nil {
		return fmt.Errorf("failed to marshal ranked pools: %w", err)
	}
	if err := c.redis.Set(ctx, poolCacheKeyPrefix+agentID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache ranked pools: %w", err)
	}
	return nil
}

// Invalidate drops the cached pools of an agent
func (c *PoolCache) Invalidate(ctx context.Context, agentID string) error {
	if err := c.redis.Del(ctx, poolCacheKeyPrefix+agentID).Err(); err != nil {
		return fmt.Errorf("failed to invalidate ranked pools: %w", err)
	}
	return nil
}
