package redis

import (
	"context"
	"testing"
	"time"

	"spotfleet/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := NewPoolCache(NewRedisClientFrom(client), time.Minute)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ok)

	pools := []model.RankedPool{
		{PoolID: "m5.large.us-east-1b", InstanceType: "m5.large", AZ: "us-east-1b", Price: 0.06, Recommendation: "safe"},
	}
	require.NoError(t, cache.Set(ctx, "agent-1", pools))

	got, ok, err := cache.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pools, got)

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ok, "entry expires with the TTL")

	require.NoError(t, cache.Set(ctx, "agent-1", pools))
	require.NoError(t, cache.Invalidate(ctx, "agent-1"))
	_, ok, err = cache.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
