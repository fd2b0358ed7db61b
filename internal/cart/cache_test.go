package cart

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overdrive-yt/sportsdevil/domain"
)

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client), mr
}

func TestRedisCache_GetHit(t *testing.T) {
	cache, mr := setupTestRedis(t)

	data, _ := json.Marshal(&domain.Cart{UserID: "u1", Items: []domain.CartLine{shirt}})
	require.NoError(t, mr.Set(cacheKey("u1"), string(data)))

	c, err := cache.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
	require.Len(t, c.Items, 1)
	assert.Equal(t, "red", c.Items[0].SelectedColor)
}

func TestRedisCache_Miss(t *testing.T) {
	cache, _ := setupTestRedis(t)

	c, err := cache.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Nil(t, c)
}

func TestRedisCache_InvalidJSON(t *testing.T) {
	cache, mr := setupTestRedis(t)
	require.NoError(t, mr.Set(cacheKey("u1"), `{"user_id":`))

	_, err := cache.Get(context.Background(), "u1")
	assert.ErrorContains(t, err, "unmarshal cart failed")
}

func TestRedisCache_SetUsesJitteredTTL(t *testing.T) {
	cache, mr := setupTestRedis(t)

	require.NoError(t, cache.Set(context.Background(), "u1", &domain.Cart{UserID: "u1"}))

	ttl := mr.TTL(cacheKey("u1"))
	assert.GreaterOrEqual(t, ttl, 15*time.Minute)
	assert.LessOrEqual(t, ttl, 20*time.Minute)
}

func TestRedisCache_Delete(t *testing.T) {
	cache, mr := setupTestRedis(t)
	require.NoError(t, mr.Set(cacheKey("u1"), "{}"))

	require.NoError(t, cache.Delete(context.Background(), "u1"))
	assert.False(t, mr.Exists(cacheKey("u1")))
	assert.NoError(t, cache.Delete(context.Background(), "u1"))
}
