package cart

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overdrive-yt/sportsdevil/domain"
	"github.com/overdrive-yt/sportsdevil/pkg/logger"
)

type countingStore struct {
	*MemoryStore
	gets atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, userID string) (*domain.Cart, error) {
	s.gets.Add(1)
	return s.MemoryStore.Get(ctx, userID)
}

func TestCached_MissingCartIsEmpty(t *testing.T) {
	cache, _ := setupTestRedis(t)
	c := NewCached(NewMemoryStore(0), cache, logger.Nop())

	got, err := c.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Empty(t, got.Items)
}

func TestCached_ServesFromCacheAfterFirstRead(t *testing.T) {
	cache, mr := setupTestRedis(t)
	store := &countingStore{MemoryStore: NewMemoryStore(0)}
	c := NewCached(store, cache, logger.Nop())
	ctx := context.Background()

	require.NoError(t, store.AddItem(ctx, "u1", shirt))
	_, err := c.Get(ctx, "u1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return mr.Exists(cacheKey("u1")) }, timeout, tick)

	_, err = c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.gets.Load())
}

func TestCached_ClearAndReleaseInvalidates(t *testing.T) {
	cache, mr := setupTestRedis(t)
	c := NewCached(NewMemoryStore(0), cache, logger.Nop())
	ctx := context.Background()

	require.NoError(t, c.AddItem(ctx, "u1", shirt))
	require.NoError(t, cache.Set(ctx, "u1", &domain.Cart{UserID: "u1", Items: []domain.CartLine{shirt}}))

	tok, err := c.Acquire(ctx, "u1")
	require.NoError(t, err)
	assert.ErrorIs(t, c.AddItem(ctx, "u1", shirt), ErrCartLocked)

	require.NoError(t, c.ClearAndRelease(ctx, tok))
	assert.False(t, mr.Exists(cacheKey("u1")))

	got, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got.Items)
}

// slowCache delays every Set, like a fill that loses the race with a write.
type slowCache struct {
	Cache
	delay time.Duration
}

func (s *slowCache) Set(ctx context.Context, userID string, c *domain.Cart) error {
	time.Sleep(s.delay)
	return s.Cache.Set(ctx, userID, c)
}

func TestCached_LateFillDoesNotResurrectClearedCart(t *testing.T) {
	redisCache, _ := setupTestRedis(t)
	cache := &slowCache{Cache: redisCache, delay: 50 * time.Millisecond}
	c := NewCached(NewMemoryStore(0), cache, logger.Nop())
	ctx := context.Background()

	require.NoError(t, c.AddItem(ctx, "u1", shirt))
	tok, err := c.Acquire(ctx, "u1")
	require.NoError(t, err)
	during, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, during.Items, 1)

	require.NoError(t, c.ClearAndRelease(ctx, tok))
	time.Sleep(3 * cache.delay)

	got, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got.Items)
}

func TestCached_LateFillDoesNotUndoRemove(t *testing.T) {
	redisCache, _ := setupTestRedis(t)
	cache := &slowCache{Cache: redisCache, delay: 50 * time.Millisecond}
	c := NewCached(NewMemoryStore(0), cache, logger.Nop())
	ctx := context.Background()

	require.NoError(t, c.AddItem(ctx, "u1", shirt))
	_, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, c.RemoveItem(ctx, "u1", shirt.Key()))
	time.Sleep(3 * cache.delay)

	got, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got.Items)
}

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)
