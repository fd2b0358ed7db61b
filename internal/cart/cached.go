package cart

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/overdrive-yt/sportsdevil/domain"
)

const cacheStripes = 64

// Cached puts a read-through cache in front of a LockingStore. Every write,
// including lock changes that clear the cart, invalidates the cached entry.
type Cached struct {
	store  LockingStore
	cache  Cache
	logger *slog.Logger
	sfg    singleflight.Group

	stripes [cacheStripes]fillStripe
}

// fillStripe orders cache fills against invalidations for the users hashed to
// it. gen moves on every invalidation, and a fill that read the store under an
// older gen is dropped.
type fillStripe struct {
	mu  sync.Mutex
	gen uint64
}

func NewCached(store LockingStore, cache Cache, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{store: store, cache: cache, logger: logger}
}

// Get never reports ErrCartNotFound: a user without a cart has an empty one.
func (c *Cached) Get(ctx context.Context, userID string) (*domain.Cart, error) {
	v, err, _ := c.sfg.Do(userID, func() (interface{}, error) {
		cached, err := c.cache.Get(ctx, userID)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.WarnContext(ctx, "cart cache get failed", slog.String("user_id", userID), slog.Any("error", err))
		}

		gen := c.generation(userID)
		stored, err := c.store.Get(ctx, userID)
		if errors.Is(err, ErrCartNotFound) {
			now := time.Now()
			return &domain.Cart{UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
		}
		if err != nil {
			return nil, err
		}

		go c.fill(userID, stored, gen)
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Cart), nil
}

func (c *Cached) AddItem(ctx context.Context, userID string, line domain.CartLine) error {
	return c.write(ctx, userID, c.store.AddItem(ctx, userID, line))
}

func (c *Cached) UpdateQuantity(ctx context.Context, userID string, key domain.LineKey, quantity int) error {
	return c.write(ctx, userID, c.store.UpdateQuantity(ctx, userID, key, quantity))
}

func (c *Cached) RemoveItem(ctx context.Context, userID string, key domain.LineKey) error {
	return c.write(ctx, userID, c.store.RemoveItem(ctx, userID, key))
}

func (c *Cached) Clear(ctx context.Context, userID string) error {
	return c.write(ctx, userID, c.store.Clear(ctx, userID))
}

func (c *Cached) Acquire(ctx context.Context, userID string) (domain.LockToken, error) {
	return c.store.Acquire(ctx, userID)
}

func (c *Cached) Release(ctx context.Context, token domain.LockToken) error {
	return c.store.Release(ctx, token)
}

func (c *Cached) ClearAndRelease(ctx context.Context, token domain.LockToken) error {
	return c.write(ctx, token.UserID, c.store.ClearAndRelease(ctx, token))
}

func (c *Cached) IsLocked(ctx context.Context, userID string) (bool, error) {
	return c.store.IsLocked(ctx, userID)
}

func (c *Cached) write(ctx context.Context, userID string, err error) error {
	if err != nil {
		return err
	}
	c.invalidate(ctx, userID)
	return nil
}

func (c *Cached) stripe(userID string) *fillStripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &c.stripes[h.Sum32()%cacheStripes]
}

func (c *Cached) generation(userID string) uint64 {
	st := c.stripe(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.gen
}

// fill caches a cart read under gen unless a write invalidated the user since.
func (c *Cached) fill(userID string, stored *domain.Cart, gen uint64) {
	st := c.stripe(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != gen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.cache.Set(ctx, userID, stored); err != nil {
		c.logger.Warn("cart cache set failed", slog.String("user_id", userID), slog.Any("error", err))
	}
}

func (c *Cached) invalidate(ctx context.Context, userID string) {
	st := c.stripe(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.gen++

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := c.cache.Delete(ctx, userID); err != nil {
		c.logger.WarnContext(ctx, "cart cache invalidate failed", slog.String("user_id", userID), slog.Any("error", err))
	}
}
