package cart

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overdrive-yt/sportsdevil/domain"
)

var shirt = domain.CartLine{ProductID: "shirt", Quantity: 1, SelectedColor: "red", SelectedSize: "M", UnitPriceMinor: 2500}

func TestMemoryStore_AddItemMergesSameLine(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.AddItem(ctx, "u1", shirt))
	require.NoError(t, s.AddItem(ctx, "u1", shirt))
	blue := shirt
	blue.SelectedColor = "blue"
	require.NoError(t, s.AddItem(ctx, "u1", blue))

	c, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, c.Items, 2)
	assert.Equal(t, 2, c.Items[0].Quantity)
}

func TestMemoryStore_MutationsRefusedWhileLocked(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, s.AddItem(ctx, "u1", shirt))

	tok, err := s.Acquire(ctx, "u1")
	require.NoError(t, err)

	assert.ErrorIs(t, s.AddItem(ctx, "u1", shirt), ErrCartLocked)
	assert.ErrorIs(t, s.UpdateQuantity(ctx, "u1", shirt.Key(), 5), ErrCartLocked)
	assert.ErrorIs(t, s.RemoveItem(ctx, "u1", shirt.Key()), ErrCartLocked)
	assert.ErrorIs(t, s.Clear(ctx, "u1"), ErrCartLocked)

	locked, err := s.IsLocked(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, s.Release(ctx, tok))
	assert.NoError(t, s.UpdateQuantity(ctx, "u1", shirt.Key(), 5))
}

func TestMemoryStore_SecondAcquireFails(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	_, err := s.Acquire(ctx, "u1")
	require.NoError(t, err)
	_, err = s.Acquire(ctx, "u1")
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	// other users are unaffected
	_, err = s.Acquire(ctx, "u2")
	assert.NoError(t, err)
}

func TestMemoryStore_ConcurrentAcquireHasOneWinner(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Acquire(ctx, "u1"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore_ReleaseIsIdempotent(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	tok, err := s.Acquire(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, tok))
	require.NoError(t, s.Release(ctx, tok))

	// an old token must not release a newer lock
	tok2, err := s.Acquire(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, tok))
	locked, _ := s.IsLocked(ctx, "u1")
	assert.True(t, locked)
	require.NoError(t, s.Release(ctx, tok2))
}

func TestMemoryStore_ClearAndRelease(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, s.AddItem(ctx, "u1", shirt))

	tok, err := s.Acquire(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, s.ClearAndRelease(ctx, tok))

	c, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	locked, _ := s.IsLocked(ctx, "u1")
	assert.False(t, locked)

	assert.ErrorIs(t, s.ClearAndRelease(ctx, tok), ErrLockNotHeld)
}

func TestMemoryStore_StaleLockCanBeTakenOver(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.Acquire(ctx, "u1")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Acquire(ctx, "u1")
	assert.NoError(t, err)
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	_, err := s.Get(ctx, "nobody")
	assert.ErrorIs(t, err, ErrCartNotFound)
	assert.ErrorIs(t, s.UpdateQuantity(ctx, "nobody", shirt.Key(), 1), ErrCartNotFound)

	require.NoError(t, s.AddItem(ctx, "u1", shirt))
	assert.ErrorIs(t, s.RemoveItem(ctx, "u1", domain.LineKey{ProductID: "other"}), ErrItemNotFound)
}
