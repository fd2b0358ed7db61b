// Package cart owns the shared cart store and the lock a checkout attempt holds over it.
package cart

import (
	"context"
	"errors"
	"time"

	"github.com/overdrive-yt/sportsdevil/domain"
)

var (
	ErrCartNotFound  = errors.New("cart not found")
	ErrItemNotFound  = errors.New("item not found in cart")
	ErrCartLocked    = errors.New("cart is locked by a checkout in progress")
	ErrAlreadyLocked = errors.New("cart is already locked by another checkout")
	ErrLockNotHeld   = errors.New("lock token does not hold the cart lock")
)

// DefaultLockTTL is how long a lock survives before Acquire may take it over.
// It only matters for attempts abandoned by a crashed process.
const DefaultLockTTL = 15 * time.Minute

// Store holds cart contents. Every mutation fails with ErrCartLocked while a
// checkout holds the cart.
type Store interface {
	Get(ctx context.Context, userID string) (*domain.Cart, error)
	AddItem(ctx context.Context, userID string, line domain.CartLine) error
	UpdateQuantity(ctx context.Context, userID string, key domain.LineKey, quantity int) error
	RemoveItem(ctx context.Context, userID string, key domain.LineKey) error
	Clear(ctx context.Context, userID string) error
}

// Lock is the mutual exclusion a checkout attempt holds over a user's cart.
type Lock interface {
	// Acquire fails with ErrAlreadyLocked while another live token holds the cart.
	Acquire(ctx context.Context, userID string) (domain.LockToken, error)
	// Release is idempotent: releasing a token that no longer holds the lock is a no-op.
	Release(ctx context.Context, token domain.LockToken) error
	// ClearAndRelease empties the cart and drops the lock in one atomic step.
	ClearAndRelease(ctx context.Context, token domain.LockToken) error
	IsLocked(ctx context.Context, userID string) (bool, error)
}

type LockingStore interface {
	Store
	Lock
}
