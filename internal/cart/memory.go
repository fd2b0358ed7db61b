package cart

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/overdrive-yt/sportsdevil/domain"
)

type memoryEntry struct {
	cart domain.Cart
	lock *domain.LockToken
}

// MemoryStore is a process-local LockingStore for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	carts   map[string]*memoryEntry
	lockTTL time.Duration
	now     func() time.Time
}

func NewMemoryStore(lockTTL time.Duration) *MemoryStore {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &MemoryStore{
		carts:   make(map[string]*memoryEntry),
		lockTTL: lockTTL,
		now:     time.Now,
	}
}

func (s *MemoryStore) entry(userID string) *memoryEntry {
	e, ok := s.carts[userID]
	if !ok {
		now := s.now()
		e = &memoryEntry{cart: domain.Cart{UserID: userID, CreatedAt: now, UpdatedAt: now}}
		s.carts[userID] = e
	}
	return e
}

func (s *MemoryStore) locked(e *memoryEntry) bool {
	return e.lock != nil && s.now().Sub(e.lock.AcquiredAt) < s.lockTTL
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.carts[userID]
	if !ok {
		return nil, ErrCartNotFound
	}
	c := e.cart
	c.Items = append([]domain.CartLine(nil), e.cart.Items...)
	return &c, nil
}

func (s *MemoryStore) AddItem(_ context.Context, userID string, line domain.CartLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(userID)
	if s.locked(e) {
		return ErrCartLocked
	}
	for i := range e.cart.Items {
		if e.cart.Items[i].Key() == line.Key() {
			e.cart.Items[i].Quantity += line.Quantity
			e.cart.Items[i].UnitPriceMinor = line.UnitPriceMinor
			e.cart.UpdatedAt = s.now()
			return nil
		}
	}
	e.cart.Items = append(e.cart.Items, line)
	e.cart.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpdateQuantity(_ context.Context, userID string, key domain.LineKey, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.carts[userID]
	if !ok {
		return ErrCartNotFound
	}
	if s.locked(e) {
		return ErrCartLocked
	}
	for i := range e.cart.Items {
		if e.cart.Items[i].Key() == key {
			e.cart.Items[i].Quantity = quantity
			e.cart.UpdatedAt = s.now()
			return nil
		}
	}
	return ErrItemNotFound
}

func (s *MemoryStore) RemoveItem(_ context.Context, userID string, key domain.LineKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.carts[userID]
	if !ok {
		return ErrCartNotFound
	}
	if s.locked(e) {
		return ErrCartLocked
	}
	for i := range e.cart.Items {
		if e.cart.Items[i].Key() == key {
			e.cart.Items = append(e.cart.Items[:i], e.cart.Items[i+1:]...)
			e.cart.UpdatedAt = s.now()
			return nil
		}
	}
	return ErrItemNotFound
}

func (s *MemoryStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.carts[userID]
	if !ok {
		return ErrCartNotFound
	}
	if s.locked(e) {
		return ErrCartLocked
	}
	e.cart.Items = nil
	e.cart.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Acquire(_ context.Context, userID string) (domain.LockToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(userID)
	if s.locked(e) {
		return domain.LockToken{}, ErrAlreadyLocked
	}
	tok := domain.LockToken{UserID: userID, Value: uuid.NewString(), AcquiredAt: s.now()}
	e.lock = &tok
	return tok, nil
}

func (s *MemoryStore) Release(_ context.Context, token domain.LockToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.carts[token.UserID]; ok && e.lock != nil && e.lock.Value == token.Value {
		e.lock = nil
	}
	return nil
}

func (s *MemoryStore) ClearAndRelease(_ context.Context, token domain.LockToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.carts[token.UserID]
	if !ok || e.lock == nil || e.lock.Value != token.Value {
		return ErrLockNotHeld
	}
	e.cart.Items = nil
	e.cart.UpdatedAt = s.now()
	e.lock = nil
	return nil
}

func (s *MemoryStore) IsLocked(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.carts[userID]
	return ok && s.locked(e), nil
}
