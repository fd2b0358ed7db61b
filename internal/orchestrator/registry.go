package orchestrator

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleTTL is how long a finished orchestrator is kept so its result can
// still be read.
const DefaultIdleTTL = 30 * time.Minute

// Registry holds one orchestrator per user. The cart lock still guards against
// attempts started by other processes.
type Registry struct {
	mu      sync.Mutex
	factory func(userID string) *Orchestrator
	byUser  map[string]*Orchestrator
	idleTTL time.Duration
	closed  bool
}

type RegistryOption func(*Registry)

// WithIdleTTL sets how long an orchestrator without an attempt in flight or a
// subscriber survives its last state change.
func WithIdleTTL(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.idleTTL = d
		}
	}
}

func NewRegistry(factory func(userID string) *Orchestrator, opts ...RegistryOption) *Registry {
	r := &Registry{
		factory: factory,
		byUser:  make(map[string]*Orchestrator),
		idleTTL: DefaultIdleTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the user's orchestrator, creating it on first use.
func (r *Registry) Get(userID string) (*Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if o, ok := r.byUser[userID]; ok {
		return o, nil
	}
	o := r.factory(userID)
	r.byUser[userID] = o
	return o, nil
}

// Lookup returns the user's orchestrator without creating one.
func (r *Registry) Lookup(userID string) (*Orchestrator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byUser[userID]
	return o, ok
}

// Len is the number of orchestrators held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// Sweep drops orchestrators that stayed idle for the TTL as of now and
// returns how many it dropped.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.idleTTL)
	n := 0
	for userID, o := range r.byUser {
		if o.evictable(cutoff) {
			delete(r.byUser, userID)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, o := range r.byUser {
		o.Close()
	}
}
