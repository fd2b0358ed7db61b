package backend

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource holds the bearer token for the customer's session.
type TokenSource struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time
}

func NewTokenSource(token string) *TokenSource {
	return &TokenSource{token: token, now: time.Now}
}

func (t *TokenSource) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

func (t *TokenSource) Set(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

// Active reports whether the token could still be accepted by the backend.
// The signature is not checked here, only the expiry, so that an expired
// session is detected without a round trip. Opaque tokens are assumed active.
func (t *TokenSource) Active() bool {
	tok := t.Token()
	if tok == "" {
		return false
	}

	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(tok, &claims)
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return true
	}
	if err != nil || claims.ExpiresAt == nil {
		return true
	}
	return claims.ExpiresAt.Time.After(t.now().Add(5 * time.Second))
}
