// Package credstore persists the access/refresh token pair on the client.
//
// Every Store treats the pair as a unit: Save writes both tokens, Clear
// removes both, and Load of an absent record yields empty Tokens without
// an error (absence means logged out, not failure).
package credstore

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/esracengel/PetBNB/internal/model"
)

// Store provides durable storage for the credential pair.
type Store interface {
	// Load returns the persisted pair, or empty Tokens when none is stored.
	Load(ctx context.Context) (model.Tokens, error)
	// Save persists both tokens, replacing any previous pair.
	Save(ctx context.Context, t model.Tokens) error
	// Clear removes both tokens. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

// Storage keys, named after the browser localStorage entries the backend's
// web client uses.
const (
	KeyAccess  = "accessToken"
	KeyRefresh = "refreshToken"
)

// AccessExpiry reads the exp claim of a JWT without verifying its signature.
// The client never trusts it for authorization; it is kept for diagnostics.
func AccessExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func withExpiry(t model.Tokens) model.Tokens {
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = AccessExpiry(t.AccessToken)
	}
	return t
}

// Memory is an in-process Store.
type Memory struct {
	mu sync.Mutex
	t  model.Tokens
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(context.Context) (model.Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t, nil
}

func (m *Memory) Save(_ context.Context, t model.Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = withExpiry(t)
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = model.Tokens{}
	return nil
}

// Cache keeps the pair in memory after the first Load and writes through to
// the wrapped store. Reads after the first are served without I/O.
type Cache struct {
	mu     sync.Mutex
	inner  Store
	t      model.Tokens
	loaded bool
}

// NewCache wraps inner with a write-through memory cache.
func NewCache(inner Store) *Cache { return &Cache{inner: inner} }

func (c *Cache) Load(ctx context.Context) (model.Tokens, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.t, nil
	}
	t, err := c.inner.Load(ctx)
	if err != nil {
		return model.Tokens{}, err
	}
	c.t, c.loaded = withExpiry(t), true
	return c.t, nil
}

func (c *Cache) Save(ctx context.Context, t model.Tokens) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.inner.Save(ctx, t); err != nil {
		return err
	}
	c.t, c.loaded = withExpiry(t), true
	return nil
}

// Clear drops the cached pair before touching the wrapped store, so the
// in-memory view is logged out even if the durable clear fails.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t, c.loaded = model.Tokens{}, true
	return c.inner.Clear(ctx)
}
