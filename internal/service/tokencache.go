package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshMargin is subtracted from expiry so a token is refreshed
// before the upstream actually rejects it.
const refreshMargin = 60 * time.Second

// AccessToken is a live upstream bearer token.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// Refresher exchanges a credential id for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, tokenID int64) (*AccessToken, error)
}

// TokenCache caches access tokens per credential with single-flight
// refresh so concurrent callers trigger at most one upstream exchange.
type TokenCache struct {
	refresher Refresher

	mu    sync.RWMutex
	cache map[int64]*AccessToken
	group singleflight.Group
}

// NewTokenCache creates a TokenCache.
func NewTokenCache(refresher Refresher) *TokenCache {
	return &TokenCache{
		refresher: refresher,
		cache:     make(map[int64]*AccessToken),
	}
}

// Get returns a valid access token for the credential, refreshing at
// most once across concurrent callers.
func (c *TokenCache) Get(ctx context.Context, tokenID int64) (string, error) {
	if tok := c.cached(tokenID); tok != nil {
		return tok.Token, nil
	}

	key := fmt.Sprintf("%d", tokenID)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// another caller may have refreshed while we queued
		if tok := c.cached(tokenID); tok != nil {
			return tok, nil
		}
		tok, err := c.refresher.Refresh(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[tokenID] = tok
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*AccessToken).Token, nil
}

// Invalidate drops a cached token after the upstream rejects it.
func (c *TokenCache) Invalidate(tokenID int64) {
	c.mu.Lock()
	delete(c.cache, tokenID)
	c.mu.Unlock()
}

func (c *TokenCache) cached(tokenID int64) *AccessToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.cache[tokenID]
	if !ok || time.Now().After(tok.ExpiresAt.Add(-refreshMargin)) {
		return nil
	}
	return tok
}
