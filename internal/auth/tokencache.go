// Package auth owns OAuth token lifetime for the Google-backed adapters.
// Tokens are cached per source behind a mutex instead of the usual
// process-global state, so every adapter instance controls its own renewal.
package auth

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// renewalLeeway renews a token this long before its reported expiry so a
// request never leaves with a token about to lapse mid-flight.
const renewalLeeway = 30 * time.Second

// TokenCache is a thread-safe, expiry-aware cache around an
// oauth2.TokenSource. It implements oauth2.TokenSource itself, so it drops
// in wherever a source is expected.
type TokenCache struct {
	src oauth2.TokenSource

	mu  sync.Mutex
	tok *oauth2.Token
	now func() time.Time
}

// NewTokenCache wraps src with caching.
func NewTokenCache(src oauth2.TokenSource) *TokenCache {
	return &TokenCache{src: src, now: time.Now}
}

var _ oauth2.TokenSource = (*TokenCache)(nil)

// Token returns the cached token, renewing it through the underlying
// source when it is absent or inside the renewal leeway.
func (c *TokenCache) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tok != nil && c.fresh(c.tok) {
		return c.tok, nil
	}

	tok, err := c.src.Token()
	if err != nil {
		return nil, fmt.Errorf("renew oauth token: %w", err)
	}
	c.tok = tok
	return tok, nil
}

// Invalidate drops the cached token so the next Token call renews.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.tok = nil
	c.mu.Unlock()
}

func (c *TokenCache) fresh(tok *oauth2.Token) bool {
	if tok.AccessToken == "" {
		return false
	}
	// Tokens without expiry are treated as static credentials.
	if tok.Expiry.IsZero() {
		return true
	}
	return c.now().Before(tok.Expiry.Add(-renewalLeeway))
}
