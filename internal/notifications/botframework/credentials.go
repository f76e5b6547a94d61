// Package botframework talks to the Bot Framework v3 connector API: it
// acquires and caches bearer tokens, keeps the per-service-URL trust window
// and opens conversations and posts activities.
package botframework

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"hookrelay/internal/external"
	"hookrelay/internal/types"
)

const (
	// MinTrustWindow and MaxTrustWindow bound the trust window.
	MinTrustWindow = 24 * time.Hour
	MaxTrustWindow = 7 * 24 * time.Hour

	defaultRenewBefore = 5 * time.Minute
	exchangeTimeout    = 15 * time.Second
)

// TokenSource performs one token exchange.
type TokenSource interface {
	Exchange(ctx context.Context) (external.AccessToken, error)
}

// Credentials caches bearer tokens and trust windows per normalized service
// URL. It is safe for concurrent use and shared by every broadcast.
type Credentials struct {
	source      TokenSource
	clock       types.Clock
	renewBefore time.Duration
	logger      types.Logger

	mu      sync.RWMutex
	tokens  map[string]external.AccessToken
	trusted map[string]time.Time

	flight singleflight.Group
}

// CredentialsOption configures Credentials.
type CredentialsOption func(*Credentials)

// WithRenewBefore refreshes tokens this long before they expire.
func WithRenewBefore(d time.Duration) CredentialsOption {
	return func(c *Credentials) {
		if d >= 0 {
			c.renewBefore = d
		}
	}
}

// WithClock overrides the clock for testing.
func WithClock(clock types.Clock) CredentialsOption {
	return func(c *Credentials) {
		c.clock = clock
	}
}

// NewCredentials creates an empty credential cache over source.
func NewCredentials(source TokenSource, logger types.Logger, opts ...CredentialsOption) *Credentials {
	c := &Credentials{
		source:      source,
		clock:       types.RealClock{},
		renewBefore: defaultRenewBefore,
		logger:      logger,
		tokens:      make(map[string]external.AccessToken),
		trusted:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a bearer token for serviceURL, exchanging a new one when the
// cached token is missing or inside the renewal margin. Concurrent misses
// for the same URL share one exchange.
func (c *Credentials) Token(ctx context.Context, serviceURL string) (string, error) {
	key := types.NormalizeServiceURL(serviceURL)

	if tok, ok := c.cached(key); ok {
		return tok, nil
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		if tok, ok := c.cached(key); ok {
			return tok, nil
		}

		// The exchange outlives any single caller so a cancelled request
		// does not fail the others waiting on it.
		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeTimeout)
		defer cancel()

		at, err := c.source.Exchange(exCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.tokens[key] = at
		c.mu.Unlock()
		return at.Value, nil
	})

	select {
	case <-ctx.Done():
		return "", types.NewAppErrorWithDetails(types.ErrCodeDeliveryFailed, "token acquisition cancelled", ctx.Err(),
			map[string]any{"service_url": key})
	case res := <-ch:
		if res.Err != nil {
			c.logger.Warn("bot token exchange failed", "service_url", key, "error", res.Err)
			return "", types.NewAppErrorWithDetails(types.ErrCodeDeliveryFailed, "failed to acquire bot token", res.Err,
				map[string]any{"service_url": key})
		}
		return res.Val.(string), nil
	}
}

func (c *Credentials) cached(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	at, ok := c.tokens[key]
	if !ok || at.Value == "" {
		return "", false
	}
	if !c.clock.Now().Before(at.ExpiresAt.Add(-c.renewBefore)) {
		return "", false
	}
	return at.Value, true
}

// Trust marks serviceURL trusted until the given time. An earlier until
// never shortens an existing window.
func (c *Credentials) Trust(serviceURL string, until time.Time) {
	key := types.NormalizeServiceURL(serviceURL)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.trusted[key]; ok && !until.After(cur) {
		return
	}
	c.trusted[key] = until
}

// IsTrusted reports whether serviceURL is inside its trust window.
func (c *Credentials) IsTrusted(serviceURL string) bool {
	key := types.NormalizeServiceURL(serviceURL)

	c.mu.RLock()
	defer c.mu.RUnlock()
	until, ok := c.trusted[key]
	return ok && c.clock.Now().Before(until)
}

// ClampTrustWindow bounds d to [MinTrustWindow, MaxTrustWindow].
func ClampTrustWindow(d time.Duration) time.Duration {
	return min(max(d, MinTrustWindow), MaxTrustWindow)
}
