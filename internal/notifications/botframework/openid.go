package botframework

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"hookrelay/internal/external"
	"hookrelay/internal/types"
)

const (
	// DefaultOpenIDMetadataURL publishes the keys that sign channel tokens.
	DefaultOpenIDMetadataURL = "https://login.botframework.com/v1/.well-known/openidconfiguration"

	keyRefreshInterval = 24 * time.Hour
	// minKeyRefetch throttles refreshes triggered by unknown key ids.
	minKeyRefetch      = 5 * time.Minute
	keyFetchTimeout    = 15 * time.Second
)

// SigningKey is one channel token signing key. Endorsements lists the
// channel ids the key may sign for; empty means any channel.
type SigningKey struct {
	ID           string
	Public       *rsa.PublicKey
	Endorsements []string
}

// Endorses reports whether the key may sign tokens for channelID.
func (k SigningKey) Endorses(channelID string) bool {
	if len(k.Endorsements) == 0 {
		return true
	}
	for _, e := range k.Endorsements {
		if strings.EqualFold(e, channelID) {
			return true
		}
	}
	return false
}

type openIDMetadata struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type jsonWebKey struct {
	Kty          string   `json:"kty"`
	Kid          string   `json:"kid"`
	N            string   `json:"n"`
	E            string   `json:"e"`
	Endorsements []string `json:"endorsements"`
}

// OpenIDKeys fetches and caches the signing keys named by an OpenID
// metadata document. Keys are refreshed daily and on an unknown key id,
// at most once per minKeyRefetch.
type OpenIDKeys struct {
	base        *external.BaseClient
	metadataURL string
	clock       types.Clock
	logger      types.Logger

	mu        sync.RWMutex
	keys      map[string]SigningKey
	fetchedAt time.Time

	flight singleflight.Group
}

// NewOpenIDKeys creates an empty key cache. Nothing is fetched until the
// first Key call.
func NewOpenIDKeys(base *external.BaseClient, metadataURL string, clock types.Clock, logger types.Logger) *OpenIDKeys {
	if metadataURL == "" {
		metadataURL = DefaultOpenIDMetadataURL
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &OpenIDKeys{
		base:        base,
		metadataURL: metadataURL,
		clock:       clock,
		logger:      logger,
		keys:        make(map[string]SigningKey),
	}
}

// Key returns the signing key with the given id.
func (k *OpenIDKeys) Key(ctx context.Context, kid string) (SigningKey, error) {
	if kid == "" {
		return SigningKey{}, types.NewAppError(types.ErrCodeUnauthorizedActivity, "token has no key id", nil)
	}

	key, found, stale := k.lookup(kid)
	if found && !stale {
		return key, nil
	}
	if !found && !stale && !k.canRefetch() {
		return SigningKey{}, unknownKey(kid)
	}

	if err := k.refresh(ctx); err != nil {
		if found {
			k.logger.Warn("signing key refresh failed, serving cached key", "kid", kid, "error", err)
			return key, nil
		}
		return SigningKey{}, err
	}

	if key, found, _ = k.lookup(kid); !found {
		return SigningKey{}, unknownKey(kid)
	}
	return key, nil
}

func (k *OpenIDKeys) lookup(kid string) (key SigningKey, found, stale bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, found = k.keys[kid]
	stale = k.fetchedAt.IsZero() || !k.clock.Now().Before(k.fetchedAt.Add(keyRefreshInterval))
	return key, found, stale
}

func (k *OpenIDKeys) canRefetch() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return !k.clock.Now().Before(k.fetchedAt.Add(minKeyRefetch))
}

func (k *OpenIDKeys) refresh(ctx context.Context) error {
	ch := k.flight.DoChan("keys", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), keyFetchTimeout)
		defer cancel()

		keys, err := k.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}

		k.mu.Lock()
		k.keys = keys
		k.fetchedAt = k.clock.Now()
		k.mu.Unlock()
		k.logger.Info("channel signing keys refreshed", "count", len(keys))
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "signing key refresh cancelled", ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

func (k *OpenIDKeys) fetch(ctx context.Context) (map[string]SigningKey, error) {
	var meta openIDMetadata
	if err := k.getJSON(ctx, k.metadataURL, &meta); err != nil {
		return nil, err
	}
	if meta.JWKSURI == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamRejected, "openid metadata has no jwks_uri", nil)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := k.getJSON(ctx, meta.JWKSURI, &set); err != nil {
		return nil, err
	}

	keys := make(map[string]SigningKey, len(set.Keys))
	for _, jwk := range set.Keys {
		pub, err := jwk.rsaPublicKey()
		if err != nil {
			k.logger.Warn("skipping unusable signing key", "kid", jwk.Kid, "error", err)
			continue
		}
		keys[jwk.Kid] = SigningKey{ID: jwk.Kid, Public: pub, Endorsements: jwk.Endorsements}
	}
	if len(keys) == 0 {
		return nil, types.NewAppError(types.ErrCodeUpstreamRejected, "key set has no usable rsa keys", nil)
	}
	return keys, nil
}

func (k *OpenIDKeys) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidParam, "invalid openid url", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRejected,
			fmt.Sprintf("openid endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil,
			map[string]any{"status": resp.StatusCode, "host": req.URL.Host})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamRejected, "failed to decode openid response", err)
	}
	return nil
}

func (j jsonWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	if j.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", j.Kty)
	}
	if j.Kid == "" {
		return nil, fmt.Errorf("key has no kid")
	}
	n, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("invalid rsa parameters")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

func unknownKey(kid string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeUnauthorizedActivity, "token signed by unknown key", nil,
		map[string]any{"kid": kid})
}
