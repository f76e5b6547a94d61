package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hookrelay/internal/types"
)

// ClientCredentialsConfig configures an OAuth2 client-credentials exchange.
type ClientCredentialsConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret types.SecretString
	Scope        string
}

// AccessToken is a bearer token and its absolute expiry.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ClientCredentials fetches application tokens with the client-credentials
// grant. It does not cache; callers own token lifetime.
type ClientCredentials struct {
	base  *BaseClient
	cfg   ClientCredentialsConfig
	clock types.Clock
}

// NewClientCredentials creates a token source over base.
func NewClientCredentials(base *BaseClient, cfg ClientCredentialsConfig, clock types.Clock) *ClientCredentials {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &ClientCredentials{base: base, cfg: cfg, clock: clock}
}

// Exchange performs one token request.
func (c *ClientCredentials) Exchange(ctx context.Context) (AccessToken, error) {
	params := url.Values{}
	params.Set("grant_type", "client_credentials")
	params.Set("client_id", c.cfg.ClientID)
	params.Set("client_secret", c.cfg.ClientSecret.Unmask())
	if c.cfg.Scope != "" {
		params.Set("scope", c.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return AccessToken{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create token request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := c.clock.Now()
	resp, err := c.base.Do(req)
	if err != nil {
		return AccessToken{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AccessToken{}, handleTokenError(resp)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return AccessToken{}, types.NewAppError(
			types.ErrCodeUpstreamRejected,
			"failed to decode token response",
			err,
		)
	}
	if tr.AccessToken == "" {
		return AccessToken{}, types.NewAppError(types.ErrCodeUpstreamRejected, "token endpoint returned empty access token", nil)
	}

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return AccessToken{Value: tr.AccessToken, ExpiresAt: issuedAt.Add(expiresIn)}, nil
}

// handleTokenError maps a non-200 token endpoint response.
func handleTokenError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return types.NewAppErrorWithDetails(
		types.ErrCodeUpstreamRejected,
		fmt.Sprintf("token exchange failed (%d): %s", resp.StatusCode, truncateBody(body)),
		nil,
		map[string]any{"status": resp.StatusCode},
	)
}

// truncateBody returns a string representation of the body, truncated to a reasonable length.
func truncateBody(body []byte) string {
	const maxLen = 200
	s := string(body)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
