package botframework

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"hookrelay/internal/types"
)

const (
	// DefaultTokenIssuer issues the tokens channels attach to activities.
	DefaultTokenIssuer = "https://api.botframework.com"

	tokenLeeway = 5 * time.Minute
)

// ActivityVerifier decides whether an inbound activity may be processed.
type ActivityVerifier interface {
	Authenticate(ctx context.Context, authorization string, act Activity) error
}

// KeySource resolves token signing keys by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (SigningKey, error)
}

// activityClaims are the channel token claims. encoding/json matches
// field names case-insensitively, so both serviceurl and serviceUrl bind.
type activityClaims struct {
	ServiceURL string `json:"serviceurl"`
	jwt.RegisteredClaims
}

// Authenticator verifies the bearer token a channel attaches to every
// inbound activity. A token is accepted only when it is RS256-signed by a
// key endorsed for the activity's channel, is issued to this bot, and names
// the same service URL the activity asks replies to go to.
type Authenticator struct {
	keys   KeySource
	parser *jwt.Parser
}

// NewAuthenticator creates an Authenticator for the bot appID. An empty
// issuer selects DefaultTokenIssuer.
func NewAuthenticator(keys KeySource, appID, issuer string, clock types.Clock) *Authenticator {
	if issuer == "" {
		issuer = DefaultTokenIssuer
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Authenticator{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(appID),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(tokenLeeway),
			jwt.WithTimeFunc(clock.Now),
		),
	}
}

// Authenticate checks authorization, the raw Authorization header, against
// act. Failures carry ErrCodeUnauthorizedActivity unless the signing keys
// could not be fetched.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string, act Activity) error {
	raw, ok := bearerToken(authorization)
	if !ok {
		return types.NewAppError(types.ErrCodeUnauthorizedActivity, "missing bearer token", nil)
	}
	if act.ServiceURL == "" {
		return types.NewAppErrorWithDetails(types.ErrCodeUnauthorizedActivity, "activity has no service url", nil,
			map[string]any{"field": "serviceUrl"})
	}

	var keyErr error
	claims := &activityClaims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		key, err := a.keys.Key(ctx, kid)
		if err != nil {
			keyErr = err
			return nil, err
		}
		if !key.Endorses(act.ChannelID) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeUnauthorizedActivity,
				"signing key is not endorsed for channel", nil,
				map[string]any{"kid": kid, "channel_id": act.ChannelID})
		}
		return key.Public, nil
	})
	if err != nil {
		if keyErr != nil && !types.IsCode(keyErr, types.ErrCodeUnauthorizedActivity) {
			return keyErr
		}
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return types.NewAppError(types.ErrCodeUnauthorizedActivity, "invalid channel token", err)
	}

	if types.NormalizeServiceURL(claims.ServiceURL) != types.NormalizeServiceURL(act.ServiceURL) {
		return types.NewAppErrorWithDetails(types.ErrCodeUnauthorizedActivity,
			"token service url does not match activity", nil,
			map[string]any{"service_url": act.ServiceURL})
	}
	return nil
}

func bearerToken(authorization string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// AllowUnsigned accepts every activity. It serves local development
// against emulators that cannot obtain channel tokens.
type AllowUnsigned struct{}

// Authenticate always succeeds.
func (AllowUnsigned) Authenticate(context.Context, string, Activity) error { return nil }
