package external

import (
	"fmt"
	"log/slog"
	"net/http"

	"hookrelay/internal/config"
	"hookrelay/internal/security"
)

// maxRedirects applies to every outbound client built by the registry.
const maxRedirects = 3

// ClientRegistry holds the outbound HTTP clients. It is the single place
// that decides timeouts and SSRF policy per upstream.
type ClientRegistry struct {
	// Connector calls Bot Framework service URLs taken from inbound
	// activities and registry rows.
	Connector *BaseClient
	// Token exchanges the bot's app credentials for bearer tokens.
	Token *ClientCredentials
	// TFS follows changeset links from check-in payloads.
	TFS *BaseClient
	// OpenID fetches the keys that sign inbound channel tokens.
	OpenID *BaseClient
}

// NewClientRegistry builds the outbound clients from configuration.
//
// Service URLs and changeset URLs arrive in request payloads, so their
// clients refuse private and loopback targets outside the local environment.
// The token and OpenID endpoints are fixed by configuration and use plain
// clients.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) (*ClientRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	connectorHTTP, err := security.NewSafeHTTPClient(security.ClientOptions{
		Timeout:      cfg.Bot.HTTPTimeout,
		MaxRedirects: maxRedirects,
		AllowPrivate: cfg.IsLocal(),
	})
	if err != nil {
		return nil, fmt.Errorf("building connector http client: %w", err)
	}

	tfsHTTP, err := security.NewSafeHTTPClient(security.ClientOptions{
		Timeout:      cfg.TFS.APITimeout,
		MaxRedirects: maxRedirects,
		AllowPrivate: cfg.IsLocal() || cfg.TFS.AllowPrivate,
	})
	if err != nil {
		return nil, fmt.Errorf("building tfs http client: %w", err)
	}

	tokenBase := NewBaseClient(&http.Client{Timeout: cfg.Bot.HTTPTimeout}, "bot-token", DefaultRetryPolicy(), cfg.Bot.UserAgent)

	logger.Info("external clients initialized",
		"environment", cfg.Environment,
		"token_url", cfg.Bot.TokenURL,
		"tfs_allow_private", cfg.IsLocal() || cfg.TFS.AllowPrivate,
	)

	return &ClientRegistry{
		Connector: NewBaseClient(connectorHTTP, "bot-connector", DefaultRetryPolicy(), cfg.Bot.UserAgent),
		Token: NewClientCredentials(tokenBase, ClientCredentialsConfig{
			TokenURL:     cfg.Bot.TokenURL,
			ClientID:     cfg.Bot.AppID,
			ClientSecret: cfg.Bot.AppPassword,
			Scope:        cfg.Bot.TokenScope,
		}, nil),
		TFS:    NewBaseClient(tfsHTTP, "tfs", DefaultRetryPolicy(), cfg.Bot.UserAgent),
		OpenID: NewBaseClient(&http.Client{Timeout: cfg.Bot.HTTPTimeout}, "bot-openid", DefaultRetryPolicy(), cfg.Bot.UserAgent),
	}, nil
}
