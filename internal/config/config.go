// Package config defines the configuration of the hookrelay processes.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"hookrelay/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"hookrelay"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Domain Configurations
	Server        ServerConfig
	Registry      RegistryConfig
	Cache         CacheConfig
	Bot           BotConfig
	Dispatch      DispatchConfig
	TFS           TFSConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo `ignored:"true"`
}

// IsLocal reports whether the process runs on a developer machine.
func (c *Config) IsLocal() bool {
	return c.Environment == localEnv
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Base URL printed in onboarding replies (no trailing slash),
	// e.g. https://hooks.example.com
	PublicURL      string        `envconfig:"SERVER_PUBLIC_URL" validate:"required,url"`
	RequestTimeout time.Duration `envconfig:"SERVER_REQUEST_TIMEOUT" default:"30s"`
	// How long a webhook handler waits for a broadcast report before
	// answering "queued".
	BroadcastGrace time.Duration `envconfig:"SERVER_BROADCAST_GRACE" default:"3s" validate:"min=1ms"`
}

// RegistryConfig selects and tunes the subscriber registry backend.
type RegistryConfig struct {
	Backend string       `envconfig:"REGISTRY_BACKEND" default:"postgres" validate:"oneof=memory postgres"`
	URL     SecretString `envconfig:"DATABASE_URL" validate:"required_if=Backend postgres"`

	// Tuning Parameters
	MaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns        int32         `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// CacheConfig configures the optional Redis registry cache. The cache is
// disabled when URL is empty.
type CacheConfig struct {
	URL SecretString  `envconfig:"REDIS_URL"`
	TTL time.Duration `envconfig:"REGISTRY_CACHE_TTL" default:"5m"`
}

// Enabled reports whether a Redis URL was configured.
func (c CacheConfig) Enabled() bool {
	return !c.URL.IsZero()
}

// BotConfig holds the Bot Framework application credentials and delivery
// settings.
type BotConfig struct {
	AppID       string       `envconfig:"BOT_APP_ID" validate:"required"`
	AppPassword SecretString `envconfig:"BOT_APP_PASSWORD" validate:"required"`
	TokenURL    string       `envconfig:"BOT_TOKEN_URL" default:"https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token" validate:"url"`
	TokenScope  string       `envconfig:"BOT_TOKEN_SCOPE" default:"https://api.botframework.com/.default"`

	// TrustWindow is how long a service URL stays trusted after a successful
	// token fetch.
	TrustWindow time.Duration `envconfig:"BOT_TRUST_WINDOW" default:"24h" validate:"min=24h,max=168h"`
	RenewBefore time.Duration `envconfig:"BOT_TOKEN_RENEW_BEFORE" default:"5m"`
	Locale      string        `envconfig:"BOT_LOCALE" default:"en-us"`
	// ChannelID addresses conversations the dispatcher opens itself.
	ChannelID   string        `envconfig:"BOT_CHANNEL_ID" default:"msteams"`
	UserAgent   string        `envconfig:"BOT_USER_AGENT" default:"hookrelay/1.0"`
	HTTPTimeout time.Duration `envconfig:"BOT_HTTP_TIMEOUT" default:"10s"`

	// OpenIDMetadataURL and TokenIssuer verify the channel tokens attached
	// to inbound activities.
	OpenIDMetadataURL string `envconfig:"BOT_OPENID_METADATA_URL" default:"https://login.botframework.com/v1/.well-known/openidconfiguration" validate:"url"`
	TokenIssuer       string `envconfig:"BOT_TOKEN_ISSUER" default:"https://api.botframework.com"`
	// AuthDisabled accepts unsigned activities. Ignored outside APP_ENV=local.
	AuthDisabled bool `envconfig:"BOT_AUTH_DISABLED" default:"false"`
}

// DispatchConfig controls how broadcasts are executed.
type DispatchConfig struct {
	Mode            string        `envconfig:"DISPATCH_MODE" default:"inline" validate:"oneof=inline sqs nats"`
	Concurrency     int           `envconfig:"DISPATCH_CONCURRENCY" default:"8" validate:"min=1,max=256"`
	DeliveryTimeout time.Duration `envconfig:"DISPATCH_DELIVERY_TIMEOUT" default:"15s"`
	// PersistConversations saves conversation ids opened during delivery
	// back into the registry.
	PersistConversations bool `envconfig:"DISPATCH_PERSIST_CONVERSATIONS" default:"false"`

	QueueURL    string `envconfig:"SQS_NOTIFICATIONS" validate:"required_if=Mode sqs"`
	NATSURL     string `envconfig:"NATS_URL" validate:"required_if=Mode nats"`
	NATSSubject string `envconfig:"NATS_SUBJECT" default:"hookrelay.broadcasts"`
}

// TFSConfig configures work item filtering and changeset enrichment.
type TFSConfig struct {
	// ReportableStates is used when a request carries no "states" header.
	// Empty means every state is reported.
	ReportableStates []string      `envconfig:"TFS_REPORTABLE_STATES"`
	APITimeout       time.Duration `envconfig:"TFS_API_TIMEOUT" default:"10s"`
	// AllowPrivate lets enrichment reach on-premises servers on private
	// networks. Changeset URLs come from inbound payloads.
	AllowPrivate bool `envconfig:"TFS_ALLOW_PRIVATE" default:"false"`
}

// AWSConfig holds AWS regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"HookRelay"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
