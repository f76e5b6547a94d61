// Package app wires the hookrelay components from configuration. It is
// shared by the API server and the notify worker so both build the registry,
// credentials and dispatcher the same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"hookrelay/internal/cache"
	"hookrelay/internal/config"
	"hookrelay/internal/core"
	"hookrelay/internal/db"
	"hookrelay/internal/external"
	"hookrelay/internal/notifications/botframework"
	notify "hookrelay/internal/notifications/core"
	"hookrelay/internal/onboarding"
	"hookrelay/internal/tfs"
	"hookrelay/internal/types"
)

// Dispatch modes.
const (
	ModeInline = "inline"
	ModeSQS    = "sqs"
	ModeNATS   = "nats"
)

// conversationFinder is the registry query used by onboarding.
type conversationFinder interface {
	ServerForConversation(ctx context.Context, conversationID string) (string, error)
}

// registry pairs a (possibly cached) SubscriberRegistry with the backend
// that answers conversation queries.
type registry struct {
	types.SubscriberRegistry
	conversationFinder
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// App holds the shared components. Build it with New and release it with
// Close.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Log    types.Logger
	Clock  types.Clock

	// Metrics is the Prometheus registry exposed on /metrics.
	Metrics *prometheus.Registry

	Clients     *external.ClientRegistry
	Registry    onboarding.Registry
	binder      types.ConversationBinder
	Credentials *botframework.Credentials
	Connector   *botframework.Connector
	Delivery    notify.DeliveryMetrics

	// KV is nil when the Redis cache is disabled.
	KV *cache.RedisKV

	Probes  []core.HealthProbe
	Closers []io.Closer

	awsOnce sync.Once
	awsCfg  aws.Config
	awsErr  error

	natsOnce sync.Once
	natsConn *nats.Conn
	natsErr  error
}

// New builds the registry, outbound clients, credentials and delivery
// metrics. log is the types.Logger view of logger.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, log types.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Log:     log,
		Clock:   types.RealClock{},
		Metrics: prometheus.NewRegistry(),
	}
	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.buildRegistry(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	clients, err := external.NewClientRegistry(cfg, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Clients = clients

	a.Credentials = botframework.NewCredentials(clients.Token, log.With("component", "credentials"),
		botframework.WithRenewBefore(cfg.Bot.RenewBefore),
		botframework.WithClock(a.Clock),
	)
	a.Connector = botframework.NewConnector(clients.Connector, a.Credentials)

	delivery, err := a.buildDeliveryMetrics(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Delivery = delivery

	return a, nil
}

func (a *App) buildRegistry(ctx context.Context) error {
	cfg := a.Config

	var (
		base   types.SubscriberRegistry
		binder types.ConversationBinder
		finder conversationFinder
	)
	switch cfg.Registry.Backend {
	case "memory":
		mem := db.NewMemorySubscriberRepository(a.Clock)
		base, binder, finder = mem, mem, mem
		a.Logger.Warn("using in-memory subscriber registry; bindings are lost on restart")
	default:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:             cfg.Registry.URL.Unmask(),
			MaxConns:        cfg.Registry.MaxConns,
			MinConns:        cfg.Registry.MinConns,
			MaxConnLifetime: cfg.Registry.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("connecting to registry database: %w", err)
		}
		a.Closers = append(a.Closers, closerFunc(func() error {
			pool.Close()
			return nil
		}))

		repo := db.NewSubscriberRepository(pool, a.Logger)
		base, binder, finder = repo, repo, repo
		a.Probes = append(a.Probes, core.NewPingProbe("database", repo))
	}

	if cfg.Cache.Enabled() {
		client, err := cache.NewRedisClient(cfg.Cache.URL.Unmask())
		if err != nil {
			return fmt.Errorf("creating redis client: %w", err)
		}
		a.Closers = append(a.Closers, client)

		a.KV = cache.NewRedisKV(client)
		cached := cache.NewRegistryCache(base, a.KV, cfg.Cache.TTL, a.Log.With("component", "registry_cache"))
		base, binder = cached, cached
		a.Probes = append(a.Probes, core.NewPingProbe("redis", a.KV))
	}

	a.Registry = registry{SubscriberRegistry: base, conversationFinder: finder}
	a.binder = binder
	return nil
}

func (a *App) buildDeliveryMetrics(ctx context.Context) (notify.DeliveryMetrics, error) {
	switch a.Config.Observability.MetricsBackend {
	case "cloudwatch":
		awsCfg, err := a.AWS(ctx)
		if err != nil {
			return nil, err
		}
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if ep := a.Config.AWS.EndpointURL; ep != "" {
				o.BaseEndpoint = aws.String(ep)
			}
		})
		return notify.NewCloudWatchDeliveryMetrics(client, a.Config.Observability.MetricNamespace,
			a.Log.With("component", "delivery_metrics")), nil
	case "none":
		return notify.NoopDeliveryMetrics{}, nil
	default:
		return notify.NewPrometheusDeliveryMetrics(a.Metrics), nil
	}
}

// AWS loads the SDK configuration once.
func (a *App) AWS(ctx context.Context) (aws.Config, error) {
	a.awsOnce.Do(func() {
		a.awsCfg, a.awsErr = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.Config.AWS.Region))
		if a.awsErr != nil {
			a.awsErr = fmt.Errorf("loading AWS config: %w", a.awsErr)
		}
	})
	return a.awsCfg, a.awsErr
}

// SQS returns an SQS client honoring AWS_ENDPOINT_URL.
func (a *App) SQS(ctx context.Context) (*sqs.Client, error) {
	awsCfg, err := a.AWS(ctx)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if ep := a.Config.AWS.EndpointURL; ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
	}), nil
}

// NATS connects to NATS_URL once. The connection is drained on Close.
func (a *App) NATS() (*nats.Conn, error) {
	a.natsOnce.Do(func() {
		log := a.Log.With("component", "nats")
		nc, err := nats.Connect(a.Config.Dispatch.NATSURL,
			nats.Name(a.Config.Service),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warn("nats disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
			}),
		)
		if err != nil {
			a.natsErr = fmt.Errorf("connecting to nats: %w", err)
			return
		}
		a.natsConn = nc
		a.Closers = append(a.Closers, closerFunc(nc.Drain))
	})
	return a.natsConn, a.natsErr
}

// Dispatcher builds the inline dispatcher. With conversation persistence
// enabled, conversations it opens are saved back into the registry.
func (a *App) Dispatcher() *notify.Dispatcher {
	cfg := a.Config
	d := notify.NewDispatcher(a.Registry, a.Credentials, a.Connector, a.Delivery, a.Clock,
		a.Log.With("component", "dispatcher"),
		notify.DispatcherConfig{
			Concurrency:     cfg.Dispatch.Concurrency,
			DeliveryTimeout: cfg.Dispatch.DeliveryTimeout,
			TrustWindow:     cfg.Bot.TrustWindow,
			Locale:          cfg.Bot.Locale,
			ChannelID:       cfg.Bot.ChannelID,
		})
	if cfg.Dispatch.PersistConversations {
		d.OnConversationCreated = notify.RegistryConversationHook(a.binder)
	}
	return d
}

// Broadcaster returns the broadcaster selected by DISPATCH_MODE.
func (a *App) Broadcaster(ctx context.Context) (notify.Broadcaster, error) {
	log := a.Log.With("component", "queue_broadcaster")
	switch a.Config.Dispatch.Mode {
	case ModeSQS:
		client, err := a.SQS(ctx)
		if err != nil {
			return nil, err
		}
		return notify.NewQueueBroadcaster(notify.NewSQSPublisher(client, a.Config.Dispatch.QueueURL), a.Delivery, a.Clock, log), nil
	case ModeNATS:
		nc, err := a.NATS()
		if err != nil {
			return nil, err
		}
		return notify.NewQueueBroadcaster(notify.NewNATSPublisher(nc, a.Config.Dispatch.NATSSubject), a.Delivery, a.Clock, log), nil
	default:
		return a.Dispatcher(), nil
	}
}

// TFS returns the changeset client used for check-in enrichment.
func (a *App) TFS() *tfs.Client {
	return tfs.NewClient(a.Clients.TFS)
}

// Onboarding builds the setup flow. Sessions live in Redis when the cache
// is enabled so every replica sees the same dialogue state.
func (a *App) Onboarding() *onboarding.Flow {
	var sessions onboarding.SessionStore
	if a.KV != nil {
		sessions = onboarding.NewKVSessionStore(a.KV, onboarding.DefaultSessionTTL, a.Clock)
	} else {
		sessions = onboarding.NewMemorySessionStore(onboarding.DefaultSessionTTL, a.Clock)
	}
	replier := onboarding.NewBotReplier(a.Credentials, a.Connector, a.Config.Bot.TrustWindow, a.Config.Bot.Locale, a.Clock)
	return onboarding.NewFlow(a.Registry, sessions, replier, a.Config.Server.PublicURL, a.Log.With("component", "onboarding"))
}

// Authenticator verifies inbound activities against the channel signing
// keys. Unsigned activities are accepted only when BOT_AUTH_DISABLED is set
// in the local environment.
func (a *App) Authenticator() botframework.ActivityVerifier {
	if a.Config.Bot.AuthDisabled {
		if a.Config.IsLocal() {
			a.Log.Warn("inbound activity authentication disabled")
			return botframework.AllowUnsigned{}
		}
		a.Log.Warn("BOT_AUTH_DISABLED ignored outside the local environment", "environment", a.Config.Environment)
	}
	keys := botframework.NewOpenIDKeys(a.Clients.OpenID, a.Config.Bot.OpenIDMetadataURL, a.Clock, a.Log.With("component", "openid"))
	return botframework.NewAuthenticator(keys, a.Config.Bot.AppID, a.Config.Bot.TokenIssuer, a.Clock)
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.Closers) - 1; i >= 0; i-- {
		if err := a.Closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
