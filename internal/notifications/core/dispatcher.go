package core

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"hookrelay/internal/notifications/botframework"
	"hookrelay/internal/notifications/format"
	"hookrelay/internal/types"
)

// DispatcherConfig tunes the fan-out.
type DispatcherConfig struct {
	Concurrency     int
	DeliveryTimeout time.Duration
	TrustWindow     time.Duration
	Locale          string
	// ChannelID addresses conversations opened by the dispatcher.
	ChannelID string
}

// ConversationHook runs after a delivery opened a new conversation. sub is
// the subscriber as it was looked up, without a conversation.
type ConversationHook func(ctx context.Context, sub types.Subscriber, conversationID, channelID string) error

// RegistryConversationHook binds newly opened conversations to the
// subscriber row they were opened for, so later broadcasts reuse them.
func RegistryConversationHook(binder types.ConversationBinder) ConversationHook {
	return binder.BindConversation
}

var _ Broadcaster = (*Dispatcher)(nil)

// Dispatcher delivers a formatted message to every subscriber of a server id.
// Per-subscriber failures are reported, never returned.
type Dispatcher struct {
	registry  types.SubscriberRegistry
	creds     CredentialProvider
	transport ConversationTransport
	metrics   DeliveryMetrics
	logger    types.Logger
	clock     types.Clock
	cfg       DispatcherConfig

	// OnConversationCreated is nil unless conversation persistence is
	// enabled. A hook error is logged and does not fail the delivery.
	OnConversationCreated ConversationHook
}

// NewDispatcher creates a Dispatcher. Zero config values fall back to one
// worker, a 15s delivery timeout, the minimum trust window and en-us.
func NewDispatcher(
	registry types.SubscriberRegistry,
	creds CredentialProvider,
	transport ConversationTransport,
	metrics DeliveryMetrics,
	clock types.Clock,
	logger types.Logger,
	cfg DispatcherConfig,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 15 * time.Second
	}
	cfg.TrustWindow = botframework.ClampTrustWindow(cfg.TrustWindow)
	if cfg.Locale == "" {
		cfg.Locale = "en-us"
	}
	if metrics == nil {
		metrics = NoopDeliveryMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Dispatcher{
		registry:  registry,
		creds:     creds,
		transport: transport,
		metrics:   metrics,
		logger:    logger,
		clock:     clock,
		cfg:       cfg,
	}
}

// Broadcast looks up the subscribers of serverID and delivers msg to each of
// them concurrently. The only returned error is a registry failure; an
// unknown server id yields a report with Attempted == 0.
func (d *Dispatcher) Broadcast(ctx context.Context, serverID string, msg format.Message) (*DeliveryReport, error) {
	start := d.clock.Now()
	logger := d.logger.With("server_id", serverID, "kind", string(msg.Kind))

	subs, err := d.registry.Lookup(ctx, serverID)
	if err != nil {
		if !types.IsCode(err, types.ErrCodeRegistryUnavailable) {
			err = types.NewAppError(types.ErrCodeRegistryUnavailable, "subscriber lookup failed", err)
		}
		logger.Error("broadcast aborted", "error", err.Error())
		return nil, err
	}

	report := &DeliveryReport{ServerID: serverID}
	if len(subs) == 0 {
		logger.Info("no subscribers for server id")
		return report, nil
	}

	report.Outcomes = make([]DeliveryOutcome, len(subs))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, sub := range subs {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
			defer cancel()
			report.Outcomes[i] = d.DeliverOne(dctx, sub, msg)
			return nil
		})
	}
	_ = g.Wait()

	report.tally()
	for _, o := range report.Outcomes {
		result := MetricSuccess
		if !o.Delivered {
			result = MetricFailed
		}
		d.metrics.RecordDelivery(ctx, msg.Kind, result)
	}
	d.metrics.RecordLatency(ctx, msg.Kind, d.clock.Now().Sub(start))

	logger.Info("broadcast complete",
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
	)
	return report, nil
}

// DeliverOne sends msg to a single subscriber, opening a conversation first
// when the subscriber has none.
func (d *Dispatcher) DeliverOne(ctx context.Context, sub types.Subscriber, msg format.Message) DeliveryOutcome {
	start := d.clock.Now()
	out := DeliveryOutcome{Subscriber: sub}

	fail := func(stage Stage, err error) DeliveryOutcome {
		out.Stage = stage
		out.Err = types.NewAppErrorWithDetails(types.ErrCodeDeliveryFailed, "delivery failed at "+string(stage), err,
			map[string]any{
				"stage":           string(stage),
				"server_id":       sub.ServerID,
				"conversation_id": sub.ConversationID,
			})
		out.Duration = d.clock.Now().Sub(start)
		d.logger.Warn("delivery failed",
			"server_id", sub.ServerID,
			"conversation_id", sub.ConversationID,
			"stage", string(stage),
			"error", err.Error(),
		)
		return out
	}

	token, err := d.creds.Token(ctx, sub.ServiceURL)
	if err != nil {
		return fail(StageToken, err)
	}
	d.creds.Trust(sub.ServiceURL, d.clock.Now().Add(d.cfg.TrustWindow))

	bot := botframework.ChannelAccount{ID: sub.BotID, Name: sub.BotName}
	user := botframework.ChannelAccount{ID: sub.UserID, Name: sub.UserName}

	conversationID, channelID := sub.ConversationID, sub.ChannelID
	if !sub.HasConversation() {
		conversationID, err = d.transport.CreateConversation(ctx, sub.ServiceURL, token, bot, user)
		if err != nil {
			return fail(StageCreateConversation, err)
		}
		channelID = d.cfg.ChannelID
		out.ConversationCreated = true
	}
	out.ConversationID = conversationID

	err = d.transport.Send(ctx, sub.ServiceURL, token, botframework.OutboundActivity{
		ConversationID: conversationID,
		ChannelID:      channelID,
		From:           bot,
		Recipient:      user,
		Text:           msg.Text(),
		Locale:         d.cfg.Locale,
	})
	if err != nil {
		return fail(StageSend, err)
	}

	out.Delivered = true
	out.Duration = d.clock.Now().Sub(start)

	if out.ConversationCreated && d.OnConversationCreated != nil && channelID != "" {
		if err := d.OnConversationCreated(ctx, sub, conversationID, channelID); err != nil {
			d.logger.Warn("conversation hook failed",
				"server_id", sub.ServerID,
				"conversation_id", conversationID,
				"error", err.Error(),
			)
		}
	}
	return out
}
