// Package main is the entrypoint for the notify worker.
//
// The worker drains broadcasts that the API enqueued in sqs or nats dispatch
// mode and delivers them through the inline dispatcher. Under Lambda it
// consumes SQS batches and reports partial failures. Elsewhere it joins a
// NATS queue group on NATS_SUBJECT and runs until SIGINT or SIGTERM.
//
// Only registry outages are retried. A message that cannot be decoded, or
// whose deliveries failed individually, is acknowledged; per-subscriber
// failures are already in the delivery report and its metrics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/nats-io/nats.go"

	"hookrelay/internal/app"
	"hookrelay/internal/config"
	notify "hookrelay/internal/notifications/core"
	"hookrelay/internal/types"
)

// queueGroup spreads NATS messages across worker replicas.
const queueGroup = "hookrelay-notify-worker"

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// Handler holds the dependencies for processing queued broadcasts.
type Handler struct {
	broadcaster notify.Broadcaster
	metrics     notify.DeliveryMetrics
	clock       types.Clock
	logger      types.Logger
}

// Handle processes an SQS batch. Messages that must be retried are returned
// in BatchItemFailures so SQS redelivers only those.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, []byte(record.Body), sentTimestamp(record)); err != nil {
			h.logger.Error("failed to process SQS message",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// HandleNATS processes one NATS message. The subscription is core NATS,
// which delivers at most once, so a failed broadcast is logged and lost.
func (h *Handler) HandleNATS(ctx context.Context, msg *nats.Msg) {
	if err := h.processMessage(ctx, msg.Data, time.Time{}); err != nil {
		h.logger.Error("failed to process NATS message",
			"subject", msg.Subject,
			"error_code", string(types.CodeOf(err)),
			"error", err.Error(),
		)
	}
}

// processMessage decodes and delivers one queued broadcast. sentAt is the
// broker's enqueue time when known; otherwise the envelope's timestamp is
// used for queue lag.
func (h *Handler) processMessage(ctx context.Context, body []byte, sentAt time.Time) error {
	qb, msg, err := notify.DecodeQueuedBroadcast(body)
	if err != nil {
		// Permanent: redelivery cannot fix a malformed body.
		h.logger.Error("dropping undecodable queued broadcast",
			"error_code", string(types.CodeOf(err)),
			"error", err.Error(),
		)
		return nil
	}

	if sentAt.IsZero() {
		sentAt = qb.EnqueuedAt
	}
	if !sentAt.IsZero() {
		h.metrics.RecordQueueLag(ctx, h.clock.Now().Sub(sentAt))
	}

	if qb.RequestID != "" {
		ctx = types.WithRequestID(ctx, qb.RequestID)
	}
	logger := h.logger.With(
		"server_id", qb.ServerID,
		"kind", string(qb.Kind),
		"request_id", qb.RequestID,
	)

	report, err := h.broadcaster.Broadcast(ctx, qb.ServerID, msg)
	if err != nil {
		if types.IsCode(err, types.ErrCodeRegistryUnavailable) {
			return fmt.Errorf("registry unavailable: %w", err)
		}
		logger.Error("queued broadcast failed",
			"error_code", string(types.CodeOf(err)),
			"error", err.Error(),
		)
		return nil
	}

	logger.Info("queued broadcast delivered",
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
	)
	return nil
}

// sentTimestamp reads the SQS SentTimestamp attribute (epoch millis).
func sentTimestamp(record events.SQSMessage) time.Time {
	raw, ok := record.Attributes["SentTimestamp"]
	if !ok {
		return time.Time{}
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}

func isLambdaEnvironment() bool {
	return os.Getenv("AWS_LAMBDA_RUNTIME_API") != ""
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	logger.Info("notify worker initializing",
		"environment", cfg.Environment,
		"dispatch_mode", cfg.Dispatch.Mode,
		"registry_backend", cfg.Registry.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, logger, &slogAdapter{logger: logger})
	if err != nil {
		return fmt.Errorf("wiring dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error("closing dependencies", "error", err)
		}
	}()

	handler := &Handler{
		broadcaster: deps.Dispatcher(),
		metrics:     deps.Delivery,
		clock:       deps.Clock,
		logger:      deps.Log.With("component", "notify_worker"),
	}

	if isLambdaEnvironment() {
		logger.Info("notify worker starting lambda handler", "queue", cfg.Dispatch.QueueURL)
		lambda.StartWithOptions(handler.Handle, lambda.WithContext(ctx))
		return nil
	}

	if cfg.Dispatch.NATSURL == "" {
		return fmt.Errorf("outside Lambda the notify worker needs NATS_URL")
	}
	return runNATS(ctx, deps, handler, cfg.Dispatch.NATSSubject, logger)
}

// runNATS consumes the broadcast subject in a queue group until ctx ends.
func runNATS(ctx context.Context, deps *app.App, h *Handler, subject string, logger *slog.Logger) error {
	nc, err := deps.NATS()
	if err != nil {
		return err
	}

	sub, err := nc.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
		h.HandleNATS(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	logger.Info("notify worker subscribed", "subject", subject, "queue_group", queueGroup)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	if err := sub.Drain(); err != nil {
		logger.Error("draining subscription", "error", err)
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Compile-time assertion that slogAdapter implements types.Logger.
var _ types.Logger = (*slogAdapter)(nil)
