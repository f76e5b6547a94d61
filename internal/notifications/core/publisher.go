package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/nats-io/nats.go"

	"hookrelay/internal/notifications/format"
	"hookrelay/internal/types"
)

// QueuePublisher hands a serialized broadcast to a queue.
type QueuePublisher interface {
	Publish(ctx context.Context, body []byte) error
}

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends broadcasts to the notifications queue.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
}

func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, body []byte) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs publisher: failed to send message to %s: %w", p.queueURL, err)
	}
	return nil
}

// NATSConn is the subset of *nats.Conn the publisher uses.
type NATSConn interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSPublisher publishes broadcasts on a subject consumed by a queue group.
type NATSPublisher struct {
	conn    NATSConn
	subject string
}

func NewNATSPublisher(conn NATSConn, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

func (p *NATSPublisher) Publish(ctx context.Context, body []byte) error {
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if id := types.GetRequestID(ctx); id != "" {
		msg.Header.Set("X-Request-Id", id)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publisher: failed to publish on %s: %w", p.subject, err)
	}
	return nil
}

var _ Broadcaster = (*QueueBroadcaster)(nil)

// QueueBroadcaster defers delivery to cmd/notify-worker. The report it
// returns only says the message was queued.
type QueueBroadcaster struct {
	publisher QueuePublisher
	metrics   DeliveryMetrics
	clock     types.Clock
	logger    types.Logger
}

func NewQueueBroadcaster(publisher QueuePublisher, metrics DeliveryMetrics, clock types.Clock, logger types.Logger) *QueueBroadcaster {
	if metrics == nil {
		metrics = NoopDeliveryMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &QueueBroadcaster{publisher: publisher, metrics: metrics, clock: clock, logger: logger}
}

// Broadcast enqueues msg. A publish failure means no subscriber was
// attempted and is returned as UpstreamUnavailable.
func (b *QueueBroadcaster) Broadcast(ctx context.Context, serverID string, msg format.Message) (*DeliveryReport, error) {
	envelope := types.QueuedBroadcast{
		ServerID:   serverID,
		Kind:       msg.Kind,
		Lines:      msg.Lines,
		RequestID:  types.GetRequestID(ctx),
		EnqueuedAt: b.clock.Now(),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode queued broadcast", err)
	}
	if err := b.publisher.Publish(ctx, body); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to enqueue broadcast", err)
	}

	b.metrics.RecordDelivery(ctx, msg.Kind, MetricQueued)
	b.logger.Info("broadcast queued",
		"server_id", serverID,
		"kind", string(msg.Kind),
		"request_id", envelope.RequestID,
	)
	return &DeliveryReport{ServerID: serverID, Queued: true}, nil
}

// DecodeQueuedBroadcast parses a queue body back into the envelope and the
// message it carries.
func DecodeQueuedBroadcast(body []byte) (types.QueuedBroadcast, format.Message, error) {
	var qb types.QueuedBroadcast
	if err := json.Unmarshal(body, &qb); err != nil {
		return qb, format.Message{}, types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid queued broadcast", err)
	}
	if qb.ServerID == "" {
		return qb, format.Message{}, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"queued broadcast has no server id", nil, map[string]any{"field": "server_id"})
	}
	return qb, format.FromLines(qb.Kind, qb.Lines), nil
}
