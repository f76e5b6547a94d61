// Package core fans formatted notifications out to every conversation
// registered for a server id.
package core

import (
	"context"
	"time"

	"hookrelay/internal/notifications/botframework"
	"hookrelay/internal/notifications/format"
	"hookrelay/internal/types"
)

// CredentialProvider issues bearer tokens and records which service URLs the
// bot may call.
type CredentialProvider interface {
	Token(ctx context.Context, serviceURL string) (string, error)
	Trust(serviceURL string, until time.Time)
}

// ConversationTransport is the outbound half of the chat platform.
type ConversationTransport interface {
	CreateConversation(ctx context.Context, serviceURL, token string, bot, user botframework.ChannelAccount) (string, error)
	Send(ctx context.Context, serviceURL, token string, act botframework.OutboundActivity) error
}

// Broadcaster delivers one message to every subscriber of a server id.
// Implemented by Dispatcher (inline) and QueueBroadcaster (deferred).
type Broadcaster interface {
	Broadcast(ctx context.Context, serverID string, msg format.Message) (*DeliveryReport, error)
}

// Stage names the step of a delivery that failed.
type Stage string

const (
	StageToken              Stage = "token"
	StageCreateConversation Stage = "create_conversation"
	StageSend               Stage = "send"
)

// MetricResult is the Result dimension of the delivery metric.
type MetricResult string

const (
	MetricSuccess MetricResult = "success"
	MetricFailed  MetricResult = "failed"
	MetricQueued  MetricResult = "queued"
)

// DeliveryMetrics records dispatcher telemetry. Implementations must not
// block the delivery path on a failed write.
type DeliveryMetrics interface {
	RecordDelivery(ctx context.Context, kind types.EventKind, result MetricResult)
	RecordLatency(ctx context.Context, kind types.EventKind, d time.Duration)
	RecordQueueLag(ctx context.Context, lag time.Duration)
}
