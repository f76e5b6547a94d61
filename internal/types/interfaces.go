package types

import (
	"context"
	"time"
)

// Logger is the structured logging seam used by library packages. Entry
// points adapt *slog.Logger to it.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// SubscriberRegistry stores the conversation endpoints of every server id.
//
// Lookup returns an empty slice, not an error, when a server id has no
// subscribers. Save is an idempotent upsert keyed by
// (ServerID, ConversationID).
type SubscriberRegistry interface {
	Lookup(ctx context.Context, serverID string) ([]Subscriber, error)
	Save(ctx context.Context, sub Subscriber) error
}

// HealthChecker is implemented by backends that can report reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ConversationBinder attaches a newly opened conversation to a subscriber
// that had none. The unaddressed row is rewritten in place so later Lookups
// return one addressed subscriber instead of two.
type ConversationBinder interface {
	BindConversation(ctx context.Context, sub Subscriber, conversationID, channelID string) error
}
