package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"hookrelay/internal/types"
)

// SubscriberRepository stores subscribers in the subscribers table,
// partitioned by server id. It implements types.SubscriberRegistry.
//
// Key invariants:
//   - (server_id, conversation_id) is the primary key; Save is an upsert on it.
//   - conversation_id and channel_id are written together (both empty or
//     both set), enforced by Subscriber.Validate and a CHECK constraint.
type SubscriberRepository struct {
	db     DBTX
	logger *slog.Logger
}

var (
	_ types.SubscriberRegistry = (*SubscriberRepository)(nil)
	_ types.ConversationBinder = (*SubscriberRepository)(nil)
)

// NewSubscriberRepository creates a SubscriberRepository backed by the
// given database connection (pool or transaction).
func NewSubscriberRepository(db DBTX, logger *slog.Logger) *SubscriberRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriberRepository{db: db, logger: logger}
}

const subscriberColumns = `server_id, conversation_id, channel_id, service_url,
	user_id, user_name, bot_id, bot_name, created_at, updated_at`

// Lookup returns every subscriber of serverID ordered by creation time. An
// unknown server id yields an empty slice.
func (r *SubscriberRepository) Lookup(ctx context.Context, serverID string) ([]types.Subscriber, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriberColumns+`
		 FROM subscribers
		 WHERE server_id = $1
		 ORDER BY created_at, conversation_id`,
		serverID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeRegistryUnavailable, "failed to query subscribers", err)
	}
	defer rows.Close()

	subs := make([]types.Subscriber, 0)
	for rows.Next() {
		var s types.Subscriber
		if err := rows.Scan(
			&s.ServerID,
			&s.ConversationID,
			&s.ChannelID,
			&s.ServiceURL,
			&s.UserID,
			&s.UserName,
			&s.BotID,
			&s.BotName,
			&s.CreatedAt,
			&s.UpdatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeRegistryUnavailable, "failed to scan subscriber row", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeRegistryUnavailable, "error iterating subscriber rows", err)
	}

	return subs, nil
}

// Save inserts the subscriber or refreshes the addressing fields of an
// existing (server_id, conversation_id) row. created_at is preserved.
func (r *SubscriberRepository) Save(ctx context.Context, sub types.Subscriber) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO subscribers
		 (server_id, conversation_id, channel_id, service_url,
		  user_id, user_name, bot_id, bot_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 ON CONFLICT (server_id, conversation_id) DO UPDATE SET
		   channel_id  = EXCLUDED.channel_id,
		   service_url = EXCLUDED.service_url,
		   user_id     = EXCLUDED.user_id,
		   user_name   = EXCLUDED.user_name,
		   bot_id      = EXCLUDED.bot_id,
		   bot_name    = EXCLUDED.bot_name,
		   updated_at  = NOW()`,
		sub.ServerID,
		sub.ConversationID,
		sub.ChannelID,
		strings.TrimSpace(sub.ServiceURL),
		sub.UserID,
		sub.UserName,
		sub.BotID,
		sub.BotName,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to save subscriber for server %s", sub.ServerID), err)
	}

	r.logger.Info("subscriber saved",
		slog.String("server_id", sub.ServerID),
		slog.String("conversation_id", sub.ConversationID),
	)
	return nil
}

// BindConversation rewrites the unaddressed row of sub under conversationID
// in a single statement. created_at is kept. If conversationID is already
// registered for the server the unaddressed row is removed, and if the row
// was bound concurrently nothing changes.
func (r *SubscriberRepository) BindConversation(ctx context.Context, sub types.Subscriber, conversationID, channelID string) error {
	if err := validateBinding(sub, conversationID, channelID); err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx,
		`WITH moved AS (
		   DELETE FROM subscribers
		   WHERE server_id = $1 AND conversation_id = '' AND user_id = $2 AND bot_id = $3
		   RETURNING service_url, user_id, user_name, bot_id, bot_name, created_at
		 )
		 INSERT INTO subscribers
		 (server_id, conversation_id, channel_id, service_url,
		  user_id, user_name, bot_id, bot_name, created_at, updated_at)
		 SELECT $1, $4, $5, service_url, user_id, user_name, bot_id, bot_name, created_at, NOW()
		 FROM moved
		 ON CONFLICT (server_id, conversation_id) DO NOTHING`,
		sub.ServerID,
		sub.UserID,
		sub.BotID,
		conversationID,
		channelID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to bind conversation for server %s", sub.ServerID), err)
	}

	r.logger.Info("conversation bound",
		slog.String("server_id", sub.ServerID),
		slog.String("conversation_id", conversationID),
		slog.Int64("rows", tag.RowsAffected()),
	)
	return nil
}

func validateBinding(sub types.Subscriber, conversationID, channelID string) error {
	if sub.ServerID == "" {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField, "subscriber server id is required", nil,
			map[string]any{"field": "server_id"})
	}
	if conversationID == "" || channelID == "" {
		return types.NewAppError(types.ErrCodeValidationInvalidParam,
			"conversation id and channel id are required to bind a conversation", nil)
	}
	return nil
}

// ServerForConversation returns the server id a conversation is bound to,
// or "" when it is not registered.
func (r *SubscriberRepository) ServerForConversation(ctx context.Context, conversationID string) (string, error) {
	if conversationID == "" {
		return "", nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT server_id FROM subscribers
		 WHERE conversation_id = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		conversationID,
	)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeRegistryUnavailable, "failed to query conversation binding", err)
	}
	defer rows.Close()

	var serverID string
	if rows.Next() {
		if err := rows.Scan(&serverID); err != nil {
			return "", types.NewAppError(types.ErrCodeRegistryUnavailable, "failed to scan conversation binding", err)
		}
	}
	if err := rows.Err(); err != nil {
		return "", types.NewAppError(types.ErrCodeRegistryUnavailable, "error iterating conversation binding", err)
	}
	return serverID, nil
}

// Ping reports whether the database answers.
func (r *SubscriberRepository) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return types.NewAppError(types.ErrCodeRegistryUnavailable, "database ping failed", err)
	}
	return nil
}

// ListConversations projects Lookup onto the conversation ids that are
// already open. Subscribers without a conversation are omitted.
func ListConversations(ctx context.Context, registry types.SubscriberRegistry, serverID string) ([]string, error) {
	subs, err := registry.Lookup(ctx, serverID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.HasConversation() {
			ids = append(ids, s.ConversationID)
		}
	}
	return ids, nil
}
