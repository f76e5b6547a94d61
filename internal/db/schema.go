package db

import (
	"context"

	"hookrelay/internal/types"
)

// schemaStatements create the registry schema. Every statement is
// idempotent so EnsureSchema can run on every deploy.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS subscribers (
		server_id       TEXT        NOT NULL,
		conversation_id TEXT        NOT NULL DEFAULT '',
		channel_id      TEXT        NOT NULL DEFAULT '',
		service_url     TEXT        NOT NULL,
		user_id         TEXT        NOT NULL DEFAULT '',
		user_name       TEXT        NOT NULL DEFAULT '',
		bot_id          TEXT        NOT NULL DEFAULT '',
		bot_name        TEXT        NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (server_id, conversation_id),
		CONSTRAINT subscribers_addressing_pair
			CHECK ((conversation_id = '') = (channel_id = ''))
	)`,
	`CREATE INDEX IF NOT EXISTS subscribers_conversation_idx
		ON subscribers (conversation_id)
		WHERE conversation_id <> ''`,
}

// EnsureSchema applies schemaStatements in order.
func EnsureSchema(ctx context.Context, db DBTX) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to apply registry schema", err)
		}
	}
	return nil
}

// SchemaStatements returns a copy of the DDL EnsureSchema applies.
func SchemaStatements() []string {
	return append([]string(nil), schemaStatements...)
}
