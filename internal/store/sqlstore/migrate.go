package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order by AutoMigrate. pair_key carries the canonical
// user pair of a direct conversation; its UNIQUE constraint is what makes
// concurrent first contact converge on one conversation.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		is_group   BOOLEAN NOT NULL DEFAULT FALSE,
		pair_key   TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	)`,

	`CREATE TABLE IF NOT EXISTS participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id         TEXT NOT NULL,
		last_read_at    TIMESTAMPTZ,
		PRIMARY KEY (conversation_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS participants_user_idx ON participants (user_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
		seq             BIGSERIAL NOT NULL,
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id       TEXT,
		client_id       TEXT,
		content         TEXT NOT NULL CHECK (length(btrim(content)) > 0),
		created_at      TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	)`,

	`CREATE INDEX IF NOT EXISTS messages_conversation_order_idx
		ON messages (conversation_id, created_at DESC, seq DESC)`,

	`DROP INDEX IF EXISTS messages_sender_client_idx`,

	`CREATE UNIQUE INDEX IF NOT EXISTS messages_conversation_sender_client_idx
		ON messages (conversation_id, sender_id, client_id) WHERE client_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS profiles (
		user_id      TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url   TEXT NOT NULL DEFAULT ''
	)`,
}

// AutoMigrate creates the messaging tables if they do not exist.
func AutoMigrate(ctx context.Context, db *sql.DB) error {
	for _, query := range schema {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
