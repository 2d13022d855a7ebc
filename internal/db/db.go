package db

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the store and applies migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// NotifyChannel is the LISTEN channel carrying a conversation's changes.
// Postgres identifiers cannot hold dashes, so they are stripped.
func NotifyChannel(conversationID string) string {
	out := make([]byte, 0, len(conversationID)+5)
	out = append(out, "chat_"...)
	for i := 0; i < len(conversationID); i++ {
		if c := conversationID[i]; c != '-' {
			out = append(out, c)
		}
	}
	return string(out)
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
            kind TEXT NOT NULL DEFAULT 'user' CHECK (kind IN ('user', 'group')),
            name TEXT NOT NULL DEFAULT '',
            avatar_url TEXT,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (conversation_id, user_id)
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
            chat_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            content TEXT,
            file_url TEXT,
            client_ref TEXT UNIQUE,
            is_edited BOOLEAN NOT NULL DEFAULT FALSE,
            deleted BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS messages_chat_order_idx ON messages (chat_id, created_at, id);`,
		`CREATE TABLE IF NOT EXISTS message_read_status (
            message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (message_id, user_id)
        );`,
		`CREATE OR REPLACE FUNCTION notify_message_change() RETURNS trigger AS $$
        DECLARE
            kind TEXT;
            payload JSON;
        BEGIN
            IF TG_OP = 'INSERT' THEN
                kind := 'message';
            ELSIF NEW.deleted AND NOT OLD.deleted THEN
                kind := 'delete_for_all';
            ELSE
                kind := 'message_update';
            END IF;

            IF kind = 'delete_for_all' THEN
                payload := json_build_object('type', kind, 'message_id', NEW.id);
            ELSE
                payload := json_build_object('type', kind, 'message', json_build_object(
                    'id', NEW.id,
                    'conversation_id', NEW.chat_id,
                    'sender_id', NEW.sender_id,
                    'body', NEW.content,
                    'attachment_url', NEW.file_url,
                    'created_at', NEW.created_at,
                    'updated_at', NEW.updated_at,
                    'edited', NEW.is_edited,
                    'deleted', NEW.deleted,
                    'client_ref', NEW.client_ref));
            END IF;

            PERFORM pg_notify('chat_' || replace(NEW.chat_id, '-', ''), payload::text);
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
		`DROP TRIGGER IF EXISTS messages_notify ON messages;`,
		`CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE ON messages
            FOR EACH ROW EXECUTE FUNCTION notify_message_change();`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Println("database migrations applied")
	return nil
}
