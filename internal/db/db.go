package db

import (
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	bolt "go.etcd.io/bbolt"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// OpenBolt opens the embedded single-node store.
func OpenBolt(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY,
            user_low TEXT NOT NULL,
            user_high TEXT NOT NULL,
            subject_title TEXT NOT NULL,
            listing_id TEXT NOT NULL DEFAULT '',
            listing_image_url TEXT NOT NULL DEFAULT '',
            listing_price TEXT NOT NULL DEFAULT '',
            last_message TEXT NOT NULL DEFAULT '',
            last_message_sender_id TEXT NOT NULL DEFAULT '',
            unread_low INT NOT NULL DEFAULT 0 CHECK (unread_low >= 0),
            unread_high INT NOT NULL DEFAULT 0 CHECK (unread_high >= 0),
            sort_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK (user_low < user_high),
            UNIQUE (user_low, user_high, subject_title)
        );`,
		`CREATE INDEX IF NOT EXISTS conversations_user_low_idx ON conversations (user_low, sort_at DESC);`,
		`CREATE INDEX IF NOT EXISTS conversations_user_high_idx ON conversations (user_high, sort_at DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            seq BIGSERIAL NOT NULL,
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            client_token TEXT NOT NULL DEFAULT '',
            sender_id TEXT NOT NULL,
            receiver_id TEXT NOT NULL,
            sender_name TEXT NOT NULL DEFAULT '',
            sender_email TEXT NOT NULL DEFAULT '',
            sender_avatar_url TEXT NOT NULL DEFAULT '',
            kind TEXT NOT NULL,
            body TEXT NOT NULL DEFAULT '',
            media_url TEXT NOT NULL DEFAULT '',
            file_name TEXT NOT NULL DEFAULT '',
            is_delivered BOOLEAN NOT NULL DEFAULT FALSE,
            delivered_at TIMESTAMPTZ,
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            read_at TIMESTAMPTZ,
            hidden_for_sender BOOLEAN NOT NULL DEFAULT FALSE,
            hidden_for_receiver BOOLEAN NOT NULL DEFAULT FALSE,
            deleted_for_everyone BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
            CHECK (sender_id <> receiver_id),
            CHECK (NOT is_read OR is_delivered)
        );`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at, seq);`,
		`CREATE INDEX IF NOT EXISTS messages_pending_idx ON messages (receiver_id) WHERE NOT is_delivered;`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Println("database migrations applied")
	return nil
}
