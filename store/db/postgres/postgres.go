package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/ishenli/investment-agent/internal/profile"
	"github.com/ishenli/investment-agent/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &DB{db: db, profile: profile}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_message (
	seq             BIGSERIAL PRIMARY KEY,
	id              TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	topic_id        TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	parent_id       TEXT,
	tool_call_id    TEXT,
	reasoning       JSONB,
	tool_calls      JSONB,
	citations       JSONB,
	related         JSONB,
	thought_chain   JSONB,
	error           JSONB,
	canceled        BOOLEAN NOT NULL DEFAULT FALSE,
	created_ts      BIGINT NOT NULL,
	updated_ts      BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_message_scope ON chat_message (conversation_id, topic_id, seq);
CREATE TABLE IF NOT EXISTS chat_topic (
	conversation_id TEXT NOT NULL,
	topic_id        TEXT NOT NULL DEFAULT '',
	summary         TEXT NOT NULL DEFAULT '',
	summary_ts      BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (conversation_id, topic_id)
);
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

func placeholder(n int) string {
	return "$" + fmt.Sprint(n)
}

func placeholders(n int) string {
	list := make([]string, n)
	for i := 0; i < n; i++ {
		list[i] = placeholder(i + 1)
	}
	return strings.Join(list, ", ")
}
