package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/ishenli/investment-agent/internal/profile"
	"github.com/ishenli/investment-agent/store"
)

// SQLite is the default single-user backend. Writes go through one connection.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a database specified by its database driver name and a
// driver-specific data source name, usually consisting of at least a
// database name and connection information.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	// Ensure a DSN is set before attempting to open the database.
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Notes:
	// - When using the `modernc.org/sqlite` driver, each pragma must be prefixed with `_pragma=`.
	// - WAL keeps readers from blocking the single writer.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	return &DB{db: sqliteDB, profile: profile}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_message (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	topic_id        TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	parent_id       TEXT,
	tool_call_id    TEXT,
	reasoning       TEXT,
	tool_calls      TEXT,
	citations       TEXT,
	related         TEXT,
	thought_chain   TEXT,
	error           TEXT,
	canceled        INTEGER NOT NULL DEFAULT 0,
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

// Migrate creates the chat tables when they do not exist yet.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to migrate sqlite schema")
	}
	return nil
}
