package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox_tasks (
	message_id TEXT PRIMARY KEY,
	payload_json TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('pending','sending','failed','sent','dead')),
	attempts INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	next_attempt_at INTEGER NOT NULL,
	sending_since TEXT,
	last_error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS outbox_schedule (
	due_at INTEGER NOT NULL,
	message_id TEXT NOT NULL,
	PRIMARY KEY(due_at, message_id),
	FOREIGN KEY(message_id) REFERENCES outbox_tasks(message_id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS outbox_schedule_message
ON outbox_schedule(message_id);

CREATE INDEX IF NOT EXISTS outbox_tasks_status_updated_at
ON outbox_tasks(status, updated_at);
`,
		DownSQL: `
DROP TABLE IF EXISTS outbox_schedule;
DROP TABLE IF EXISTS outbox_tasks;
DELETE FROM schema_migrations WHERE version = 1;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS member_sessions (
	workspace_id TEXT NOT NULL,
	member_id TEXT NOT NULL,
	terminal_id TEXT NOT NULL,
	session_id TEXT NOT NULL CHECK(length(session_id) BETWEEN 1 AND 128),
	updated_at TEXT NOT NULL,
	PRIMARY KEY(workspace_id, member_id)
);

CREATE TABLE IF NOT EXISTS chat_messages (
	message_id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	terminal_id TEXT NOT NULL,
	member_id TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS chat_messages_terminal_created_at
ON chat_messages(terminal_id, created_at DESC);
`,
		DownSQL: `
DROP TABLE IF EXISTS chat_messages;
DROP TABLE IF EXISTS member_sessions;
DELETE FROM schema_migrations WHERE version = 2;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
