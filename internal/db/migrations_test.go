package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	mustExist := []string{"outbox_tasks", "outbox_schedule", "member_sessions", "chat_messages"}
	for _, table := range mustExist {
		var name string
		if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("expected table %s to exist: %v", table, err)
		}
	}

	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}

	for _, table := range mustExist {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
			t.Fatalf("count table %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("table %s still exists after rollback", table)
		}
	}
}

func TestOutboxConstraints(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `INSERT INTO outbox_tasks(message_id, payload_json, status, attempts, created_at, updated_at, next_attempt_at) VALUES('m1','{}','pending',0,?,?,?)`, ts(now), ts(now), ms(now))
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO outbox_tasks(message_id, payload_json, status, attempts, created_at, updated_at, next_attempt_at) VALUES('m2','{}','bogus',0,?,?,?)`, ts(now), ts(now), ms(now))
	if err == nil {
		t.Fatalf("expected status check constraint failure")
	}
	_, err = db.ExecContext(ctx, `INSERT INTO outbox_schedule(due_at, message_id) VALUES(?, 'missing')`, ms(now))
	if err == nil {
		t.Fatalf("expected FK violation for schedule row without task")
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO outbox_schedule(due_at, message_id) VALUES(?, 'm1')`, ms(now)); err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO outbox_schedule(due_at, message_id) VALUES(?, 'm1')`, ms(now.Add(time.Second)))
	if err == nil {
		t.Fatalf("expected unique violation on second schedule row for one task")
	}
}

func TestQueriesUseIndexes(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	cases := []struct {
		name  string
		query string
		index string
	}{
		{
			name:  "schedule row by task",
			query: `SELECT due_at FROM outbox_schedule WHERE message_id = 'm1'`,
			index: "outbox_schedule_message",
		},
		{
			name:  "stale sending tasks",
			query: `SELECT message_id FROM outbox_tasks WHERE status = 'sending' AND updated_at < '2026-01-01'`,
			index: "outbox_tasks_status_updated_at",
		},
		{
			name:  "latest chat messages per terminal",
			query: `SELECT * FROM chat_messages WHERE terminal_id = 't1' ORDER BY created_at DESC LIMIT 10`,
			index: "chat_messages_terminal_created_at",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			details := queryPlan(t, ctx, db, tc.query)
			if !strings.Contains(details, tc.index) {
				t.Fatalf("expected plan to use %s, got %q", tc.index, details)
			}
		})
	}
}

func queryPlan(t *testing.T, ctx context.Context, db *sql.DB, query string) string {
	t.Helper()
	rows, err := db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query)
	if err != nil {
		t.Fatalf("explain %q: %v", query, err)
	}
	defer rows.Close() //nolint:errcheck
	var b strings.Builder
	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			t.Fatalf("scan plan row: %v", err)
		}
		b.WriteString(detail)
		b.WriteString("; ")
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("plan rows: %v", err)
	}
	return b.String()
}
