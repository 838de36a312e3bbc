package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/g960059/termrelay/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
	ErrInvalid   = errors.New("invalid")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMigrated opens path and brings its schema up to date.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.db); err != nil {
		store.Close() //nolint:errcheck
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) UpsertMemberSession(ctx context.Context, ms model.MemberSession) error {
	if strings.TrimSpace(ms.WorkspaceID) == "" || strings.TrimSpace(ms.MemberID) == "" {
		return fmt.Errorf("%w: member session requires workspace and member", ErrInvalid)
	}
	if strings.TrimSpace(ms.SessionID) == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO member_sessions(workspace_id, member_id, terminal_id, session_id, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(workspace_id, member_id) DO UPDATE SET
	terminal_id = excluded.terminal_id,
	session_id = excluded.session_id,
	updated_at = excluded.updated_at
`, ms.WorkspaceID, ms.MemberID, ms.TerminalID, ms.SessionID, ts(ms.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert member session: %w", err)
	}
	return nil
}

func (s *Store) GetMemberSession(ctx context.Context, workspaceID, memberID string) (model.MemberSession, error) {
	var (
		ms        model.MemberSession
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT workspace_id, member_id, terminal_id, session_id, updated_at
FROM member_sessions
WHERE workspace_id = ? AND member_id = ?
`, workspaceID, memberID).Scan(&ms.WorkspaceID, &ms.MemberID, &ms.TerminalID, &ms.SessionID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MemberSession{}, ErrNotFound
	}
	if err != nil {
		return model.MemberSession{}, fmt.Errorf("get member session: %w", err)
	}
	if ms.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.MemberSession{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return ms, nil
}

// InsertChatMessage stores a finalized reply and returns its id.
func (s *Store) InsertChatMessage(ctx context.Context, msg model.ChatMessage) (string, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_messages(message_id, workspace_id, conversation_id, terminal_id, member_id, text, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, msg.MessageID, msg.WorkspaceID, msg.ConversationID, msg.TerminalID, msg.MemberID, msg.Text, ts(msg.CreatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("insert chat message: %w", err)
	}
	return msg.MessageID, nil
}

// ListChatMessages returns the newest messages of a terminal, newest first.
func (s *Store) ListChatMessages(ctx context.Context, terminalID string, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT message_id, workspace_id, conversation_id, terminal_id, member_id, text, created_at
FROM chat_messages
WHERE terminal_id = ?
ORDER BY created_at DESC, message_id DESC
LIMIT ?
`, terminalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ChatMessage
	for rows.Next() {
		var (
			msg       model.ChatMessage
			createdAt string
		)
		if err := rows.Scan(&msg.MessageID, &msg.WorkspaceID, &msg.ConversationID, &msg.TerminalID, &msg.MemberID, &msg.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		if msg.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return out, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "outbox_tasks", "outbox_schedule", "member_sessions", "chat_messages":
	default:
		return 0, fmt.Errorf("%w: unknown table %q", ErrInvalid, table)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(),
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
