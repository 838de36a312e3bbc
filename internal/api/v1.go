package api

import (
	"time"

	"github.com/g960059/termrelay/internal/events"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type CreateSessionRequest struct {
	TerminalID   string   `json:"terminal_id"`
	TerminalType string   `json:"terminal_type"`
	WorkspaceID  string   `json:"workspace_id"`
	MemberID     string   `json:"member_id"`
	Automation   string   `json:"automation"`
	Program      string   `json:"program"`
	Args         []string `json:"args"`
	Dir          string   `json:"dir"`
	Env          []string `json:"env"`
	Rows         int      `json:"rows"`
	Cols         int      `json:"cols"`
}

type PostReadyItem struct {
	Phase     string `json:"phase"`
	StepIndex int    `json:"step_index"`
	Restarts  int    `json:"restarts"`
	SessionID string `json:"session_id,omitempty"`
}

type SessionItem struct {
	TerminalID        string        `json:"terminal_id"`
	TerminalType      string        `json:"terminal_type"`
	WorkspaceID       string        `json:"workspace_id,omitempty"`
	MemberID          string        `json:"member_id,omitempty"`
	Automation        string        `json:"automation"`
	Status            string        `json:"status"`
	StatusLocked      bool          `json:"status_locked"`
	UIActive          bool          `json:"ui_active"`
	FlowPaused        bool          `json:"flow_paused"`
	ShellReady        bool          `json:"shell_ready"`
	ChatPending       bool          `json:"chat_pending"`
	AwaitingReply     bool          `json:"awaiting_reply"`
	LastInput         []string      `json:"last_input,omitempty"`
	OutputSeq         uint64        `json:"output_seq"`
	UnackedBytes      int           `json:"unacked_bytes"`
	PendingInputCount int           `json:"pending_input_count"`
	Rows              int           `json:"rows"`
	Cols              int           `json:"cols"`
	PostReady         PostReadyItem `json:"post_ready"`
	CreatedAt         string        `json:"created_at"`
	LastActivityAt    string        `json:"last_activity_at"`
	LastOutputAt      *string       `json:"last_output_at,omitempty"`
}

type SessionEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Session       SessionItem `json:"session"`
}

type SessionsEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Summary       map[string]int `json:"summary"`
	Sessions      []SessionItem  `json:"sessions"`
}

type WriteRequest struct {
	Data string `json:"data"`
}

type ResizeRequest struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type ActiveRequest struct {
	Active bool `json:"active"`
}

type LockRequest struct {
	Locked bool `json:"locked"`
}

type AckRequest struct {
	Bytes int `json:"bytes"`
}

type DispatchRequest struct {
	Text string `json:"text"`
}

// AttachLine is one NDJSON line of an attach stream: a "screen" line first,
// then "output" lines, then "closed".
type AttachLine struct {
	Type       string   `json:"type"`
	TerminalID string   `json:"terminal_id"`
	Lines      []string `json:"lines,omitempty"`
	Data       string   `json:"data,omitempty"`
}

type ChatMessageItem struct {
	MessageID      string `json:"message_id"`
	WorkspaceID    string `json:"workspace_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	TerminalID     string `json:"terminal_id"`
	MemberID       string `json:"member_id,omitempty"`
	Text           string `json:"text"`
	CreatedAt      string `json:"created_at"`
}

type MessagesEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Messages      []ChatMessageItem `json:"messages"`
}

type EnqueueRequest struct {
	WorkspaceID    string   `json:"workspace_id"`
	MessageID      string   `json:"message_id"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	TerminalID     string   `json:"terminal_id"`
	Text           string   `json:"text"`
	Mentions       []string `json:"mentions"`
}

type OutboxTaskItem struct {
	MessageID     string   `json:"message_id"`
	WorkspaceID   string   `json:"workspace_id"`
	TerminalID    string   `json:"terminal_id"`
	Text          string   `json:"text"`
	Mentions      []string `json:"mentions,omitempty"`
	Status        string   `json:"status"`
	Attempts      int      `json:"attempts"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
	NextAttemptAt string   `json:"next_attempt_at"`
	SendingSince  *string  `json:"sending_since,omitempty"`
	LastError     string   `json:"last_error,omitempty"`
}

type OutboxTaskEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Task          OutboxTaskItem `json:"task"`
}

type EventsEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	StreamID      string         `json:"stream_id"`
	Cursor        string         `json:"cursor"`
	Events        []events.Event `json:"events"`
}
