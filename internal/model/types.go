package model

import (
	"strings"
	"time"
)

// Status is the externally visible state of a terminal session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusOnline  Status = "online"
)

// TerminalType classifies what runs inside a session.
type TerminalType string

const (
	TerminalShell  TerminalType = "shell"
	TerminalClaude TerminalType = "claude"
	TerminalCodex  TerminalType = "codex"
	TerminalGemini TerminalType = "gemini"
)

func ParseTerminalType(raw string) TerminalType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "claude", "claude-code", "cc":
		return TerminalClaude
	case "codex":
		return TerminalCodex
	case "gemini":
		return TerminalGemini
	default:
		return TerminalShell
	}
}

func (t TerminalType) IsAgent() bool {
	return t != TerminalShell && t != ""
}

// AutomationMode selects whether a post-ready plan runs once the shell is ready.
type AutomationMode string

const (
	AutomationNone   AutomationMode = "none"
	AutomationInvite AutomationMode = "invite"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSending OutboxStatus = "sending"
	OutboxFailed  OutboxStatus = "failed"
	OutboxSent    OutboxStatus = "sent"
	OutboxDead    OutboxStatus = "dead"
)

func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxSent || s == OutboxDead
}

// DispatchPayload is what a chat-originated send carries into a session.
type DispatchPayload struct {
	WorkspaceID    string   `json:"workspace_id"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	TerminalID     string   `json:"terminal_id"`
	Text           string   `json:"text"`
	Mentions       []string `json:"mentions,omitempty"`
}

type ChatOutboxTask struct {
	MessageID     string
	Payload       DispatchPayload
	Status        OutboxStatus
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	NextAttemptAt time.Time
	SendingSince  *time.Time
	LastError     string
}

// StatusChange is emitted after a session status transition is committed.
type StatusChange struct {
	TerminalID string
	From       Status
	To         Status
	At         time.Time
}

// ChatMessage is a finalized assistant reply extracted from terminal output.
type ChatMessage struct {
	MessageID      string
	WorkspaceID    string
	ConversationID string
	TerminalID     string
	MemberID       string
	Text           string
	CreatedAt      time.Time
}

type MemberSession struct {
	WorkspaceID string
	MemberID    string
	TerminalID  string
	SessionID   string
	UpdatedAt   time.Time
}

// Error codes used by the daemon API.
const (
	ErrInvalidRequest  = "E_INVALID_REQUEST"
	ErrSessionNotFound = "E_SESSION_NOT_FOUND"
	ErrSessionClosed   = "E_SESSION_CLOSED"
	ErrLaunchFailed    = "E_LAUNCH_FAILED"
	ErrWriteFailed     = "E_WRITE_FAILED"
	ErrTaskNotFound    = "E_TASK_NOT_FOUND"
	ErrInternal        = "E_INTERNAL"
)
