package rules

import (
	"time"

	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/session"
	"github.com/g960059/termrelay/internal/trigger"
)

// Action is a declarative result of a rule. The dispatcher applies it.
type Action interface {
	terminalID() string
}

type AnchorOp uint8

const (
	AnchorKeep AnchorOp = iota
	AnchorSet
	AnchorClear
)

// Anchor updates a debounce candidate timestamp.
type Anchor struct {
	Op AnchorOp
	At time.Time
}

func setAnchor(at time.Time) Anchor { return Anchor{Op: AnchorSet, At: at} }

var clearAnchor = Anchor{Op: AnchorClear}

func (a Anchor) apply(dst *time.Time) {
	switch a.Op {
	case AnchorSet:
		*dst = a.At
	case AnchorClear:
		*dst = time.Time{}
	}
}

// SessionUpdate changes session fields. Zero values leave fields untouched.
type SessionUpdate struct {
	TerminalID       string
	Status           model.Status
	IdleCandidate    Anchor
	ChatCandidate    Anchor
	ClearChatPending bool
}

func (u SessionUpdate) terminalID() string { return u.TerminalID }

// Apply writes the update into a locked session.
func (u SessionUpdate) Apply(s *session.Session, now time.Time) {
	u.IdleCandidate.apply(&s.IdleCandidateAt)
	u.ChatCandidate.apply(&s.ChatCandidateAt)
	if u.ClearChatPending {
		s.ChatPending = false
		s.ChatPendingSince = time.Time{}
		s.ChatCandidateAt = time.Time{}
	}
	if u.Status != "" {
		s.SetStatus(u.Status, now)
	}
}

// SemanticFlush asks for the session's reply to be extracted.
type SemanticFlush struct {
	TerminalID   string
	Silence      time.Duration
	PendingSince time.Time
	Forced       bool
	OutputSeq    uint64
}

func (f SemanticFlush) terminalID() string { return f.TerminalID }

type PostReadyStart struct{ TerminalID string }

type PostReadyStep struct{ TerminalID string }

type PostReadyRestart struct{ TerminalID string }

func (a PostReadyStart) terminalID() string   { return a.TerminalID }
func (a PostReadyStep) terminalID() string    { return a.TerminalID }
func (a PostReadyRestart) terminalID() string { return a.TerminalID }

// Recheck asks for the rule families in Mask to run again at Due.
type Recheck struct {
	Deferred trigger.Deferred
}

func (r Recheck) terminalID() string { return r.Deferred.TerminalID }

func recheck(id string, mask trigger.RuleMask, stage trigger.Stage, due time.Time) Recheck {
	return Recheck{Deferred: trigger.NewDeferred(id, mask, stage, due)}
}

// TerminalID returns the session an action targets.
func TerminalID(a Action) string {
	return a.terminalID()
}
