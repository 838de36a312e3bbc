package session

import (
	"io"
	"time"

	"github.com/g960059/termrelay/internal/emulator"
	"github.com/g960059/termrelay/internal/filter"
	"github.com/g960059/termrelay/internal/model"
)

type PostReadyPhase string

const (
	PostReadyIdle     PostReadyPhase = "idle"
	PostReadyStarting PostReadyPhase = "starting"
	PostReadyDone     PostReadyPhase = "done"
)

type PostReadyState struct {
	Phase     PostReadyPhase
	StepIndex int
	// StepActed is set once the current step's keystrokes were sent.
	StepActed      bool
	StepStartedAt  time.Time
	RestartPending bool
	Restarts       int
	SessionID      string
}

// Session is the registry-owned state of one terminal. A *Session is only
// valid inside a Registry.Update callback; everything else sees Snapshot.
type Session struct {
	TerminalID   string
	TerminalType model.TerminalType
	WorkspaceID  string
	MemberID     string
	Automation   model.AutomationMode
	CreatedAt    time.Time

	Status       model.Status
	StatusLocked bool
	UIActive     bool
	FlowPaused   bool
	ShellReady   bool

	LastActivityAt  time.Time
	LastOutputAt    time.Time
	IdleCandidateAt time.Time
	ChatCandidateAt time.Time

	ChatPending      bool
	ChatPendingSince time.Time
	AwaitingReply    bool
	LastInput        []string
	DeferRetries     int

	PostReady PostReadyState
	OutputSeq uint64

	UnackedBytes int
	Rows         int
	Cols         int

	emulator     emulator.Emulator
	writer       io.Writer
	pendingInput [][]byte
	effects      *Effects
	flow         FlowLimits
}

// FlowLimits are the unacknowledged-byte watermarks for UI backpressure.
type FlowLimits struct {
	High int
	Low  int
}

// Write is a pending write to a session's process, performed after the
// registry lock is released.
type Write struct {
	TerminalID string
	Writer     io.Writer
	Data       []byte
}

// Effects collects side effects produced under the registry lock.
type Effects struct {
	StatusChanges []model.StatusChange
	Writes        []Write
}

// Connecting reports whether input must be queued instead of written:
// the prompt has not appeared yet, or bootstrap automation still owns the
// terminal.
func (s *Session) Connecting() bool {
	return connecting(s.ShellReady, s.Automation, s.PostReady.Phase)
}

func connecting(shellReady bool, mode model.AutomationMode, phase PostReadyPhase) bool {
	if !shellReady {
		return true
	}
	return mode == model.AutomationInvite && phase != PostReadyDone
}

// Lines returns the rendered screen.
func (s *Session) Lines() []string {
	return s.emulator.SnapshotLines()
}

type reseeder interface {
	Reseed(lines []string)
}

// ReseedEmulator replays lines into a fresh grid when the emulator supports
// it, dropping state left behind by cursor-addressed redraws.
func (s *Session) ReseedEmulator(lines []string) {
	if r, ok := s.emulator.(reseeder); ok {
		r.Reseed(lines)
	}
}

// SetStatus records a transition. Entering Online releases queued input.
func (s *Session) SetStatus(to model.Status, now time.Time) {
	if s.Status == to {
		return
	}
	from := s.Status
	s.Status = to
	if to != model.StatusWorking {
		s.IdleCandidateAt = time.Time{}
	}
	s.effects.StatusChanges = append(s.effects.StatusChanges, model.StatusChange{
		TerminalID: s.TerminalID,
		From:       from,
		To:         to,
		At:         now,
	})
	if to == model.StatusOnline {
		s.FlushPendingInput()
	}
}

// FlushPendingInput hands every queued input to the writer.
func (s *Session) FlushPendingInput() {
	for _, data := range s.pendingInput {
		s.queueWrite(data)
	}
	s.pendingInput = nil
}

// ReleaseQueuedInput writes input queued while connecting and marks the
// session Working, since that input is now being processed.
func (s *Session) ReleaseQueuedInput(now time.Time) {
	if len(s.pendingInput) == 0 {
		return
	}
	s.FlushPendingInput()
	s.LastActivityAt = now
	s.IdleCandidateAt = time.Time{}
	if !s.StatusLocked {
		s.SetStatus(model.StatusWorking, now)
	}
}

func (s *Session) PendingInputCount() int {
	return len(s.pendingInput)
}

// QueueSynthetic schedules keystrokes generated by automation. They bypass
// the connecting queue and do not count as user activity.
func (s *Session) QueueSynthetic(data []byte) {
	s.queueWrite(data)
}

func (s *Session) queueWrite(data []byte) {
	if s.writer == nil || len(data) == 0 {
		return
	}
	s.effects.Writes = append(s.effects.Writes, Write{
		TerminalID: s.TerminalID,
		Writer:     s.writer,
		Data:       append([]byte(nil), data...),
	})
}

// RecordInput registers user input. While connecting the bytes are queued;
// otherwise they are written and the session becomes Working.
func (s *Session) RecordInput(data []byte, inputLines []string, now time.Time) {
	if len(inputLines) > 0 {
		s.AwaitingReply = true
		s.LastInput = append([]string(nil), inputLines...)
		s.DeferRetries = 0
	}
	if s.Connecting() {
		s.pendingInput = append(s.pendingInput, append([]byte(nil), data...))
		return
	}
	s.LastActivityAt = now
	s.IdleCandidateAt = time.Time{}
	if !s.StatusLocked {
		s.SetStatus(model.StatusWorking, now)
	}
	s.queueWrite(data)
}

// OutputResult reports which facts an output chunk raised.
type OutputResult struct {
	Seq               uint64
	ShellBecameReady  bool
	ChatBecamePending bool
}

func (s *Session) applyOutput(data []byte, now time.Time) OutputResult {
	s.emulator.ApplyOutput(data)
	s.OutputSeq++
	s.LastOutputAt = now
	s.LastActivityAt = now
	s.IdleCandidateAt = time.Time{}
	s.ChatCandidateAt = time.Time{}

	res := OutputResult{Seq: s.OutputSeq}
	if !s.ShellReady && s.readyLineVisible() {
		s.ShellReady = true
		res.ShellBecameReady = true
		if !s.Connecting() {
			s.ReleaseQueuedInput(now)
		}
	}
	if s.AwaitingReply {
		if !s.StatusLocked {
			s.SetStatus(model.StatusWorking, now)
		}
		if !s.ChatPending {
			s.ChatPending = true
			s.ChatPendingSince = now
			res.ChatBecamePending = true
		}
	}
	if s.UIActive {
		s.UnackedBytes += len(data)
		if s.flow.High > 0 && s.UnackedBytes > s.flow.High {
			s.FlowPaused = true
		}
	}
	return res
}

// readyLineVisible checks the cursor row only. A prompt left above the cursor
// is history, not an input field.
func (s *Session) readyLineVisible() bool {
	return filter.ProfileFor(s.TerminalType).IsReadyLine(s.emulator.CursorLine())
}

func (s *Session) ack(n int) {
	s.UnackedBytes -= n
	if s.UnackedBytes < 0 {
		s.UnackedBytes = 0
	}
	if s.FlowPaused && s.UnackedBytes <= s.flow.Low {
		s.FlowPaused = false
	}
}

func (s *Session) setActive(active bool) {
	s.UIActive = active
	if !active {
		s.UnackedBytes = 0
		s.FlowPaused = false
	}
}

func (s *Session) setLocked(locked bool) {
	s.StatusLocked = locked
	if locked {
		s.IdleCandidateAt = time.Time{}
	}
}

// Snapshot is an immutable value copy of a session.
type Snapshot struct {
	TerminalID   string
	TerminalType model.TerminalType
	WorkspaceID  string
	MemberID     string
	Automation   model.AutomationMode
	CreatedAt    time.Time

	Status       model.Status
	StatusLocked bool
	UIActive     bool
	FlowPaused   bool
	ShellReady   bool

	LastActivityAt  time.Time
	LastOutputAt    time.Time
	IdleCandidateAt time.Time
	ChatCandidateAt time.Time

	ChatPending      bool
	ChatPendingSince time.Time
	AwaitingReply    bool
	LastInput        []string
	DeferRetries     int

	PostReady         PostReadyState
	OutputSeq         uint64
	UnackedBytes      int
	PendingInputCount int
	Rows              int
	Cols              int
}

// Snapshot copies the session. Only valid inside Registry.Update.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		TerminalID:        s.TerminalID,
		TerminalType:      s.TerminalType,
		WorkspaceID:       s.WorkspaceID,
		MemberID:          s.MemberID,
		Automation:        s.Automation,
		CreatedAt:         s.CreatedAt,
		Status:            s.Status,
		StatusLocked:      s.StatusLocked,
		UIActive:          s.UIActive,
		FlowPaused:        s.FlowPaused,
		ShellReady:        s.ShellReady,
		LastActivityAt:    s.LastActivityAt,
		LastOutputAt:      s.LastOutputAt,
		IdleCandidateAt:   s.IdleCandidateAt,
		ChatCandidateAt:   s.ChatCandidateAt,
		ChatPending:       s.ChatPending,
		ChatPendingSince:  s.ChatPendingSince,
		AwaitingReply:     s.AwaitingReply,
		LastInput:         append([]string(nil), s.LastInput...),
		DeferRetries:      s.DeferRetries,
		PostReady:         s.PostReady,
		OutputSeq:         s.OutputSeq,
		UnackedBytes:      s.UnackedBytes,
		PendingInputCount: len(s.pendingInput),
		Rows:              s.Rows,
		Cols:              s.Cols,
	}
}

// Connecting mirrors Session.Connecting on a snapshot.
func (s Snapshot) Connecting() bool {
	return connecting(s.ShellReady, s.Automation, s.PostReady.Phase)
}
