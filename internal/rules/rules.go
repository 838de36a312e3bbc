package rules

import (
	"time"

	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/session"
	"github.com/g960059/termrelay/internal/trigger"
)

type Timings struct {
	StatusSilence  time.Duration
	StatusDebounce time.Duration
	ChatSilence    time.Duration
	ChatDebounce   time.Duration
	ChatForce      time.Duration
}

// Evaluate runs every rule family selected by mask against one snapshot.
func Evaluate(mask trigger.RuleMask, snap session.Snapshot, now time.Time, t Timings) []Action {
	var out []Action
	if mask.Has(trigger.RuleStatusFallback) {
		out = append(out, StatusFallback(snap, now, t)...)
	}
	if mask.Has(trigger.RulePostReady) {
		out = append(out, PostReady(snap)...)
	}
	if mask.Has(trigger.RuleSemanticFlush) {
		out = append(out, SemanticFlushRule(snap, now, t)...)
	}
	return out
}

// StatusFallback demotes a silent Working session to Online in two stages:
// silence records a candidate, and the candidate must itself persist for the
// debounce interval before the demotion happens.
func StatusFallback(snap session.Snapshot, now time.Time, t Timings) []Action {
	id := snap.TerminalID
	hasCandidate := !snap.IdleCandidateAt.IsZero()
	reset := func() []Action {
		if !hasCandidate {
			return nil
		}
		return []Action{SessionUpdate{TerminalID: id, IdleCandidate: clearAnchor}}
	}

	if snap.Status != model.StatusWorking {
		return reset()
	}
	if snap.StatusLocked || snap.LastActivityAt.IsZero() {
		return reset()
	}
	if now.Sub(lastSignal(snap)) < t.StatusSilence {
		return reset()
	}
	if !hasCandidate {
		return []Action{SessionUpdate{TerminalID: id, IdleCandidate: setAnchor(now)}}
	}
	if now.Sub(snap.IdleCandidateAt) < t.StatusDebounce {
		return nil
	}
	return []Action{SessionUpdate{TerminalID: id, Status: model.StatusOnline, IdleCandidate: clearAnchor}}
}

func lastSignal(snap session.Snapshot) time.Time {
	if snap.LastOutputAt.After(snap.LastActivityAt) {
		return snap.LastOutputAt
	}
	return snap.LastActivityAt
}

// SemanticFlushRule decides when pending chat output is settled. The force
// ceiling wins over silence; flow-paused sessions never flush.
func SemanticFlushRule(snap session.Snapshot, now time.Time, t Timings) []Action {
	id := snap.TerminalID
	hasCandidate := !snap.ChatCandidateAt.IsZero()
	if !snap.ChatPending || snap.FlowPaused {
		if hasCandidate {
			return []Action{SessionUpdate{TerminalID: id, ChatCandidate: clearAnchor}}
		}
		return nil
	}

	silence := now.Sub(snap.LastOutputAt)
	if snap.LastOutputAt.IsZero() {
		silence = now.Sub(snap.ChatPendingSince)
	}
	flush := func(forced bool) []Action {
		return []Action{
			SessionUpdate{TerminalID: id, ClearChatPending: true, ChatCandidate: clearAnchor},
			SemanticFlush{
				TerminalID:   id,
				Silence:      silence,
				PendingSince: snap.ChatPendingSince,
				Forced:       forced,
				OutputSeq:    snap.OutputSeq,
			},
		}
	}

	if t.ChatForce > 0 && !snap.ChatPendingSince.IsZero() && now.Sub(snap.ChatPendingSince) >= t.ChatForce {
		return flush(true)
	}
	if silence < t.ChatSilence {
		if hasCandidate {
			return []Action{SessionUpdate{TerminalID: id, ChatCandidate: clearAnchor}}
		}
		return nil
	}
	if !hasCandidate {
		return []Action{
			SessionUpdate{TerminalID: id, ChatCandidate: setAnchor(now)},
			recheck(id, trigger.RuleSemanticFlush, trigger.StageChatDebounce, now.Add(t.ChatDebounce)),
		}
	}
	if now.Sub(snap.ChatCandidateAt) < t.ChatDebounce {
		return []Action{recheck(id, trigger.RuleSemanticFlush, trigger.StageChatDebounce, snap.ChatCandidateAt.Add(t.ChatDebounce))}
	}
	return flush(false)
}

// PostReady drives the bootstrap automation. A pending restart excludes
// everything else.
func PostReady(snap session.Snapshot) []Action {
	id := snap.TerminalID
	if snap.PostReady.RestartPending {
		return []Action{PostReadyRestart{TerminalID: id}}
	}
	switch snap.PostReady.Phase {
	case session.PostReadyStarting:
		return []Action{PostReadyStep{TerminalID: id}}
	case session.PostReadyIdle:
		if snap.ShellReady && snap.Automation == model.AutomationInvite {
			return []Action{PostReadyStart{TerminalID: id}}
		}
	}
	return nil
}
