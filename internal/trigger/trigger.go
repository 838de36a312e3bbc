package trigger

import (
	"fmt"
	"strings"
	"time"
)

// RuleMask selects which rule families run for a trigger.
type RuleMask uint8

const (
	RuleStatusFallback RuleMask = 1 << iota
	RulePostReady
	RuleSemanticFlush
)

func (m RuleMask) Has(other RuleMask) bool {
	return m&other != 0
}

func (m RuleMask) String() string {
	if m == 0 {
		return "none"
	}
	parts := make([]string, 0, 3)
	if m.Has(RuleStatusFallback) {
		parts = append(parts, "status_fallback")
	}
	if m.Has(RulePostReady) {
		parts = append(parts, "post_ready")
	}
	if m.Has(RuleSemanticFlush) {
		parts = append(parts, "semantic_flush")
	}
	return strings.Join(parts, "|")
}

// Stage distinguishes deferred checks that share a terminal and mask.
type Stage uint8

const (
	StageNone Stage = iota
	StageStatusTick
	StagePostReadyStability
	StagePostReadyTimeout
	StageChatSilence
	StageChatDebounce
	StageChatForce
)

func (s Stage) String() string {
	switch s {
	case StageStatusTick:
		return "status_tick"
	case StagePostReadyStability:
		return "post_ready_stability"
	case StagePostReadyTimeout:
		return "post_ready_timeout"
	case StageChatSilence:
		return "chat_silence"
	case StageChatDebounce:
		return "chat_debounce"
	case StageChatForce:
		return "chat_force"
	default:
		return "none"
	}
}

type FactKind uint8

const (
	FactOutputUpdated FactKind = iota + 1
	FactShellReady
	FactChatPending
)

func (k FactKind) String() string {
	switch k {
	case FactOutputUpdated:
		return "output_updated"
	case FactShellReady:
		return "shell_ready"
	case FactChatPending:
		return "chat_pending"
	default:
		return "unknown"
	}
}

// Fact is something that was observed on a session.
type Fact struct {
	Kind       FactKind
	TerminalID string
	At         time.Time
}

// Key identifies a deferred check. Only the latest due time per key fires.
type Key struct {
	TerminalID string
	Mask       RuleMask
	Stage      Stage
}

// Deferred is a re-check of one session at a later time.
type Deferred struct {
	Key
	Due time.Time
}

// NewDeferred builds a deferred re-check. Status fallback is driven only by
// the guardian tick, so a deferred trigger carrying it is a programming error.
func NewDeferred(terminalID string, mask RuleMask, stage Stage, due time.Time) Deferred {
	if mask.Has(RuleStatusFallback) {
		panic(fmt.Sprintf("trigger: deferred trigger for %s must not carry %s", terminalID, RuleStatusFallback))
	}
	return Deferred{Key: Key{TerminalID: terminalID, Mask: mask, Stage: stage}, Due: due}
}

var statusTickKey = Key{Mask: RuleStatusFallback, Stage: StageStatusTick}

// Timings are the windows the planner schedules re-checks with.
type Timings struct {
	StatusPollInterval time.Duration
	PostReadyStability time.Duration
	ChatSilence        time.Duration
	ChatIdleDebounce   time.Duration
	ChatForceFlush     time.Duration
}

type EventKind uint8

const (
	EventFact EventKind = iota + 1
	EventStatusTick
	EventDeferred
)

// Event is either a Fact or a Guardian event (status tick or deferred).
type Event struct {
	Kind     EventKind
	Fact     Fact
	Deferred Deferred
}

// Plan is what the scheduler runs for one event.
type Plan struct {
	Mask    RuleMask
	Targets []string
	// Schedule holds the deferred re-checks the event arms.
	Schedule []Deferred
	// NextTick is set for the status tick, which re-arms itself.
	NextTick time.Time
}

// PlanTrigger maps an event to the rules it runs and the re-checks it arms.
func PlanTrigger(ev Event, now time.Time, t Timings, working []string) Plan {
	switch ev.Kind {
	case EventStatusTick:
		return Plan{
			Mask:     RuleStatusFallback,
			Targets:  append([]string(nil), working...),
			NextTick: now.Add(t.StatusPollInterval),
		}
	case EventDeferred:
		if ev.Deferred.Mask.Has(RuleStatusFallback) {
			panic("trigger: deferred event carries status fallback")
		}
		return Plan{Mask: ev.Deferred.Mask, Targets: []string{ev.Deferred.TerminalID}}
	case EventFact:
		return planFact(ev.Fact, now, t)
	}
	return Plan{}
}

func planFact(f Fact, now time.Time, t Timings) Plan {
	id := f.TerminalID
	switch f.Kind {
	case FactOutputUpdated:
		return Plan{
			Mask:    RulePostReady | RuleSemanticFlush,
			Targets: []string{id},
			Schedule: []Deferred{
				NewDeferred(id, RulePostReady, StagePostReadyStability, now.Add(t.PostReadyStability)),
				NewDeferred(id, RuleSemanticFlush, StageChatSilence, now.Add(t.ChatSilence)),
				NewDeferred(id, RuleSemanticFlush, StageChatDebounce, now.Add(t.ChatSilence+t.ChatIdleDebounce)),
			},
		}
	case FactShellReady:
		return Plan{Mask: RulePostReady, Targets: []string{id}}
	case FactChatPending:
		since := f.At
		if since.IsZero() {
			since = now
		}
		return Plan{
			Mask:    RuleSemanticFlush,
			Targets: []string{id},
			Schedule: []Deferred{
				NewDeferred(id, RuleSemanticFlush, StageChatSilence, now.Add(t.ChatSilence)),
				NewDeferred(id, RuleSemanticFlush, StageChatDebounce, now.Add(t.ChatSilence+t.ChatIdleDebounce)),
				NewDeferred(id, RuleSemanticFlush, StageChatForce, since.Add(t.ChatForceFlush)),
			},
		}
	}
	return Plan{}
}
