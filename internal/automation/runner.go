package automation

import (
	"strings"
	"time"

	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/session"
)

type Config struct {
	// Stability is how long the screen must stay unchanged for a step that
	// requires it.
	Stability   time.Duration
	StepTimeout time.Duration
	MaxRestarts int
	// Locale selects the reply language named in the introduction.
	Locale string
}

// Outcome reports what a call did. It is produced under the registry lock;
// callers act on it after the lock is released.
type Outcome struct {
	// SessionID is set when a step extracted the tool's session id.
	SessionID string
	Finished  bool
	// GaveUp is set when the restart ceiling ended automation early.
	GaveUp    bool
	TimedOut  bool
	StepKind  StepKind
	StepIndex int
	// Recheck is when the post-ready rule should look at the screen again.
	Recheck time.Time
	// Deadline is when the current step times out.
	Deadline time.Time
}

// Start begins the plan of the session's tool. Tools without a plan finish
// immediately.
func Start(s *session.Session, cfg Config, now time.Time) Outcome {
	plan, ok := PlanFor(s.TerminalType)
	if !ok || len(plan.Steps) == 0 {
		return finish(s, now, Outcome{})
	}
	s.PostReady.Phase = session.PostReadyStarting
	s.PostReady.StepIndex = 0
	s.PostReady.StepActed = false
	s.PostReady.StepStartedAt = now
	s.PostReady.RestartPending = false
	return advance(s, plan, cfg, now)
}

// Advance continues a running plan as far as the screen allows.
func Advance(s *session.Session, cfg Config, now time.Time) Outcome {
	if s.PostReady.Phase != session.PostReadyStarting {
		return Outcome{}
	}
	plan, ok := PlanFor(s.TerminalType)
	if !ok {
		return finish(s, now, Outcome{})
	}
	return advance(s, plan, cfg, now)
}

// Restart runs the plan again from the first step, or gives up once the
// restart ceiling is exceeded.
func Restart(s *session.Session, cfg Config, now time.Time) Outcome {
	s.PostReady.RestartPending = false
	s.PostReady.Restarts++
	if s.PostReady.Restarts > cfg.MaxRestarts {
		return finish(s, now, Outcome{GaveUp: true})
	}
	return Start(s, cfg, now)
}

func advance(s *session.Session, plan Plan, cfg Config, now time.Time) Outcome {
	var out Outcome
	for s.PostReady.StepIndex < len(plan.Steps) {
		idx := s.PostReady.StepIndex
		step := plan.Steps[idx]
		out.StepKind = step.Kind
		out.StepIndex = idx

		if !s.PostReady.StepActed {
			s.PostReady.StepActed = true
			s.PostReady.StepStartedAt = now
			if data := stepInput(s, step, cfg.Locale); len(data) > 0 {
				s.QueueSynthetic(data)
				// The echo has not arrived yet; never judge stability on the
				// screen from before the keystrokes.
				out.Recheck = now.Add(cfg.Stability)
				out.Deadline = now.Add(cfg.StepTimeout)
				return out
			}
		}

		if now.Sub(s.PostReady.StepStartedAt) >= cfg.StepTimeout {
			s.PostReady.RestartPending = true
			out.TimedOut = true
			out.Recheck = now
			return out
		}
		deadline := s.PostReady.StepStartedAt.Add(cfg.StepTimeout)

		if step.RequireStable {
			settled := s.LastOutputAt
			if stepInput(s, step, cfg.Locale) != nil && s.PostReady.StepStartedAt.After(settled) {
				settled = s.PostReady.StepStartedAt
			}
			if now.Sub(settled) < cfg.Stability {
				out.Recheck = settled.Add(cfg.Stability)
				out.Deadline = deadline
				return out
			}
		}

		switch step.Kind {
		case StepWaitForPattern:
			if !patternVisible(s.Lines(), step.Pattern) {
				out.Deadline = deadline
				return out
			}
		case StepExtractSessionID:
			id, ok := ExtractSessionID(s.Lines(), step.Keyword)
			if !ok {
				out.Deadline = deadline
				return out
			}
			s.PostReady.SessionID = id
			out.SessionID = id
		}

		s.PostReady.StepIndex++
		s.PostReady.StepActed = false
		s.PostReady.StepStartedAt = now
	}
	return finish(s, now, out)
}

func stepInput(s *session.Session, step Step, locale string) []byte {
	switch step.Kind {
	case StepInput:
		return []byte(step.Text)
	case StepIntroduction:
		return []byte(IntroductionText(locale, s.WorkspaceID, s.MemberID) + "\r")
	}
	return nil
}

func patternVisible(lines []string, pattern string) bool {
	pattern = strings.ToLower(pattern)
	for _, line := range lines {
		if strings.Contains(strings.ToLower(line), pattern) {
			return true
		}
	}
	return false
}

// finish ends automation and lets the user in: queued input is released, and
// a session nobody has typed into yet becomes Online.
func finish(s *session.Session, now time.Time, out Outcome) Outcome {
	s.PostReady.Phase = session.PostReadyDone
	s.PostReady.RestartPending = false
	s.PostReady.StepActed = false
	s.ReleaseQueuedInput(now)
	if s.Status == model.StatusIdle {
		s.SetStatus(model.StatusOnline, now)
	}
	out.Finished = true
	return out
}
