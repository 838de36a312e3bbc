// Package dispatch turns rule actions into session mutations and side
// effects. It is the trigger.Handler of the scheduler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/termrelay/internal/automation"
	"github.com/g960059/termrelay/internal/events"
	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/rules"
	"github.com/g960059/termrelay/internal/session"
	"github.com/g960059/termrelay/internal/trigger"
)

// Repository persists what the engine produces.
type Repository interface {
	SaveChatMessage(ctx context.Context, msg model.ChatMessage) (string, error)
	SaveMemberSession(ctx context.Context, ms model.MemberSession) error
}

// Settings are user preferences read on every flush.
type Settings interface {
	Locale() string
	StreamReplies() bool
}

// FactEmitter publishes facts back onto the trigger bus.
type FactEmitter interface {
	EmitFact(f trigger.Fact)
}

// Observer receives flush outcomes, used for metrics.
type Observer interface {
	FlushCompleted(outcome string)
}

type Config struct {
	Rules      rules.Timings
	Automation automation.Config
	// StreamMaxBullets bounds the paragraphs kept in streaming mode.
	StreamMaxBullets int
	// DeferRetries bounds how often an unbounded reply re-arms chat_pending.
	DeferRetries int
	// QueueSize is the per-session flush queue length.
	QueueSize int
}

type Dispatcher struct {
	registry *session.Registry
	port     events.Port
	repo     Repository
	settings Settings
	cfg      Config
	logger   *zap.Logger
	observer Observer

	factsMu sync.RWMutex
	facts   FactEmitter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*semanticWorker
	closed  bool
}

func New(registry *session.Registry, port events.Port, repo Repository, settings Settings, cfg Config, observer Observer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if port == nil {
		port = events.NewLogPort(logger)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry: registry,
		port:     port,
		repo:     repo,
		settings: settings,
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		workers:  map[string]*semanticWorker{},
	}
}

// BindFacts connects the bus used to re-arm deferred replies. The scheduler
// takes the dispatcher as its handler, so this happens after construction.
func (d *Dispatcher) BindFacts(f FactEmitter) {
	d.factsMu.Lock()
	defer d.factsMu.Unlock()
	d.facts = f
}

func (d *Dispatcher) emitFact(f trigger.Fact) {
	d.factsMu.RLock()
	facts := d.facts
	d.factsMu.RUnlock()
	if facts != nil {
		facts.EmitFact(f)
	}
}

// HandleTrigger evaluates the rules for every target and applies the
// resulting actions. One session's failure never affects the others.
func (d *Dispatcher) HandleTrigger(ctx context.Context, mask trigger.RuleMask, targets []string, now time.Time) []trigger.Deferred {
	var out []trigger.Deferred
	for _, id := range targets {
		out = append(out, d.handleOne(ctx, mask, id, now)...)
	}
	return out
}

// pass is what one evaluation produced under the registry lock.
type pass struct {
	snap     session.Snapshot
	actions  []rules.Action
	flushes  []FlushRequest
	outcomes []automation.Outcome
	deferred []trigger.Deferred
}

func (d *Dispatcher) handleOne(ctx context.Context, mask trigger.RuleMask, id string, now time.Time) (deferred []trigger.Deferred) {
	logger := d.logger.With(zap.String("terminal_id", id))
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("dispatch panicked", zap.Any("panic", rec))
			deferred = nil
		}
	}()

	var p pass
	eff, err := d.registry.Update(id, func(s *session.Session) {
		p.snap = s.Snapshot()
		p.actions = rules.Evaluate(mask, p.snap, now, d.cfg.Rules)
		for _, a := range p.actions {
			d.apply(s, a, now, &p)
		}
	})
	_ = d.Perform(eff) // logged and reported as session errors
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			logger.Error("dispatch update failed", zap.Error(err))
		}
		return nil
	}

	for _, out := range p.outcomes {
		p.deferred = append(p.deferred, d.afterAutomation(ctx, p.snap, out, now)...)
	}
	for _, req := range p.flushes {
		d.submit(req)
	}
	return p.deferred
}

// apply runs under the registry lock: no I/O, no emission.
func (d *Dispatcher) apply(s *session.Session, a rules.Action, now time.Time, p *pass) {
	switch a := a.(type) {
	case rules.SessionUpdate:
		a.Apply(s, now)
	case rules.SemanticFlush:
		lines := s.Lines()
		s.ReseedEmulator(lines)
		p.flushes = append(p.flushes, FlushRequest{
			TerminalID:   s.TerminalID,
			TerminalType: s.TerminalType,
			WorkspaceID:  s.WorkspaceID,
			MemberID:     s.MemberID,
			Lines:        lines,
			Input:        append([]string(nil), s.LastInput...),
			Cols:         s.Cols,
			OutputSeq:    a.OutputSeq,
			Forced:       a.Forced,
			Silence:      a.Silence,
			PendingSince: a.PendingSince,
			RequestedAt:  now,
		})
	case rules.PostReadyStart:
		p.outcomes = append(p.outcomes, automation.Start(s, d.automationConfig(), now))
	case rules.PostReadyStep:
		p.outcomes = append(p.outcomes, automation.Advance(s, d.automationConfig(), now))
	case rules.PostReadyRestart:
		p.outcomes = append(p.outcomes, automation.Restart(s, d.automationConfig(), now))
	case rules.Recheck:
		p.deferred = append(p.deferred, a.Deferred)
	default:
		panic(fmt.Sprintf("dispatch: unknown action %T", a))
	}
}

func (d *Dispatcher) automationConfig() automation.Config {
	cfg := d.cfg.Automation
	if d.settings != nil {
		cfg.Locale = d.settings.Locale()
	}
	return cfg
}

func (d *Dispatcher) afterAutomation(ctx context.Context, snap session.Snapshot, out automation.Outcome, now time.Time) []trigger.Deferred {
	id := snap.TerminalID
	logger := d.logger.With(zap.String("terminal_id", id), zap.String("step", out.StepKind.String()), zap.Int("step_index", out.StepIndex))
	if out.SessionID != "" {
		d.saveMemberSession(ctx, snap, out.SessionID, now)
	}
	switch {
	case out.GaveUp:
		logger.Warn("post-ready automation gave up after restarts")
	case out.TimedOut:
		logger.Info("post-ready step timed out; restart pending")
	case out.Finished:
		logger.Debug("post-ready automation finished")
	}

	var deferred []trigger.Deferred
	if !out.Recheck.IsZero() {
		stage := trigger.StagePostReadyStability
		if out.TimedOut {
			stage = trigger.StagePostReadyTimeout
		}
		deferred = append(deferred, trigger.NewDeferred(id, trigger.RulePostReady, stage, out.Recheck))
	}
	if !out.Deadline.IsZero() {
		deferred = append(deferred, trigger.NewDeferred(id, trigger.RulePostReady, trigger.StagePostReadyTimeout, out.Deadline))
	}
	return deferred
}

func (d *Dispatcher) saveMemberSession(ctx context.Context, snap session.Snapshot, sessionID string, now time.Time) {
	logger := d.logger.With(zap.String("terminal_id", snap.TerminalID))
	if snap.MemberID == "" || d.repo == nil {
		logger.Debug("session id extracted without member", zap.String("session_id", sessionID))
		return
	}
	err := d.repo.SaveMemberSession(ctx, model.MemberSession{
		WorkspaceID: snap.WorkspaceID,
		MemberID:    snap.MemberID,
		TerminalID:  snap.TerminalID,
		SessionID:   sessionID,
		UpdatedAt:   now,
	})
	if err != nil {
		logger.Warn("persist member session failed", zap.Error(err))
		return
	}
	logger.Info("member session recorded", zap.String("member_id", snap.MemberID), zap.String("session_id", sessionID))
}

// Perform emits status changes and writes queued keystrokes, returning the
// write failures joined. It must be called after the registry lock is
// released.
func (d *Dispatcher) Perform(eff session.Effects) error {
	for _, change := range eff.StatusChanges {
		d.port.StatusChanged(change)
	}
	var errs []error
	for _, w := range eff.Writes {
		if _, err := w.Writer.Write(w.Data); err != nil {
			err = fmt.Errorf("write %s: %w", w.TerminalID, err)
			d.logger.Warn("session write failed", zap.String("terminal_id", w.TerminalID), zap.Error(err))
			d.port.SessionError(w.TerminalID, err, false)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forget stops the semantic worker of a removed session.
func (d *Dispatcher) Forget(id string) {
	d.mu.Lock()
	w, ok := d.workers[id]
	delete(d.workers, id)
	d.mu.Unlock()
	if ok {
		w.stop()
	}
}

// Close stops every semantic worker and waits for them.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	workers := d.workers
	d.workers = map[string]*semanticWorker{}
	d.mu.Unlock()
	for _, w := range workers {
		w.stop()
	}
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) submit(req FlushRequest) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	w, ok := d.workers[req.TerminalID]
	if !ok {
		w = newSemanticWorker(d, req.TerminalID)
		d.workers[req.TerminalID] = w
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			w.run(d.ctx)
		}()
	}
	d.mu.Unlock()
	if !w.offer(req) {
		d.logger.Debug("flush request dropped", zap.String("terminal_id", req.TerminalID))
	}
}
