// Package terminal ties PTY processes to registry sessions: it feeds output
// into the registry, raises facts on the trigger bus, and routes input,
// resizes and dispatched chat text back to the process.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/termrelay/internal/events"
	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/ptyhost"
	"github.com/g960059/termrelay/internal/session"
	"github.com/g960059/termrelay/internal/trigger"
)

var (
	ErrLaunch        = errors.New("launch failed")
	ErrEmptyDispatch = errors.New("empty dispatch text")
	ErrWrite         = errors.New("write to session failed")
	// ErrConnecting is returned by Deliver while input would only be
	// queued in memory. The outbox retries later.
	ErrConnecting = errors.New("session is still connecting")
)

// Process is a running session program.
type Process interface {
	io.Writer
	Resize(rows, cols int) error
	ReadLoop(fn func(chunk []byte)) error
	Done() <-chan struct{}
	ExitCode() int
	Close(ctx context.Context) error
}

type Launcher interface {
	Launch(spec ptyhost.LaunchSpec) (Process, error)
}

// PTYLauncher starts programs through ptyhost.
type PTYLauncher struct {
	Logger *zap.Logger
}

func (l PTYLauncher) Launch(spec ptyhost.LaunchSpec) (Process, error) {
	p, err := ptyhost.Start(spec, l.Logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Effects is the dispatcher surface the manager needs.
type Effects interface {
	Perform(eff session.Effects) error
	Forget(id string)
}

type FactEmitter interface {
	EmitFact(f trigger.Fact)
}

type Config struct {
	// Programs maps agent tools to the binary launched for them.
	Programs        map[model.TerminalType]string
	DefaultTerminal string
	Rows            int
	Cols            int
	Flow            session.FlowLimits
}

// CreateRequest describes a session to launch.
type CreateRequest struct {
	TerminalID   string
	TerminalType model.TerminalType
	WorkspaceID  string
	MemberID     string
	Automation   model.AutomationMode
	Program      string
	Args         []string
	Dir          string
	Env          []string
	Rows         int
	Cols         int
}

// Attachment is a live view of a session: the screen at attach time plus
// raw output from then on.
type Attachment struct {
	Lines  []string
	Output <-chan []byte
	Detach func()
}

type handle struct {
	proc    Process
	input   lineEditor
	once    sync.Once
	subs    map[int]chan []byte
	nextSub int
}

type Manager struct {
	registry *session.Registry
	launcher Launcher
	effects  Effects
	facts    FactEmitter
	port     events.Port
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
	wg      sync.WaitGroup
}

func NewManager(registry *session.Registry, launcher Launcher, effects Effects, facts FactEmitter, port events.Port, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if port == nil {
		port = events.NewLogPort(logger)
	}
	return &Manager{
		registry: registry,
		launcher: launcher,
		effects:  effects,
		facts:    facts,
		port:     port,
		cfg:      cfg,
		logger:   logger,
		handles:  map[string]*handle{},
	}
}

// Create launches a program and registers its session.
func (m *Manager) Create(req CreateRequest) (session.Snapshot, error) {
	if req.TerminalID == "" {
		req.TerminalID = uuid.NewString()
	}
	if req.Rows <= 0 {
		req.Rows = m.cfg.Rows
	}
	if req.Cols <= 0 {
		req.Cols = m.cfg.Cols
	}
	if req.Automation == "" {
		req.Automation = model.AutomationNone
	}
	if _, ok := m.registry.Get(req.TerminalID); ok {
		return session.Snapshot{}, fmt.Errorf("%w: %s", session.ErrAlreadyExists, req.TerminalID)
	}
	program := req.Program
	if program == "" && req.TerminalType.IsAgent() {
		program = m.cfg.Programs[req.TerminalType]
	}
	proc, err := m.launcher.Launch(ptyhost.LaunchSpec{
		Program:         program,
		Args:            req.Args,
		DefaultTerminal: m.cfg.DefaultTerminal,
		Dir:             req.Dir,
		Env:             req.Env,
		Rows:            req.Rows,
		Cols:            req.Cols,
	})
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	snap, err := m.registry.Create(session.CreateSpec{
		TerminalID:   req.TerminalID,
		TerminalType: req.TerminalType,
		WorkspaceID:  req.WorkspaceID,
		MemberID:     req.MemberID,
		Automation:   req.Automation,
		Rows:         req.Rows,
		Cols:         req.Cols,
		Writer:       proc,
		Flow:         m.cfg.Flow,
	})
	if err != nil {
		_ = proc.Close(context.Background())
		return session.Snapshot{}, err
	}
	h := &handle{proc: proc, subs: map[int]chan []byte{}}
	m.mu.Lock()
	m.handles[snap.TerminalID] = h
	m.mu.Unlock()

	m.wg.Add(1)
	go m.pump(snap.TerminalID, h)
	m.logger.Info("session created",
		zap.String("terminal_id", snap.TerminalID),
		zap.String("terminal_type", string(snap.TerminalType)),
		zap.String("automation", string(snap.Automation)),
	)
	return snap, nil
}

// pump runs the reader of one session until the program exits.
func (m *Manager) pump(id string, h *handle) {
	defer m.wg.Done()
	if err := h.proc.ReadLoop(func(chunk []byte) { m.handleOutput(id, h, chunk) }); err != nil {
		m.logger.Warn("session read failed", zap.String("terminal_id", id), zap.Error(err))
		m.port.SessionError(id, fmt.Errorf("read: %w", err), true)
	}
	<-h.proc.Done()
	m.finish(id, h, h.proc.ExitCode())
}

func (m *Manager) handleOutput(id string, h *handle, chunk []byte) {
	res, eff, err := m.registry.ApplyOutput(id, chunk)
	_ = m.perform(eff)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			m.logger.Error("apply output failed", zap.String("terminal_id", id), zap.Error(err))
			m.port.SessionError(id, err, false)
		}
		return
	}
	m.port.Output(id, res.Seq, chunk)
	m.broadcast(h, chunk)

	now := m.registry.Now()
	m.emit(trigger.Fact{Kind: trigger.FactOutputUpdated, TerminalID: id, At: now})
	if res.ShellBecameReady {
		m.logger.Debug("shell ready", zap.String("terminal_id", id))
		m.emit(trigger.Fact{Kind: trigger.FactShellReady, TerminalID: id, At: now})
	}
	if res.ChatBecamePending {
		m.emit(trigger.Fact{Kind: trigger.FactChatPending, TerminalID: id, At: now})
	}
}

func (m *Manager) emit(f trigger.Fact) {
	if m.facts != nil {
		m.facts.EmitFact(f)
	}
}

func (m *Manager) perform(eff session.Effects) error {
	if m.effects == nil {
		return nil
	}
	if err := m.effects.Perform(eff); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

func (m *Manager) broadcast(h *handle, chunk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- chunk:
		default:
		}
	}
}

func (m *Manager) finish(id string, h *handle, exitCode int) {
	h.once.Do(func() {
		m.mu.Lock()
		if m.handles[id] == h {
			delete(m.handles, id)
		}
		for k, ch := range h.subs {
			close(ch)
			delete(h.subs, k)
		}
		m.mu.Unlock()

		m.registry.Remove(id)
		if m.effects != nil {
			m.effects.Forget(id)
		}
		m.port.SessionClosed(id, exitCode)
		m.logger.Info("session closed", zap.String("terminal_id", id), zap.Int("exit_code", exitCode))
	})
}

func (m *Manager) handle(id string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return h, nil
}

func (m *Manager) Get(id string) (session.Snapshot, error) {
	snap, ok := m.registry.Get(id)
	if !ok {
		return session.Snapshot{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return snap, nil
}

func (m *Manager) List() []session.Snapshot {
	return m.registry.List()
}

// Attach subscribes to raw output. Slow readers lose chunks rather than
// stall the reader.
func (m *Manager) Attach(id string) (Attachment, error) {
	h, err := m.handle(id)
	if err != nil {
		return Attachment{}, err
	}
	lines, ok := m.registry.Lines(id)
	if !ok {
		return Attachment{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	ch := make(chan []byte, 256)
	m.mu.Lock()
	h.nextSub++
	sub := h.nextSub
	h.subs[sub] = ch
	m.mu.Unlock()
	var once sync.Once
	return Attachment{
		Lines:  lines,
		Output: ch,
		Detach: func() {
			once.Do(func() {
				m.mu.Lock()
				if c, ok := h.subs[sub]; ok {
					close(c)
					delete(h.subs, sub)
				}
				m.mu.Unlock()
			})
		},
	}, nil
}

// Write sends user keystrokes. Submitted lines are remembered as the input
// a reply will answer.
func (m *Manager) Write(id string, data []byte) error {
	h, err := m.handle(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	lines := h.input.feed(data)
	m.mu.Unlock()
	eff, err := m.registry.Write(id, data, lines)
	return errors.Join(err, m.perform(eff))
}

// Dispatch types chat text into a session and submits it.
func (m *Manager) Dispatch(id, text string) error {
	text = strings.TrimRight(text, "\r\n")
	if strings.TrimSpace(text) == "" {
		return ErrEmptyDispatch
	}
	if _, err := m.handle(id); err != nil {
		return err
	}
	eff, err := m.registry.Write(id, []byte(text+"\r"), InputLines(text))
	return errors.Join(err, m.perform(eff))
}

// Deliver implements outbox.Deliverer.
func (m *Manager) Deliver(_ context.Context, payload model.DispatchPayload) error {
	if payload.TerminalID == "" {
		return fmt.Errorf("dispatch payload has no terminal id")
	}
	snap, err := m.Get(payload.TerminalID)
	if err != nil {
		return err
	}
	if snap.Connecting() {
		return fmt.Errorf("%w: %s", ErrConnecting, payload.TerminalID)
	}
	return m.Dispatch(payload.TerminalID, payload.Text)
}

func (m *Manager) Resize(id string, rows, cols int) error {
	h, err := m.handle(id)
	if err != nil {
		return err
	}
	if err := h.proc.Resize(rows, cols); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return m.registry.Resize(id, rows, cols)
}

func (m *Manager) SetActive(id string, active bool) error {
	return m.registry.SetActive(id, active)
}

func (m *Manager) Lock(id string, locked bool) error {
	return m.registry.SetLocked(id, locked)
}

// Ack acknowledges bytes the UI consumed. Leaving the paused state with a
// reply pending re-raises the pending fact that was suppressed.
func (m *Manager) Ack(id string, n int) (session.Snapshot, error) {
	before, ok := m.registry.Get(id)
	if !ok {
		return session.Snapshot{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	after, err := m.registry.Ack(id, n)
	if err != nil {
		return session.Snapshot{}, err
	}
	if before.FlowPaused && !after.FlowPaused && after.ChatPending {
		m.emit(trigger.Fact{Kind: trigger.FactChatPending, TerminalID: id, At: m.registry.Now()})
	}
	return after, nil
}

// Close terminates a session's program and removes the session.
func (m *Manager) Close(ctx context.Context, id string) error {
	h, err := m.handle(id)
	if err != nil {
		return err
	}
	if err := h.proc.Close(ctx); err != nil {
		m.logger.Warn("close session program failed", zap.String("terminal_id", id), zap.Error(err))
	}
	m.finish(id, h, h.proc.ExitCode())
	return nil
}

// Shutdown closes every session and waits for their readers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Close(ctx, id)
	}
	m.wg.Wait()
}

// InputLines splits typed text into the non-empty lines it submits.
func InputLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
