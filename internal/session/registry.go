package session

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/termrelay/internal/emulator"
	"github.com/g960059/termrelay/internal/model"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
	ErrPanicked      = errors.New("session update panicked")
	ErrClosed        = errors.New("session closed")
)

// CreateSpec describes a new session.
type CreateSpec struct {
	TerminalID   string
	TerminalType model.TerminalType
	WorkspaceID  string
	MemberID     string
	Automation   model.AutomationMode
	Rows         int
	Cols         int
	Emulator     emulator.Emulator
	Writer       io.Writer
	Flow         FlowLimits
	// ShellReady skips readiness detection, used when no prompt is expected.
	ShellReady bool
}

// Registry owns every live session behind a single lock. All mutation goes
// through Update so that status transitions and queued writes are collected
// and handed back to the caller for emission after the lock is released.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	working  *WorkingSet
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: map[string]*Session{},
		working:  NewWorkingSet(),
		now:      time.Now,
	}
}

// SetClock overrides the registry clock.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) Create(spec CreateSpec) (Snapshot, error) {
	if spec.TerminalID == "" {
		spec.TerminalID = uuid.NewString()
	}
	if spec.Emulator == nil {
		spec.Emulator = emulator.New(spec.Rows, spec.Cols)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[spec.TerminalID]; ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrAlreadyExists, spec.TerminalID)
	}
	now := r.now()
	s := &Session{
		TerminalID:     spec.TerminalID,
		TerminalType:   spec.TerminalType,
		WorkspaceID:    spec.WorkspaceID,
		MemberID:       spec.MemberID,
		Automation:     spec.Automation,
		CreatedAt:      now,
		Status:         model.StatusIdle,
		ShellReady:     spec.ShellReady,
		LastActivityAt: now,
		PostReady:      PostReadyState{Phase: PostReadyIdle},
		Rows:           spec.Rows,
		Cols:           spec.Cols,
		emulator:       spec.Emulator,
		writer:         spec.Writer,
		flow:           spec.Flow,
	}
	r.sessions[s.TerminalID] = s
	return s.Snapshot(), nil
}

func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TerminalID < out[j].TerminalID
	})
	return out
}

// Lines returns the rendered screen of a session.
func (r *Registry) Lines(id string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.emulator.SnapshotLines(), true
}

// Update runs fn with exclusive access to the session. A panic inside fn is
// recovered and reported as ErrPanicked; the registry stays usable.
func (r *Registry) Update(id string, fn func(s *Session)) (eff Effects, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Effects{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	eff, err = r.run(s, func() { fn(s) })
	return eff, err
}

// ApplyOutput feeds process output through the session emulator.
func (r *Registry) ApplyOutput(id string, data []byte) (OutputResult, Effects, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return OutputResult{}, Effects{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var res OutputResult
	now := r.now()
	eff, err := r.run(s, func() { res = s.applyOutput(data, now) })
	return res, eff, err
}

// Write records user input for a session.
func (r *Registry) Write(id string, data []byte, inputLines []string) (Effects, error) {
	return r.Update(id, func(s *Session) {
		s.RecordInput(data, inputLines, r.now())
	})
}

func (r *Registry) Resize(id string, rows, cols int) error {
	_, err := r.Update(id, func(s *Session) {
		s.Rows, s.Cols = rows, cols
		s.emulator.SetSize(rows, cols)
	})
	return err
}

func (r *Registry) Ack(id string, n int) (Snapshot, error) {
	var snap Snapshot
	_, err := r.Update(id, func(s *Session) {
		s.ack(n)
		snap = s.Snapshot()
	})
	return snap, err
}

func (r *Registry) SetActive(id string, active bool) error {
	_, err := r.Update(id, func(s *Session) { s.setActive(active) })
	return err
}

func (r *Registry) SetLocked(id string, locked bool) error {
	_, err := r.Update(id, func(s *Session) { s.setLocked(locked) })
	return err
}

func (r *Registry) Remove(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	delete(r.sessions, id)
	r.working.Remove(id)
	return s.Snapshot(), true
}

// WorkingIDs lists sessions currently in the Working status.
func (r *Registry) WorkingIDs() []string {
	return r.working.IDs()
}

func (r *Registry) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now()
}

func (r *Registry) run(s *Session, fn func()) (eff Effects, err error) {
	collected := &Effects{}
	s.effects = collected
	defer func() {
		s.effects = nil
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPanicked, s.TerminalID, rec)
		}
		r.syncWorking(s)
		eff = *collected
	}()
	fn()
	return Effects{}, nil
}

func (r *Registry) syncWorking(s *Session) {
	if s.Status == model.StatusWorking {
		r.working.Add(s.TerminalID)
		return
	}
	r.working.Remove(s.TerminalID)
}
