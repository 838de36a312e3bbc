package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/g960059/termrelay/internal/db"
	"github.com/g960059/termrelay/internal/model"
)

var (
	ErrNotFound         = errors.New("outbox task not found")
	ErrInvalidWorkspace = errors.New("invalid workspace id")
)

// DefaultWorkspace receives messages of sessions without a workspace.
const DefaultWorkspace = "default"

var workspacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Manager owns one SQLite store per workspace under dir.
type Manager struct {
	dir string
	now func() time.Time

	mu     sync.Mutex
	stores map[string]*db.Store
}

func NewManager(dir string) *Manager {
	return &Manager{
		dir:    dir,
		now:    time.Now,
		stores: map[string]*db.Store{},
	}
}

// SetClock overrides the clock used for enqueue and mark timestamps.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now()
}

func ValidWorkspaceID(id string) bool {
	return workspacePattern.MatchString(id) && !strings.Contains(id, "..")
}

// Store opens (once) and returns the store of a workspace.
func (m *Manager) Store(ctx context.Context, workspaceID string) (*db.Store, error) {
	if !ValidWorkspaceID(workspaceID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWorkspace, workspaceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if store, ok := m.stores[workspaceID]; ok {
		return store, nil
	}
	store, err := db.OpenMigrated(ctx, filepath.Join(m.dir, workspaceID+".db"))
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", workspaceID, err)
	}
	m.stores[workspaceID] = store
	return store, nil
}

// Workspaces lists workspaces with a store on disk or already open, so that
// tasks persisted before a restart are drained too.
func (m *Manager) Workspaces() ([]string, error) {
	seen := map[string]struct{}{}
	m.mu.Lock()
	for id := range m.stores {
		seen[id] = struct{}{}
	}
	m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".db" {
			continue
		}
		id := strings.TrimSuffix(name, ".db")
		if ValidWorkspaceID(id) {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) Enqueue(ctx context.Context, workspaceID, messageID string, payload model.DispatchPayload) (model.ChatOutboxTask, error) {
	store, err := m.Store(ctx, workspaceID)
	if err != nil {
		return model.ChatOutboxTask{}, err
	}
	if payload.WorkspaceID == "" {
		payload.WorkspaceID = workspaceID
	}
	return store.EnqueueOutbox(ctx, messageID, payload, m.clock())
}

func (m *Manager) ClaimDue(ctx context.Context, workspaceID string, now time.Time, limit int, lease time.Duration) ([]model.ChatOutboxTask, error) {
	store, err := m.Store(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return store.ClaimDueOutbox(ctx, now, limit, lease)
}

func (m *Manager) MarkSent(ctx context.Context, workspaceID, messageID string) error {
	store, err := m.Store(ctx, workspaceID)
	if err != nil {
		return err
	}
	return mapNotFound(store.MarkOutboxSent(ctx, messageID, m.clock()))
}

func (m *Manager) MarkFailed(ctx context.Context, workspaceID, messageID string, next time.Time, lastError string, dead bool) error {
	store, err := m.Store(ctx, workspaceID)
	if err != nil {
		return err
	}
	return mapNotFound(store.MarkOutboxFailed(ctx, messageID, next, lastError, dead, m.clock()))
}

func (m *Manager) Get(ctx context.Context, workspaceID, messageID string) (model.ChatOutboxTask, error) {
	store, err := m.Store(ctx, workspaceID)
	if err != nil {
		return model.ChatOutboxTask{}, err
	}
	task, err := store.GetOutboxTask(ctx, messageID)
	return task, mapNotFound(err)
}

// SaveChatMessage persists a finalized reply in its workspace and returns
// the message id.
func (m *Manager) SaveChatMessage(ctx context.Context, msg model.ChatMessage) (string, error) {
	if msg.WorkspaceID == "" {
		msg.WorkspaceID = DefaultWorkspace
	}
	store, err := m.Store(ctx, msg.WorkspaceID)
	if err != nil {
		return "", err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.clock()
	}
	return store.InsertChatMessage(ctx, msg)
}

func (m *Manager) ListChatMessages(ctx context.Context, workspaceID, terminalID string, limit int) ([]model.ChatMessage, error) {
	if workspaceID == "" {
		workspaceID = DefaultWorkspace
	}
	store, err := m.Store(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return store.ListChatMessages(ctx, terminalID, limit)
}

// SaveMemberSession records the tool session id a member's terminal reported.
func (m *Manager) SaveMemberSession(ctx context.Context, ms model.MemberSession) error {
	if ms.WorkspaceID == "" {
		ms.WorkspaceID = DefaultWorkspace
	}
	store, err := m.Store(ctx, ms.WorkspaceID)
	if err != nil {
		return err
	}
	if ms.UpdatedAt.IsZero() {
		ms.UpdatedAt = m.clock()
	}
	return store.UpsertMemberSession(ctx, ms)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for id, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close workspace %s: %w", id, err))
		}
		delete(m.stores, id)
	}
	return errors.Join(errs...)
}

func mapNotFound(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
