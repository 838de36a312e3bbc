package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/termrelay/internal/api"
	"github.com/g960059/termrelay/internal/config"
	"github.com/g960059/termrelay/internal/events"
	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/outbox"
	"github.com/g960059/termrelay/internal/session"
	"github.com/g960059/termrelay/internal/terminal"
)

const (
	defaultMessageLimit = 50
	maxEventsWait       = 30 * time.Second
	maxRequestBody      = 1 << 20
)

// Deps are the components the API serves.
type Deps struct {
	Sessions *terminal.Manager
	Outbox   *outbox.Manager
	Events   *events.Hub
	Metrics  http.Handler
	Logger   *zap.Logger
}

type Server struct {
	cfg         config.Config
	deps        Deps
	logger      *zap.Logger
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if deps.Sessions != nil {
		mux.HandleFunc("/v1/sessions", s.sessionsHandler)
		mux.HandleFunc("/v1/sessions/", s.sessionByIDHandler)
	}
	if deps.Outbox != nil {
		mux.HandleFunc("/v1/outbox", s.outboxHandler)
		mux.HandleFunc("/v1/outbox/", s.outboxTaskHandler)
	}
	if deps.Events != nil {
		mux.HandleFunc("/v1/events", s.eventsHandler)
	}
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
	return s
}

// Handler exposes the routes for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("daemon listening", zap.String("socket", s.cfg.SocketPath))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	if s.deps.Sessions != nil {
		resp.Sessions = len(s.deps.Sessions.List())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSessions(w, r)
	case http.MethodPost:
		s.createSession(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	workspace := strings.TrimSpace(r.URL.Query().Get("workspace"))
	items := []api.SessionItem{}
	summary := map[string]int{}
	for _, snap := range s.deps.Sessions.List() {
		if workspace != "" && snap.WorkspaceID != workspace {
			continue
		}
		items = append(items, toSessionItem(snap))
		summary[string(snap.Status)]++
	}
	s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Summary:       summary,
		Sessions:      items,
	})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	automation := model.AutomationMode(strings.TrimSpace(strings.ToLower(req.Automation)))
	switch automation {
	case "", model.AutomationNone, model.AutomationInvite:
	default:
		s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "automation must be none or invite")
		return
	}
	if req.Rows < 0 || req.Cols < 0 {
		s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "rows and cols must not be negative")
		return
	}
	snap, err := s.deps.Sessions.Create(terminal.CreateRequest{
		TerminalID:   strings.TrimSpace(req.TerminalID),
		TerminalType: model.ParseTerminalType(req.TerminalType),
		WorkspaceID:  strings.TrimSpace(req.WorkspaceID),
		MemberID:     strings.TrimSpace(req.MemberID),
		Automation:   automation,
		Program:      strings.TrimSpace(req.Program),
		Args:         req.Args,
		Dir:          req.Dir,
		Env:          req.Env,
		Rows:         req.Rows,
		Cols:         req.Cols,
	})
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.SessionEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Session:       toSessionItem(snap),
	})
}

func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		s.writeError(w, http.StatusNotFound, model.ErrSessionNotFound, "session route not found")
		return
	}
	id, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "invalid terminal_id encoding")
		return
	}
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getSession(w, id)
		case http.MethodDelete:
			s.closeSession(w, r, id)
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
		return
	}

	action := parts[1]
	switch action {
	case "attach", "messages":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		if action == "attach" {
			s.attachSession(w, r, id)
		} else {
			s.listMessages(w, r, id)
		}
		return
	case "write", "resize", "active", "lock", "ack", "dispatch":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
	default:
		s.writeError(w, http.StatusNotFound, model.ErrSessionNotFound, "session route not found")
		return
	}

	var opErr error
	switch action {
	case "write":
		var req api.WriteRequest
		if !s.decode(w, r, &req) {
			return
		}
		opErr = s.deps.Sessions.Write(id, []byte(req.Data))
	case "resize":
		var req api.ResizeRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.Rows <= 0 || req.Cols <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "rows and cols must be positive")
			return
		}
		opErr = s.deps.Sessions.Resize(id, req.Rows, req.Cols)
	case "active":
		var req api.ActiveRequest
		if !s.decode(w, r, &req) {
			return
		}
		opErr = s.deps.Sessions.SetActive(id, req.Active)
	case "lock":
		var req api.LockRequest
		if !s.decode(w, r, &req) {
			return
		}
		opErr = s.deps.Sessions.Lock(id, req.Locked)
	case "ack":
		var req api.AckRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.Bytes < 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "bytes must not be negative")
			return
		}
		_, opErr = s.deps.Sessions.Ack(id, req.Bytes)
	case "dispatch":
		var req api.DispatchRequest
		if !s.decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "text is required")
			return
		}
		opErr = s.deps.Sessions.Dispatch(id, req.Text)
	}
	if opErr != nil {
		s.writeSessionError(w, opErr)
		return
	}
	s.getSession(w, id)
}

func (s *Server) getSession(w http.ResponseWriter, id string) {
	snap, err := s.deps.Sessions.Get(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Session:       toSessionItem(snap),
	})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.deps.Sessions.Close(r.Context(), id); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// attachSession streams NDJSON: the current screen, then raw output until
// the session closes or the client goes away.
func (s *Server) attachSession(w http.ResponseWriter, r *http.Request, id string) {
	att, err := s.deps.Sessions.Attach(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	defer att.Detach()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	send := func(line api.AttachLine) bool {
		if err := enc.Encode(line); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}
	if !send(api.AttachLine{Type: "screen", TerminalID: id, Lines: att.Lines}) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-att.Output:
			if !ok {
				send(api.AttachLine{Type: "closed", TerminalID: id})
				return
			}
			if !send(api.AttachLine{Type: "output", TerminalID: id, Data: string(chunk)}) {
				return
			}
		}
	}
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, id string) {
	if s.deps.Outbox == nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrInternal, "message store is unavailable")
		return
	}
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	workspace := strings.TrimSpace(r.URL.Query().Get("workspace"))
	if workspace == "" {
		if snap, err := s.deps.Sessions.Get(id); err == nil {
			workspace = snap.WorkspaceID
		}
	}
	msgs, err := s.deps.Outbox.ListChatMessages(r.Context(), workspace, id, limit)
	if err != nil {
		s.writeOutboxError(w, err)
		return
	}
	items := make([]api.ChatMessageItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, toChatMessageItem(m))
	}
	s.writeJSON(w, http.StatusOK, api.MessagesEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Messages:      items,
	})
}

func (s *Server) outboxHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.EnqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.WorkspaceID = strings.TrimSpace(req.WorkspaceID)
	req.MessageID = strings.TrimSpace(req.MessageID)
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" || strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "terminal_id and text are required")
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = outbox.DefaultWorkspace
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	task, err := s.deps.Outbox.Enqueue(r.Context(), req.WorkspaceID, req.MessageID, model.DispatchPayload{
		WorkspaceID:    req.WorkspaceID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		TerminalID:     req.TerminalID,
		Text:           req.Text,
		Mentions:       req.Mentions,
	})
	if err != nil {
		s.writeOutboxError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.OutboxTaskEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Task:          toOutboxTaskItem(task),
	})
}

func (s *Server) outboxTaskHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/outbox/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrTaskNotFound, "outbox route not found")
		return
	}
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	workspace, err1 := url.PathUnescape(parts[0])
	messageID, err2 := url.PathUnescape(parts[1])
	if err1 != nil || err2 != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "invalid path encoding")
		return
	}
	task, err := s.deps.Outbox.Get(r.Context(), workspace, messageID)
	if err != nil {
		s.writeOutboxError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.OutboxTaskEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Task:          toOutboxTaskItem(task),
	})
}

// eventsHandler returns buffered events after cursor. With wait set it
// long-polls until something new is appended.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	cursor := r.URL.Query().Get("cursor")
	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "wait must be a duration")
			return
		}
		wait = min(d, maxEventsWait)
	}

	hub := s.deps.Events
	var (
		notify <-chan struct{}
		cancel func()
	)
	if wait > 0 {
		notify, cancel = hub.Subscribe()
		defer cancel()
	}
	evs, err := hub.Since(cursor)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "invalid cursor")
		return
	}
	if len(evs) == 0 && wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-notify:
			evs, _ = hub.Since(cursor)
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}

	next := cursor
	if len(evs) > 0 {
		next = evs[len(evs)-1].Cursor
	}
	if evs == nil {
		evs = []events.Event{}
	}
	s.writeJSON(w, http.StatusOK, api.EventsEnvelope{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		StreamID:      hub.StreamID(),
		Cursor:        next,
		Events:        evs,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrSessionNotFound, err.Error())
	case errors.Is(err, session.ErrClosed):
		s.writeError(w, http.StatusConflict, model.ErrSessionClosed, err.Error())
	case errors.Is(err, session.ErrAlreadyExists):
		s.writeError(w, http.StatusConflict, model.ErrInvalidRequest, err.Error())
	case errors.Is(err, terminal.ErrLaunch):
		s.writeError(w, http.StatusBadGateway, model.ErrLaunchFailed, err.Error())
	case errors.Is(err, terminal.ErrEmptyDispatch):
		s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, err.Error())
	case errors.Is(err, terminal.ErrWrite):
		s.writeError(w, http.StatusBadGateway, model.ErrWriteFailed, err.Error())
	default:
		s.logger.Error("session request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "internal error")
	}
}

func (s *Server) writeOutboxError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrTaskNotFound, err.Error())
	case errors.Is(err, outbox.ErrInvalidWorkspace):
		s.writeError(w, http.StatusBadRequest, model.ErrInvalidRequest, err.Error())
	default:
		s.logger.Error("outbox request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrInvalidRequest, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
