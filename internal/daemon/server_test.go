package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/termrelay/internal/api"
	"github.com/g960059/termrelay/internal/config"
	"github.com/g960059/termrelay/internal/events"
	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/ptyhost"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(tmp, "termrelayd.sock")
	cfg.DataDir = filepath.Join(tmp, "data")
	return cfg
}

func newTestRuntime(t *testing.T) (*Runtime, *fakeLauncher, *httptest.Server) {
	t.Helper()
	launcher := &fakeLauncher{}
	rt := NewRuntime(testConfig(t), launcher, nil)
	ts := httptest.NewServer(rt.Server.Handler())
	t.Cleanup(func() {
		ts.Close()
		rt.Sessions.Shutdown(context.Background())
		rt.Dispatcher.Close()
		_ = rt.Outbox.Close()
	})
	return rt, launcher, ts
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestHealthEndpointOverUDS(t *testing.T) {
	cfg := testConfig(t)
	rt := NewRuntime(cfg, &fakeLauncher{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.Run(ctx)
	}()

	waitForSocket(t, cfg.SocketPath, errCh)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", cfg.SocketPath)
		},
	}}
	resp, err := client.Get("http://unix/v1/health")
	if err != nil {
		t.Fatalf("get health over uds: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if payload.SchemaVersion != "v1" || payload.Status != "ok" || payload.Sessions != 0 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runtime error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for runtime shutdown")
	}
	if _, err := os.Stat(cfg.SocketPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket should be removed on shutdown, stat err=%v", err)
	}
}

func TestStartFailsWhenSocketPathIsRegularFile(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.SocketPath, []byte("not-a-socket"), 0o600); err != nil {
		t.Fatalf("write regular file: %v", err)
	}

	srv := NewServer(cfg, Deps{})
	err := srv.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start to fail for non-socket file")
	}
	if err := os.Remove(cfg.SocketPath); err != nil {
		t.Fatalf("regular file should remain for caller cleanup, got remove error: %v", err)
	}
}

func TestSingleInstanceLock(t *testing.T) {
	cfg := testConfig(t)

	srv1 := NewServer(cfg, Deps{})
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	errCh1 := make(chan error, 1)
	go func() {
		errCh1 <- srv1.Start(ctx1)
	}()
	waitForSocket(t, cfg.SocketPath, errCh1)

	srv2 := NewServer(cfg, Deps{})
	err := srv2.Start(context.Background())
	if err == nil {
		t.Fatalf("expected second server start to fail while first lock is held")
	}
	if !strings.Contains(err.Error(), "daemon already running") {
		t.Fatalf("expected lock contention error, got: %v", err)
	}

	cancel1()
	select {
	case err := <-errCh1:
		if err != nil && err != context.Canceled {
			t.Fatalf("server1 shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server1 shutdown")
	}

	srv3 := NewServer(cfg, Deps{})
	ctx3, cancel3 := context.WithCancel(context.Background())
	defer cancel3()
	errCh3 := make(chan error, 1)
	go func() {
		errCh3 <- srv3.Start(ctx3)
	}()
	waitForSocket(t, cfg.SocketPath, errCh3)
	cancel3()
	select {
	case err := <-errCh3:
		if err != nil && err != context.Canceled {
			t.Fatalf("server3 shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server3 shutdown")
	}
}

func TestSessionLifecycle(t *testing.T) {
	_, launcher, ts := newTestRuntime(t)

	var created api.SessionEnvelope
	status := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", api.CreateSessionRequest{TerminalID: "t1", TerminalType: "shell", WorkspaceID: "ws1"}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", status)
	}
	if created.Session.TerminalID != "t1" || created.Session.Status != string(model.StatusIdle) || created.Session.Automation != string(model.AutomationNone) {
		t.Fatalf("unexpected created session: %+v", created.Session)
	}

	var written api.SessionEnvelope
	if status := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/t1/write", api.WriteRequest{Data: "ls\r"}, &written); status != http.StatusOK {
		t.Fatalf("write: expected 200, got %d", status)
	}
	if written.Session.PendingInputCount != 1 || !written.Session.AwaitingReply {
		t.Fatalf("input should queue until the prompt appears: %+v", written.Session)
	}

	proc := launcher.latest()
	proc.out <- []byte("user@host:~$ ")
	waitUntil(t, "queued input release", func() bool { return proc.Written() == "ls\r" })

	var got api.SessionEnvelope
	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/t1", nil, &got); status != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", status)
	}
	if !got.Session.ShellReady || got.Session.Status != string(model.StatusWorking) || got.Session.LastOutputAt == nil {
		t.Fatalf("unexpected session after ready: %+v", got.Session)
	}

	var resized api.SessionEnvelope
	if status := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/t1/resize", api.ResizeRequest{Rows: 50, Cols: 160}, &resized); status != http.StatusOK {
		t.Fatalf("resize: expected 200, got %d", status)
	}
	if resized.Session.Rows != 50 || resized.Session.Cols != 160 {
		t.Fatalf("resize not applied: %+v", resized.Session)
	}

	var locked api.SessionEnvelope
	doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/t1/lock", api.LockRequest{Locked: true}, &locked)
	if !locked.Session.StatusLocked {
		t.Fatalf("lock not applied: %+v", locked.Session)
	}

	var listed api.SessionsEnvelope
	doJSON(t, http.MethodGet, ts.URL+"/v1/sessions?workspace=ws1", nil, &listed)
	if len(listed.Sessions) != 1 || listed.Summary[string(model.StatusWorking)] != 1 {
		t.Fatalf("unexpected list: %+v", listed)
	}
	doJSON(t, http.MethodGet, ts.URL+"/v1/sessions?workspace=other", nil, &listed)
	if len(listed.Sessions) != 0 {
		t.Fatalf("workspace filter ignored: %+v", listed.Sessions)
	}

	if status := doJSON(t, http.MethodDelete, ts.URL+"/v1/sessions/t1", nil, nil); status != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", status)
	}
	var missing api.ErrorResponse
	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/t1", nil, &missing); status != http.StatusNotFound {
		t.Fatalf("get after close: expected 404, got %d", status)
	}
	if missing.Error.Code != model.ErrSessionNotFound {
		t.Fatalf("unexpected error code: %+v", missing.Error)
	}
}

func TestSessionRequestErrors(t *testing.T) {
	_, launcher, ts := newTestRuntime(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown action", http.MethodPost, "/v1/sessions/t1/explode", map[string]any{}, http.StatusNotFound, model.ErrSessionNotFound},
		{"write to missing session", http.MethodPost, "/v1/sessions/nope/write", api.WriteRequest{Data: "x"}, http.StatusNotFound, model.ErrSessionNotFound},
		{"unknown field", http.MethodPost, "/v1/sessions", map[string]any{"bogus": 1}, http.StatusBadRequest, model.ErrInvalidRequest},
		{"bad automation", http.MethodPost, "/v1/sessions", api.CreateSessionRequest{Automation: "always"}, http.StatusBadRequest, model.ErrInvalidRequest},
		{"wrong method", http.MethodPut, "/v1/sessions", map[string]any{}, http.StatusMethodNotAllowed, model.ErrInvalidRequest},
		{"attach by post", http.MethodPost, "/v1/sessions/t1/attach", map[string]any{}, http.StatusMethodNotAllowed, model.ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp api.ErrorResponse
			status := doJSON(t, tc.method, ts.URL+tc.path, tc.body, &resp)
			if status != tc.status || resp.Error.Code != tc.code {
				t.Fatalf("expected %d/%s, got %d/%+v", tc.status, tc.code, status, resp.Error)
			}
		})
	}

	launcher.mu.Lock()
	launcher.err = ptyhost.ErrNoCandidate
	launcher.mu.Unlock()
	var resp api.ErrorResponse
	status := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", api.CreateSessionRequest{TerminalID: "t2"}, &resp)
	if status != http.StatusBadGateway || resp.Error.Code != model.ErrLaunchFailed {
		t.Fatalf("expected launch failure, got %d/%+v", status, resp.Error)
	}
}

func TestDispatchRejectsBlankText(t *testing.T) {
	_, _, ts := newTestRuntime(t)
	doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", api.CreateSessionRequest{TerminalID: "t1"}, nil)

	var resp api.ErrorResponse
	status := doJSON(t, http.MethodPost, ts.URL+"/v1/sessions/t1/dispatch", api.DispatchRequest{Text: "  "}, &resp)
	if status != http.StatusBadRequest || resp.Error.Code != model.ErrInvalidRequest {
		t.Fatalf("expected invalid request, got %d/%+v", status, resp.Error)
	}
}

func TestAttachStreamsScreenThenOutput(t *testing.T) {
	_, launcher, ts := newTestRuntime(t)
	doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", api.CreateSessionRequest{TerminalID: "t1"}, nil)
	proc := launcher.latest()

	resp, err := http.Get(ts.URL + "/v1/sessions/t1/attach")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", ct)
	}
	scanner := bufio.NewScanner(resp.Body)
	next := func() api.AttachLine {
		t.Helper()
		if !scanner.Scan() {
			t.Fatalf("attach stream ended early: %v", scanner.Err())
		}
		var line api.AttachLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("decode attach line: %v", err)
		}
		return line
	}

	if line := next(); line.Type != "screen" || line.TerminalID != "t1" {
		t.Fatalf("expected screen line first, got %+v", line)
	}
	proc.out <- []byte("hello\r\n")
	if line := next(); line.Type != "output" || line.Data != "hello\r\n" {
		t.Fatalf("expected output line, got %+v", line)
	}
	proc.exit(0)
	if line := next(); line.Type != "closed" {
		t.Fatalf("expected closed line, got %+v", line)
	}
}

func TestOutboxEnqueueDeliverAndInspect(t *testing.T) {
	rt, launcher, ts := newTestRuntime(t)
	doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", api.CreateSessionRequest{TerminalID: "t1", WorkspaceID: "ws1"}, nil)
	proc := launcher.latest()
	proc.out <- []byte("$ ")
	waitUntil(t, "shell ready", func() bool {
		snap, err := rt.Sessions.Get("t1")
		return err == nil && snap.ShellReady
	})

	var enq api.OutboxTaskEnvelope
	status := doJSON(t, http.MethodPost, ts.URL+"/v1/outbox", api.EnqueueRequest{
		WorkspaceID: "ws1",
		MessageID:   "m1",
		TerminalID:  "t1",
		Text:        "echo hi",
	}, &enq)
	if status != http.StatusAccepted {
		t.Fatalf("enqueue: expected 202, got %d", status)
	}
	if enq.Task.Status != string(model.OutboxPending) || enq.Task.MessageID != "m1" {
		t.Fatalf("unexpected enqueued task: %+v", enq.Task)
	}

	sent, err := rt.Worker.Poll(context.Background(), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("poll outbox: %v", err)
	}
	if sent != 1 {
		t.Fatalf("expected one delivery, got %d", sent)
	}
	if got := proc.Written(); got != "echo hi\r" {
		t.Fatalf("unexpected bytes written to session: %q", got)
	}

	var inspected api.OutboxTaskEnvelope
	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/outbox/ws1/m1", nil, &inspected); status != http.StatusOK {
		t.Fatalf("inspect: expected 200, got %d", status)
	}
	if inspected.Task.Status != string(model.OutboxSent) {
		t.Fatalf("expected sent task, got %+v", inspected.Task)
	}

	var missing api.ErrorResponse
	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/outbox/ws1/absent", nil, &missing); status != http.StatusNotFound || missing.Error.Code != model.ErrTaskNotFound {
		t.Fatalf("expected task not found, got %d/%+v", status, missing.Error)
	}
	var invalid api.ErrorResponse
	status = doJSON(t, http.MethodPost, ts.URL+"/v1/outbox", api.EnqueueRequest{WorkspaceID: "bad/ws", TerminalID: "t1", Text: "x"}, &invalid)
	if status != http.StatusBadRequest || invalid.Error.Code != model.ErrInvalidRequest {
		t.Fatalf("expected invalid workspace, got %d/%+v", status, invalid.Error)
	}
}

func TestMessagesForSessionStartEmpty(t *testing.T) {
	_, _, ts := newTestRuntime(t)
	doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", api.CreateSessionRequest{TerminalID: "t1"}, nil)

	var msgs api.MessagesEnvelope
	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/t1/messages?limit=5", nil, &msgs); status != http.StatusOK {
		t.Fatalf("messages: expected 200, got %d", status)
	}
	if msgs.Messages == nil || len(msgs.Messages) != 0 {
		t.Fatalf("expected empty message list, got %+v", msgs.Messages)
	}
	var resp api.ErrorResponse
	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/sessions/t1/messages?limit=0", nil, &resp); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", status)
	}
}

func TestEventsCursor(t *testing.T) {
	rt, _, ts := newTestRuntime(t)
	rt.Events.StatusChanged(model.StatusChange{TerminalID: "t1", From: model.StatusIdle, To: model.StatusWorking})

	var first api.EventsEnvelope
	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/events", nil, &first); status != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", status)
	}
	if len(first.Events) != 1 || first.Events[0].Kind != events.KindStatus || first.Events[0].To != model.StatusWorking {
		t.Fatalf("unexpected first page: %+v", first.Events)
	}

	var empty api.EventsEnvelope
	doJSON(t, http.MethodGet, ts.URL+"/v1/events?wait=20ms&cursor="+first.Cursor, nil, &empty)
	if len(empty.Events) != 0 || empty.Cursor != first.Cursor {
		t.Fatalf("expected no new events, got %+v", empty)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		rt.Events.SessionClosed("t1", 0)
	}()
	var waited api.EventsEnvelope
	doJSON(t, http.MethodGet, ts.URL+"/v1/events?wait=2s&cursor="+first.Cursor, nil, &waited)
	if len(waited.Events) != 1 || waited.Events[0].Kind != events.KindClosed {
		t.Fatalf("long poll should return the closed event, got %+v", waited.Events)
	}

	var foreign api.EventsEnvelope
	doJSON(t, http.MethodGet, ts.URL+"/v1/events?cursor=other-stream:1", nil, &foreign)
	if len(foreign.Events) != 3 || foreign.Events[0].Kind != events.KindReset {
		t.Fatalf("foreign cursor should reset, got %+v", foreign.Events)
	}

	var bad api.ErrorResponse
	if status := doJSON(t, http.MethodGet, ts.URL+"/v1/events?cursor=garbage", nil, &bad); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed cursor, got %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := newTestRuntime(t)
	doJSON(t, http.MethodPost, ts.URL+"/v1/sessions", api.CreateSessionRequest{TerminalID: "t1"}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "termrelay_sessions_live 1") {
		t.Fatalf("metrics missing live session gauge:\n%s", body)
	}
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err == nil || err == context.Canceled {
				t.Fatalf("server exited before socket creation: %v", err)
			}
			if isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server start failed before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil {
			if st.Mode()&os.ModeSocket != 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", fmt.Sprintf("%s", path))
}

func isUDSUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "address family not supported") ||
		strings.Contains(msg, "invalid argument")
}
