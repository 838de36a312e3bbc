package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/g960059/termrelay/internal/api"
	"github.com/g960059/termrelay/internal/events"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func TestSessionEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("workspace") != "ws1" {
				t.Fatalf("expected workspace ws1, got %q", r.URL.Query().Get("workspace"))
			}
			writeJSON(t, w, http.StatusOK, api.SessionsEnvelope{
				Summary:  map[string]int{"idle": 1},
				Sessions: []api.SessionItem{{TerminalID: "t1", Status: "idle"}},
			})
		case http.MethodPost:
			var req api.CreateSessionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode create: %v", err)
			}
			if req.TerminalType != "shell" {
				t.Fatalf("expected shell, got %q", req.TerminalType)
			}
			writeJSON(t, w, http.StatusCreated, api.SessionEnvelope{Session: api.SessionItem{TerminalID: "t2", Status: "connecting"}})
		default:
			t.Fatalf("unexpected method %s", r.Method)
		}
	})
	mux.HandleFunc("/v1/sessions/t2/dispatch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var req api.DispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode dispatch: %v", err)
		}
		if req.Text != "ls" {
			t.Fatalf("expected text ls, got %q", req.Text)
		}
		writeJSON(t, w, http.StatusOK, api.SessionEnvelope{Session: api.SessionItem{TerminalID: "t2", Status: "working"}})
	})
	mux.HandleFunc("/v1/sessions/t2", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	ctx := context.Background()

	list, err := client.ListSessions(ctx, "ws1")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(list.Sessions) != 1 || list.Summary["idle"] != 1 {
		t.Fatalf("unexpected list: %+v", list)
	}

	created, err := client.CreateSession(ctx, api.CreateSessionRequest{TerminalType: "shell"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.TerminalID != "t2" {
		t.Fatalf("expected t2, got %q", created.TerminalID)
	}

	after, err := client.Dispatch(ctx, "t2", "ls")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if after.Status != "working" {
		t.Fatalf("expected working, got %q", after.Status)
	}

	if err := client.CloseSession(ctx, "t2"); err != nil {
		t.Fatalf("close session: %v", err)
	}
}

func TestSessionActionsRejectBlankID(t *testing.T) {
	client := NewWithClient("http://127.0.0.1:1", nil)
	if _, err := client.Write(context.Background(), "  ", "x"); err == nil {
		t.Fatalf("expected error for blank terminal id")
	}
	if _, err := client.OutboxTask(context.Background(), "default", ""); err == nil {
		t.Fatalf("expected error for blank message id")
	}
}

func TestRequestErrorFromEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, api.ErrorResponse{
			SchemaVersion: "v1",
			Error:         api.APIError{Code: "E_SESSION_NOT_FOUND", Message: "no such session"},
		})
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.GetSession(context.Background(), "missing")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T (%v)", err, err)
	}
	if reqErr.StatusCode != http.StatusNotFound || reqErr.Code != "E_SESSION_NOT_FOUND" {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
	if reqErr.Retryable() {
		t.Fatalf("404 must not be retryable")
	}
	if got := reqErr.Error(); got != "E_SESSION_NOT_FOUND: no such session" {
		t.Fatalf("unexpected error text %q", got)
	}
}

func TestRequestErrorFallsBackToHTTPCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream gone")
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.Health(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T (%v)", err, err)
	}
	if reqErr.Code != "HTTP_502" || reqErr.Message != "upstream gone" {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
	if !reqErr.Retryable() {
		t.Fatalf("502 should be retryable")
	}
}

func TestOutboxEndpointsEscapePath(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.EscapedPath())
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/outbox":
			var req api.EnqueueRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode enqueue: %v", err)
			}
			writeJSON(t, w, http.StatusAccepted, api.OutboxTaskEnvelope{Task: api.OutboxTaskItem{
				MessageID:   req.MessageID,
				WorkspaceID: req.WorkspaceID,
				TerminalID:  req.TerminalID,
				Status:      "pending",
			}})
		case r.Method == http.MethodGet:
			writeJSON(t, w, http.StatusOK, api.OutboxTaskEnvelope{Task: api.OutboxTaskItem{MessageID: "m 1", Status: "sent"}})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	task, err := client.Enqueue(context.Background(), api.EnqueueRequest{WorkspaceID: "ws", MessageID: "m 1", TerminalID: "t1", Text: "hi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.Status != "pending" || task.MessageID != "m 1" {
		t.Fatalf("unexpected task: %+v", task)
	}

	task, err = client.OutboxTask(context.Background(), "ws", "m 1")
	if err != nil {
		t.Fatalf("outbox task: %v", err)
	}
	if task.Status != "sent" {
		t.Fatalf("expected sent, got %q", task.Status)
	}
	if got := gotPath.Load().(string); got != "/v1/outbox/ws/m%201" {
		t.Fatalf("expected escaped path, got %q", got)
	}
}

func TestAttachStreamsUntilClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions/t1/attach" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"type":"screen","terminal_id":"t1","lines":["$ "]}`+"\n")
		_, _ = io.WriteString(w, `{"type":"output","terminal_id":"t1","data":"hello"}`+"\n")
		_, _ = io.WriteString(w, `{"type":"closed","terminal_id":"t1"}`+"\n")
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	var types []string
	var data strings.Builder
	err := client.Attach(context.Background(), "t1", func(line api.AttachLine) error {
		types = append(types, line.Type)
		data.WriteString(line.Data)
		return nil
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if strings.Join(types, ",") != "screen,output,closed" {
		t.Fatalf("unexpected line types: %v", types)
	}
	if data.String() != "hello" {
		t.Fatalf("expected output hello, got %q", data.String())
	}
}

func TestAttachRejectsInvalidLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not-json\n")
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	err := client.Attach(context.Background(), "t1", nil)
	if !errors.Is(err, ErrStreamInvalid) {
		t.Fatalf("expected ErrStreamInvalid, got %v", err)
	}
}

func TestEventsLoopRetriesAndResumes(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.URL.Query().Get("wait") == "" {
			t.Fatalf("expected wait parameter")
		}
		switch n {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_INTERNAL","message":"busy"}}`)
			return
		case 2:
			if r.URL.Query().Get("cursor") != "" {
				t.Fatalf("first successful request should not pass cursor, got %q", r.URL.Query().Get("cursor"))
			}
			writeJSON(t, w, http.StatusOK, api.EventsEnvelope{
				StreamID: "s",
				Cursor:   "s:1",
				Events:   []events.Event{{Sequence: 1, Cursor: "s:1", Kind: events.KindStatus, TerminalID: "t1"}},
			})
		default:
			if r.URL.Query().Get("cursor") != "s:1" {
				t.Fatalf("expected resume cursor s:1, got %q", r.URL.Query().Get("cursor"))
			}
			writeJSON(t, w, http.StatusOK, api.EventsEnvelope{
				StreamID: "s",
				Cursor:   "s:2",
				Events:   []events.Event{{Sequence: 2, Cursor: "s:2", Kind: events.KindClosed, TerminalID: "t1"}},
			})
		}
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	stop := errors.New("stop")
	var got []events.Kind
	err := client.EventsLoop(context.Background(), EventsLoopOptions{
		Wait:            time.Second,
		RetryMinBackoff: time.Millisecond,
		RetryMaxBackoff: 2 * time.Millisecond,
	}, func(ev events.Event) error {
		got = append(got, ev.Kind)
		if ev.Kind == events.KindClosed {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected stop error, got %v", err)
	}
	if len(got) != 2 || got[0] != events.KindStatus || got[1] != events.KindClosed {
		t.Fatalf("unexpected events: %v", got)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestEventsLoopStopsOnNonRetryableError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_INVALID_REQUEST","message":"invalid cursor"}}`)
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	err := client.EventsLoop(context.Background(), EventsLoopOptions{Cursor: "bogus"}, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != "E_INVALID_REQUEST" {
		t.Fatalf("expected E_INVALID_REQUEST, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestUnaryTimeoutApplies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client()).WithUnaryTimeout(20 * time.Millisecond)
	start := time.Now()
	if _, err := client.Health(context.Background()); err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("unary timeout not applied")
	}
}
