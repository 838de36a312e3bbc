package appclient

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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/termrelay/internal/api"
	"github.com/g960059/termrelay/internal/events"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const (
	attachScannerInitialBuffer = 64 * 1024
	attachScannerMaxBuffer     = 10 * 1024 * 1024
	defaultUnaryTimeout        = 10 * time.Second
)

// New returns a client that talks to the daemon over the unix socket.
func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

var ErrStreamInvalid = errors.New("stream payload invalid")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, &resp)
	return resp, err
}

func (c *Client) ListSessions(ctx context.Context, workspace string) (api.SessionsEnvelope, error) {
	query := url.Values{}
	if ws := strings.TrimSpace(workspace); ws != "" {
		query.Set("workspace", ws)
	}
	var env api.SessionsEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/sessions", query, nil, &env)
	return env, err
}

func (c *Client) CreateSession(ctx context.Context, req api.CreateSessionRequest) (api.SessionItem, error) {
	var env api.SessionEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, req, &env)
	return env.Session, err
}

func (c *Client) GetSession(ctx context.Context, terminalID string) (api.SessionItem, error) {
	path, err := sessionPath(terminalID, "")
	if err != nil {
		return api.SessionItem{}, err
	}
	var env api.SessionEnvelope
	err = c.do(ctx, http.MethodGet, path, nil, nil, &env)
	return env.Session, err
}

func (c *Client) CloseSession(ctx context.Context, terminalID string) error {
	path, err := sessionPath(terminalID, "")
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *Client) Write(ctx context.Context, terminalID, data string) (api.SessionItem, error) {
	return c.sessionAction(ctx, terminalID, "write", api.WriteRequest{Data: data})
}

func (c *Client) Dispatch(ctx context.Context, terminalID, text string) (api.SessionItem, error) {
	return c.sessionAction(ctx, terminalID, "dispatch", api.DispatchRequest{Text: text})
}

func (c *Client) Resize(ctx context.Context, terminalID string, rows, cols int) (api.SessionItem, error) {
	return c.sessionAction(ctx, terminalID, "resize", api.ResizeRequest{Rows: rows, Cols: cols})
}

func (c *Client) SetActive(ctx context.Context, terminalID string, active bool) (api.SessionItem, error) {
	return c.sessionAction(ctx, terminalID, "active", api.ActiveRequest{Active: active})
}

func (c *Client) Lock(ctx context.Context, terminalID string, locked bool) (api.SessionItem, error) {
	return c.sessionAction(ctx, terminalID, "lock", api.LockRequest{Locked: locked})
}

func (c *Client) Ack(ctx context.Context, terminalID string, n int) (api.SessionItem, error) {
	return c.sessionAction(ctx, terminalID, "ack", api.AckRequest{Bytes: n})
}

// Messages lists the chat messages extracted from a session, newest last.
// A zero limit leaves the server default in place.
func (c *Client) Messages(ctx context.Context, terminalID string, limit int) ([]api.ChatMessageItem, error) {
	path, err := sessionPath(terminalID, "messages")
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var env api.MessagesEnvelope
	if err := c.do(ctx, http.MethodGet, path, query, nil, &env); err != nil {
		return nil, err
	}
	return env.Messages, nil
}

func (c *Client) Enqueue(ctx context.Context, req api.EnqueueRequest) (api.OutboxTaskItem, error) {
	var env api.OutboxTaskEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/outbox", nil, req, &env)
	return env.Task, err
}

func (c *Client) OutboxTask(ctx context.Context, workspace, messageID string) (api.OutboxTaskItem, error) {
	ws := strings.TrimSpace(workspace)
	id := strings.TrimSpace(messageID)
	if ws == "" || id == "" {
		return api.OutboxTaskItem{}, fmt.Errorf("workspace and message id are required")
	}
	path := "/v1/outbox/" + url.PathEscape(ws) + "/" + url.PathEscape(id)
	var env api.OutboxTaskEnvelope
	err := c.do(ctx, http.MethodGet, path, nil, nil, &env)
	return env.Task, err
}

// Attach streams a session's screen and output lines to onLine until the
// session closes, ctx ends or onLine returns an error.
func (c *Client) Attach(ctx context.Context, terminalID string, onLine func(api.AttachLine) error) error {
	path, err := sessionPath(terminalID, "attach")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		return decodeRequestError(resp.StatusCode, payload)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, attachScannerInitialBuffer), attachScannerMaxBuffer)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line api.AttachLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("%w: decode attach line: %v", ErrStreamInvalid, err)
		}
		if onLine != nil {
			if err := onLine(line); err != nil {
				return err
			}
		}
		if line.Type == "closed" {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: scan attach stream: %v", ErrStreamInvalid, err)
	}
	return nil
}

type EventsOptions struct {
	Cursor string
	Wait   time.Duration
}

// EventsOnce fetches the events after opts.Cursor. A positive Wait makes the
// daemon hold the request until something new arrives.
func (c *Client) EventsOnce(ctx context.Context, opts EventsOptions) (api.EventsEnvelope, error) {
	query := url.Values{}
	if cursor := strings.TrimSpace(opts.Cursor); cursor != "" {
		query.Set("cursor", cursor)
	}
	if opts.Wait > 0 {
		query.Set("wait", opts.Wait.String())
	}
	body, err := c.request(ctx, http.MethodGet, "/v1/events", query, nil, opts.Wait > 0)
	if err != nil {
		return api.EventsEnvelope{}, err
	}
	var env api.EventsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.EventsEnvelope{}, fmt.Errorf("%w: decode events envelope: %v", ErrStreamInvalid, err)
	}
	return env, nil
}

type EventsLoopOptions struct {
	Cursor          string
	Wait            time.Duration
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

// EventsLoop long-polls the event feed and hands every event to onEvent,
// resuming from the last cursor after transient failures.
func (c *Client) EventsLoop(ctx context.Context, opts EventsLoopOptions, onEvent func(events.Event) error) error {
	wait := opts.Wait
	if wait <= 0 {
		wait = 25 * time.Second
	}
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	cursor := strings.TrimSpace(opts.Cursor)
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		env, err := c.EventsOnce(ctx, EventsOptions{Cursor: cursor, Wait: wait})
		if err != nil {
			if opts.Once {
				return err
			}
			if errors.Is(err, ErrStreamInvalid) {
				return err
			}
			var reqErr *RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return err
			}
			if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
				return waitErr
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = minBackoff
		if env.Cursor != "" {
			cursor = env.Cursor
		}
		for _, ev := range env.Events {
			if onEvent == nil {
				continue
			}
			if err := onEvent(ev); err != nil {
				return err
			}
		}
		if opts.Once {
			return nil
		}
	}
}

func sessionPath(terminalID, action string) (string, error) {
	id := strings.TrimSpace(terminalID)
	if id == "" {
		return "", fmt.Errorf("terminal id is required")
	}
	path := "/v1/sessions/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	return path, nil
}

func (c *Client) sessionAction(ctx context.Context, terminalID, action string, req any) (api.SessionItem, error) {
	path, err := sessionPath(terminalID, action)
	if err != nil {
		return api.SessionItem{}, err
	}
	var env api.SessionEnvelope
	err = c.do(ctx, http.MethodPost, path, nil, req, &env)
	return env.Session, err
}

// do issues a unary request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	payload, err := c.request(ctx, method, path, query, body, false)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, decodeRequestError(resp.StatusCode, payload)
	}
	return payload, nil
}

func decodeRequestError(status int, payload []byte) *RequestError {
	var er api.ErrorResponse
	if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
		return &RequestError{
			StatusCode: status,
			Code:       er.Error.Code,
			Message:    er.Error.Message,
		}
	}
	return &RequestError{
		StatusCode: status,
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    strings.TrimSpace(string(payload)),
	}
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
