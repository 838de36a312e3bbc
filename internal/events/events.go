// Package events carries session notifications out of the engine: status
// transitions, finalized chat replies, errors, output chunks and closes.
package events

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/termrelay/internal/model"
)

// Port is the UI transport. Implementations must not block for long; they
// are called from scheduler and reader goroutines.
type Port interface {
	StatusChanged(change model.StatusChange)
	ChatMessage(msg model.ChatMessage)
	SessionError(terminalID string, err error, fatal bool)
	Output(terminalID string, seq uint64, data []byte)
	SessionClosed(terminalID string, exitCode int)
}

type Kind string

const (
	KindStatus Kind = "status"
	KindChat   Kind = "chat_message"
	KindError  Kind = "session_error"
	KindOutput Kind = "output"
	KindClosed Kind = "session_closed"
	KindReset  Kind = "reset"
)

// DefaultSize is the ring capacity used when NewHub gets a non-positive size.
const DefaultSize = 1024

// Event is one buffered notification as served by the daemon.
type Event struct {
	Sequence   int64     `json:"sequence"`
	Cursor     string    `json:"cursor"`
	Kind       Kind      `json:"type"`
	TerminalID string    `json:"terminal_id,omitempty"`
	EmittedAt  time.Time `json:"emitted_at"`

	From      model.Status `json:"from,omitempty"`
	To        model.Status `json:"to,omitempty"`
	MessageID string       `json:"message_id,omitempty"`
	Text      string       `json:"text,omitempty"`
	Error     string       `json:"error,omitempty"`
	Fatal     bool         `json:"fatal,omitempty"`
	OutputSeq uint64       `json:"output_seq,omitempty"`
	Bytes     int          `json:"bytes,omitempty"`
	ExitCode  *int         `json:"exit_code,omitempty"`
}

// Hub keeps the most recent events in a ring so that clients can poll with
// a cursor. Output events record sizes only; raw bytes go to the attach
// stream.
type Hub struct {
	streamID string
	now      func() time.Time

	mu     sync.Mutex
	seq    int64
	ring   []Event
	next   int
	filled bool
	subs   map[int]chan struct{}
	subSeq int
}

func NewHub(size int) *Hub {
	if size <= 0 {
		size = DefaultSize
	}
	return &Hub{
		streamID: uuid.NewString(),
		now:      time.Now,
		ring:     make([]Event, size),
		subs:     map[int]chan struct{}{},
	}
}

func (h *Hub) StreamID() string { return h.streamID }

func (h *Hub) StatusChanged(c model.StatusChange) {
	h.append(Event{Kind: KindStatus, TerminalID: c.TerminalID, From: c.From, To: c.To})
}

func (h *Hub) ChatMessage(msg model.ChatMessage) {
	h.append(Event{Kind: KindChat, TerminalID: msg.TerminalID, MessageID: msg.MessageID, Text: msg.Text})
}

func (h *Hub) SessionError(terminalID string, err error, fatal bool) {
	h.append(Event{Kind: KindError, TerminalID: terminalID, Error: err.Error(), Fatal: fatal})
}

func (h *Hub) Output(terminalID string, seq uint64, data []byte) {
	h.append(Event{Kind: KindOutput, TerminalID: terminalID, OutputSeq: seq, Bytes: len(data)})
}

func (h *Hub) SessionClosed(terminalID string, exitCode int) {
	code := exitCode
	h.append(Event{Kind: KindClosed, TerminalID: terminalID, ExitCode: &code})
}

func (h *Hub) append(ev Event) {
	h.mu.Lock()
	h.seq++
	ev.Sequence = h.seq
	ev.Cursor = h.cursor(h.seq)
	ev.EmittedAt = h.now().UTC()
	h.ring[h.next] = ev
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.filled = true
	}
	subs := make([]chan struct{}, 0, len(h.subs))
	for _, ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) cursor(seq int64) string {
	return fmt.Sprintf("%s:%d", h.streamID, seq)
}

// Since returns buffered events after cursor. A cursor from another stream
// or one older than the ring yields a leading reset event followed by
// everything still buffered.
func (h *Hub) Since(cursor string) ([]Event, error) {
	streamID, after, ok, err := ParseCursor(cursor)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	buffered := h.bufferedLocked()
	var out []Event
	oldest := h.seq + 1
	if len(buffered) > 0 {
		oldest = buffered[0].Sequence
	}
	if ok && (streamID != h.streamID || after+1 < oldest || after > h.seq) {
		out = append(out, Event{
			Sequence:  h.seq,
			Cursor:    h.cursor(h.seq),
			Kind:      KindReset,
			EmittedAt: h.now().UTC(),
		})
		after = 0
	}
	for _, ev := range buffered {
		if ev.Sequence > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (h *Hub) bufferedLocked() []Event {
	if !h.filled {
		return append([]Event(nil), h.ring[:h.next]...)
	}
	out := make([]Event, 0, len(h.ring))
	out = append(out, h.ring[h.next:]...)
	return append(out, h.ring[:h.next]...)
}

// Subscribe returns a channel signalled after every append, and a cancel
// function.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subSeq++
	id := h.subSeq
	h.subs[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// ParseCursor splits "<stream>:<seq>". An empty cursor is valid and means
// "from the start".
func ParseCursor(raw string) (string, int64, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, false, nil
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return "", 0, false, fmt.Errorf("invalid cursor format")
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq < 0 {
		return "", 0, false, fmt.Errorf("invalid cursor sequence")
	}
	return parts[0], seq, true, nil
}

// LogPort writes every notification to a zap logger.
type LogPort struct {
	logger *zap.Logger
}

func NewLogPort(logger *zap.Logger) *LogPort {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPort{logger: logger}
}

func (p *LogPort) StatusChanged(c model.StatusChange) {
	p.logger.Info("session status changed",
		zap.String("terminal_id", c.TerminalID),
		zap.String("from", string(c.From)),
		zap.String("to", string(c.To)),
	)
}

func (p *LogPort) ChatMessage(msg model.ChatMessage) {
	p.logger.Info("chat message finalized",
		zap.String("terminal_id", msg.TerminalID),
		zap.String("message_id", msg.MessageID),
		zap.Int("chars", len(msg.Text)),
	)
}

func (p *LogPort) SessionError(terminalID string, err error, fatal bool) {
	p.logger.Warn("session error", zap.String("terminal_id", terminalID), zap.Bool("fatal", fatal), zap.Error(err))
}

func (p *LogPort) Output(terminalID string, seq uint64, data []byte) {
	p.logger.Debug("session output", zap.String("terminal_id", terminalID), zap.Uint64("seq", seq), zap.Int("bytes", len(data)))
}

func (p *LogPort) SessionClosed(terminalID string, exitCode int) {
	p.logger.Info("session closed", zap.String("terminal_id", terminalID), zap.Int("exit_code", exitCode))
}

// Fanout forwards every notification to each port in order.
type Fanout []Port

func (f Fanout) StatusChanged(c model.StatusChange) {
	for _, p := range f {
		p.StatusChanged(c)
	}
}

func (f Fanout) ChatMessage(msg model.ChatMessage) {
	for _, p := range f {
		p.ChatMessage(msg)
	}
}

func (f Fanout) SessionError(terminalID string, err error, fatal bool) {
	for _, p := range f {
		p.SessionError(terminalID, err, fatal)
	}
}

func (f Fanout) Output(terminalID string, seq uint64, data []byte) {
	for _, p := range f {
		p.Output(terminalID, seq, data)
	}
}

func (f Fanout) SessionClosed(terminalID string, exitCode int) {
	for _, p := range f {
		p.SessionClosed(terminalID, exitCode)
	}
}
