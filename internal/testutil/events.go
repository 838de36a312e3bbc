package testutil

import (
	"sync"

	"github.com/g960059/termrelay/internal/model"
)

// Recorder is an events.Port that keeps everything it receives.
type Recorder struct {
	mu       sync.Mutex
	statuses []model.StatusChange
	messages []model.ChatMessage
	errors   []error
	closed   map[string]int
	outputs  int
}

func NewRecorder() *Recorder {
	return &Recorder{closed: map[string]int{}}
}

func (r *Recorder) StatusChanged(c model.StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, c)
}

func (r *Recorder) ChatMessage(msg model.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *Recorder) SessionError(_ string, err error, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *Recorder) Output(string, uint64, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs++
}

func (r *Recorder) SessionClosed(terminalID string, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[terminalID] = exitCode
}

func (r *Recorder) Statuses() []model.StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.StatusChange(nil), r.statuses...)
}

func (r *Recorder) Messages() []model.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ChatMessage(nil), r.messages...)
}

func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors...)
}

func (r *Recorder) Closed(terminalID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := r.closed[terminalID]
	return code, ok
}

func (r *Recorder) OutputCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs
}
