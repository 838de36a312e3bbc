// Package emulator provides the virtual screen each session feeds its raw
// PTY output into.
package emulator

import (
	"strings"
	"sync"

	"github.com/vito/midterm"
)

// Emulator is the capability set the session layer relies on. Row and column
// numbers are zero-based.
type Emulator interface {
	ApplyOutput(p []byte)
	SetSize(rows, cols int)
	CursorPosition() (row, col int)
	// CursorLine is the visible screen row holding the cursor.
	CursorLine() string
	SnapshotLines() []string
}

const DefaultMaxLines = 2000

// VT is an Emulator backed by midterm. The screen terminal tracks the cursor;
// the scrollback terminal grows vertically and keeps the transcript.
type VT struct {
	mu         sync.Mutex
	screen     *midterm.Terminal
	scrollback *midterm.Terminal
	rows       int
	cols       int
	maxLines   int
}

func New(rows, cols int) *VT {
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	v := &VT{rows: rows, cols: cols, maxLines: DefaultMaxLines}
	v.reset()
	return v
}

func (v *VT) reset() {
	v.screen = midterm.NewTerminal(v.rows, v.cols)
	v.scrollback = midterm.NewTerminal(v.rows, v.cols)
	v.scrollback.AutoResizeY = true
	v.scrollback.AppendOnly = true
}

func (v *VT) ApplyOutput(p []byte) {
	if len(p) == 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _ = v.screen.Write(p)
	_, _ = v.scrollback.Write(p)
	if v.scrollback.Height > v.maxLines*2 {
		v.compactLocked()
	}
}

// compactLocked replays the retained tail into a fresh scrollback so memory
// stays bounded on chatty sessions.
func (v *VT) compactLocked() {
	lines := contentLines(v.scrollback)
	if len(lines) > v.maxLines {
		lines = lines[len(lines)-v.maxLines:]
	}
	v.scrollback = midterm.NewTerminal(v.rows, v.cols)
	v.scrollback.AutoResizeY = true
	v.scrollback.AppendOnly = true
	_, _ = v.scrollback.Write([]byte(strings.Join(lines, "\r\n")))
}

func (v *VT) SetSize(rows, cols int) {
	if rows <= 0 || cols <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rows = rows
	v.cols = cols
	v.screen.Resize(rows, cols)
	v.scrollback.Resize(v.scrollback.Height, cols)
}

func (v *VT) CursorPosition() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.screen.Cursor.Y, v.screen.Cursor.X
}

func (v *VT) CursorLine() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	y := v.screen.Cursor.Y
	if y < 0 || y >= len(v.screen.Content) {
		return ""
	}
	return strings.TrimRight(string(v.screen.Content[y]), " \x00")
}

func (v *VT) SnapshotLines() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	lines := contentLines(v.scrollback)
	if len(lines) > v.maxLines {
		lines = lines[len(lines)-v.maxLines:]
	}
	return lines
}

// Reseed discards the grid and replays lines as plain text.
func (v *VT) Reseed(lines []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reset()
	if len(lines) == 0 {
		return
	}
	payload := []byte(strings.Join(lines, "\r\n"))
	_, _ = v.screen.Write(payload)
	_, _ = v.scrollback.Write(payload)
}

func contentLines(t *midterm.Terminal) []string {
	out := make([]string, 0, len(t.Content))
	for _, row := range t.Content {
		out = append(out, strings.TrimRight(string(row), " \x00"))
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}
