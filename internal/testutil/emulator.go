package testutil

import (
	"strings"
	"sync"
)

// FakeEmulator renders output as plain lines: "\r" is dropped and "\n"
// starts a new line. Escape sequences are kept verbatim.
type FakeEmulator struct {
	mu    sync.Mutex
	lines []string
	rows  int
	cols  int
}

func NewFakeEmulator() *FakeEmulator {
	return &FakeEmulator{lines: []string{""}, rows: 24, cols: 80}
}

func (f *FakeEmulator) ApplyOutput(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range strings.ReplaceAll(string(p), "\r", "") {
		if r == '\n' {
			f.lines = append(f.lines, "")
			continue
		}
		f.lines[len(f.lines)-1] += string(r)
	}
}

func (f *FakeEmulator) SetSize(rows, cols int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.cols = rows, cols
}

func (f *FakeEmulator) CursorPosition() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lines) - 1, len(f.lines[len(f.lines)-1])
}

// CursorLine is the line being written; the fake cursor never moves up.
func (f *FakeEmulator) CursorLine() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.TrimRight(f.lines[len(f.lines)-1], " ")
}

func (f *FakeEmulator) SnapshotLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.lines))
	for _, l := range f.lines {
		out = append(out, strings.TrimRight(l, " "))
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

// Size reports the last SetSize call.
func (f *FakeEmulator) Size() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, f.cols
}
