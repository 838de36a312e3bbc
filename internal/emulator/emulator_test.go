package emulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVTSnapshotAndCursor(t *testing.T) {
	vt := New(10, 40)
	vt.ApplyOutput([]byte("hello\r\nworld"))

	lines := vt.SnapshotLines()
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "hello", lines[0])
	assert.Equal(t, "world", lines[1])

	row, col := vt.CursorPosition()
	assert.Equal(t, 1, row)
	assert.Equal(t, 5, col)
}

func TestVTReseedReplacesContent(t *testing.T) {
	vt := New(10, 40)
	vt.ApplyOutput([]byte("stale output"))
	vt.Reseed([]string{"› ask", "✦ fresh"})

	lines := vt.SnapshotLines()
	require.Len(t, lines, 2)
	assert.Equal(t, "✦ fresh", lines[1])
}

func TestVTIgnoresInvalidSize(t *testing.T) {
	vt := New(0, 0)
	vt.SetSize(-1, 10)
	vt.ApplyOutput([]byte("ok"))
	assert.Equal(t, []string{"ok"}, vt.SnapshotLines())
}
