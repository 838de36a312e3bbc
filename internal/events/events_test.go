package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/termrelay/internal/model"
)

func TestHubSinceCursor(t *testing.T) {
	h := NewHub(8)
	h.StatusChanged(model.StatusChange{TerminalID: "t1", From: model.StatusIdle, To: model.StatusWorking})
	h.ChatMessage(model.ChatMessage{TerminalID: "t1", MessageID: "m1", Text: "done"})

	all, err := h.Since("")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, KindStatus, all[0].Kind)
	assert.Equal(t, KindChat, all[1].Kind)

	rest, err := h.Since(all[0].Cursor)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "m1", rest[0].MessageID)

	none, err := h.Since(all[1].Cursor)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHubResetOnForeignOrEvictedCursor(t *testing.T) {
	h := NewHub(2)
	for i := 0; i < 5; i++ {
		h.Output("t1", uint64(i), []byte("abc"))
	}

	evs, err := h.Since("other-stream:1")
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, KindReset, evs[0].Kind)
	assert.Equal(t, int64(4), evs[1].Sequence)
	assert.Equal(t, int64(5), evs[2].Sequence)

	evs, err = h.Since(h.StreamID() + ":1")
	require.NoError(t, err)
	assert.Equal(t, KindReset, evs[0].Kind)

	evs, err = h.Since(h.StreamID() + ":3")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, KindOutput, evs[0].Kind)
	assert.Equal(t, 3, evs[0].Bytes)
}

func TestHubRejectsMalformedCursor(t *testing.T) {
	h := NewHub(4)
	_, err := h.Since("nocolon")
	assert.Error(t, err)
	_, err = h.Since("s:-1")
	assert.Error(t, err)
}

func TestHubSubscribeSignals(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()
	h.SessionError("t1", errors.New("read failed"), true)
	select {
	case <-ch:
	default:
		t.Fatal("subscriber was not signalled")
	}
	evs, err := h.Since("")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Fatal)
	assert.Equal(t, "read failed", evs[0].Error)
}

func TestFanoutForwardsToEveryPort(t *testing.T) {
	a, b := NewHub(4), NewHub(4)
	Fanout{a, NewLogPort(nil), b}.SessionClosed("t1", 2)
	for _, h := range []*Hub{a, b} {
		evs, err := h.Since("")
		require.NoError(t, err)
		require.Len(t, evs, 1)
		require.NotNil(t, evs[0].ExitCode)
		assert.Equal(t, 2, *evs[0].ExitCode)
	}
}
