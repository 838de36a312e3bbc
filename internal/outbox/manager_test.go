package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/termrelay/internal/model"
)

func TestManagerSavesChatMessagesInDefaultWorkspace(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	m := newTestManager(t, now)
	ctx := context.Background()

	id, err := m.SaveChatMessage(ctx, model.ChatMessage{TerminalID: "t1", Text: "done"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := m.ListChatMessages(ctx, "", "t1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, DefaultWorkspace, msgs[0].WorkspaceID)
	assert.Equal(t, "done", msgs[0].Text)
	assert.True(t, msgs[0].CreatedAt.Equal(now))

	ids, err := m.Workspaces()
	require.NoError(t, err)
	assert.Contains(t, ids, DefaultWorkspace)
}

func TestManagerUpsertsMemberSession(t *testing.T) {
	m := newTestManager(t, time.Now())
	ctx := context.Background()

	ms := model.MemberSession{WorkspaceID: "ws1", MemberID: "alice", TerminalID: "t1", SessionID: "s-1"}
	require.NoError(t, m.SaveMemberSession(ctx, ms))
	ms.SessionID = "s-2"
	require.NoError(t, m.SaveMemberSession(ctx, ms))

	store, err := m.Store(ctx, "ws1")
	require.NoError(t, err)
	got, err := store.GetMemberSession(ctx, "ws1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "s-2", got.SessionID)
}
