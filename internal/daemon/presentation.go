package daemon

import (
	"time"

	"github.com/g960059/termrelay/internal/api"
	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/session"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func optionalTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	v := formatTime(t)
	return &v
}

func toSessionItem(s session.Snapshot) api.SessionItem {
	return api.SessionItem{
		TerminalID:        s.TerminalID,
		TerminalType:      string(s.TerminalType),
		WorkspaceID:       s.WorkspaceID,
		MemberID:          s.MemberID,
		Automation:        string(s.Automation),
		Status:            string(s.Status),
		StatusLocked:      s.StatusLocked,
		UIActive:          s.UIActive,
		FlowPaused:        s.FlowPaused,
		ShellReady:        s.ShellReady,
		ChatPending:       s.ChatPending,
		AwaitingReply:     s.AwaitingReply,
		LastInput:         s.LastInput,
		OutputSeq:         s.OutputSeq,
		UnackedBytes:      s.UnackedBytes,
		PendingInputCount: s.PendingInputCount,
		Rows:              s.Rows,
		Cols:              s.Cols,
		PostReady: api.PostReadyItem{
			Phase:     string(s.PostReady.Phase),
			StepIndex: s.PostReady.StepIndex,
			Restarts:  s.PostReady.Restarts,
			SessionID: s.PostReady.SessionID,
		},
		CreatedAt:      formatTime(s.CreatedAt),
		LastActivityAt: formatTime(s.LastActivityAt),
		LastOutputAt:   optionalTime(s.LastOutputAt),
	}
}

func toChatMessageItem(m model.ChatMessage) api.ChatMessageItem {
	return api.ChatMessageItem{
		MessageID:      m.MessageID,
		WorkspaceID:    m.WorkspaceID,
		ConversationID: m.ConversationID,
		TerminalID:     m.TerminalID,
		MemberID:       m.MemberID,
		Text:           m.Text,
		CreatedAt:      formatTime(m.CreatedAt),
	}
}

func toOutboxTaskItem(t model.ChatOutboxTask) api.OutboxTaskItem {
	item := api.OutboxTaskItem{
		MessageID:     t.MessageID,
		WorkspaceID:   t.Payload.WorkspaceID,
		TerminalID:    t.Payload.TerminalID,
		Text:          t.Payload.Text,
		Mentions:      t.Payload.Mentions,
		Status:        string(t.Status),
		Attempts:      t.Attempts,
		CreatedAt:     formatTime(t.CreatedAt),
		UpdatedAt:     formatTime(t.UpdatedAt),
		NextAttemptAt: formatTime(t.NextAttemptAt),
		LastError:     t.LastError,
	}
	if t.SendingSince != nil {
		item.SendingSince = optionalTime(*t.SendingSince)
	}
	return item
}
