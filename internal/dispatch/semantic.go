package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/termrelay/internal/filter"
	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/security"
	"github.com/g960059/termrelay/internal/session"
	"github.com/g960059/termrelay/internal/trigger"
)

// FlushRequest is the screen captured when a reply was judged settled.
type FlushRequest struct {
	TerminalID   string
	TerminalType model.TerminalType
	WorkspaceID  string
	MemberID     string
	Lines        []string
	Input        []string
	Cols         int
	OutputSeq    uint64
	Forced       bool
	Silence      time.Duration
	PendingSince time.Time
	RequestedAt  time.Time
}

// semanticWorker extracts replies for one session, one request at a time.
// Its queue keeps only the newest requests.
type semanticWorker struct {
	d    *Dispatcher
	id   string
	reqs chan FlushRequest
	done chan struct{}
	once sync.Once

	lastText string
}

func newSemanticWorker(d *Dispatcher, id string) *semanticWorker {
	return &semanticWorker{
		d:    d,
		id:   id,
		reqs: make(chan FlushRequest, d.cfg.QueueSize),
		done: make(chan struct{}),
	}
}

// offer never blocks. A full queue sheds its oldest request first.
func (w *semanticWorker) offer(req FlushRequest) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.reqs <- req:
		return true
	default:
	}
	select {
	case <-w.reqs:
	default:
	}
	select {
	case w.reqs <- req:
		return true
	default:
		return false
	}
}

func (w *semanticWorker) stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *semanticWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case req := <-w.reqs:
			w.process(ctx, req)
		}
	}
}

func (w *semanticWorker) process(ctx context.Context, req FlushRequest) {
	d := w.d
	logger := d.logger.With(zap.String("terminal_id", req.TerminalID), zap.Uint64("output_seq", req.OutputSeq))
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("semantic extraction panicked", zap.Any("panic", rec))
		}
	}()

	mode, maxBullets := filter.ModeFinal, 1
	if d.settings == nil || d.settings.StreamReplies() {
		mode, maxBullets = filter.ModeStreaming, d.cfg.StreamMaxBullets
	}
	res := filter.Extract(filter.ProfileFor(req.TerminalType), filter.Request{
		Lines:      req.Lines,
		Input:      req.Input,
		Mode:       mode,
		MaxBullets: maxBullets,
		Cols:       req.Cols,
	})
	logger = logger.With(zap.String("outcome", res.Outcome.String()), zap.String("reason", res.Reason), zap.Bool("forced", req.Forced))
	if d.observer != nil {
		d.observer.FlushCompleted(res.Outcome.String())
	}

	switch res.Outcome {
	case filter.OutcomeEmit:
		w.emit(ctx, req, security.Redact(res.Text()), logger)
	case filter.OutcomeDefer:
		w.retry(req, logger)
	case filter.OutcomeDrop:
		logger.Info("reply dropped")
	}
}

func (w *semanticWorker) emit(ctx context.Context, req FlushRequest, text string, logger *zap.Logger) {
	d := w.d
	if text == "" || text == w.lastText {
		logger.Debug("reply unchanged; not emitted")
		w.settle(req)
		return
	}
	msg := model.ChatMessage{
		WorkspaceID: req.WorkspaceID,
		TerminalID:  req.TerminalID,
		MemberID:    req.MemberID,
		Text:        text,
		CreatedAt:   req.RequestedAt,
	}
	if d.repo != nil {
		id, err := d.repo.SaveChatMessage(ctx, msg)
		if err != nil {
			logger.Warn("persist chat message failed", zap.Error(err))
			d.port.SessionError(req.TerminalID, err, false)
			return
		}
		msg.MessageID = id
	}
	w.lastText = text
	w.settle(req)
	d.port.ChatMessage(msg)
	logger.Info("reply emitted", zap.String("message_id", msg.MessageID), zap.Duration("silence", req.Silence))
}

// settle ends the wait for a reply unless more output arrived after the
// flush was requested.
func (w *semanticWorker) settle(req FlushRequest) {
	eff, err := w.d.registry.Update(req.TerminalID, func(s *session.Session) {
		if s.OutputSeq == req.OutputSeq {
			s.AwaitingReply = false
		}
	})
	_ = w.d.Perform(eff)
	if err != nil {
		w.d.logger.Debug("settle reply skipped", zap.String("terminal_id", req.TerminalID), zap.Error(err))
	}
}

// retry re-arms chat_pending so that the flush rule runs again once the
// reply block is bounded by the next prompt.
func (w *semanticWorker) retry(req FlushRequest, logger *zap.Logger) {
	d := w.d
	now := d.registry.Now()
	rearmed := false
	eff, err := d.registry.Update(req.TerminalID, func(s *session.Session) {
		if s.ChatPending {
			return
		}
		if s.DeferRetries >= d.cfg.DeferRetries {
			s.AwaitingReply = false
			return
		}
		s.DeferRetries++
		s.ChatPending = true
		s.ChatPendingSince = now
		rearmed = true
	})
	_ = d.Perform(eff) // logged and reported as session errors
	if err != nil {
		logger.Debug("defer retry skipped", zap.Error(err))
		return
	}
	if !rearmed {
		logger.Info("reply deferred; retries exhausted or already pending")
		return
	}
	logger.Debug("reply deferred; chat pending re-armed")
	d.emitFact(trigger.Fact{Kind: trigger.FactChatPending, TerminalID: req.TerminalID, At: now})
}
