package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/security"
)

// Deliverer puts a dispatched message into its target session.
type Deliverer interface {
	Deliver(ctx context.Context, payload model.DispatchPayload) error
}

// Observer receives delivery outcomes, used for metrics.
type Observer interface {
	OutboxClaimed(n int)
	OutboxSent()
	OutboxFailed(dead bool)
}

type WorkerConfig struct {
	PollInterval time.Duration
	Lease        time.Duration
	BatchSize    int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	MaxAttempts  int
}

type Worker struct {
	manager   *Manager
	deliverer Deliverer
	cfg       WorkerConfig
	observer  Observer
	logger    *zap.Logger
	now       func() time.Time
}

func NewWorker(manager *Manager, deliverer Deliverer, cfg WorkerConfig, observer Observer, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		manager:   manager,
		deliverer: deliverer,
		cfg:       cfg,
		observer:  observer,
		logger:    logger,
		now:       time.Now,
	}
}

// Run polls every workspace at the configured interval until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.Poll(ctx, w.now()); err != nil && ctx.Err() == nil {
			w.logger.Warn("outbox poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll drains due tasks of every workspace once and returns how many were
// delivered successfully. A failing workspace does not stop the others.
func (w *Worker) Poll(ctx context.Context, now time.Time) (int, error) {
	workspaces, err := w.manager.Workspaces()
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, ws := range workspaces {
		n, err := w.pollWorkspace(ctx, ws, now)
		sent += n
		if err != nil {
			w.logger.Warn("outbox workspace poll failed", zap.String("workspace_id", ws), zap.Error(err))
		}
	}
	return sent, nil
}

func (w *Worker) pollWorkspace(ctx context.Context, workspaceID string, now time.Time) (int, error) {
	tasks, err := w.manager.ClaimDue(ctx, workspaceID, now, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return 0, err
	}
	if len(tasks) > 0 && w.observer != nil {
		w.observer.OutboxClaimed(len(tasks))
	}
	sent := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			// Unfinished claims are reclaimed after their lease expires.
			return sent, ctx.Err()
		}
		if w.deliver(ctx, workspaceID, task, now) {
			sent++
		}
	}
	return sent, nil
}

func (w *Worker) deliver(ctx context.Context, workspaceID string, task model.ChatOutboxTask, now time.Time) bool {
	logger := w.logger.With(
		zap.String("workspace_id", workspaceID),
		zap.String("message_id", task.MessageID),
		zap.String("terminal_id", task.Payload.TerminalID),
		zap.Int("attempts", task.Attempts),
	)
	deliverErr := w.deliverer.Deliver(ctx, task.Payload)
	if deliverErr == nil {
		if err := w.manager.MarkSent(ctx, workspaceID, task.MessageID); err != nil {
			logger.Warn("outbox mark sent failed", zap.Error(err))
			return false
		}
		if w.observer != nil {
			w.observer.OutboxSent()
		}
		logger.Debug("outbox task delivered")
		return true
	}

	dead := task.Attempts >= w.cfg.MaxAttempts
	next := now.Add(Backoff(task.Attempts, w.cfg.BackoffBase, w.cfg.BackoffCap))
	lastError := security.RedactError(deliverErr)
	if err := w.manager.MarkFailed(ctx, workspaceID, task.MessageID, next, lastError, dead); err != nil {
		logger.Warn("outbox mark failed failed", zap.Error(err))
		return false
	}
	if w.observer != nil {
		w.observer.OutboxFailed(dead)
	}
	if dead {
		logger.Error("outbox task dead-lettered", zap.String("last_error", lastError))
	} else {
		logger.Info("outbox delivery failed; retry scheduled", zap.Time("next_attempt_at", next), zap.String("last_error", lastError))
	}
	return false
}
