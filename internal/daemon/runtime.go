package daemon

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/g960059/termrelay/internal/automation"
	"github.com/g960059/termrelay/internal/config"
	"github.com/g960059/termrelay/internal/dispatch"
	"github.com/g960059/termrelay/internal/events"
	"github.com/g960059/termrelay/internal/metrics"
	"github.com/g960059/termrelay/internal/model"
	"github.com/g960059/termrelay/internal/outbox"
	"github.com/g960059/termrelay/internal/rules"
	"github.com/g960059/termrelay/internal/session"
	"github.com/g960059/termrelay/internal/terminal"
	"github.com/g960059/termrelay/internal/trigger"
)

// Runtime owns every long-lived component of the daemon.
type Runtime struct {
	cfg    config.Config
	logger *zap.Logger

	Registry   *session.Registry
	Outbox     *outbox.Manager
	Events     *events.Hub
	Metrics    *metrics.Metrics
	Dispatcher *dispatch.Dispatcher
	Scheduler  *trigger.Scheduler
	Sessions   *terminal.Manager
	Worker     *outbox.Worker
	Server     *Server
}

// settings serves the user-facing preferences from config.
type settings struct {
	cfg config.Config
}

func (s settings) Locale() string      { return s.cfg.Locale }
func (s settings) StreamReplies() bool { return s.cfg.StreamReplies }

// NewRuntime wires the registry, scheduler, dispatcher, terminal manager
// and outbox behind the API server. A nil launcher starts real PTYs.
func NewRuntime(cfg config.Config, launcher terminal.Launcher, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	if launcher == nil {
		launcher = terminal.PTYLauncher{Logger: logger.Named("pty")}
	}
	rt := &Runtime{cfg: cfg, logger: logger}

	rt.Registry = session.NewRegistry()
	rt.Outbox = outbox.NewManager(cfg.WorkspacesDir())
	rt.Events = events.NewHub(events.DefaultSize)
	rt.Metrics = metrics.New(func() (int, int) {
		return len(rt.Registry.List()), len(rt.Registry.WorkingIDs())
	})
	port := events.Fanout{rt.Events, events.NewLogPort(logger.Named("events"))}

	rt.Dispatcher = dispatch.New(rt.Registry, port, rt.Outbox, settings{cfg: cfg}, dispatch.Config{
		Rules: rules.Timings{
			StatusSilence:  cfg.StatusSilenceTimeout,
			StatusDebounce: cfg.StatusIdleDebounce,
			ChatSilence:    cfg.ChatSilenceTimeout,
			ChatDebounce:   cfg.ChatIdleDebounce,
			ChatForce:      cfg.ChatForceFlush,
		},
		Automation: automation.Config{
			Stability:   cfg.PostReadyStability,
			StepTimeout: cfg.PostReadyStepTimeout,
			MaxRestarts: cfg.PostReadyMaxRestarts,
			Locale:      cfg.Locale,
		},
		StreamMaxBullets: cfg.StreamMaxBullets,
		DeferRetries:     cfg.ChatDeferRetries,
		QueueSize:        1,
	}, rt.Metrics, logger.Named("dispatch"))

	rt.Scheduler = trigger.NewScheduler(trigger.SchedulerConfig{
		Timings: trigger.Timings{
			StatusPollInterval: cfg.StatusPollInterval,
			PostReadyStability: cfg.PostReadyStability,
			ChatSilence:        cfg.ChatSilenceTimeout,
			ChatIdleDebounce:   cfg.ChatIdleDebounce,
			ChatForceFlush:     cfg.ChatForceFlush,
		},
		Handler:    rt.Dispatcher,
		WorkingSet: rt.Registry.WorkingIDs,
		Observer:   rt.Metrics,
		Logger:     logger.Named("scheduler"),
	})
	rt.Dispatcher.BindFacts(rt.Scheduler)

	rt.Sessions = terminal.NewManager(rt.Registry, launcher, rt.Dispatcher, rt.Scheduler, port, terminal.Config{
		Programs: map[model.TerminalType]string{
			model.TerminalClaude: cfg.ClaudeCommand,
			model.TerminalCodex:  cfg.CodexCommand,
			model.TerminalGemini: cfg.GeminiCommand,
		},
		DefaultTerminal: cfg.DefaultTerminal,
		Rows:            cfg.DefaultRows,
		Cols:            cfg.DefaultCols,
		Flow: session.FlowLimits{
			High: cfg.FlowHighWatermark,
			Low:  cfg.FlowLowWatermark,
		},
	}, logger.Named("terminal"))

	rt.Worker = outbox.NewWorker(rt.Outbox, rt.Sessions, outbox.WorkerConfig{
		PollInterval: cfg.OutboxPollInterval,
		Lease:        cfg.OutboxLease,
		BatchSize:    cfg.OutboxBatchSize,
		BackoffBase:  cfg.OutboxBackoffBase,
		BackoffCap:   cfg.OutboxBackoffCap,
		MaxAttempts:  cfg.OutboxMaxAttempts,
	}, rt.Metrics, logger.Named("outbox"))

	rt.Server = NewServer(cfg, Deps{
		Sessions: rt.Sessions,
		Outbox:   rt.Outbox,
		Events:   rt.Events,
		Metrics:  rt.Metrics.Handler(),
		Logger:   logger.Named("api"),
	})
	return rt
}

// Run starts the background loops and serves the API until ctx ends, then
// closes every session and store.
func (rt *Runtime) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := rt.Scheduler.Run(loopCtx); err != nil {
			rt.logger.Error("scheduler stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := rt.Worker.Run(loopCtx); err != nil {
			rt.logger.Error("outbox worker stopped", zap.Error(err))
		}
	}()

	err := rt.Server.Start(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	rt.Sessions.Shutdown(context.Background())
	cancel()
	wg.Wait()
	rt.Dispatcher.Close()
	if closeErr := rt.Outbox.Close(); closeErr != nil {
		rt.logger.Warn("close workspace stores", zap.Error(closeErr))
	}
	return err
}
