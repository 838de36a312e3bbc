package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	mask    RuleMask
	targets []string
	at      time.Time
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []call
	next  []Deferred
}

func (h *recordingHandler) HandleTrigger(_ context.Context, mask RuleMask, targets []string, now time.Time) []Deferred {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{mask: mask, targets: append([]string(nil), targets...), at: now})
	out := h.next
	h.next = nil
	return out
}

func (h *recordingHandler) snapshot() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testTimings() Timings {
	return Timings{
		StatusPollInterval: time.Second,
		PostReadyStability: 700 * time.Millisecond,
		ChatSilence:        1200 * time.Millisecond,
		ChatIdleDebounce:   800 * time.Millisecond,
		ChatForceFlush:     20 * time.Second,
	}
}

func TestScheduleLatestWinsFiresOnceAtLaterDue(t *testing.T) {
	h := &recordingHandler{}
	s := NewScheduler(SchedulerConfig{Timings: testTimings(), Handler: h})
	ctx := context.Background()

	t1 := t0.Add(time.Second)
	t2 := t0.Add(2 * time.Second)
	require.True(t, s.Schedule(NewDeferred("a", RuleSemanticFlush, StageChatSilence, t1)))
	require.True(t, s.Schedule(NewDeferred("a", RuleSemanticFlush, StageChatSilence, t2)))

	assert.Equal(t, 0, s.RunDue(ctx, t1))
	assert.Empty(t, h.snapshot())

	assert.Equal(t, 1, s.RunDue(ctx, t2))
	calls := h.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, t2, calls[0].at)
	assert.Equal(t, []string{"a"}, calls[0].targets)

	assert.Equal(t, 0, s.RunDue(ctx, t2.Add(time.Hour)))
	assert.Zero(t, s.Pending())
}

func TestScheduleIgnoresEarlierDue(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Timings: testTimings()})
	later := t0.Add(2 * time.Second)
	require.True(t, s.Schedule(NewDeferred("a", RulePostReady, StagePostReadyStability, later)))
	assert.False(t, s.Schedule(NewDeferred("a", RulePostReady, StagePostReadyStability, t0.Add(time.Second))))

	next, ok := s.NextDue()
	require.True(t, ok)
	assert.Equal(t, later, next)
}

func TestDistinctStagesDoNotCoalesce(t *testing.T) {
	h := &recordingHandler{}
	s := NewScheduler(SchedulerConfig{Timings: testTimings(), Handler: h})
	s.Schedule(NewDeferred("a", RuleSemanticFlush, StageChatSilence, t0.Add(time.Second)))
	s.Schedule(NewDeferred("a", RuleSemanticFlush, StageChatDebounce, t0.Add(2*time.Second)))

	assert.Equal(t, 2, s.RunDue(context.Background(), t0.Add(3*time.Second)))
	assert.Len(t, h.snapshot(), 2)
}

func TestDeferredStatusFallbackPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewDeferred("a", RuleStatusFallback|RuleSemanticFlush, StageChatSilence, t0)
	})
	s := NewScheduler(SchedulerConfig{Timings: testTimings()})
	assert.Panics(t, func() {
		s.Schedule(Deferred{Key: Key{TerminalID: "a", Mask: RuleStatusFallback}, Due: t0})
	})
}

func TestPlanOutputUpdatedArmsThreeChecks(t *testing.T) {
	tm := testTimings()
	plan := PlanTrigger(Event{Kind: EventFact, Fact: Fact{Kind: FactOutputUpdated, TerminalID: "a"}}, t0, tm, nil)
	assert.Equal(t, RulePostReady|RuleSemanticFlush, plan.Mask)
	assert.Equal(t, []string{"a"}, plan.Targets)
	require.Len(t, plan.Schedule, 3)
	assert.Equal(t, t0.Add(tm.PostReadyStability), plan.Schedule[0].Due)
	assert.Equal(t, t0.Add(tm.ChatSilence), plan.Schedule[1].Due)
	assert.Equal(t, t0.Add(tm.ChatSilence+tm.ChatIdleDebounce), plan.Schedule[2].Due)
	for _, d := range plan.Schedule {
		assert.False(t, d.Mask.Has(RuleStatusFallback))
	}
}

func TestPlanChatPendingUsesPendingSinceForForce(t *testing.T) {
	tm := testTimings()
	since := t0.Add(-5 * time.Second)
	plan := PlanTrigger(Event{Kind: EventFact, Fact: Fact{Kind: FactChatPending, TerminalID: "a", At: since}}, t0, tm, nil)
	assert.Equal(t, RuleSemanticFlush, plan.Mask)
	require.Len(t, plan.Schedule, 3)
	assert.Equal(t, StageChatForce, plan.Schedule[2].Stage)
	assert.Equal(t, since.Add(tm.ChatForceFlush), plan.Schedule[2].Due)
}

func TestPlanShellReadyAndTick(t *testing.T) {
	tm := testTimings()
	plan := PlanTrigger(Event{Kind: EventFact, Fact: Fact{Kind: FactShellReady, TerminalID: "a"}}, t0, tm, nil)
	assert.Equal(t, RulePostReady, plan.Mask)
	assert.Empty(t, plan.Schedule)

	plan = PlanTrigger(Event{Kind: EventStatusTick}, t0, tm, []string{"w1", "w2"})
	assert.Equal(t, RuleStatusFallback, plan.Mask)
	assert.Equal(t, []string{"w1", "w2"}, plan.Targets)
	assert.Equal(t, t0.Add(tm.StatusPollInterval), plan.NextTick)
}

func TestHandlerReturnedDeferredsAreArmed(t *testing.T) {
	h := &recordingHandler{next: []Deferred{NewDeferred("a", RulePostReady, StagePostReadyTimeout, t0.Add(5*time.Second))}}
	s := NewScheduler(SchedulerConfig{Timings: testTimings(), Handler: h})
	ctx := context.Background()
	s.Handle(ctx, Event{Kind: EventFact, Fact: Fact{Kind: FactShellReady, TerminalID: "a"}}, t0)

	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, 1, s.RunDue(ctx, t0.Add(5*time.Second)))
	calls := h.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, RulePostReady, calls[1].mask)
}

func TestRunProcessesFactsAndTicks(t *testing.T) {
	h := &recordingHandler{}
	tm := Timings{
		StatusPollInterval: 10 * time.Millisecond,
		PostReadyStability: 5 * time.Millisecond,
		ChatSilence:        5 * time.Millisecond,
		ChatIdleDebounce:   5 * time.Millisecond,
		ChatForceFlush:     time.Second,
	}
	s := NewScheduler(SchedulerConfig{
		Timings:    tm,
		Handler:    h,
		WorkingSet: func() []string { return []string{"w"} },
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.EmitFact(Fact{Kind: FactOutputUpdated, TerminalID: "a", At: time.Now()})

	require.Eventually(t, func() bool {
		var sawFact, sawTick, sawDeferred bool
		for _, c := range h.snapshot() {
			switch {
			case c.mask == RuleStatusFallback:
				sawTick = true
			case c.mask == RulePostReady|RuleSemanticFlush:
				sawFact = true
			case c.mask == RuleSemanticFlush:
				sawDeferred = true
			}
		}
		return sawFact && sawTick && sawDeferred
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEmitFactCoalescesWhenQueueIsFull(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Timings: testTimings(), Handler: &recordingHandler{}, QueueSize: 1})

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 100; i++ {
			s.EmitFact(Fact{Kind: FactOutputUpdated, TerminalID: "a", At: t0.Add(time.Duration(i) * time.Millisecond)})
		}
		s.EmitFact(Fact{Kind: FactChatPending, TerminalID: "b", At: t0})
		s.EmitFact(Fact{Kind: FactChatPending, TerminalID: "b", At: t0.Add(time.Second)})
		s.Defer(NewDeferred("b", RuleSemanticFlush, StageChatSilence, t0.Add(time.Second)))
		s.Defer(NewDeferred("b", RuleSemanticFlush, StageChatSilence, t0.Add(2*time.Second)))
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("EmitFact blocked on a full queue")
	}

	require.Len(t, s.events, 1)
	facts := map[string]Fact{}
	var deferred []Deferred
	for _, ev := range s.takeOverflow() {
		if ev.Kind == EventDeferred {
			deferred = append(deferred, ev.Deferred)
			continue
		}
		facts[ev.Fact.TerminalID] = ev.Fact
	}
	require.Len(t, facts, 2)
	assert.Equal(t, t0.Add(99*time.Millisecond), facts["a"].At, "latest output fact wins")
	assert.Equal(t, t0, facts["b"].At, "chat pending keeps its first timestamp")
	require.Len(t, deferred, 1)
	assert.Equal(t, t0.Add(2*time.Second), deferred[0].Due)
	assert.Empty(t, s.takeOverflow())
}

// emittingHandler publishes facts from inside the scheduler goroutine, the
// way rule effects do when they write to a session.
type emittingHandler struct {
	*recordingHandler
	s    *Scheduler
	once sync.Once
}

func (h *emittingHandler) HandleTrigger(ctx context.Context, mask RuleMask, targets []string, now time.Time) []Deferred {
	h.once.Do(func() {
		for i := 0; i < 10; i++ {
			h.s.EmitFact(Fact{Kind: FactOutputUpdated, TerminalID: "b", At: now})
		}
	})
	return h.recordingHandler.HandleTrigger(ctx, mask, targets, now)
}

func TestRunSurvivesFactsEmittedFromHandler(t *testing.T) {
	h := &emittingHandler{recordingHandler: &recordingHandler{}}
	s := NewScheduler(SchedulerConfig{Timings: testTimings(), Handler: h, QueueSize: 1})
	h.s = s
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.EmitFact(Fact{Kind: FactOutputUpdated, TerminalID: "a", At: time.Now()})

	require.Eventually(t, func() bool {
		for _, c := range h.snapshot() {
			if c.mask == RulePostReady|RuleSemanticFlush && len(c.targets) == 1 && c.targets[0] == "b" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
