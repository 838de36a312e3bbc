package trigger

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler evaluates rules for the planned targets. It runs on the scheduler
// goroutine and returns any further re-checks it wants armed.
type Handler interface {
	HandleTrigger(ctx context.Context, mask RuleMask, targets []string, now time.Time) []Deferred
}

// Observer receives scheduler activity, used for metrics.
type Observer interface {
	TriggerFired(mask RuleMask, stage Stage)
	TriggerStale()
}

type SchedulerConfig struct {
	Timings    Timings
	Handler    Handler
	WorkingSet func() []string
	Observer   Observer
	Logger     *zap.Logger
	Now        func() time.Time
	// QueueSize bounds the event channel. Once it is full, events are
	// coalesced per terminal until the scheduler goroutine catches up.
	QueueSize int
}

// Scheduler owns the deferred-check heap. Everything except EmitFact and
// Defer is confined to the goroutine running Run.
type Scheduler struct {
	cfg    SchedulerConfig
	events chan Event
	done   chan struct{}
	queue  dueHeap
	latest map[Key]time.Time
	seq    uint64
	logger *zap.Logger

	// overflow holds events published while events was full. wake has
	// capacity one and is signalled when overflow becomes non-empty.
	overflowMu    sync.Mutex
	overflowFacts map[factKey]Fact
	overflowDefer map[Key]Deferred
	wake          chan struct{}
}

type factKey struct {
	kind       FactKind
	terminalID string
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.WorkingSet == nil {
		cfg.WorkingSet = func() []string { return nil }
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		events: make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		latest: map[Key]time.Time{},
		logger: logger,

		overflowFacts: map[factKey]Fact{},
		overflowDefer: map[Key]Deferred{},
		wake:          make(chan struct{}, 1),
	}
}

// EmitFact publishes a fact. Safe from any goroutine and never blocks, so
// it may be called from the scheduler goroutine itself.
func (s *Scheduler) EmitFact(f Fact) {
	s.publish(Event{Kind: EventFact, Fact: f})
}

// Defer asks the scheduler goroutine to arm a re-check. It never blocks.
func (s *Scheduler) Defer(d Deferred) {
	s.publish(Event{Kind: EventDeferred, Deferred: d})
}

func (s *Scheduler) publish(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
		return
	default:
	}
	s.coalesce(ev)
}

// coalesce parks ev in the overflow maps. Later facts replace earlier ones of
// the same kind for a terminal, except chat pending keeps its first
// timestamp. Deferred checks keep the latest due time per key.
func (s *Scheduler) coalesce(ev Event) {
	s.overflowMu.Lock()
	switch ev.Kind {
	case EventDeferred:
		if prev, ok := s.overflowDefer[ev.Deferred.Key]; !ok || ev.Deferred.Due.After(prev.Due) {
			s.overflowDefer[ev.Deferred.Key] = ev.Deferred
		}
	default:
		k := factKey{kind: ev.Fact.Kind, terminalID: ev.Fact.TerminalID}
		if _, ok := s.overflowFacts[k]; !ok || ev.Fact.Kind != FactChatPending {
			s.overflowFacts[k] = ev.Fact
		}
	}
	s.overflowMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// takeOverflow empties the overflow maps.
func (s *Scheduler) takeOverflow() []Event {
	s.overflowMu.Lock()
	defer s.overflowMu.Unlock()
	if len(s.overflowFacts) == 0 && len(s.overflowDefer) == 0 {
		return nil
	}
	out := make([]Event, 0, len(s.overflowFacts)+len(s.overflowDefer))
	for _, d := range s.overflowDefer {
		out = append(out, Event{Kind: EventDeferred, Deferred: d})
	}
	for _, f := range s.overflowFacts {
		out = append(out, Event{Kind: EventFact, Fact: f})
	}
	clear(s.overflowFacts)
	clear(s.overflowDefer)
	return out
}

// drainOverflow handles everything parked while the queue was full.
func (s *Scheduler) drainOverflow(ctx context.Context) {
	for _, ev := range s.takeOverflow() {
		s.Handle(ctx, ev, s.cfg.Now())
	}
}

// Run drives the scheduler until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)
	if s.cfg.Timings.StatusPollInterval > 0 {
		s.push(statusTickKey, s.cfg.Now().Add(s.cfg.Timings.StatusPollInterval))
	}
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.RunDue(ctx, s.cfg.Now())

		wait := time.Hour
		if next, ok := s.NextDue(); ok {
			wait = next.Sub(s.cfg.Now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.Handle(ctx, ev, s.cfg.Now())
		case <-s.wake:
			s.drainOverflow(ctx)
		case <-timer.C:
		}
	}
}

// Handle plans and runs one incoming event.
func (s *Scheduler) Handle(ctx context.Context, ev Event, now time.Time) {
	if ev.Kind == EventDeferred {
		// Deferred events from publishers are armed, not run immediately.
		s.Schedule(ev.Deferred)
		return
	}
	s.execute(ctx, ev, now)
}

// Schedule arms a deferred check. An earlier-or-equal due time for a key
// that already has a later one pending is ignored.
func (s *Scheduler) Schedule(d Deferred) bool {
	if d.Mask.Has(RuleStatusFallback) {
		panic("trigger: deferred trigger must not carry status fallback")
	}
	return s.push(d.Key, d.Due)
}

func (s *Scheduler) push(key Key, due time.Time) bool {
	if prev, ok := s.latest[key]; ok && !due.After(prev) {
		return false
	}
	s.latest[key] = due
	s.seq++
	heap.Push(&s.queue, &entry{key: key, due: due, seq: s.seq})
	return true
}

// NextDue returns the due time of the heap head.
func (s *Scheduler) NextDue() (time.Time, bool) {
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].due, true
}

// Pending reports how many live keys are armed.
func (s *Scheduler) Pending() int {
	return len(s.latest)
}

// RunDue fires every entry due at or before now and returns how many fired.
// Entries superseded by a later schedule for their key are discarded.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	fired := 0
	for len(s.queue) > 0 && !s.queue[0].due.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		if latest, ok := s.latest[e.key]; !ok || !latest.Equal(e.due) {
			if s.cfg.Observer != nil {
				s.cfg.Observer.TriggerStale()
			}
			continue
		}
		delete(s.latest, e.key)
		fired++
		if e.key == statusTickKey {
			s.execute(ctx, Event{Kind: EventStatusTick}, now)
			continue
		}
		s.execute(ctx, Event{Kind: EventDeferred, Deferred: Deferred{Key: e.key, Due: e.due}}, now)
	}
	return fired
}

func (s *Scheduler) execute(ctx context.Context, ev Event, now time.Time) {
	plan := PlanTrigger(ev, now, s.cfg.Timings, s.workingSet(ev))
	if !plan.NextTick.IsZero() {
		s.push(statusTickKey, plan.NextTick)
	}
	for _, d := range plan.Schedule {
		s.Schedule(d)
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.TriggerFired(plan.Mask, stageOf(ev))
	}
	if plan.Mask == 0 || len(plan.Targets) == 0 || s.cfg.Handler == nil {
		return
	}
	for _, d := range s.cfg.Handler.HandleTrigger(ctx, plan.Mask, plan.Targets, now) {
		s.Schedule(d)
	}
}

func (s *Scheduler) workingSet(ev Event) []string {
	if ev.Kind != EventStatusTick {
		return nil
	}
	return s.cfg.WorkingSet()
}

func stageOf(ev Event) Stage {
	switch ev.Kind {
	case EventStatusTick:
		return StageStatusTick
	case EventDeferred:
		return ev.Deferred.Stage
	}
	return StageNone
}

type entry struct {
	key Key
	due time.Time
	seq uint64
}

type dueHeap []*entry

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
