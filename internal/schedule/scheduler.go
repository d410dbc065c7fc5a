package schedule

import (
	"log"
	"sync"
	"time"

	"boardsync/internal/domain"
)

// Store is the slice of the entity store the scheduler reads. Lookups happen
// when a task runs, not when it is queued, so a task always renders current
// state even if the entity changed or vanished since the notification.
type Store interface {
	Entity(kind domain.EntityKind, id string) (domain.Entity, bool)
	State() domain.BoardState
}

// Renderer receives refresh callbacks. Both methods must be idempotent:
// the scheduler does not deduplicate notifications, so the same entity may
// be rendered several times in one tick.
type Renderer interface {
	RenderEntity(ref domain.EntityRef, entity domain.Entity, present bool)
	RenderBoard(state domain.BoardState)
}

// RunSoon is the host's cooperative "run before next redraw" primitive.
// Each call schedules fn for exactly one later invocation.
type RunSoon func(fn func())

// DefaultFrameBudget bounds how long one drain tick keeps pulling tasks.
// It is a scheduling heuristic, not an execution cap: a single slow task
// can overshoot it.
const DefaultFrameBudget = 12 * time.Millisecond

// Scheduler coalesces change notifications into a FIFO task queue drained in
// frame-sized slices, so a burst of changes never monopolizes the thread the
// renderer runs on.
type Scheduler struct {
	store    Store
	renderer Renderer
	runSoon  RunSoon
	budget   time.Duration
	now      func() time.Time
	logf     func(format string, args ...any)

	mu        sync.Mutex
	queue     []func()
	draining  bool
	scheduled uint64
}

type Option func(*Scheduler)

func WithFrameBudget(d time.Duration) Option {
	return func(s *Scheduler) { s.budget = d }
}

// WithClock replaces the wall clock used for budget accounting.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogf replaces the destination for failed-task reports.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(s *Scheduler) { s.logf = logf }
}

func New(store Store, renderer Renderer, runSoon RunSoon, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		renderer: renderer,
		runSoon:  runSoon,
		budget:   DefaultFrameBudget,
		now:      time.Now,
		logf:     log.Printf,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify queues a refresh of one entity. When the task runs it re-reads the
// entity and renders it, or renders absence if it was deleted meanwhile.
// A changed note additionally re-renders every connector referencing it
// (cascading invalidation).
func (s *Scheduler) Notify(kind domain.EntityKind, id string) {
	s.enqueue(func() { s.renderEntity(kind, id) })
}

// NotifyBoardChange queues a full board refresh.
func (s *Scheduler) NotifyBoardChange() {
	s.enqueue(func() { s.renderer.RenderBoard(s.store.State()) })
}

// OnEntityChange and OnBoardChange make the scheduler a store observer.

func (s *Scheduler) OnEntityChange(kind domain.EntityKind, id string) { s.Notify(kind, id) }

func (s *Scheduler) OnBoardChange() { s.NotifyBoardChange() }

// Scheduled reports the total number of tasks ever queued.
func (s *Scheduler) Scheduled() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}

// Depth reports the current queue depth.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) enqueue(task func()) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	s.scheduled++
	start := !s.draining
	if start {
		s.draining = true
	}
	s.mu.Unlock()
	if start {
		s.runSoon(s.drain)
	}
}

// drain pops tasks FIFO until the queue empties or the tick budget is spent.
// Leftover work is handed to the next tick; only then does another RunSoon
// get requested, so at most one drain is ever scheduled or running.
func (s *Scheduler) drain() {
	start := s.now()
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		if s.now().Sub(start) > s.budget {
			s.mu.Unlock()
			s.runSoon(s.drain)
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.runTask(task)
	}
}

// runTask isolates one task so a failing render cannot stall the rest of the
// queue.
func (s *Scheduler) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("schedule: render task failed: %v", r)
		}
	}()
	task()
}

func (s *Scheduler) renderEntity(kind domain.EntityKind, id string) {
	ref := domain.EntityRef{Kind: kind, ID: id}
	entity, ok := s.store.Entity(kind, id)
	s.renderer.RenderEntity(ref, entity, ok)
	if kind != domain.KindNote {
		return
	}
	// Connectors reference notes by ID; a moved or deleted note invalidates
	// every connector touching it even though none of them changed.
	for _, c := range s.store.State().Connectors {
		if c.From == id || c.To == id {
			s.renderer.RenderEntity(c.Ref(), c, true)
		}
	}
}
