package schedule

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"boardsync/internal/domain"
)

type fakeStore struct {
	mu         sync.Mutex
	notes      map[string]domain.Note
	connectors map[string]domain.Connector
}

func newFakeStore() *fakeStore {
	return &fakeStore{notes: map[string]domain.Note{}, connectors: map[string]domain.Connector{}}
}

func (f *fakeStore) Entity(kind domain.EntityKind, id string) (domain.Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch kind {
	case domain.KindNote:
		n, ok := f.notes[id]
		return n, ok
	case domain.KindConnector:
		c, ok := f.connectors[id]
		return c, ok
	}
	return nil, false
}

func (f *fakeStore) State() domain.BoardState {
	f.mu.Lock()
	defer f.mu.Unlock()
	var state domain.BoardState
	for _, n := range f.notes {
		state.Notes = append(state.Notes, n)
	}
	for _, c := range f.connectors {
		state.Connectors = append(state.Connectors, c)
	}
	return state
}

type renderCall struct {
	ref     domain.EntityRef
	entity  domain.Entity
	present bool
	board   bool
}

type captureRenderer struct {
	mu      sync.Mutex
	calls   []renderCall
	panicOn string
	onRender func(ref domain.EntityRef)
}

func (r *captureRenderer) RenderEntity(ref domain.EntityRef, entity domain.Entity, present bool) {
	if r.panicOn != "" && ref.ID == r.panicOn {
		panic("render failure: " + ref.ID)
	}
	r.mu.Lock()
	r.calls = append(r.calls, renderCall{ref: ref, entity: entity, present: present})
	r.mu.Unlock()
	if r.onRender != nil {
		r.onRender(ref)
	}
}

func (r *captureRenderer) RenderBoard(state domain.BoardState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, renderCall{board: true})
}

func (r *captureRenderer) rendered() []renderCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]renderCall(nil), r.calls...)
}

// manualRunner stands in for the host frame callback: scheduled drains run
// only when the test steps a tick.
type manualRunner struct {
	pending []func()
	ticks   int
}

func (m *manualRunner) run(fn func()) { m.pending = append(m.pending, fn) }

func (m *manualRunner) step(t *testing.T) {
	t.Helper()
	if len(m.pending) == 0 {
		t.Fatal("no drain scheduled")
	}
	fn := m.pending[0]
	m.pending = m.pending[1:]
	m.ticks++
	fn()
}

func (m *manualRunner) drainAll(t *testing.T) {
	t.Helper()
	for len(m.pending) > 0 {
		m.step(t)
	}
}

func TestNotifyRendersCurrentEntityState(t *testing.T) {
	store := newFakeStore()
	renderer := &captureRenderer{}
	runner := &manualRunner{}
	s := New(store, renderer, runner.run)

	store.notes["n1"] = domain.Note{ID: "n1", Text: "old"}
	s.Notify(domain.KindNote, "n1")
	// Mutation lands after the notification but before the drain tick.
	store.notes["n1"] = domain.Note{ID: "n1", Text: "new"}

	runner.drainAll(t)
	calls := renderer.rendered()
	if len(calls) != 1 {
		t.Fatalf("expected 1 render, got %d", len(calls))
	}
	if calls[0].entity.(domain.Note).Text != "new" {
		t.Fatalf("expected task to read current state, got %q", calls[0].entity.(domain.Note).Text)
	}
}

func TestDeletedEntityRendersAbsent(t *testing.T) {
	store := newFakeStore()
	renderer := &captureRenderer{}
	runner := &manualRunner{}
	s := New(store, renderer, runner.run)

	s.Notify(domain.KindNote, "gone")
	runner.drainAll(t)

	calls := renderer.rendered()
	if len(calls) != 1 || calls[0].present {
		t.Fatalf("expected absent render for deleted entity, got %+v", calls)
	}
}

func TestNoteChangeCascadesToConnectors(t *testing.T) {
	store := newFakeStore()
	store.notes["n1"] = domain.Note{ID: "n1"}
	store.notes["n2"] = domain.Note{ID: "n2"}
	store.connectors["c1"] = domain.Connector{ID: "c1", From: "n1", To: "n2"}
	store.connectors["c2"] = domain.Connector{ID: "c2", From: "n2", To: "n2"}
	renderer := &captureRenderer{}
	runner := &manualRunner{}
	s := New(store, renderer, runner.run)

	s.Notify(domain.KindNote, "n1")
	runner.drainAll(t)

	var connectorRenders []string
	for _, c := range renderer.rendered() {
		if c.ref.Kind == domain.KindConnector {
			connectorRenders = append(connectorRenders, c.ref.ID)
		}
	}
	if len(connectorRenders) != 1 || connectorRenders[0] != "c1" {
		t.Fatalf("expected cascade to c1 only, got %v", connectorRenders)
	}
}

func TestBoardChangeRendersFullState(t *testing.T) {
	store := newFakeStore()
	renderer := &captureRenderer{}
	runner := &manualRunner{}
	s := New(store, renderer, runner.run)

	s.NotifyBoardChange()
	runner.drainAll(t)

	calls := renderer.rendered()
	if len(calls) != 1 || !calls[0].board {
		t.Fatalf("expected one board render, got %+v", calls)
	}
}

func TestEveryNotifyRunsExactlyOnceFIFO(t *testing.T) {
	store := newFakeStore()
	renderer := &captureRenderer{}
	runner := &manualRunner{}
	s := New(store, renderer, runner.run)

	for i := 0; i < 5; i++ {
		s.Notify(domain.KindNote, fmt.Sprintf("n%d", i))
	}
	if got := s.Depth(); got != 5 {
		t.Fatalf("expected depth 5, got %d", got)
	}
	runner.drainAll(t)

	calls := renderer.rendered()
	if len(calls) != 5 {
		t.Fatalf("expected 5 renders, got %d", len(calls))
	}
	for i, c := range calls {
		if want := fmt.Sprintf("n%d", i); c.ref.ID != want {
			t.Fatalf("FIFO order broken at %d: got %s", i, c.ref.ID)
		}
	}
	if s.Depth() != 0 {
		t.Fatalf("queue should be empty, depth=%d", s.Depth())
	}
	if s.Scheduled() != 5 {
		t.Fatalf("expected 5 scheduled total, got %d", s.Scheduled())
	}
}

func TestSingleFlightDrain(t *testing.T) {
	store := newFakeStore()
	renderer := &captureRenderer{}
	runner := &manualRunner{}
	s := New(store, renderer, runner.run)

	s.Notify(domain.KindNote, "a")
	s.Notify(domain.KindNote, "b")
	s.Notify(domain.KindNote, "c")
	if len(runner.pending) != 1 {
		t.Fatalf("expected a single scheduled drain, got %d", len(runner.pending))
	}

	// A task queueing more work must not start a second drain either.
	renderer.onRender = func(ref domain.EntityRef) {
		if ref.ID == "a" {
			s.Notify(domain.KindNote, "d")
			if len(runner.pending) != 0 {
				t.Fatalf("notify during drain scheduled a concurrent drain")
			}
		}
	}
	runner.drainAll(t)
	if len(renderer.rendered()) != 4 {
		t.Fatalf("expected 4 renders, got %d", len(renderer.rendered()))
	}
}

func TestBudgetSplitsDrainAcrossTicks(t *testing.T) {
	store := newFakeStore()
	runner := &manualRunner{}
	clock := time.Unix(0, 0)
	renderer := &captureRenderer{}
	// Every render costs 6ms of fake time against a 10ms budget: two tasks
	// fit in a tick, the third check trips the budget.
	renderer.onRender = func(domain.EntityRef) { clock = clock.Add(6 * time.Millisecond) }
	s := New(store, renderer, runner.run,
		WithFrameBudget(10*time.Millisecond),
		WithClock(func() time.Time { return clock }))

	for i := 0; i < 5; i++ {
		s.Notify(domain.KindNote, fmt.Sprintf("n%d", i))
	}
	runner.drainAll(t)

	if len(renderer.rendered()) != 5 {
		t.Fatalf("expected all 5 tasks to run, got %d", len(renderer.rendered()))
	}
	if runner.ticks != 3 {
		t.Fatalf("expected drain spread over 3 ticks, got %d", runner.ticks)
	}
}

func TestFailingTaskDoesNotStallQueue(t *testing.T) {
	store := newFakeStore()
	runner := &manualRunner{}
	renderer := &captureRenderer{panicOn: "bad"}
	var logged []string
	s := New(store, renderer, runner.run,
		WithLogf(func(format string, args ...any) {
			logged = append(logged, fmt.Sprintf(format, args...))
		}))

	s.Notify(domain.KindNote, "bad")
	s.Notify(domain.KindNote, "good")
	runner.drainAll(t)

	calls := renderer.rendered()
	if len(calls) != 1 || calls[0].ref.ID != "good" {
		t.Fatalf("expected surviving render of good, got %+v", calls)
	}
	if len(logged) != 1 {
		t.Fatalf("expected one failure log, got %v", logged)
	}
	if s.Depth() != 0 {
		t.Fatalf("queue stalled, depth=%d", s.Depth())
	}
}
