package board

import (
	"testing"

	"boardsync/internal/domain"
)

type recordingObserver struct {
	entities []domain.EntityRef
	boards   int
}

func (r *recordingObserver) OnEntityChange(kind domain.EntityKind, id string) {
	r.entities = append(r.entities, domain.EntityRef{Kind: kind, ID: id})
}

func (r *recordingObserver) OnBoardChange() { r.boards++ }

func TestMutationsNotifyObservers(t *testing.T) {
	s := NewStore()
	obs := &recordingObserver{}
	s.Watch(obs)

	s.PutNote(domain.Note{ID: "n1", Text: "hi"})
	s.PutConnector(domain.Connector{ID: "c1", From: "n1", To: "n1"})
	s.DeleteConnector("c1")
	s.DeleteNote("n1")

	want := []domain.EntityRef{
		{Kind: domain.KindNote, ID: "n1"},
		{Kind: domain.KindConnector, ID: "c1"},
		{Kind: domain.KindConnector, ID: "c1"},
		{Kind: domain.KindNote, ID: "n1"},
	}
	if len(obs.entities) != len(want) {
		t.Fatalf("expected %d notifications, got %d", len(want), len(obs.entities))
	}
	for i, w := range want {
		if obs.entities[i] != w {
			t.Fatalf("notification %d: got %+v want %+v", i, obs.entities[i], w)
		}
	}
}

func TestEntityLookupAndAbsence(t *testing.T) {
	s := NewStore()
	s.PutNote(domain.Note{ID: "n1", Text: "hi"})

	ent, ok := s.Entity(domain.KindNote, "n1")
	if !ok || ent.(domain.Note).Text != "hi" {
		t.Fatalf("lookup failed: %v %v", ent, ok)
	}
	if _, ok := s.Entity(domain.KindNote, "missing"); ok {
		t.Fatal("expected absence for missing note")
	}
	if _, ok := s.Entity(domain.KindConnector, "n1"); ok {
		t.Fatal("kinds must not alias")
	}
}

func TestReplaceNotifiesBoardChange(t *testing.T) {
	s := NewStore()
	obs := &recordingObserver{}
	s.Watch(obs)

	s.Replace(domain.BoardState{
		Notes:      []domain.Note{{ID: "b"}, {ID: "a"}},
		Connectors: []domain.Connector{{ID: "c", From: "a", To: "b"}},
	})
	if obs.boards != 1 {
		t.Fatalf("expected one board notification, got %d", obs.boards)
	}

	state := s.State()
	if len(state.Notes) != 2 || state.Notes[0].ID != "a" || state.Notes[1].ID != "b" {
		t.Fatalf("expected stable ID order, got %+v", state.Notes)
	}
	if len(state.Connectors) != 1 {
		t.Fatalf("connectors lost in replace: %+v", state.Connectors)
	}
}

type reentrantObserver struct {
	store *Store
	reads int
}

func (r *reentrantObserver) OnEntityChange(kind domain.EntityKind, id string) {
	// Observers may read the store from inside a notification.
	if _, ok := r.store.Entity(kind, id); ok {
		r.reads++
	}
}

func (r *reentrantObserver) OnBoardChange() {}

func TestObserverMayReadStoreDuringNotification(t *testing.T) {
	s := NewStore()
	obs := &reentrantObserver{store: s}
	s.Watch(obs)

	s.PutNote(domain.Note{ID: "n1"})
	if obs.reads != 1 {
		t.Fatalf("reentrant read failed, reads=%d", obs.reads)
	}
}
