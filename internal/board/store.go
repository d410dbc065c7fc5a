package board

import (
	"sort"
	"sync"

	"boardsync/internal/domain"
)

// Observer receives synchronous change notifications whenever a mutation
// commits. Observers run outside the store lock and may read the store or
// trigger further mutations.
type Observer interface {
	OnEntityChange(kind domain.EntityKind, id string)
	OnBoardChange()
}

// Store owns the authoritative board state: notes and the connectors linking
// them. All mutations notify the registered observers.
type Store struct {
	mu         sync.Mutex
	notes      map[string]domain.Note
	connectors map[string]domain.Connector
	observers  []Observer
}

func NewStore() *Store {
	return &Store{notes: map[string]domain.Note{}, connectors: map[string]domain.Connector{}}
}

// Watch registers o for change notifications.
func (s *Store) Watch(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Store) PutNote(n domain.Note) {
	s.mu.Lock()
	s.notes[n.ID] = n
	obs := s.watchers()
	s.mu.Unlock()
	for _, o := range obs {
		o.OnEntityChange(domain.KindNote, n.ID)
	}
}

func (s *Store) DeleteNote(id string) {
	s.mu.Lock()
	delete(s.notes, id)
	obs := s.watchers()
	s.mu.Unlock()
	for _, o := range obs {
		o.OnEntityChange(domain.KindNote, id)
	}
}

func (s *Store) PutConnector(c domain.Connector) {
	s.mu.Lock()
	s.connectors[c.ID] = c
	obs := s.watchers()
	s.mu.Unlock()
	for _, o := range obs {
		o.OnEntityChange(domain.KindConnector, c.ID)
	}
}

func (s *Store) DeleteConnector(id string) {
	s.mu.Lock()
	delete(s.connectors, id)
	obs := s.watchers()
	s.mu.Unlock()
	for _, o := range obs {
		o.OnEntityChange(domain.KindConnector, id)
	}
}

// Replace swaps the whole board in one step, e.g. after a snapshot resync.
func (s *Store) Replace(state domain.BoardState) {
	s.mu.Lock()
	s.notes = make(map[string]domain.Note, len(state.Notes))
	for _, n := range state.Notes {
		s.notes[n.ID] = n
	}
	s.connectors = make(map[string]domain.Connector, len(state.Connectors))
	for _, c := range state.Connectors {
		s.connectors[c.ID] = c
	}
	obs := s.watchers()
	s.mu.Unlock()
	for _, o := range obs {
		o.OnBoardChange()
	}
}

// Entity returns the current entity, or false if it does not exist (deleted
// entities are an expected absence, not an error).
func (s *Store) Entity(kind domain.EntityKind, id string) (domain.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case domain.KindNote:
		n, ok := s.notes[id]
		return n, ok
	case domain.KindConnector:
		c, ok := s.connectors[id]
		return c, ok
	}
	return nil, false
}

// State returns a full snapshot with entities in stable ID order.
func (s *Store) State() domain.BoardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := domain.BoardState{
		Notes:      make([]domain.Note, 0, len(s.notes)),
		Connectors: make([]domain.Connector, 0, len(s.connectors)),
	}
	for _, n := range s.notes {
		state.Notes = append(state.Notes, n)
	}
	for _, c := range s.connectors {
		state.Connectors = append(state.Connectors, c)
	}
	sort.Slice(state.Notes, func(i, j int) bool { return state.Notes[i].ID < state.Notes[j].ID })
	sort.Slice(state.Connectors, func(i, j int) bool { return state.Connectors[i].ID < state.Connectors[j].ID })
	return state
}

func (s *Store) watchers() []Observer {
	return append([]Observer(nil), s.observers...)
}
