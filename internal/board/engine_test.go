package board

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"boardsync/internal/domain"
	"boardsync/internal/eventlog"
	"boardsync/internal/storage"
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *Store, *eventlog.Log) {
	t.Helper()
	log := eventlog.New()
	store := NewStore()
	opts = append([]EngineOption{WithClock(func() int64 { return 42 })}, opts...)
	return NewEngine("client-a", log, store, opts...), store, log
}

func notePut(t *testing.T, seq uint64, ts int64, client, id string) domain.Event {
	t.Helper()
	raw, err := json.Marshal(domain.Note{ID: id, Text: id})
	if err != nil {
		t.Fatal(err)
	}
	return domain.Event{Sequence: seq, Timestamp: ts, ClientID: client, Kind: domain.EventNotePut, Payload: raw}
}

func TestPublishAppliesEventToStore(t *testing.T) {
	e, store, _ := newTestEngine(t)
	offset, err := e.Publish(context.Background(), notePut(t, 1, 1, "peer-1", "n1"))
	if err != nil {
		t.Fatal(err)
	}
	if offset != 0 {
		t.Fatalf("expected offset 0, got %d", offset)
	}
	if _, ok := store.Entity(domain.KindNote, "n1"); !ok {
		t.Fatal("event not applied to store")
	}
}

func TestPublishRejectsInvalidEvents(t *testing.T) {
	e, _, _ := newTestEngine(t)
	cases := []domain.Event{
		{Sequence: 1, Kind: domain.EventNotePut},                       // no client
		{ClientID: "c", Kind: domain.EventNotePut},                     // no sequence
		{Sequence: 1, ClientID: "c"},                                   // no kind
		{Sequence: 1, ClientID: "c", Kind: "bogus", Payload: []byte("{}")}, // unknown kind
	}
	for i, ev := range cases {
		if _, err := e.Publish(context.Background(), ev); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestPublishDeduplicatesRedelivery(t *testing.T) {
	e, _, log := newTestEngine(t)
	ev := notePut(t, 1, 1, "peer-1", "n1")

	first, err := e.Publish(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Publish(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("redelivery produced new offset: %d vs %d", first, second)
	}
	if log.Len() != 1 {
		t.Fatalf("redelivery grew the log: len=%d", log.Len())
	}
}

func TestLateOlderEventDoesNotRegressState(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)

	newer, _ := json.Marshal(domain.Note{ID: "n1", Text: "newer"})
	stale, _ := json.Marshal(domain.Note{ID: "n1", Text: "stale"})
	if _, err := e.Publish(ctx, domain.Event{Sequence: 2, Timestamp: 1, ClientID: "peer-1", Kind: domain.EventNotePut, Payload: newer}); err != nil {
		t.Fatal(err)
	}
	offset, err := e.Publish(ctx, domain.Event{Sequence: 1, Timestamp: 1, ClientID: "peer-1", Kind: domain.EventNotePut, Payload: stale})
	if err != nil {
		t.Fatal(err)
	}
	if offset != 0 {
		t.Fatalf("expected late event at offset 0, got %d", offset)
	}

	entity, ok := store.Entity(domain.KindNote, "n1")
	if !ok {
		t.Fatal("note missing")
	}
	if got := entity.(domain.Note).Text; got != "newer" {
		t.Fatalf("late older event regressed state: text=%q", got)
	}
}

func TestLatePutDoesNotResurrectDeletedNote(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)

	del, _ := json.Marshal(domain.DeletePayload{ID: "n1"})
	put, _ := json.Marshal(domain.Note{ID: "n1", Text: "stale"})
	if _, err := e.Publish(ctx, domain.Event{Sequence: 2, Timestamp: 1, ClientID: "peer-1", Kind: domain.EventNoteDeleted, Payload: del}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Publish(ctx, domain.Event{Sequence: 1, Timestamp: 1, ClientID: "peer-1", Kind: domain.EventNotePut, Payload: put}); err != nil {
		t.Fatal(err)
	}

	if _, ok := store.Entity(domain.KindNote, "n1"); ok {
		t.Fatal("late put resurrected a note deleted later in log order")
	}
}

func TestProposeAssignsNextSequenceAndClient(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Publish(context.Background(), notePut(t, 5, 1, "peer-1", "n1")); err != nil {
		t.Fatal(err)
	}

	ev, offset, err := e.Propose(context.Background(), domain.EventNotePut, domain.Note{ID: "n2"})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Sequence != 6 || ev.ClientID != "client-a" || ev.Timestamp != 42 {
		t.Fatalf("unexpected proposed event: %+v", ev)
	}
	if offset != 1 {
		t.Fatalf("expected offset 1, got %d", offset)
	}
}

func TestSyncFromServesLogOrSnapshot(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	for i := 1; i <= 4; i++ {
		if _, err := e.Publish(ctx, notePut(t, uint64(i), 1, "peer-1", "n1")); err != nil {
			t.Fatal(err)
		}
	}

	events, snapshot, resume, err := e.SyncFrom(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if snapshot != nil || len(events) != 2 || resume != 4 {
		t.Fatalf("expected tail replay, got events=%d snapshot=%v resume=%d", len(events), snapshot, resume)
	}

	if err := e.Compact(ctx, 3); err != nil {
		t.Fatal(err)
	}
	events, snapshot, resume, err = e.SyncFrom(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if snapshot == nil || events != nil {
		t.Fatalf("expected snapshot resync below watermark, got events=%v", events)
	}
	if resume != 4 {
		t.Fatalf("expected resume offset 4, got %d", resume)
	}
	if len(snapshot.Notes) != 1 {
		t.Fatalf("snapshot missing state: %+v", snapshot)
	}
}

type fakeArchive struct {
	mu       sync.Mutex
	events   []storage.ArchivedEvent
	snapshot storage.Snapshot
	saved    bool
}

func (f *fakeArchive) ArchiveEvents(_ context.Context, events []storage.ArchivedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeArchive) ArchivedFrom(context.Context, uint64) ([]storage.ArchivedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.ArchivedEvent(nil), f.events...), nil
}

func (f *fakeArchive) SaveSnapshot(_ context.Context, offset uint64, stateJSON string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = storage.Snapshot{Offset: offset, StateJSON: stateJSON}
	f.saved = true
	return nil
}

func (f *fakeArchive) LatestSnapshot(context.Context) (storage.Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, f.saved, nil
}

func TestCompactArchivesDiscardedHistory(t *testing.T) {
	ctx := context.Background()
	archive := &fakeArchive{}
	e, _, log := newTestEngine(t, WithArchive(archive))
	for i := 1; i <= 5; i++ {
		if _, err := e.Publish(ctx, notePut(t, uint64(i), 1, "peer-1", "n1")); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.Compact(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if log.Watermark() != 3 || log.Len() != 2 {
		t.Fatalf("log not compacted: watermark=%d len=%d", log.Watermark(), log.Len())
	}
	if len(archive.events) != 3 {
		t.Fatalf("expected 3 archived events, got %d", len(archive.events))
	}
	for i, ae := range archive.events {
		if ae.Offset != uint64(i) {
			t.Fatalf("archived offset %d, want %d", ae.Offset, i)
		}
	}
	if !archive.saved || archive.snapshot.Offset != 5 {
		t.Fatalf("snapshot not saved at end offset: %+v", archive.snapshot)
	}

	// Compacting at or below the watermark is a no-op; beyond the end fails.
	if err := e.Compact(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if err := e.Compact(ctx, 99); err == nil {
		t.Fatal("expected error for compact beyond end")
	}
}
