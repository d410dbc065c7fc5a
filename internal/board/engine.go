package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"boardsync/internal/domain"
	"boardsync/internal/eventlog"
	"boardsync/internal/storage"
)

// Engine ties the event log and the entity store together: remote events are
// merged into the log and applied to the store, local operations get a fresh
// sequence before taking the same path, and consumers resync from a snapshot
// when their cursor falls below the compaction watermark.
type Engine struct {
	clientID string
	log      *eventlog.Log
	store    *Store
	archive  storage.Engine
	nowMs    func() int64

	mu   sync.Mutex
	seen map[string]uint64
}

type EngineOption func(*Engine)

// WithArchive persists compacted history and snapshots through eng.
func WithArchive(eng storage.Engine) EngineOption {
	return func(e *Engine) { e.archive = eng }
}

func WithClock(nowMs func() int64) EngineOption {
	return func(e *Engine) { e.nowMs = nowMs }
}

func NewEngine(clientID string, log *eventlog.Log, store *Store, opts ...EngineOption) *Engine {
	e := &Engine{
		clientID: clientID,
		log:      log,
		store:    store,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
		seen:     map[string]uint64{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Publish merges one remote event into the history and applies it to the
// store. Redelivered events (same sequence, timestamp and producer) return
// the offset of the first delivery; brokers hand us at-least-once streams.
//
// The store must track log order, not arrival order. An event landing at the
// tail applies directly; one landing earlier (late delivery of an older
// event) re-applies the tail from its insertion point so later events win
// again, and every replica converges on the same state no matter the
// delivery order.
func (e *Engine) Publish(ctx context.Context, ev domain.Event) (uint64, error) {
	if err := validate(ev); err != nil {
		return 0, err
	}
	key := eventKey(ev)
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset, ok := e.seen[key]; ok {
		return offset, nil
	}
	offset := e.log.Receive(ev)
	e.seen[key] = offset

	if offset+1 == e.log.End() {
		return offset, e.apply(ev)
	}
	var applyErr error
	if err := e.log.EventsFrom(offset, func(_ uint64, tail domain.Event) bool {
		applyErr = e.apply(tail)
		return applyErr == nil
	}); err != nil {
		return offset, err
	}
	return offset, applyErr
}

// PublishBatch publishes events in order and returns the last offset.
func (e *Engine) PublishBatch(ctx context.Context, events []domain.Event) (uint64, error) {
	if len(events) == 0 {
		return 0, errors.New("empty batch")
	}
	var last uint64
	for _, ev := range events {
		offset, err := e.Publish(ctx, ev)
		if err != nil {
			return last, err
		}
		last = offset
	}
	return last, nil
}

// Propose wraps a local operation into an event carrying the next sequence
// and this client's identity, then publishes it like any other producer's.
func (e *Engine) Propose(ctx context.Context, kind string, payload any) (domain.Event, uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, 0, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	ev := domain.Event{
		Sequence:  e.log.NextSequence(),
		Timestamp: e.nowMs(),
		ClientID:  e.clientID,
		Kind:      kind,
		Payload:   raw,
	}
	offset, err := e.Publish(ctx, ev)
	return ev, offset, err
}

// ReplayFrom replays retained history at or after offset.
func (e *Engine) ReplayFrom(ctx context.Context, offset uint64, fn func(offset uint64, ev domain.Event) bool) error {
	return e.log.EventsFrom(offset, fn)
}

// SyncFrom resumes a consumer at offset. Below the watermark the retained log
// cannot serve it, so the consumer gets a full snapshot and a fresh cursor
// instead of an error.
func (e *Engine) SyncFrom(ctx context.Context, offset uint64) ([]domain.Event, *domain.BoardState, uint64, error) {
	events, err := e.log.ReplayFrom(offset)
	if err == nil {
		return events, nil, e.log.End(), nil
	}
	if !errors.Is(err, eventlog.ErrCompactedOffset) {
		return nil, nil, 0, err
	}
	state := e.store.State()
	return nil, &state, e.log.End(), nil
}

// Snapshot returns the full board state and the offset to resume from.
func (e *Engine) Snapshot(ctx context.Context) (domain.BoardState, uint64) {
	return e.store.State(), e.log.End()
}

func (e *Engine) NextSequence() uint64 { return e.log.NextSequence() }

// Compact archives every event below offset and discards it from the live
// log. The caller (the sync layer) passes the minimum cursor across all
// consumers; offsets at or below the current watermark are a no-op.
func (e *Engine) Compact(ctx context.Context, offset uint64) error {
	watermark := e.log.Watermark()
	if offset <= watermark {
		return nil
	}
	if end := e.log.End(); offset > end {
		return fmt.Errorf("compact offset %d beyond end %d", offset, end)
	}

	if e.archive != nil {
		var batch []storage.ArchivedEvent
		err := e.log.EventsFrom(watermark, func(off uint64, ev domain.Event) bool {
			if off >= offset {
				return false
			}
			batch = append(batch, storage.ArchivedEvent{
				Offset:      off,
				Sequence:    ev.Sequence,
				Timestamp:   ev.Timestamp,
				ClientID:    ev.ClientID,
				Kind:        ev.Kind,
				PayloadJSON: string(ev.Payload),
			})
			return true
		})
		if err != nil {
			return err
		}
		if err := e.archive.ArchiveEvents(ctx, batch); err != nil {
			return fmt.Errorf("archive compacted events: %w", err)
		}
		state, err := json.Marshal(e.store.State())
		if err != nil {
			return err
		}
		if err := e.archive.SaveSnapshot(ctx, e.log.End(), string(state), time.Now().UTC()); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
	}

	e.log.Discard(offset)
	e.pruneSeen(offset)
	return nil
}

func (e *Engine) Health(ctx context.Context) (bool, string) { return true, "ok" }

func (e *Engine) apply(ev domain.Event) error {
	switch ev.Kind {
	case domain.EventNotePut:
		var n domain.Note
		if err := json.Unmarshal(ev.Payload, &n); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Kind, err)
		}
		e.store.PutNote(n)
	case domain.EventNoteDeleted:
		var p domain.DeletePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Kind, err)
		}
		e.store.DeleteNote(p.ID)
	case domain.EventConnectorPut:
		var c domain.Connector
		if err := json.Unmarshal(ev.Payload, &c); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Kind, err)
		}
		e.store.PutConnector(c)
	case domain.EventConnectorDeleted:
		var p domain.DeletePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Kind, err)
		}
		e.store.DeleteConnector(p.ID)
	case domain.EventBoardReplaced:
		var state domain.BoardState
		if err := json.Unmarshal(ev.Payload, &state); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Kind, err)
		}
		e.store.Replace(state)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

// pruneSeen drops dedup entries for offsets below the new watermark; their
// events can no longer collide with anything the log retains.
func (e *Engine) pruneSeen(watermark uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, off := range e.seen {
		if off < watermark {
			delete(e.seen, k)
		}
	}
}

func validate(ev domain.Event) error {
	if ev.ClientID == "" {
		return errors.New("client_id is required")
	}
	if ev.Sequence == 0 {
		return errors.New("sequence must be >= 1")
	}
	if ev.Kind == "" {
		return errors.New("event kind is required")
	}
	return nil
}

func eventKey(ev domain.Event) string {
	return fmt.Sprintf("%s/%d/%d", ev.ClientID, ev.Sequence, ev.Timestamp)
}
