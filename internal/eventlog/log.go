package eventlog

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"boardsync/internal/domain"
)

// ErrCompactedOffset reports a replay cursor below the compaction watermark.
// The history the caller wants is gone from this log; the only way forward is
// resynchronizing from a full snapshot.
var ErrCompactedOffset = errors.New("eventlog: offset below compaction watermark")

// Log merges events from any number of producers into one total order and
// supports compacting history every consumer has already passed.
//
// Order is ascending (Sequence, Timestamp, ClientID); events sharing all
// three keys keep insertion order. Offsets handed out by Receive are global:
// they index the conceptual unbounded history and stay valid across Discard.
type Log struct {
	mu        sync.Mutex
	events    []domain.Event
	discarded uint64
}

func New() *Log { return &Log{} }

// Receive inserts ev at its sorted position and returns its global offset.
// Events older than the current minimum retained sequence are still accepted
// and land at the front; out-of-order network delivery is normal.
func (l *Log) Receive(ev domain.Event) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := sort.Search(len(l.events), func(i int) bool { return less(ev, l.events[i]) })
	l.events = append(l.events, domain.Event{})
	copy(l.events[i+1:], l.events[i:])
	l.events[i] = ev
	return uint64(i) + l.discarded
}

// NextSequence returns the sequence a new local event should carry:
// one past the highest sequence in the log, or 1 when the log is empty.
func (l *Log) NextSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return 1
	}
	return l.events[len(l.events)-1].Sequence + 1
}

// Discard drops every event whose global offset is below offset and moves the
// watermark up to it. Offsets outside [watermark, watermark+len] mean the
// caller's bookkeeping is broken, which is not recoverable here.
func (l *Log) Discard(offset uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	high := l.discarded + uint64(len(l.events))
	if offset < l.discarded || offset > high {
		panic(fmt.Sprintf("eventlog: discard offset %d outside [%d, %d]", offset, l.discarded, high))
	}
	n := offset - l.discarded
	kept := copy(l.events, l.events[n:])
	l.events = l.events[:kept]
	l.discarded = offset
}

// EventsFrom replays every retained event at or after offset, in log order,
// calling fn with each event and its global offset. fn returning false stops
// the replay. Offsets below the watermark fail with ErrCompactedOffset.
func (l *Log) EventsFrom(offset uint64, fn func(offset uint64, ev domain.Event) bool) error {
	l.mu.Lock()
	if offset < l.discarded {
		watermark := l.discarded
		l.mu.Unlock()
		return fmt.Errorf("%w: offset %d, watermark %d", ErrCompactedOffset, offset, watermark)
	}
	local := offset - l.discarded
	if local > uint64(len(l.events)) {
		local = uint64(len(l.events))
	}
	tail := append([]domain.Event(nil), l.events[local:]...)
	base := l.discarded + local
	l.mu.Unlock()

	// fn runs outside the lock so it may call back into the log.
	for i, ev := range tail {
		if !fn(base+uint64(i), ev) {
			return nil
		}
	}
	return nil
}

// ReplayFrom is EventsFrom collected into a slice.
func (l *Log) ReplayFrom(offset uint64) ([]domain.Event, error) {
	var out []domain.Event
	err := l.EventsFrom(offset, func(_ uint64, ev domain.Event) bool {
		out = append(out, ev)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len reports how many events are currently retained.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Watermark is the lowest global offset still retained.
func (l *Log) Watermark() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.discarded
}

// End is the global offset one past the last retained event.
func (l *Log) End() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.discarded + uint64(len(l.events))
}

func less(a, b domain.Event) bool {
	if a.Sequence != b.Sequence {
		return a.Sequence < b.Sequence
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ClientID < b.ClientID
}
