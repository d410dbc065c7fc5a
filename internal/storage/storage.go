package storage

import (
	"context"
	"time"
)

// ArchivedEvent is the storage representation of one compacted board event.
// Offset preserves the event's position in the conceptual unbounded history.
type ArchivedEvent struct {
	Offset      uint64
	Sequence    uint64
	Timestamp   int64
	ClientID    string
	Kind        string
	PayloadJSON string
}

// Engine is the storage contract for durable history and snapshots. The live
// log only keeps events above the compaction watermark; everything below it
// lands here before being discarded.
type Engine interface {
	ArchiveEvents(ctx context.Context, events []ArchivedEvent) error
	ArchivedFrom(ctx context.Context, offset uint64) ([]ArchivedEvent, error)
	SaveSnapshot(ctx context.Context, offset uint64, stateJSON string, takenAt time.Time) error
	LatestSnapshot(ctx context.Context) (Snapshot, bool, error)
}

// Snapshot is a persisted full-board state plus the offset to resume
// replaying from.
type Snapshot struct {
	Offset       uint64
	StateJSON    string
	TakenAtUTCNs int64
}
