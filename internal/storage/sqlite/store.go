package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"boardsync/internal/storage"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS archived_events (
	global_offset INTEGER PRIMARY KEY,
	sequence INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	client_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_archived_events_sequence ON archived_events(sequence, timestamp);

CREATE TRIGGER IF NOT EXISTS trg_archived_events_no_update
BEFORE UPDATE ON archived_events
BEGIN
	SELECT RAISE(ABORT, 'archived events are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_archived_events_no_delete
BEFORE DELETE ON archived_events
BEGIN
	SELECT RAISE(ABORT, 'archived events are append-only: DELETE forbidden');
END;

CREATE TABLE IF NOT EXISTS snapshots (
	global_offset INTEGER PRIMARY KEY,
	state_json TEXT NOT NULL,
	taken_at_utc_ns INTEGER NOT NULL
);
`

// Store persists compacted history and board snapshots in a single SQLite
// database under baseDir.
type Store struct {
	db *sql.DB
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	db, err := openSQLite(filepath.Join(baseDir, "board-archive.db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ArchiveEvents(ctx context.Context, events []storage.ArchivedEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		_, err := tx.ExecContext(ctx, `
INSERT INTO archived_events(global_offset, sequence, timestamp, client_id, kind, payload_json)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(global_offset) DO NOTHING`,
			int64(e.Offset), int64(e.Sequence), e.Timestamp, e.ClientID, e.Kind, emptyToDefault(e.PayloadJSON, "{}"))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ArchivedFrom(ctx context.Context, offset uint64) ([]storage.ArchivedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT global_offset, sequence, timestamp, client_id, kind, payload_json
FROM archived_events
WHERE global_offset >= ?
ORDER BY global_offset ASC`, int64(offset))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.ArchivedEvent
	for rows.Next() {
		var item storage.ArchivedEvent
		var off, seq int64
		if err := rows.Scan(&off, &seq, &item.Timestamp, &item.ClientID, &item.Kind, &item.PayloadJSON); err != nil {
			return nil, err
		}
		item.Offset = uint64(off)
		item.Sequence = uint64(seq)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) SaveSnapshot(ctx context.Context, offset uint64, stateJSON string, takenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO snapshots(global_offset, state_json, taken_at_utc_ns)
VALUES (?, ?, ?)
ON CONFLICT(global_offset) DO UPDATE SET state_json=excluded.state_json, taken_at_utc_ns=excluded.taken_at_utc_ns`,
		int64(offset), stateJSON, takenAt.UTC().UnixNano())
	return err
}

func (s *Store) LatestSnapshot(ctx context.Context) (storage.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT global_offset, state_json, taken_at_utc_ns
FROM snapshots
ORDER BY global_offset DESC
LIMIT 1`)
	var snap storage.Snapshot
	var off int64
	err := row.Scan(&off, &snap.StateJSON, &snap.TakenAtUTCNs)
	if err == sql.ErrNoRows {
		return storage.Snapshot{}, false, nil
	}
	if err != nil {
		return storage.Snapshot{}, false, err
	}
	snap.Offset = uint64(off)
	return snap, true, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func emptyToDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}
