package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// CursorStore is a file-backed watermark store for destinations that cannot
// cheaply host a control table themselves (the warehouse charges per query).
// One row per destination; instants are stored as unix nanoseconds so the
// monotonic guard is a plain MAX.
type CursorStore struct {
	db *sql.DB
}

const cursorSchema = `
CREATE TABLE IF NOT EXISTS sync_cursors (
	destination TEXT PRIMARY KEY,
	last_synced_unix_ns INTEGER NOT NULL,
	updated_at TEXT NOT NULL
)`

// Open opens (creating if needed) the cursor database at path.
func Open(path string) (*CursorStore, error) {
	if path == "" {
		return nil, errors.New("cursor store: path required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cursor store: open %s: %w", path, err)
	}
	if _, err := db.Exec(cursorSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cursor store: init schema: %w", err)
	}
	return &CursorStore{db: db}, nil
}

// Close releases the underlying database.
func (s *CursorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the stored watermark for destination, reporting whether one
// exists.
func (s *CursorStore) Load(ctx context.Context, destination string) (time.Time, bool, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_synced_unix_ns FROM sync_cursors WHERE destination = ?", destination).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cursor store: load %s: %w", destination, err)
	}
	return time.Unix(0, ns).UTC(), true, nil
}

// Store records ts for destination. A single upsert; MAX keeps the cursor
// from moving backwards when a look-back batch ends below the stored value.
func (s *CursorStore) Store(ctx context.Context, destination string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_cursors (destination, last_synced_unix_ns, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(destination)
DO UPDATE SET
	last_synced_unix_ns = MAX(last_synced_unix_ns, excluded.last_synced_unix_ns),
	updated_at = excluded.updated_at`,
		destination, ts.UnixNano(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("cursor store: store %s: %w", destination, err)
	}
	return nil
}
