package replication

import (
	"context"
	"time"

	reading "pluviosync/internal/reading/domain"
)

// Destination is the capability a downstream store must expose to take part
// in a sync cycle. One concrete implementation exists per store kind
// (Postgres replica, managed Postgres, BigQuery warehouse).
type Destination interface {
	// Name identifies the destination for watermarks, logs and metrics.
	Name() string

	// ReadWatermark returns the greatest instant known to be fully and
	// durably applied, or WatermarkFloor before the first sync.
	ReadWatermark(ctx context.Context) (time.Time, error)

	// AdvanceWatermark durably records ts as synced. Implementations must be
	// atomic and monotonic: a concurrent reader never sees a torn value and
	// a stale ts never moves the watermark backwards. Called only after the
	// corresponding batch commit is confirmed.
	AdvanceWatermark(ctx context.Context, ts time.Time) error

	// UpsertBatch applies canonical, normalized readings keyed on
	// (instant, station): insert when absent, replace every measurement
	// field when present. Re-applying an identical batch must leave the
	// destination unchanged.
	UpsertBatch(ctx context.Context, rows []reading.Reading) error
}

// Source yields candidate rows for one cycle. Every source row in the window
// is returned, including superseded corrections; canonical selection happens
// in the engine.
type Source interface {
	FetchSince(ctx context.Context, since time.Time) ([]reading.Reading, error)
}

// CursorStore is a small durable key-value home for watermarks of
// destinations that cannot cheaply host a control table themselves.
type CursorStore interface {
	Load(ctx context.Context, destination string) (time.Time, bool, error)
	Store(ctx context.Context, destination string, ts time.Time) error
}
