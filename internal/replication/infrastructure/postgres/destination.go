package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	reading "pluviosync/internal/reading/domain"
	replication "pluviosync/internal/replication/domain"
)

const (
	defaultTable          = "pluviometricos"
	defaultWatermarkTable = "sync_watermarks"
)

// Destination applies readings to a Postgres store (the secondary replica or
// the managed instance) and keeps its watermark in a control table in the
// same database, so cursor and data share durability.
type Destination struct {
	db             *sql.DB
	name           string
	table          string
	watermarkTable string
}

// DestinationOption configures the destination.
type DestinationOption func(*Destination)

// WithTable overrides the default readings table name.
func WithTable(table string) DestinationOption {
	return func(d *Destination) {
		if table != "" {
			d.table = table
		}
	}
}

// WithWatermarkTable overrides the default control table name.
func WithWatermarkTable(table string) DestinationOption {
	return func(d *Destination) {
		if table != "" {
			d.watermarkTable = table
		}
	}
}

// NewDestination constructs a Postgres destination.
func NewDestination(db *sql.DB, name string, opts ...DestinationOption) (*Destination, error) {
	if db == nil {
		return nil, errors.New("postgres destination: nil db")
	}
	if name == "" {
		return nil, errors.New("postgres destination: name required")
	}
	d := &Destination{
		db:             db,
		name:           name,
		table:          defaultTable,
		watermarkTable: defaultWatermarkTable,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Name implements replication.Destination.
func (d *Destination) Name() string { return d.name }

// EnsureSchema creates the readings table (with its uniqueness invariant)
// and the watermark control table when absent.
func (d *Destination) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	dia timestamptz NOT NULL,
	m05 double precision,
	m10 double precision,
	m15 double precision,
	h01 double precision,
	h04 double precision,
	h24 double precision,
	h96 double precision,
	estacao text,
	estacao_id bigint NOT NULL,
	PRIMARY KEY (dia, estacao_id)
)`, d.table),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	destination text PRIMARY KEY,
	last_synced_instant timestamptz NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT NOW()
)`, d.watermarkTable),
	}
	for _, stmt := range ddl {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return classify(fmt.Errorf("postgres destination: ensure schema: %w", err))
		}
	}
	return nil
}

// ReadWatermark implements replication.Destination. Before the control table
// has a row it falls back to MAX(dia) over the data itself, then the floor.
func (d *Destination) ReadWatermark(ctx context.Context) (time.Time, error) {
	var ts time.Time
	query := fmt.Sprintf("SELECT last_synced_instant FROM %s WHERE destination = $1", d.watermarkTable)
	err := d.db.QueryRowContext(ctx, query, d.name).Scan(&ts)
	if err == nil {
		return ts, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, classify(fmt.Errorf("postgres destination: read watermark: %w", err))
	}

	var max sql.NullTime
	query = fmt.Sprintf("SELECT MAX(dia) FROM %s", d.table)
	if err := d.db.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return time.Time{}, classify(fmt.Errorf("postgres destination: read max instant: %w", err))
	}
	if max.Valid {
		return max.Time, nil
	}
	return replication.WatermarkFloor, nil
}

// AdvanceWatermark implements replication.Destination. One atomic upsert;
// GREATEST keeps the cursor monotonic even when a look-back batch ends below
// the recorded value.
func (d *Destination) AdvanceWatermark(ctx context.Context, ts time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (destination, last_synced_instant, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (destination)
DO UPDATE SET
	last_synced_instant = GREATEST(%s.last_synced_instant, EXCLUDED.last_synced_instant),
	updated_at = NOW()`, d.watermarkTable, d.watermarkTable)
	if _, err := d.db.ExecContext(ctx, query, d.name, ts); err != nil {
		return classify(fmt.Errorf("postgres destination: advance watermark: %w", err))
	}
	return nil
}

// UpsertBatch implements replication.Destination. One transaction per batch;
// conflict on (dia, estacao_id) replaces every measurement field, so
// re-delivered rows are no-ops and late corrections overwrite stale truth.
func (d *Destination) UpsertBatch(ctx context.Context, rows []reading.Reading) error {
	if len(rows) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (dia, m05, m10, m15, h01, h04, h24, h96, estacao, estacao_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (dia, estacao_id)
DO UPDATE SET
	m05 = EXCLUDED.m05,
	m10 = EXCLUDED.m10,
	m15 = EXCLUDED.m15,
	h01 = EXCLUDED.h01,
	h04 = EXCLUDED.h04,
	h24 = EXCLUDED.h24,
	h96 = EXCLUDED.h96,
	estacao = EXCLUDED.estacao`, d.table)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("postgres destination: begin: %w", err))
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return classify(fmt.Errorf("postgres destination: prepare: %w", err))
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(
			ctx,
			row.Instant,
			nullFloat(row.M05),
			nullFloat(row.M10),
			nullFloat(row.M15),
			nullFloat(row.H01),
			nullFloat(row.H04),
			nullFloat(row.H24),
			nullFloat(row.H96),
			row.StationName,
			row.StationID,
		); err != nil {
			_ = tx.Rollback()
			return classify(fmt.Errorf("postgres destination: upsert station=%d instant=%s: %w",
				row.StationID, row.Instant.UTC().Format(time.RFC3339), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("postgres destination: commit: %w", err))
	}
	return nil
}

// BulkInsertBatch is the backfill path: ON CONFLICT DO NOTHING with relaxed
// session durability. Never used for incremental sync, where corrections
// must overwrite.
func (d *Destination) BulkInsertBatch(ctx context.Context, rows []reading.Reading) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (dia, m05, m10, m15, h01, h04, h24, h96, estacao, estacao_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (dia, estacao_id) DO NOTHING`, d.table)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(fmt.Errorf("postgres destination: begin bulk: %w", err))
	}
	if _, err := tx.ExecContext(ctx, "SET LOCAL synchronous_commit = off"); err != nil {
		_ = tx.Rollback()
		return 0, classify(fmt.Errorf("postgres destination: relax durability: %w", err))
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return 0, classify(fmt.Errorf("postgres destination: prepare bulk: %w", err))
	}
	defer stmt.Close()

	var inserted int64
	for _, row := range rows {
		res, err := stmt.ExecContext(
			ctx,
			row.Instant,
			nullFloat(row.M05),
			nullFloat(row.M10),
			nullFloat(row.M15),
			nullFloat(row.H01),
			nullFloat(row.H04),
			nullFloat(row.H24),
			nullFloat(row.H96),
			row.StationName,
			row.StationID,
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, classify(fmt.Errorf("postgres destination: bulk insert: %w", err))
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(fmt.Errorf("postgres destination: commit bulk: %w", err))
	}
	return inserted, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// classify sorts a Postgres error into the engine's taxonomy: connection and
// lock/serialization failures are transient and retried; integrity
// violations mean the canonical batch itself is broken and are fatal.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return replication.MarkTransient(err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return replication.MarkTransient(err)
		case pgErr.Code == "55P03" || pgErr.Code == "57014": // lock_not_available, query_canceled
			return replication.MarkTransient(err)
		case strings.HasPrefix(pgErr.Code, "23"): // integrity_constraint_violation
			return replication.Invariant("destination rejected a canonical row", err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return replication.MarkTransient(err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return replication.MarkTransient(err)
	}
	return err
}
