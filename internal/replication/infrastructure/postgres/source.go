package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	reading "pluviosync/internal/reading/domain"
	replication "pluviosync/internal/replication/domain"
)

// SourceReader fetches rain-gauge rows from the authoritative database.
// Every row in the window is returned, including superseded corrections;
// canonical selection is the engine's job, not the query's.
type SourceReader struct {
	db       *sql.DB
	timezone string
}

// SourceOption configures the reader.
type SourceOption func(*SourceReader)

// WithSessionTimezone overrides the session timezone under which the source
// renders civil text.
func WithSessionTimezone(tz string) SourceOption {
	return func(r *SourceReader) {
		if tz != "" {
			r.timezone = tz
		}
	}
}

// NewSourceReader constructs a reader over the source database.
func NewSourceReader(db *sql.DB, opts ...SourceOption) (*SourceReader, error) {
	if db == nil {
		return nil, errors.New("source reader: nil db")
	}
	r := &SourceReader{db: db, timezone: "America/Sao_Paulo"}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// The civil text is rendered by the source itself under its session timezone
// so the offset in the text is the offset the reading was recorded under
// (-0200 during the historical summer-time periods, -0300 otherwise). US
// keeps the full microsecond precision of timestamptz so the text and the
// scanned instant agree exactly.
const sourceQuery = `
SELECT
	el."horaLeitura" AS dia,
	to_char(el."horaLeitura", 'YYYY-MM-DD HH24:MI:SS.US TZHTZM') AS dia_texto,
	elc.m05,
	elc.m10,
	elc.m15,
	elc.h01,
	elc.h04,
	elc.h24,
	elc.h96,
	ee.nome AS estacao,
	el.estacao_id,
	el.id
FROM public.estacoes_leitura AS el
JOIN public.estacoes_leiturachuva AS elc
	ON elc.leitura_id = el.id
JOIN public.estacoes_estacao AS ee
	ON ee.id = el.estacao_id
WHERE el."horaLeitura" >= $1 AND el."horaLeitura" < $2
ORDER BY el."horaLeitura" ASC, el.estacao_id ASC, el.id DESC`

// farFuture bounds an open-ended window; timestamptz range ends well before it.
var farFuture = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

// FetchSince returns every source row with instant >= since.
func (r *SourceReader) FetchSince(ctx context.Context, since time.Time) ([]reading.Reading, error) {
	return r.FetchRange(ctx, since, farFuture)
}

// FetchRange returns every source row with since <= instant < until. Used by
// the backfill tool to walk history in bounded windows.
func (r *SourceReader) FetchRange(ctx context.Context, since, until time.Time) ([]reading.Reading, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, replication.MarkTransient(fmt.Errorf("source reader: acquire conn: %w", err))
	}
	defer conn.Close()

	// Pin the rendering timezone to this session; to_char's TZHTZM follows it.
	if _, err := conn.ExecContext(ctx, "SELECT set_config('timezone', $1, false)", r.timezone); err != nil {
		return nil, replication.MarkTransient(fmt.Errorf("source reader: set timezone: %w", err))
	}

	rows, err := conn.QueryContext(ctx, sourceQuery, since, until)
	if err != nil {
		return nil, replication.MarkTransient(fmt.Errorf("source reader: query: %w", err))
	}
	defer rows.Close()

	var result []reading.Reading
	for rows.Next() {
		var (
			row         reading.Reading
			m05, m10    sql.NullFloat64
			m15, h01    sql.NullFloat64
			h04, h24    sql.NullFloat64
			h96         sql.NullFloat64
			stationName sql.NullString
		)
		if err := rows.Scan(
			&row.Instant,
			&row.CivilText,
			&m05, &m10, &m15, &h01, &h04, &h24, &h96,
			&stationName,
			&row.StationID,
			&row.SourceRowID,
		); err != nil {
			return nil, fmt.Errorf("source reader: scan: %w", err)
		}
		row.StationName = stationName.String
		row.M05 = nullable(m05)
		row.M10 = nullable(m10)
		row.M15 = nullable(m15)
		row.H01 = nullable(h01)
		row.H04 = nullable(h04)
		row.H24 = nullable(h24)
		row.H96 = nullable(h96)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, replication.MarkTransient(fmt.Errorf("source reader: rows: %w", err))
	}
	return result, nil
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
