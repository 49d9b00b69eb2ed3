package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	reading "pluviosync/internal/reading/domain"
	replication "pluviosync/internal/replication/domain"
)

// Destination applies readings to the BigQuery warehouse. Its TIMESTAMP
// column has no offset concept, so every row carries the UTC-normalized
// instant plus the verbatim civil text and the original offset in companion
// columns; the recorded offset is never lost.
//
// Idempotence: each batch is loaded into a truncate-on-write staging table
// by a load job and merged into the target keyed on (dia, estacao_id).
type Destination struct {
	client  *bigquery.Client
	name    string
	dataset string
	table   string
	staging string
	cursor  replication.CursorStore
	logger  *log.Logger
}

// Config describes the warehouse destination.
type Config struct {
	Name            string
	ProjectID       string
	Dataset         string
	Table           string
	StagingTable    string
	CredentialsFile string
}

var tableSchema = bigquery.Schema{
	{Name: "dia", Type: bigquery.TimestampFieldType, Required: true},
	{Name: "dia_original", Type: bigquery.StringFieldType},
	{Name: "utc_offset", Type: bigquery.StringFieldType},
	{Name: "m05", Type: bigquery.FloatFieldType},
	{Name: "m10", Type: bigquery.FloatFieldType},
	{Name: "m15", Type: bigquery.FloatFieldType},
	{Name: "h01", Type: bigquery.FloatFieldType},
	{Name: "h04", Type: bigquery.FloatFieldType},
	{Name: "h24", Type: bigquery.FloatFieldType},
	{Name: "h96", Type: bigquery.FloatFieldType},
	{Name: "estacao", Type: bigquery.StringFieldType},
	{Name: "estacao_id", Type: bigquery.IntegerFieldType, Required: true},
}

// NewDestination constructs the warehouse destination. cursor may be nil, in
// which case the watermark is always derived from MAX(dia) on the target.
func NewDestination(ctx context.Context, cfg Config, cursor replication.CursorStore, logger *log.Logger) (*Destination, error) {
	if cfg.Name == "" {
		return nil, errors.New("warehouse destination: name required")
	}
	if cfg.ProjectID == "" || cfg.Dataset == "" || cfg.Table == "" {
		return nil, errors.New("warehouse destination: project, dataset and table required")
	}
	staging := cfg.StagingTable
	if staging == "" {
		staging = cfg.Table + "_staging"
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("warehouse destination: client: %w", err)
	}
	return &Destination{
		client:  client,
		name:    cfg.Name,
		dataset: cfg.Dataset,
		table:   cfg.Table,
		staging: staging,
		cursor:  cursor,
		logger:  logger,
	}, nil
}

// Close releases the BigQuery client.
func (d *Destination) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	return d.client.Close()
}

// Name implements replication.Destination.
func (d *Destination) Name() string { return d.name }

// EnsureSchema creates the target table when absent.
func (d *Destination) EnsureSchema(ctx context.Context) error {
	table := d.client.Dataset(d.dataset).Table(d.table)
	_, err := table.Metadata(ctx)
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != 404 {
		return classify(fmt.Errorf("warehouse destination: table metadata: %w", err))
	}
	meta := &bigquery.TableMetadata{
		Schema: tableSchema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.MonthPartitioningType,
			Field: "dia",
		},
	}
	if err := table.Create(ctx, meta); err != nil {
		return classify(fmt.Errorf("warehouse destination: create table: %w", err))
	}
	return nil
}

// ReadWatermark implements replication.Destination. The local cursor is
// preferred; without one (or before the first advance) the watermark is
// derived from MAX(dia) on the target, the floor when the table is empty.
func (d *Destination) ReadWatermark(ctx context.Context) (time.Time, error) {
	if d.cursor != nil {
		ts, ok, err := d.cursor.Load(ctx, d.name)
		if err != nil {
			return time.Time{}, fmt.Errorf("warehouse destination: cursor: %w", err)
		}
		if ok {
			return ts, nil
		}
	}

	q := d.client.Query(fmt.Sprintf("SELECT MAX(dia) FROM `%s`", d.targetFQN()))
	it, err := q.Read(ctx)
	if err != nil {
		return time.Time{}, classify(fmt.Errorf("warehouse destination: read max instant: %w", err))
	}
	var row []bigquery.Value
	if err := it.Next(&row); err != nil {
		return time.Time{}, classify(fmt.Errorf("warehouse destination: scan max instant: %w", err))
	}
	if len(row) == 0 || row[0] == nil {
		return replication.WatermarkFloor, nil
	}
	ts, ok := row[0].(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("warehouse destination: unexpected max instant type %T", row[0])
	}
	return ts, nil
}

// AdvanceWatermark implements replication.Destination. The merge itself is
// the durable commit; the cursor is a cheap local copy of what MAX(dia)
// would answer.
func (d *Destination) AdvanceWatermark(ctx context.Context, ts time.Time) error {
	if d.cursor == nil {
		return nil
	}
	if err := d.cursor.Store(ctx, d.name, ts); err != nil {
		return fmt.Errorf("warehouse destination: cursor: %w", err)
	}
	return nil
}

// UpsertBatch implements replication.Destination.
func (d *Destination) UpsertBatch(ctx context.Context, rows []reading.Reading) error {
	if len(rows) == 0 {
		return nil
	}
	if err := d.loadStaging(ctx, rows); err != nil {
		return err
	}
	return d.mergeStaging(ctx)
}

func (d *Destination) loadStaging(ctx context.Context, rows []reading.Reading) error {
	file, err := os.CreateTemp("", "pluviosync-staging-*.json")
	if err != nil {
		return fmt.Errorf("warehouse destination: temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	enc := json.NewEncoder(file)
	for _, row := range rows {
		if err := enc.Encode(rowJSON(row)); err != nil {
			return fmt.Errorf("warehouse destination: encode row: %w", err)
		}
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("warehouse destination: rewind staging file: %w", err)
	}

	source := bigquery.NewReaderSource(file)
	source.SourceFormat = bigquery.JSON
	source.Schema = tableSchema

	loader := d.client.Dataset(d.dataset).Table(d.staging).LoaderFrom(source)
	loader.WriteDisposition = bigquery.WriteTruncate

	job, err := loader.Run(ctx)
	if err != nil {
		return classify(fmt.Errorf("warehouse destination: staging load: %w", err))
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return classify(fmt.Errorf("warehouse destination: staging load wait: %w", err))
	}
	if err := status.Err(); err != nil {
		return classify(fmt.Errorf("warehouse destination: staging load job: %w", err))
	}
	return nil
}

func (d *Destination) mergeStaging(ctx context.Context) error {
	query := fmt.Sprintf(`
MERGE `+"`%s`"+` AS t
USING `+"`%s`"+` AS s
ON t.dia = s.dia AND t.estacao_id = s.estacao_id
WHEN MATCHED THEN UPDATE SET
	dia_original = s.dia_original,
	utc_offset = s.utc_offset,
	m05 = s.m05,
	m10 = s.m10,
	m15 = s.m15,
	h01 = s.h01,
	h04 = s.h04,
	h24 = s.h24,
	h96 = s.h96,
	estacao = s.estacao
WHEN NOT MATCHED THEN INSERT
	(dia, dia_original, utc_offset, m05, m10, m15, h01, h04, h24, h96, estacao, estacao_id)
VALUES
	(s.dia, s.dia_original, s.utc_offset, s.m05, s.m10, s.m15, s.h01, s.h04, s.h24, s.h96, s.estacao, s.estacao_id)`,
		d.targetFQN(), d.stagingFQN())

	q := d.client.Query(query)
	job, err := q.Run(ctx)
	if err != nil {
		return classify(fmt.Errorf("warehouse destination: merge: %w", err))
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return classify(fmt.Errorf("warehouse destination: merge wait: %w", err))
	}
	if err := status.Err(); err != nil {
		return classify(fmt.Errorf("warehouse destination: merge job: %w", err))
	}
	return nil
}

func (d *Destination) targetFQN() string {
	return fmt.Sprintf("%s.%s.%s", d.client.Project(), d.dataset, d.table)
}

func (d *Destination) stagingFQN() string {
	return fmt.Sprintf("%s.%s.%s", d.client.Project(), d.dataset, d.staging)
}

// rowJSON renders one reading for a JSONL load job. Nil measurements are
// omitted and load as NULL.
func rowJSON(r reading.Reading) map[string]any {
	row := map[string]any{
		"dia":          r.Instant.UTC().Format("2006-01-02T15:04:05.000000Z"),
		"dia_original": r.CivilText,
		"utc_offset":   reading.OffsetText(r.Instant),
		"estacao":      r.StationName,
		"estacao_id":   r.StationID,
	}
	put := func(key string, v *float64) {
		if v != nil {
			row[key] = *v
		}
	}
	put("m05", r.M05)
	put("m10", r.M10)
	put("m15", r.M15)
	put("h01", r.H01)
	put("h04", r.H04)
	put("h24", r.H24)
	put("h96", r.H96)
	return row
}

// classify sorts a BigQuery error into the engine's taxonomy: rate limits
// and server-side failures are transient, everything else surfaces as-is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code >= 500 {
			return replication.MarkTransient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return replication.MarkTransient(err)
	}
	return err
}
