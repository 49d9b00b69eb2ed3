// Command backfill performs the initial historical load of a Postgres
// destination. It walks the source in bounded time windows, canonicalizes
// and normalizes each window, and inserts with ON CONFLICT DO NOTHING under
// relaxed session durability. Run it once before starting incremental sync.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	_ "github.com/jackc/pgx/v5/stdlib"

	reading "pluviosync/internal/reading/domain"
	"pluviosync/internal/replication/application"
	"pluviosync/internal/replication/infrastructure/postgres"
)

const dateLayout = "2006-01-02"

func main() {
	var (
		configPath  = flag.String("config", "", "path to yaml config (default $PLUVIOSYNC_CONFIG)")
		destination = flag.String("destination", "", "postgres destination to backfill")
		startDate   = flag.String("start", "1997-01-01", "first day to load (YYYY-MM-DD)")
		endDate     = flag.String("end", "", "day after the last to load (default: tomorrow)")
		window      = flag.Duration("window", 7*24*time.Hour, "source read window per pass")
		batchSize   = flag.Int("batch", 10000, "rows per destination transaction")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	_ = godotenv.Load()

	if err := run(*configPath, *destination, *startDate, *endDate, *window, *batchSize, logger); err != nil {
		logger.Fatalf("backfill failed: %v", err)
	}
}

func run(configPath, destination, startDate, endDate string, window time.Duration, batchSize int, logger *log.Logger) error {
	if destination == "" {
		return fmt.Errorf("-destination required")
	}
	if batchSize <= 0 || window <= 0 {
		return fmt.Errorf("batch and window must be positive")
	}

	cfg, err := application.LoadConfig(configPath)
	if err != nil {
		return err
	}
	destCfg, ok := cfg.Destination(destination)
	if !ok {
		return fmt.Errorf("destination %q not configured", destination)
	}
	if destCfg.Kind != application.KindPostgres {
		return fmt.Errorf("destination %q is %s; backfill supports postgres only", destination, destCfg.Kind)
	}

	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return fmt.Errorf("bad -start: %w", err)
	}
	end := time.Now().UTC().AddDate(0, 0, 1).Truncate(24 * time.Hour)
	if endDate != "" {
		end, err = time.Parse(dateLayout, endDate)
		if err != nil {
			return fmt.Errorf("bad -end: %w", err)
		}
	}
	if !end.After(start) {
		return fmt.Errorf("end %s is not after start %s", end.Format(dateLayout), start.Format(dateLayout))
	}

	ctx := context.Background()

	sourceDB, err := sql.Open("pgx", cfg.Source.DSN)
	if err != nil {
		return fmt.Errorf("source open: %w", err)
	}
	defer sourceDB.Close()
	source, err := postgres.NewSourceReader(sourceDB, postgres.WithSessionTimezone(cfg.Source.SessionTimezone))
	if err != nil {
		return err
	}

	destDB, err := sql.Open("pgx", destCfg.DSN)
	if err != nil {
		return fmt.Errorf("destination open: %w", err)
	}
	defer destDB.Close()
	dest, err := postgres.NewDestination(destDB, destCfg.Name,
		postgres.WithTable(destCfg.Table),
		postgres.WithWatermarkTable(destCfg.WatermarkTable))
	if err != nil {
		return err
	}
	if err := dest.EnsureSchema(ctx); err != nil {
		return err
	}

	logger.Printf("backfill start: destination=%s range=[%s, %s) window=%s batch=%d",
		destination, start.Format(dateLayout), end.Format(dateLayout), window, batchSize)

	var totalSeen, totalInserted int64
	passes := 0
	for lo := start; lo.Before(end); lo = lo.Add(window) {
		hi := lo.Add(window)
		if hi.After(end) {
			hi = end
		}

		rows, err := source.FetchRange(ctx, lo, hi)
		if err != nil {
			return fmt.Errorf("fetch [%s, %s): %w", lo.Format(dateLayout), hi.Format(dateLayout), err)
		}
		totalSeen += int64(len(rows))

		normalized := make([]reading.Reading, 0, len(rows))
		for _, row := range rows {
			norm, err := reading.Normalize(row)
			if err != nil {
				return fmt.Errorf("normalize: %w", err)
			}
			normalized = append(normalized, norm)
		}
		canonical := reading.SelectCanonical(normalized)

		for batchStart := 0; batchStart < len(canonical); batchStart += batchSize {
			batchEnd := batchStart + batchSize
			if batchEnd > len(canonical) {
				batchEnd = len(canonical)
			}
			n, err := dest.BulkInsertBatch(ctx, canonical[batchStart:batchEnd])
			if err != nil {
				return fmt.Errorf("bulk insert: %w", err)
			}
			totalInserted += n
		}

		passes++
		if len(canonical) > 0 {
			logger.Printf("pass %d: window=[%s, %s) rows=%d canonical=%d inserted_total=%d",
				passes, lo.Format(dateLayout), hi.Format(dateLayout), len(rows), len(canonical), totalInserted)
		}
	}

	// Seed the watermark so the first incremental cycle starts where the
	// backfill ended instead of re-reading history.
	last, err := dest.ReadWatermark(ctx)
	if err != nil {
		return err
	}
	if err := dest.AdvanceWatermark(ctx, last); err != nil {
		return err
	}

	logger.Printf("backfill done: passes=%d rows_seen=%d rows_inserted=%d watermark=%s",
		passes, totalSeen, totalInserted, last.UTC().Format(time.RFC3339))
	return nil
}
