// Command seed populates a local source database with the rain-gauge schema
// and synthetic readings so the sync engine and its tools can be exercised
// without access to the production source. A fraction of instants get a
// second, higher-id reading row to mimic late corrections.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type config struct {
	dsn          string
	stationCount int
	startDate    string
	days         int
	stepMinutes  int
	correctEvery int
	createSchema bool
}

func main() {
	cfg := parseConfig()
	if cfg.dsn == "" {
		log.Fatal("PG_DSN or DATABASE_URL is required")
	}
	if cfg.stationCount <= 0 {
		log.Fatal("station-count must be > 0")
	}
	if cfg.days <= 0 {
		log.Fatal("days must be > 0")
	}
	if cfg.stepMinutes <= 0 {
		log.Fatal("step-minutes must be > 0")
	}

	start, err := parseStartDate(cfg.startDate)
	if err != nil {
		log.Fatalf("invalid start-date: %v", err)
	}

	db, err := sql.Open("pgx", cfg.dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	if cfg.createSchema {
		if err := createSchema(ctx, db); err != nil {
			log.Fatalf("create schema: %v", err)
		}
		log.Printf("source schema ready")
	}

	if err := seedStations(ctx, db, cfg.stationCount); err != nil {
		log.Fatalf("seed stations: %v", err)
	}
	log.Printf("seeded %d stations", cfg.stationCount)

	rows, corrections, err := seedReadings(ctx, db, cfg, start)
	if err != nil {
		log.Fatalf("seed readings: %v", err)
	}
	log.Printf("seed completed: readings=%d corrections=%d start=%s days=%d",
		rows, corrections, start.Format("2006-01-02"), cfg.days)
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.dsn, "pg-dsn", envOrDefault("PG_DSN", envOrDefault("DATABASE_URL", "")), "Postgres DSN")
	flag.IntVar(&cfg.stationCount, "station-count", envOrInt("STATION_COUNT", 10), "number of stations to seed")
	flag.StringVar(&cfg.startDate, "start-date", envOrDefault("START_DATE", ""), "start date (YYYY-MM-DD or RFC3339)")
	flag.IntVar(&cfg.days, "days", envOrInt("DAYS", 7), "number of days to seed")
	flag.IntVar(&cfg.stepMinutes, "step-minutes", envOrInt("STEP_MINUTES", 15), "minutes between readings")
	flag.IntVar(&cfg.correctEvery, "correct-every", envOrInt("CORRECT_EVERY", 20), "emit a correction row for every Nth reading (0 disables)")
	flag.BoolVar(&cfg.createSchema, "create-schema", envOrBool("CREATE_SCHEMA", true), "create the source tables when absent")
	flag.Parse()
	return cfg
}

func parseStartDate(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Now().UTC().AddDate(0, 0, -7).Truncate(24 * time.Hour), nil
	}
	value = strings.TrimSpace(value)
	if strings.Contains(value, "T") {
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, err
		}
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS public.estacoes_estacao (
			id bigint PRIMARY KEY,
			nome text NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS public.estacoes_leitura (
			id bigserial PRIMARY KEY,
			"horaLeitura" timestamptz NOT NULL,
			estacao_id bigint NOT NULL REFERENCES public.estacoes_estacao (id)
		)`,
		`CREATE TABLE IF NOT EXISTS public.estacoes_leiturachuva (
			id bigserial PRIMARY KEY,
			leitura_id bigint NOT NULL REFERENCES public.estacoes_leitura (id),
			m05 double precision,
			m10 double precision,
			m15 double precision,
			h01 double precision,
			h04 double precision,
			h24 double precision,
			h96 double precision
		)`,
		`CREATE INDEX IF NOT EXISTS estacoes_leitura_hora_idx
			ON public.estacoes_leitura ("horaLeitura")`,
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func seedStations(ctx context.Context, db *sql.DB, count int) error {
	const insertSQL = `
INSERT INTO public.estacoes_estacao (id, nome)
VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET nome = EXCLUDED.nome`

	names := []string{"Vidigal", "Urca", "Rocinha", "Tijuca", "Santa Teresa", "Copacabana", "Grajau", "Ilha do Governador", "Penha", "Madureira"}
	for i := 1; i <= count; i++ {
		name := names[(i-1)%len(names)]
		if i > len(names) {
			name = name + " " + strconv.Itoa((i-1)/len(names)+1)
		}
		if _, err := db.ExecContext(ctx, insertSQL, i, name); err != nil {
			return err
		}
	}
	return nil
}

func seedReadings(ctx context.Context, db *sql.DB, cfg config, start time.Time) (int, int, error) {
	const readingSQL = `
INSERT INTO public.estacoes_leitura ("horaLeitura", estacao_id)
VALUES ($1, $2)
RETURNING id`
	const rainSQL = `
INSERT INTO public.estacoes_leiturachuva (leitura_id, m05, m10, m15, h01, h04, h24, h96)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	step := time.Duration(cfg.stepMinutes) * time.Minute
	end := start.AddDate(0, 0, cfg.days)

	var rows, corrections int
	for station := 1; station <= cfg.stationCount; station++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return rows, corrections, err
		}

		seq := 0
		for instant := start; instant.Before(end); instant = instant.Add(step) {
			seq++
			m15 := rain(station, seq)
			if err := insertReading(ctx, tx, readingSQL, rainSQL, instant, station, m15); err != nil {
				_ = tx.Rollback()
				return rows, corrections, err
			}
			rows++

			// A later row for the same instant with adjusted values; the
			// engine must pick it over the original by its larger id.
			if cfg.correctEvery > 0 && seq%cfg.correctEvery == 0 {
				if err := insertReading(ctx, tx, readingSQL, rainSQL, instant, station, m15+0.2); err != nil {
					_ = tx.Rollback()
					return rows, corrections, err
				}
				corrections++
			}
		}

		if err := tx.Commit(); err != nil {
			return rows, corrections, err
		}
		log.Printf("seeded station %d/%d", station, cfg.stationCount)
	}
	return rows, corrections, nil
}

func insertReading(ctx context.Context, tx *sql.Tx, readingSQL, rainSQL string, instant time.Time, station int, m15 float64) error {
	var leituraID int64
	if err := tx.QueryRowContext(ctx, readingSQL, instant, station).Scan(&leituraID); err != nil {
		return err
	}
	m05 := m15 / 3
	m10 := m15 * 2 / 3
	h01 := m15 * 4
	_, err := tx.ExecContext(ctx, rainSQL, leituraID, m05, m10, m15, h01, h01*4, h01*24, h01*96)
	return err
}

// rain produces a deterministic, vaguely diurnal accumulation so repeated
// seeds are comparable run to run.
func rain(station, seq int) float64 {
	burst := 0.0
	if (station+seq)%17 == 0 {
		burst = 4.5
	}
	return float64(seq%8)*0.2 + float64(station%5)*0.1 + burst
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envOrBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
