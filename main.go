package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pluviosync/internal/observability/metrics"
	"pluviosync/internal/observability/notify"
	"pluviosync/internal/replication/application"
	replication "pluviosync/internal/replication/domain"
	"pluviosync/internal/replication/infrastructure/postgres"
	"pluviosync/internal/replication/infrastructure/sqlite"
	"pluviosync/internal/replication/infrastructure/warehouse"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to yaml config (default $PLUVIOSYNC_CONFIG)")
		once       = flag.Bool("once", false, "run one cycle per destination and exit")
		only       = flag.String("destination", "", "restrict to one configured destination")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	_ = godotenv.Load()

	cfg, err := application.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once, *only, logger); err != nil {
		logger.Fatalf("sync error: %v", err)
	}
}

func run(ctx context.Context, cfg application.Config, once bool, only string, logger *log.Logger) error {
	sourceDB, err := sql.Open("pgx", cfg.Source.DSN)
	if err != nil {
		return fmt.Errorf("source open: %w", err)
	}
	defer sourceDB.Close()
	if err := sourceDB.PingContext(ctx); err != nil {
		return fmt.Errorf("source ping: %w", err)
	}

	source, err := postgres.NewSourceReader(sourceDB, postgres.WithSessionTimezone(cfg.Source.SessionTimezone))
	if err != nil {
		return err
	}

	m := metrics.New()

	reporter, err := buildReporter(cfg.Notify)
	if err != nil {
		return err
	}

	drivers, cleanup, err := buildDrivers(ctx, cfg, only, source, m, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	if len(drivers) == 0 {
		return fmt.Errorf("no destination matches %q", only)
	}

	if once {
		var failed bool
		for _, driver := range drivers {
			summary, err := driver.RunCycle(ctx)
			reporter.report(ctx, summary, err)
			if err != nil {
				failed = true
			}
		}
		if failed {
			return errors.New("one or more cycles failed")
		}
		return nil
	}

	ln, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	metricsSrv := serveMetrics(ln, logger)

	scheduler := cron.New()
	for _, driver := range drivers {
		driver := driver
		if _, err := scheduler.AddFunc(cfg.Poll.Schedule, func() {
			summary, err := driver.RunCycle(ctx)
			reporter.report(ctx, summary, err)
			if err != nil && !errors.Is(err, replication.ErrCycleRunning) {
				logger.Printf("scheduled cycle error: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule %q: %w", cfg.Poll.Schedule, err)
		}
	}

	// One immediate pass so a fresh deployment does not wait for the first tick.
	for _, driver := range drivers {
		summary, err := driver.RunCycle(ctx)
		reporter.report(ctx, summary, err)
		if err != nil && !errors.Is(err, replication.ErrCycleRunning) {
			logger.Printf("initial cycle error: %v", err)
		}
	}

	logger.Printf("scheduler started: schedule=%q destinations=%d", cfg.Poll.Schedule, len(drivers))
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown: %v", err)
	}
	return nil
}

// serveMetrics exposes the Prometheus handler on ln. The returned server is
// shut down by the caller once the run context ends.
func serveMetrics(ln net.Listener, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server error: %v", err)
		}
	}()
	return srv
}

// cycleReporter pushes failure and recovery notifications to the ops webhook.
// A nil reporter (no webhook configured) is a no-op.
type cycleReporter struct {
	notifier *notify.Notifier

	mu      sync.Mutex
	failing map[string]bool
}

func buildReporter(cfg application.NotifyConfig) (*cycleReporter, error) {
	if cfg.WebhookURL == "" {
		return nil, nil
	}
	channel, err := notify.NewWebhookChannel(cfg.WebhookURL)
	if err != nil {
		return nil, err
	}
	notifier, err := notify.NewNotifier(channel, notify.WithCooldown(cfg.Cooldown.Std()))
	if err != nil {
		return nil, err
	}
	return &cycleReporter{notifier: notifier, failing: make(map[string]bool)}, nil
}

func (r *cycleReporter) report(ctx context.Context, summary application.CycleSummary, err error) {
	if r == nil {
		return
	}
	if errors.Is(err, replication.ErrCycleRunning) {
		return
	}

	r.mu.Lock()
	wasFailing := r.failing[summary.Destination]
	r.failing[summary.Destination] = err != nil
	r.mu.Unlock()

	event := notify.Event{
		Destination: summary.Destination,
		RowsSeen:    summary.RowsSeen,
		RowsApplied: summary.RowsApplied,
		Watermark:   summary.Watermark,
		At:          time.Now().UTC(),
	}
	switch {
	case err != nil:
		event.Kind = "failed"
		event.Err = err.Error()
	case wasFailing:
		event.Kind = "recovered"
	default:
		return
	}
	r.notifier.Notify(ctx, event)
}

func buildDrivers(ctx context.Context, cfg application.Config, only string, source replication.Source, m *metrics.Metrics, logger *log.Logger) ([]*application.SyncDriver, func(), error) {
	var closers []func()
	cleanup := func() {
		for _, fn := range closers {
			fn()
		}
	}

	var drivers []*application.SyncDriver
	for _, destCfg := range cfg.Destinations {
		if only != "" && destCfg.Name != only {
			continue
		}
		dest, err := buildDestination(ctx, destCfg, &closers, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("destination %s: %w", destCfg.Name, err)
		}
		loader, err := application.NewBatchLoader(dest, cfg.Poll, logger, m)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		driver, err := application.NewSyncDriver(source, dest, loader, cfg.Poll.Lookback.Std(), logger, m)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		drivers = append(drivers, driver)
	}
	return drivers, cleanup, nil
}

func buildDestination(ctx context.Context, destCfg application.DestinationConfig, closers *[]func(), logger *log.Logger) (replication.Destination, error) {
	switch destCfg.Kind {
	case application.KindPostgres:
		db, err := sql.Open("pgx", destCfg.DSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		dest, err := postgres.NewDestination(db, destCfg.Name,
			postgres.WithTable(destCfg.Table),
			postgres.WithWatermarkTable(destCfg.WatermarkTable))
		if err != nil {
			return nil, err
		}
		if err := dest.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return dest, nil

	case application.KindBigQuery:
		var cursor replication.CursorStore
		if destCfg.CursorPath != "" {
			store, err := sqlite.Open(destCfg.CursorPath)
			if err != nil {
				return nil, err
			}
			*closers = append(*closers, func() { store.Close() })
			cursor = store
		}
		dest, err := warehouse.NewDestination(ctx, warehouse.Config{
			Name:            destCfg.Name,
			ProjectID:       destCfg.ProjectID,
			Dataset:         destCfg.Dataset,
			Table:           destCfg.Table,
			StagingTable:    destCfg.StagingTable,
			CredentialsFile: destCfg.CredentialsFile,
		}, cursor, logger)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { dest.Close() })
		if err := dest.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return dest, nil
	}
	return nil, fmt.Errorf("unknown kind %q", destCfg.Kind)
}
