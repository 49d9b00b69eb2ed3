package application

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"pluviosync/internal/observability/metrics"
	reading "pluviosync/internal/reading/domain"
	replication "pluviosync/internal/replication/domain"
)

// SyncDriver runs one poll cycle at a time for one destination: read the
// watermark, fetch source rows from just below it, canonicalize, normalize,
// load in batches, report. A trigger that arrives while a cycle is still
// running is skipped with ErrCycleRunning rather than run concurrently.
type SyncDriver struct {
	source   replication.Source
	dest     replication.Destination
	loader   *BatchLoader
	lookback time.Duration
	logger   *log.Logger
	metrics  *metrics.Metrics

	mu sync.Mutex
}

// CycleSummary reports the outcome of one cycle.
type CycleSummary struct {
	Destination string
	RowsSeen    int
	RowsApplied int
	Watermark   time.Time
	Duration    time.Duration
}

// NewSyncDriver constructs a SyncDriver.
func NewSyncDriver(source replication.Source, dest replication.Destination, loader *BatchLoader, lookback time.Duration, logger *log.Logger, m *metrics.Metrics) (*SyncDriver, error) {
	if source == nil {
		return nil, fmt.Errorf("sync driver: nil source")
	}
	if dest == nil {
		return nil, fmt.Errorf("sync driver: nil destination")
	}
	if loader == nil {
		return nil, fmt.Errorf("sync driver: nil loader")
	}
	if lookback < 0 {
		return nil, fmt.Errorf("sync driver: negative lookback")
	}
	return &SyncDriver{
		source:   source,
		dest:     dest,
		loader:   loader,
		lookback: lookback,
		logger:   logger,
		metrics:  m,
	}, nil
}

// RunCycle executes one sync cycle. Safe to call from a scheduler that may
// fire while the previous cycle is still in flight.
func (d *SyncDriver) RunCycle(ctx context.Context) (CycleSummary, error) {
	if !d.mu.TryLock() {
		if d.metrics != nil {
			d.metrics.CyclesTotal.WithLabelValues(d.dest.Name(), metrics.OutcomeSkipped).Inc()
		}
		return CycleSummary{Destination: d.dest.Name()}, replication.ErrCycleRunning
	}
	defer d.mu.Unlock()

	started := time.Now()
	summary, err := d.runLocked(ctx)
	summary.Duration = time.Since(started)

	if d.metrics != nil {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeError
		}
		d.metrics.CyclesTotal.WithLabelValues(d.dest.Name(), outcome).Inc()
		d.metrics.CycleDuration.WithLabelValues(d.dest.Name()).Observe(summary.Duration.Seconds())
	}
	if d.logger != nil {
		if err != nil {
			d.logger.Printf("cycle failed: destination=%s rows_seen=%d rows_applied=%d err=%v",
				summary.Destination, summary.RowsSeen, summary.RowsApplied, err)
		} else {
			d.logger.Printf("cycle done: destination=%s rows_seen=%d rows_applied=%d watermark=%s duration=%s",
				summary.Destination, summary.RowsSeen, summary.RowsApplied,
				summary.Watermark.UTC().Format(time.RFC3339), summary.Duration.Round(time.Millisecond))
		}
	}
	return summary, err
}

func (d *SyncDriver) runLocked(ctx context.Context) (CycleSummary, error) {
	summary := CycleSummary{Destination: d.dest.Name()}

	last, err := d.dest.ReadWatermark(ctx)
	if err != nil {
		return summary, fmt.Errorf("sync driver: read watermark: %w", err)
	}
	summary.Watermark = last
	wm := replication.Watermark{Destination: d.dest.Name(), LastSynced: last}

	rows, err := d.source.FetchSince(ctx, wm.WindowStart(d.lookback))
	if err != nil {
		return summary, fmt.Errorf("sync driver: fetch source: %w", err)
	}
	summary.RowsSeen = len(rows)
	if d.metrics != nil {
		d.metrics.RowsSeen.WithLabelValues(d.dest.Name()).Add(float64(len(rows)))
	}
	if len(rows) == 0 {
		return summary, nil
	}

	normalized := make([]reading.Reading, 0, len(rows))
	for _, row := range rows {
		norm, err := reading.Normalize(row)
		if err != nil {
			return summary, replication.Invariant("normalize reading", err)
		}
		if err := norm.Validate(); err != nil {
			return summary, replication.Invariant("validate reading", err)
		}
		normalized = append(normalized, norm)
	}

	canonical := reading.SelectCanonical(normalized)

	applied, committed, err := d.loader.Load(ctx, canonical)
	summary.RowsApplied = applied
	if !committed.IsZero() && committed.After(summary.Watermark) {
		summary.Watermark = committed
	}
	if err != nil {
		return summary, err
	}
	return summary, nil
}
