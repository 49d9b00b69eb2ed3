package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	metricPrefix = "pluviosync_"

	// OutcomeSuccess and friends label finished cycles.
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Metrics bundles sync engine metrics.
type Metrics struct {
	CyclesTotal      *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec
	RowsSeen         *prometheus.CounterVec
	RowsApplied      *prometheus.CounterVec
	BatchRetries     *prometheus.CounterVec
	WatermarkSeconds *prometheus.GaugeVec
}

// New constructs and registers metrics.
func New() *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cycles_total",
				Help: "Sync cycles by destination and outcome",
			},
			[]string{"destination", "outcome"},
		),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cycle_duration_seconds",
				Help:    "Sync cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"destination"},
		),
		RowsSeen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rows_seen_total",
				Help: "Source rows fetched per destination, before canonical selection",
			},
			[]string{"destination"},
		),
		RowsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rows_applied_total",
				Help: "Canonical rows upserted per destination",
			},
			[]string{"destination"},
		),
		BatchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "batch_retries_total",
				Help: "Transient batch failures that were retried",
			},
			[]string{"destination"},
		),
		WatermarkSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "watermark_timestamp_seconds",
				Help: "Last synced instant per destination as a unix timestamp",
			},
			[]string{"destination"},
		),
	}
	prometheus.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.RowsSeen,
		m.RowsApplied,
		m.BatchRetries,
		m.WatermarkSeconds,
	)
	return m
}
