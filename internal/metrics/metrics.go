package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Ingestion
	AlertsReceived   prometheus.Counter
	AlertsValid      prometheus.Counter
	AlertsRejected   prometheus.Counter
	HistoryDropped   prometheus.Counter
	BatchesProcessed prometheus.Counter
	BatchesFailed    prometheus.Counter

	// Writes and reads
	RowsWritten       *prometheus.CounterVec
	WriteErrors       prometheus.Counter
	WriteLatencySec   prometheus.Histogram
	ReadErrors        prometheus.Counter
	ChangelogAppended prometheus.Counter

	// Ledger recovery
	Applied            prometheus.Counter
	Skipped            prometheus.Counter
	TTRSec             prometheus.Gauge
	Lag                prometheus.Gauge
	LastManifestAgeSec prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "bronze", Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "bronze", Name: name, Help: help})
	}
	m := &Registry{
		reg:              r,
		AlertsReceived:   counter("alerts_received_total", "Raw alerts handed to the pipeline."),
		AlertsValid:      counter("alerts_valid_total", "Alerts that passed validation."),
		AlertsRejected:   counter("alerts_rejected_total", "Alerts that failed validation."),
		HistoryDropped:   counter("history_dropped_total", "Malformed history entries discarded."),
		BatchesProcessed: counter("batches_processed_total", "Batches returned by the pipeline."),
		BatchesFailed:    counter("batches_failed_total", "Batches rejected because every alert failed."),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bronze",
			Name:      "rows_written_total",
			Help:      "Rows written to the dataset by format.",
		}, []string{"format"}),
		WriteErrors: counter("write_errors_total", "Failed batch writes."),
		WriteLatencySec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bronze",
			Name:      "write_latency_seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		ReadErrors:         counter("read_errors_total", "Reads that degraded to an empty result."),
		ChangelogAppended:  counter("changelog_appended_total", "Commit events appended to the changelog."),
		Applied:            counter("replay_applied_total", "Commits applied while rebuilding the ledger."),
		Skipped:            counter("replay_skipped_total", "Commits skipped as already present."),
		TTRSec:             gauge("recovery_ttr_seconds", "Duration of the last ledger rebuild."),
		Lag:                gauge("changelog_lag", "Changelog messages not yet applied."),
		LastManifestAgeSec: gauge("last_manifest_age_seconds", "Age of the manifest used by the last rebuild."),
	}
	r.MustRegister(
		m.AlertsReceived, m.AlertsValid, m.AlertsRejected, m.HistoryDropped, m.BatchesProcessed, m.BatchesFailed,
		m.RowsWritten, m.WriteErrors, m.WriteLatencySec, m.ReadErrors, m.ChangelogAppended,
		m.Applied, m.Skipped, m.TTRSec, m.Lag, m.LastManifestAgeSec,
	)
	return m
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
