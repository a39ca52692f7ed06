// Package metrics exposes Prometheus instrumentation for backup and restore
// runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	PipelineBackup  = "backup"
	PipelineRestore = "restore"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	ArchiveBytes prometheus.Histogram
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "suitebackup_pipeline_runs_total",
				Help: "Total number of finished pipeline runs",
			},
			[]string{"pipeline", "status"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "suitebackup_pipeline_duration_seconds",
				Help:    "Wall-clock duration of pipeline runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"pipeline"},
		),
		ArchiveBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "suitebackup_archive_bytes",
				Help:    "Size of uploaded backup archives in bytes",
				Buckets: prometheus.ExponentialBuckets(1<<20, 4, 10),
			},
		),
	}
}

// ObserveRun records a finished run of pipeline with its terminal status.
func (m *Metrics) ObserveRun(pipeline, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(pipeline, status).Inc()
	m.RunDuration.WithLabelValues(pipeline).Observe(d.Seconds())
}

// ObserveArchive records the size of an uploaded archive.
func (m *Metrics) ObserveArchive(size int64) {
	if m == nil {
		return
	}
	m.ArchiveBytes.Observe(float64(size))
}
