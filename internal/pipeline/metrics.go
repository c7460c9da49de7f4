package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors updated after every run.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	PhaseDuration    *prometheus.HistogramVec
	RowsTotal        *prometheus.CounterVec
	IssuesTotal      *prometheus.CounterVec
	FileErrorsTotal  prometheus.Counter
	LoadAttempts     prometheus.Histogram
	StoreVersions    prometheus.Counter
	LastSuccess      prometheus.Gauge
	RunInProgress    prometheus.Gauge
	ProcessedFiles   prometheus.Gauge
	MetadataErrorCnt prometheus.Gauge
}

// NewMetrics registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salesetl",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by final state",
		}, []string{"state"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "salesetl",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "salesetl",
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Duration of each run phase in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"phase"}),
		RowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salesetl",
			Subsystem: "quality",
			Name:      "rows_total",
			Help:      "Rows seen by the transformer by outcome",
		}, []string{"outcome"}),
		IssuesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "salesetl",
			Subsystem: "quality",
			Name:      "issues_total",
			Help:      "Data quality issues by kind and severity",
		}, []string{"kind", "severity"}),
		FileErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "salesetl",
			Subsystem: "extract",
			Name:      "file_errors_total",
			Help:      "Source files that could not be read",
		}),
		LoadAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "salesetl",
			Subsystem: "load",
			Name:      "attempts",
			Help:      "Load attempts needed per run",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		StoreVersions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "salesetl",
			Subsystem: "load",
			Name:      "store_versions_total",
			Help:      "Store dimension versions written",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "salesetl",
			Subsystem: "pipeline",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run",
		}),
		RunInProgress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "salesetl",
			Subsystem: "pipeline",
			Name:      "run_in_progress",
			Help:      "1 while a run is active",
		}),
		ProcessedFiles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "salesetl",
			Subsystem: "metadata",
			Name:      "processed_files",
			Help:      "Files recorded as processed in the run metadata",
		}),
		MetadataErrorCnt: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "salesetl",
			Subsystem: "metadata",
			Name:      "error_count",
			Help:      "Cumulative error_count from the run metadata",
		}),
	}
}

// observe records a finished run.
func (m *Metrics) observe(r *Report) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(r.FinalState)).Inc()
	m.RunDuration.Observe(r.Duration.Seconds())
	for phase, d := range r.PhaseDurations {
		m.PhaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
	}

	q := r.Quality
	m.RowsTotal.WithLabelValues("accepted").Add(float64(q.Accepted))
	m.RowsTotal.WithLabelValues("rejected").Add(float64(q.Rejected))
	m.RowsTotal.WithLabelValues("warned").Add(float64(q.Warned))
	for _, issue := range q.Issues {
		m.IssuesTotal.WithLabelValues(string(issue.Kind), string(issue.Severity)).Inc()
	}
	m.FileErrorsTotal.Add(float64(len(q.FileErrors)))

	if r.LoadAttempts > 0 {
		m.LoadAttempts.Observe(float64(r.LoadAttempts))
	}
	m.StoreVersions.Add(float64(r.Load.StoreVersions()))

	if r.Succeeded() {
		m.LastSuccess.Set(float64(r.FinishedAt.Unix()))
		if r.Metadata != nil {
			m.ProcessedFiles.Set(float64(len(r.Metadata.ProcessedFiles)))
			m.MetadataErrorCnt.Set(float64(r.Metadata.ErrorCount))
		}
	}
}
