package harvest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure kinds reported by the failures counter.
const (
	failureExhausted    = "exhausted"
	failureFatal        = "fatal"
	failureUnclassified = "unclassified"
	failureStorage      = "storage"
)

// Metrics are the Prometheus collectors of the harvester.
type Metrics struct {
	Workers       prometheus.Gauge
	Hits          *prometheus.CounterVec
	Rows          *prometheus.CounterVec
	Tasks         *prometheus.CounterVec
	Failures      *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Workers: f.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_workers_active",
			Help: "Number of live harvest workers",
		}),
		Hits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_hits_total",
			Help: "Estimated API calls spent on completed tasks",
		}, []string{"table"}),
		Rows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_rows_total",
			Help: "Rows written to the warehouse",
		}, []string{"table"}),
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_tasks_total",
			Help: "Queue items processed, by outcome",
		}, []string{"table", "outcome"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_failures_total",
			Help: "Task failures by kind",
		}, []string{"kind"}),
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_fetch_duration_seconds",
			Help:    "Wall-clock duration of a fetch including retries",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"search_type"}),
	}
}
