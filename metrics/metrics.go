// Package metrics exports run counters and the busy gauge to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/use-agent/portalscrape/guard"
	"github.com/use-agent/portalscrape/models"
)

const namespace = "portalscrape"

// Recorder implements guard.Observer.
type Recorder struct {
	gatherer prometheus.Gatherer

	active         prometheus.Gauge
	runs           *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	records        *prometheus.CounterVec
	rowErrors      *prometheus.CounterVec
	enrichFailures *prometheus.CounterVec
	pagesVisited   *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
}

var _ guard.Observer = (*Recorder)(nil)

// New registers the collectors on reg. Pass prometheus.NewRegistry() in
// tests; the server uses the default registry.
func New(reg *prometheus.Registry) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while an extraction holds the execution slot.",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished extraction runs by source and status.",
		}, []string{"source", "status"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_rejected_total",
			Help:      "Requests turned away because another run was active.",
		}, []string{"source"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_emitted_total",
			Help:      "Records streamed to consumers.",
		}, []string{"source"}),
		rowErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "row_errors_total",
			Help:      "Rows skipped after an extraction failure.",
		}, []string{"source"}),
		enrichFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrich_failures_total",
			Help:      "Audio downloads or uploads that failed.",
		}, []string{"source"}),
		pagesVisited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_visited_total",
			Help:      "Listing pages read by extraction runs.",
		}, []string{"source"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of extraction runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"source", "status"}),
	}
}

func (r *Recorder) RunStarted(models.Source, int) {
	r.active.Set(1)
}

func (r *Recorder) RunRejected(source models.Source) {
	r.rejected.WithLabelValues(string(source)).Inc()
}

func (r *Recorder) RunFinished(o guard.Outcome) {
	src := string(o.Source)
	r.active.Set(0)
	r.runs.WithLabelValues(src, o.Status).Inc()
	r.records.WithLabelValues(src).Add(float64(o.Emitted))
	r.rowErrors.WithLabelValues(src).Add(float64(len(o.Summary.RowErrors)))
	r.enrichFailures.WithLabelValues(src).Add(float64(o.Summary.EnrichFailures))
	r.pagesVisited.WithLabelValues(src).Add(float64(o.Summary.Pages))
	r.runDuration.WithLabelValues(src, o.Status).Observe(o.Duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
