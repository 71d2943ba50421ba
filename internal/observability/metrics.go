package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flood_trigger"

// Metrics holds the Prometheus counters, histograms, and gauges for the trigger pipeline.
type Metrics struct {
	PipelineRunning prometheus.Gauge

	// Synchronizer.
	SyncFetches   *prometheus.CounterVec   // labels: source, outcome={success,error,skipped}
	SyncDuration  *prometheus.HistogramVec // labels: source
	SeriesUpserts *prometheus.CounterVec   // labels: outcome={created,merged,diverged}

	// Evaluator.
	Evaluations     *prometheus.CounterVec // labels: outcome={fired,unmet,deferred,skipped,error}
	TriggersByState *prometheus.GaugeVec   // labels: state

	// Dispatcher.
	ActivationsDispatched *prometheus.CounterVec // labels: actor
	DispatchFailures      prometheus.Counter
	DispatchQueueDepth    prometheus.Gauge

	// Anchor.
	LedgerSubmissions *prometheus.CounterVec // labels: outcome={anchored,retry,failed,recovered}
	AnchorDuration    prometheus.Histogram

	// Source metadata cache.
	GaugeCache *prometheus.CounterVec // labels: result={hit,miss}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all pipeline metrics and registers them with reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(
		m.PipelineRunning,
		m.SyncFetches,
		m.SyncDuration,
		m.SeriesUpserts,
		m.Evaluations,
		m.TriggersByState,
		m.ActivationsDispatched,
		m.DispatchFailures,
		m.DispatchQueueDepth,
		m.LedgerSubmissions,
		m.AnchorDuration,
		m.GaugeCache,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		SyncFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_fetches_total",
			Help:      "Source fetches per basin unit by source kind and outcome.",
		}, []string{"source", "outcome"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_fetch_duration_seconds",
			Help:      "Duration of one source fetch including normalization and upsert.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		SeriesUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "series_upserts_total",
			Help:      "Series store upserts by outcome.",
		}, []string{"outcome"}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Trigger evaluations by outcome.",
		}, []string{"outcome"}),
		TriggersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "triggers",
			Help:      "Non-deleted triggers by state.",
		}, []string{"state"}),
		ActivationsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_dispatched_total",
			Help:      "Activations published downstream by actor.",
		}, []string{"actor"}),
		DispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Activations whose publish attempts were exhausted.",
		}),
		DispatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Activation requests waiting for a dispatcher worker.",
		}),
		LedgerSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_submissions_total",
			Help:      "Ledger anchoring attempts by outcome.",
		}, []string{"outcome"}),
		AnchorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anchor_duration_seconds",
			Help:      "Time from the first ledger attempt to a settled anchor.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		GaugeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gauge_metadata_cache_total",
			Help:      "Flood hub gauge metadata cache lookups by result.",
		}, []string{"result"}),
	}
}
