package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// detector pipeline.
type Metrics struct {
	TriplesIn  *prometheus.CounterVec // labels: stage
	TriplesOut *prometheus.CounterVec // labels: stage

	StageLatency *prometheus.HistogramVec // labels: stage

	PipelineRunning prometheus.Gauge

	AlertsEmitted   *prometheus.CounterVec // labels: key, severity
	AlertStateGauge *prometheus.GaugeVec   // labels: key; -1=below min 0=normal 1=above max

	DatasourceReaderLag   prometheus.Gauge
	PartitionEOFGraceHits prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.TriplesIn,
		m.TriplesOut,
		m.StageLatency,
		m.PipelineRunning,
		m.AlertsEmitted,
		m.AlertStateGauge,
		m.DatasourceReaderLag,
		m.PartitionEOFGraceHits,
	)
	return m
}

// NewMetricsForTesting creates Metrics bound to a private registry, so
// tests that construct pipelines repeatedly don't panic on double
// registration.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		TriplesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentryd",
			Name:      "triples_in_total",
			Help:      "Triples read by a stage.",
		}, []string{"stage"}),
		TriplesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentryd",
			Name:      "triples_out_total",
			Help:      "Triples emitted by a stage.",
		}, []string{"stage"}),
		StageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sentryd",
			Name:      "stage_latency_seconds",
			Help:      "Time a stage spends producing one output triple.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"stage"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentryd",
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sentryd",
			Name:      "alerts_emitted_total",
			Help:      "Alerts produced by a sink, by key and severity.",
		}, []string{"key", "severity"}),
		AlertStateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentryd",
			Name:      "alert_state",
			Help:      "Alert status of the last published alert per key: -1=below min 0=normal 1=above max.",
		}, []string{"key"}),
		DatasourceReaderLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sentryd",
			Name:      "datasource_reader_lag_seconds",
			Help:      "Wall-clock age of the most recently produced triple.",
		}),
		PartitionEOFGraceHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentryd",
			Name:      "partition_eof_grace_hits_total",
			Help:      "Times the realtime source forced a reorder-buffer release after sustained partition EOF.",
		}),
	}
}
