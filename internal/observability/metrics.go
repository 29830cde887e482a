package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion and aggregation paths.
type Metrics struct {
	ReadingsIngested  prometheus.Counter
	ValidationErrors  prometheus.Counter
	StorageErrors     prometheus.Counter
	ReadingsPublished prometheus.Counter

	// Classification metrics.
	ClassifyRequests    *prometheus.CounterVec // labels: outcome={labeled,unknown,no_model,shape_error,audio_error}
	ClassifierFallbacks prometheus.Counter
	ModelLoaded         prometheus.Gauge

	// Aggregation metrics.
	AggregationDuration *prometheus.HistogramVec // labels: op={heatmap,time_series}
	AggregationRows     *prometheus.HistogramVec // labels: op={heatmap,time_series}
}

// NewMetrics creates and registers all service metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.ReadingsIngested,
		m.ValidationErrors,
		m.StorageErrors,
		m.ReadingsPublished,
		m.ClassifyRequests,
		m.ClassifierFallbacks,
		m.ModelLoaded,
		m.AggregationDuration,
		m.AggregationRows,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics across tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ReadingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noisemap",
			Name:      "readings_ingested_total",
			Help:      "Total readings persisted to the store.",
		}),
		ValidationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noisemap",
			Name:      "validation_errors_total",
			Help:      "Total ingestion attempts rejected by validation.",
		}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noisemap",
			Name:      "storage_errors_total",
			Help:      "Total storage failures surfaced to callers.",
		}),
		ReadingsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noisemap",
			Name:      "readings_published_total",
			Help:      "Total persisted readings published to the sink topic.",
		}),
		ClassifyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "noisemap",
			Name:      "classify_requests_total",
			Help:      "Classification attempts by outcome.",
		}, []string{"outcome"}),
		ClassifierFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "noisemap",
			Name:      "classifier_fallbacks_total",
			Help:      "Ingestions that fell back to the unknown label after a classification failure.",
		}),
		ModelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "noisemap",
			Name:      "model_loaded",
			Help:      "1 when a classifier artifact is loaded, 0 otherwise.",
		}),
		AggregationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "noisemap",
			Name:      "aggregation_duration_seconds",
			Help:      "Duration of aggregate queries by operation.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),
		AggregationRows: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "noisemap",
			Name:      "aggregation_rows_scanned",
			Help:      "Readings scanned per aggregate query by operation.",
			Buckets:   []float64{1, 10, 100, 1000, 10000, 100000},
		}, []string{"op"}),
	}
}
