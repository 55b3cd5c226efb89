package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for batch analysis.
type Metrics struct {
	BatchesTotal       prometheus.Counter
	EventsProcessed    prometheus.Counter
	ExtractionFailures prometheus.Counter
	AlertsRaised       prometheus.Counter
	DetectDuration     prometheus.Histogram
	BatchDuration      prometheus.Histogram
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_pipeline_batches_total",
			Help: "Event batches analyzed.",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_pipeline_events_processed_total",
			Help: "Events that reached the classifier.",
		}),
		ExtractionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_pipeline_extraction_failures_total",
			Help: "Events excluded from a batch because feature extraction failed.",
		}),
		AlertsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_pipeline_alerts_raised_total",
			Help: "Alerts raised from analyzed batches.",
		}),
		DetectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threatwatch_pipeline_detect_duration_seconds",
			Help:    "Time spent scoring one batch.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threatwatch_pipeline_batch_duration_seconds",
			Help:    "End-to-end time to analyze one batch.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.BatchesTotal,
		m.EventsProcessed,
		m.ExtractionFailures,
		m.AlertsRaised,
		m.DetectDuration,
		m.BatchDuration,
	)

	return m
}
