package ingest

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the ingestion buffer.
type Metrics struct {
	Pushed    *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Occupancy prometheus.Gauge
}

// NewMetrics registers and returns buffer metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_ingest_events_total",
			Help: "Events accepted into the ingestion buffer by source.",
		}, []string{"source"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_ingest_dropped_total",
			Help: "Events dropped because the ingestion buffer was full, by source.",
		}, []string{"source"}),
		Occupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threatwatch_ingest_buffer_events",
			Help: "Current number of events held in the ingestion buffer.",
		}),
	}

	reg.MustRegister(m.Pushed, m.Dropped, m.Occupancy)
	return m
}
