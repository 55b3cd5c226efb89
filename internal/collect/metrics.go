package collect

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for collector polling.
type Metrics struct {
	PollsTotal      *prometheus.CounterVec
	EventsCollected *prometheus.CounterVec
}

// NewMetrics registers and returns collector metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_collector_polls_total",
			Help: "Collector polls by collector and outcome.",
		}, []string{"collector", "outcome"}),
		EventsCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_collector_events_total",
			Help: "Events returned by collectors.",
		}, []string{"collector"}),
	}

	reg.MustRegister(m.PollsTotal, m.EventsCollected)

	return m
}
