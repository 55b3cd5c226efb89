package notify

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for notification delivery.
type Metrics struct {
	NotificationsTotal *prometheus.CounterVec
	Duration           *prometheus.HistogramVec
}

// NewMetrics registers and returns notification metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_notifications_total",
			Help: "Alert notifications by sink and outcome.",
		}, []string{"sink", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threatwatch_notification_duration_seconds",
			Help:    "Time spent delivering a notification to a sink.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"sink"}),
	}

	reg.MustRegister(m.NotificationsTotal, m.Duration)

	return m
}
