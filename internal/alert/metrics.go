package alert

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for alert generation and lifecycle.
type Metrics struct {
	AlertsTotal      *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	StoreErrorsTotal *prometheus.CounterVec
	ActiveAlerts     prometheus.Gauge
}

// NewMetrics registers and returns alert metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_alerts_total",
			Help: "Alerts generated by severity.",
		}, []string{"severity"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_alert_transitions_total",
			Help: "Alert lifecycle transitions by target status and result.",
		}, []string{"status", "result"}),
		StoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_alert_store_errors_total",
			Help: "Alert store failures by operation.",
		}, []string{"op"}),
		ActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threatwatch_alerts_active",
			Help: "Alerts currently open.",
		}),
	}

	reg.MustRegister(
		m.AlertsTotal,
		m.TransitionsTotal,
		m.StoreErrorsTotal,
		m.ActiveAlerts,
	)

	return m
}
