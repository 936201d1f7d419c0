package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for maintenance jobs.
type Metrics struct {
	Runs     *prometheus.CounterVec
	Failures *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitguard",
			Subsystem: "maintenance",
			Name:      "runs_total",
			Help:      "Total maintenance job runs.",
		}, []string{"job"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitguard",
			Subsystem: "maintenance",
			Name:      "failures_total",
			Help:      "Total maintenance job runs that returned an error.",
		}, []string{"job"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gitguard",
			Subsystem: "maintenance",
			Name:      "duration_seconds",
			Help:      "Duration of each maintenance job run.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"job"}),
	}

	reg.MustRegister(
		m.Runs,
		m.Failures,
		m.Duration,
	)

	return m
}
