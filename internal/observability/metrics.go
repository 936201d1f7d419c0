package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for gitguard.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Gateway metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	OutputBytes       *prometheus.HistogramVec
	RejectionsTotal   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Approval metrics.
	ConfirmationsTotal *prometheus.CounterVec

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitguard",
			Subsystem: "exec",
			Name:      "total",
			Help:      "Total git executions that reached the process supervisor.",
		}, []string{"command", "class", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gitguard",
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Git execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"command"}),

		OutputBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gitguard",
			Subsystem: "exec",
			Name:      "output_bytes",
			Help:      "Bytes produced by git, including bytes discarded by truncation.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"command"}),

		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitguard",
			Subsystem: "exec",
			Name:      "rejections_total",
			Help:      "Total calls refused or failed, by error kind.",
		}, []string{"kind"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gitguard",
			Name:      "active_executions",
			Help:      "Number of git executions in flight.",
		}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitguard",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total supervised process runs.",
		}, []string{"outcome"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gitguard",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Supervised process duration in seconds, including reaping.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"outcome"}),

		ConfirmationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitguard",
			Subsystem: "approval",
			Name:      "total",
			Help:      "Total propose and confirm operations.",
		}, []string{"operation", "result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gitguard",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gitguard",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gitguard",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.OutputBytes,
		m.RejectionsTotal,
		m.ActiveExecutions,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.ConfirmationsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
