package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Kipande.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Snippet engine metrics.
	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec

	// Sanitizer metrics.
	SanitizerRejectionsTotal *prometheus.CounterVec

	// Capability gate metrics.
	GateDenialsTotal *prometheus.CounterVec

	// Audit metrics.
	AuditEventsTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kipande",
			Subsystem: "engine",
			Name:      "invocations_total",
			Help:      "Total snippet invocations.",
		}, []string{"status", "surface"}),

		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kipande",
			Subsystem: "engine",
			Name:      "invocation_duration_seconds",
			Help:      "Snippet invocation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"surface"}),

		SanitizerRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kipande",
			Subsystem: "sanitizer",
			Name:      "rejections_total",
			Help:      "Total code rejections by the sanitizer.",
		}, []string{"kind"}),

		GateDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kipande",
			Subsystem: "gate",
			Name:      "denials_total",
			Help:      "Total capability gate denials.",
		}, []string{"action"}),

		AuditEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kipande",
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Total audit records written.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kipande",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kipande",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kipande",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.InvocationsTotal,
		m.InvocationDuration,
		m.SanitizerRejectionsTotal,
		m.GateDenialsTotal,
		m.AuditEventsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveInvocation records one finished invocation. Nil-safe.
func (m *MetricsCollector) ObserveInvocation(status, surface string, seconds float64) {
	if m == nil {
		return
	}
	m.InvocationsTotal.WithLabelValues(status, surface).Inc()
	m.InvocationDuration.WithLabelValues(surface).Observe(seconds)
}

// ObserveRejection records one sanitizer rejection. Nil-safe.
func (m *MetricsCollector) ObserveRejection(kind string) {
	if m == nil {
		return
	}
	m.SanitizerRejectionsTotal.WithLabelValues(kind).Inc()
}

// ObserveDenial records one gate denial. Nil-safe.
func (m *MetricsCollector) ObserveDenial(action string) {
	if m == nil {
		return
	}
	m.GateDenialsTotal.WithLabelValues(action).Inc()
}

// ObserveAuditEvent counts one audit record. Nil-safe.
func (m *MetricsCollector) ObserveAuditEvent() {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Inc()
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
