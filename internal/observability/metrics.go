package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the sandbox engine.
// Uses a custom registry, no global state. All record methods are nil-safe
// so disabled metrics cost a single nil check.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	ActiveExecutions  prometheus.Gauge

	// Capability call metrics.
	CapabilityCallsTotal   *prometheus.CounterVec
	CapabilityCallDuration prometheus.Histogram

	// Guest process metrics.
	ProcessStartsTotal  prometheus.Counter
	ProcessKillsTotal   *prometheus.CounterVec
	ProcessCrashesTotal prometheus.Counter

	// Bridge metrics.
	ProtocolErrorsTotal prometheus.Counter

	// Registry metrics.
	RegisteredCapabilities prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total guest code executions.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Guest execution duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "active_executions",
			Help:      "Executions currently in flight.",
		}),

		CapabilityCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "gatekeeper",
			Name:      "capability_calls_total",
			Help:      "Total capability calls by path and status.",
		}, []string{"path", "status"}),

		CapabilityCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "gatekeeper",
			Name:      "capability_call_duration_seconds",
			Help:      "Capability call duration in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),

		ProcessStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Total guest process starts.",
		}),

		ProcessKillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "process",
			Name:      "kills_total",
			Help:      "Total forced guest process kills by reason.",
		}, []string{"reason"}),

		ProcessCrashesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Total unexpected guest process exits.",
		}),

		ProtocolErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "bridge",
			Name:      "protocol_errors_total",
			Help:      "Total fatal bridge protocol errors.",
		}),

		RegisteredCapabilities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Subsystem: "registry",
			Name:      "capabilities",
			Help:      "Capabilities currently registered.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.CapabilityCallsTotal,
		m.CapabilityCallDuration,
		m.ProcessStartsTotal,
		m.ProcessKillsTotal,
		m.ProcessCrashesTotal,
		m.ProtocolErrorsTotal,
		m.RegisteredCapabilities,
	)

	return m
}

// RecordExecution records one finished execution.
func (m *MetricsCollector) RecordExecution(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(duration.Seconds())
}

// RecordCapabilityCall records one capability call.
func (m *MetricsCollector) RecordCapabilityCall(path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CapabilityCallsTotal.WithLabelValues(path, status).Inc()
	m.CapabilityCallDuration.Observe(duration.Seconds())
}

// RecordProcessStart records one guest process spawn.
func (m *MetricsCollector) RecordProcessStart() {
	if m == nil {
		return
	}
	m.ProcessStartsTotal.Inc()
}

// RecordProcessKill records one forced kill.
func (m *MetricsCollector) RecordProcessKill(reason string) {
	if m == nil {
		return
	}
	m.ProcessKillsTotal.WithLabelValues(reason).Inc()
}

// RecordProcessCrash records one unexpected guest exit.
func (m *MetricsCollector) RecordProcessCrash() {
	if m == nil {
		return
	}
	m.ProcessCrashesTotal.Inc()
}

// RecordProtocolError records one fatal bridge protocol error.
func (m *MetricsCollector) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrorsTotal.Inc()
}

// SetRegisteredCapabilities updates the registry size gauge.
func (m *MetricsCollector) SetRegisteredCapabilities(n int) {
	if m == nil {
		return
	}
	m.RegisteredCapabilities.Set(float64(n))
}

// ExecutionInFlight tracks an active execution; call the returned func when done.
func (m *MetricsCollector) ExecutionInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveExecutions.Inc()
	return m.ActiveExecutions.Dec
}
