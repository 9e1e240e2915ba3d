package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/sanduku/internal/dispatch"
)

// MetricsCollector holds all Prometheus metrics for Sanduku.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Dispatch metrics.
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	LockWaitDuration  *prometheus.HistogramVec

	// Child process metrics. Counted per spawned process, so composite
	// operations show up with all their legs.
	ProcessExecutionsTotal   *prometheus.CounterVec
	ProcessExecutionDuration *prometheus.HistogramVec

	// Fleet metrics, set by the state monitor.
	MachinesByState *prometheus.GaugeVec
	SandboxSessions prometheus.Gauge

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "dispatch",
			Name:      "operations_total",
			Help:      "Total dispatched operations.",
		}, []string{"domain", "action", "outcome"}),

		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "dispatch",
			Name:      "operation_duration_seconds",
			Help:      "End-to-end operation duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"domain", "action"}),

		LockWaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "locks",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a resource lock.",
			Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"domain"}),

		ProcessExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "process",
			Name:      "executions_total",
			Help:      "Total VBoxManage child processes spawned.",
		}, []string{"verb", "status"}),

		ProcessExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "process",
			Name:      "execution_duration_seconds",
			Help:      "VBoxManage child process duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"verb"}),

		MachinesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "vm",
			Name:      "machines",
			Help:      "Registered machines by state.",
		}, []string{"state"}),

		SandboxSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "sessions_active",
			Help:      "Currently running sandbox sessions.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.LockWaitDuration,
		m.ProcessExecutionsTotal,
		m.ProcessExecutionDuration,
		m.MachinesByState,
		m.SandboxSessions,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveOperation records a completed dispatch, implementing the
// dispatcher's recorder.
func (m *MetricsCollector) ObserveOperation(domain, action string, outcome dispatch.Outcome, duration time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(domain, action, string(outcome)).Inc()
	m.OperationDuration.WithLabelValues(domain, action).Observe(duration.Seconds())
}

// ObserveLockWait records time spent acquiring a resource lock.
func (m *MetricsCollector) ObserveLockWait(domain string, wait time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitDuration.WithLabelValues(domain).Observe(wait.Seconds())
}

// ObserveHTTPRequest records one completed API request.
func (m *MetricsCollector) ObserveHTTPRequest(method, path string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetMachineStates replaces the per-state machine gauge with a fresh
// snapshot. The vector is reset first so states with no machines left
// disappear instead of sticking at their last value.
func (m *MetricsCollector) SetMachineStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.MachinesByState.Reset()
	for state, n := range counts {
		m.MachinesByState.WithLabelValues(state).Set(float64(n))
	}
}

// SetSandboxSessions records the number of live sandbox sessions.
func (m *MetricsCollector) SetSandboxSessions(n int) {
	if m == nil {
		return
	}
	m.SandboxSessions.Set(float64(n))
}

// TrackEventDrops exposes a counter read from the event bus, typically
// its dropped-event tally.
func (m *MetricsCollector) TrackEventDrops(read func() float64) {
	if m == nil || read == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "sanduku",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped for slow stream subscribers.",
	}, read))
}

var _ dispatch.Recorder = (*MetricsCollector)(nil)
