package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/dispatch"
	"github.com/jkaninda/sanduku/internal/vbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	if obs != nil {
		t.Fatalf("New(nil) = %+v, want nil facade", obs)
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if obs == nil {
		t.Fatal("facade missing even though observability is configured")
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Errorf("disabled features were built: metrics=%v tracer=%v anomaly=%v",
			obs.Metrics != nil, obs.Tracer != nil, obs.Anomaly != nil)
	}
	if obs.Health == nil {
		t.Error("health checker missing; it exists whenever the facade does")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Must not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestNilFacadeAccessors(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("TracerOrNil on nil facade returned a tracer")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("MetricsOrNil on nil facade returned a collector")
	}
	if obs.HealthOrNil() != nil {
		t.Error("HealthOrNil on nil facade returned a checker")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Vectors only appear in Gather after first use.
	m.OperationsTotal.WithLabelValues("vm", "start", "ok").Inc()
	m.ProcessExecutionsTotal.WithLabelValues("startvm", "success").Inc()
	m.ObserveHTTPRequest("GET", "/test", 200, 5*time.Millisecond)
	m.MachinesByState.WithLabelValues("running").Set(2)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"sanduku_dispatch_operations_total",
		"sanduku_process_executions_total",
		"sanduku_http_requests_total",
		"sanduku_vm_machines",
		"sanduku_sandbox_sessions_active",
		"sanduku_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestObserveOperation(t *testing.T) {
	m := NewMetricsCollector()

	m.ObserveOperation("vm", "start", dispatch.OutcomeOK, 1200*time.Millisecond)
	m.ObserveOperation("vm", "start", dispatch.OutcomeOK, 800*time.Millisecond)
	m.ObserveOperation("vm", "start", dispatch.OutcomeBusy, time.Millisecond)

	ok := counterValue(t, m.Registry, "sanduku_dispatch_operations_total",
		prometheus.Labels{"domain": "vm", "action": "start", "outcome": "ok"})
	if ok != 2 {
		t.Errorf("ok count = %v, want 2", ok)
	}
	busy := counterValue(t, m.Registry, "sanduku_dispatch_operations_total",
		prometheus.Labels{"domain": "vm", "action": "start", "outcome": "busy"})
	if busy != 1 {
		t.Errorf("busy count = %v, want 1", busy)
	}

	samples := histogramCount(t, m.Registry, "sanduku_dispatch_operation_duration_seconds",
		prometheus.Labels{"domain": "vm", "action": "start"})
	if samples != 3 {
		t.Errorf("duration samples = %d, want 3", samples)
	}
}

func TestObserveLockWait(t *testing.T) {
	m := NewMetricsCollector()
	m.ObserveLockWait("vm", 40*time.Millisecond)
	m.ObserveLockWait("vm", 5*time.Millisecond)

	samples := histogramCount(t, m.Registry, "sanduku_locks_wait_seconds",
		prometheus.Labels{"domain": "vm"})
	if samples != 2 {
		t.Errorf("lock wait samples = %d, want 2", samples)
	}
}

func TestNilCollectorRecordersAreSafe(t *testing.T) {
	var m *MetricsCollector
	m.ObserveOperation("vm", "start", dispatch.OutcomeOK, time.Second)
	m.ObserveLockWait("vm", time.Millisecond)
	m.ObserveHTTPRequest("GET", "/v1/vm", 200, time.Millisecond)
	m.SetMachineStates(map[string]int{"running": 1})
	m.SetSandboxSessions(2)
	m.TrackEventDrops(func() float64 { return 0 })
}

func TestSetMachineStatesReplacesSnapshot(t *testing.T) {
	m := NewMetricsCollector()

	m.SetMachineStates(map[string]int{"running": 2, "paused": 1})
	if got := gaugeValue(t, m.Registry, "sanduku_vm_machines", prometheus.Labels{"state": "running"}); got != 2 {
		t.Errorf("running = %v, want 2", got)
	}

	// A fresh snapshot without paused machines must drop the old series.
	m.SetMachineStates(map[string]int{"running": 1})
	if got := gaugeValue(t, m.Registry, "sanduku_vm_machines", prometheus.Labels{"state": "running"}); got != 1 {
		t.Errorf("running = %v, want 1", got)
	}
	if hasSeries(t, m.Registry, "sanduku_vm_machines", prometheus.Labels{"state": "paused"}) {
		t.Error("paused series survived the snapshot replacement")
	}
}

func TestTrackEventDrops(t *testing.T) {
	m := NewMetricsCollector()
	dropped := 7.0
	m.TrackEventDrops(func() float64 { return dropped })

	if got := counterValue(t, m.Registry, "sanduku_events_dropped_total", nil); got != 7 {
		t.Errorf("dropped = %v, want 7", got)
	}
	dropped = 12
	if got := counterValue(t, m.Registry, "sanduku_events_dropped_total", nil); got != 12 {
		t.Errorf("dropped = %v, want 12 after update", got)
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("empty checker reported %q, want ok", status.Status)
	}
	if status.Checks != nil {
		t.Errorf("empty checker reported %d probe results", len(status.Checks))
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("vboxmanage", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("one failing probe should degrade the report, got %q", status.Status)
	}
	store := status.Checks["store"]
	if store.Status != "fail" || store.Message != "connection refused" {
		t.Errorf("store probe = %+v, want fail with the probe's error", store)
	}
	if status.Checks["vboxmanage"].Status != "ok" {
		t.Errorf("vboxmanage probe = %q, want ok", status.Checks["vboxmanage"].Status)
	}
}

func TestHealthChecker_ReplacesByName(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("down") })
	h.AddCheck("store", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok after replacing the failing probe", status.Status)
	}
	if len(status.Checks) != 1 {
		t.Errorf("got %d check results, want 1", len(status.Checks))
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordRun("startvm", nil)
	a.RecordRun("startvm", errors.New("boom"))
}

func TestAnomalyDetector_TracksWindows(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.4,
		WindowSeconds:      120,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordRun("startvm", nil)
	}
	for i := 0; i < 6; i++ {
		a.RecordRun("startvm", errors.New("boom"))
	}

	a.mu.Lock()
	failures := a.failures["startvm"].count()
	runs := a.runs["startvm"].count()
	a.mu.Unlock()

	if failures != 6 {
		t.Errorf("failures = %d, want 6", failures)
	}
	if runs != 10 {
		t.Errorf("runs = %d, want 10", runs)
	}
}

// --- InstrumentedRunner (wrapper) ---

type stubRunner struct {
	result *vbox.RunResult
	err    error
	calls  int
}

func (s *stubRunner) Run(ctx context.Context, cmd vbox.Command) (*vbox.RunResult, error) {
	s.calls++
	return s.result, s.err
}

func TestInstrumentedRunner_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubRunner{result: &vbox.RunResult{Stdout: "ok"}}

	r := NewInstrumentedRunner(inner, metrics, nil, nil)
	result, err := r.Run(context.Background(), vbox.Command{Args: []string{"startvm", "web"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stdout != "ok" {
		t.Errorf("stdout = %q, want ok", result.Stdout)
	}
	if inner.calls != 1 {
		t.Errorf("inner called %d times, want 1", inner.calls)
	}

	val := counterValue(t, metrics.Registry, "sanduku_process_executions_total",
		prometheus.Labels{"verb": "startvm", "status": "success"})
	if val != 1 {
		t.Errorf("executions_total = %v, want 1", val)
	}
}

func TestInstrumentedRunner_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus string
	}{
		{"tool error", &vbox.ToolError{ExitCode: 1, Stderr: "boom"}, "tool_error"},
		{"timeout", &vbox.TimeoutError{Timeout: time.Second}, "timeout"},
		{"spawn error", &vbox.SpawnError{Binary: "VBoxManage", Err: errors.New("not found")}, "spawn_error"},
		{"plain error", errors.New("unexpected"), "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			inner := &stubRunner{err: tt.err}

			r := NewInstrumentedRunner(inner, metrics, nil, nil)
			if _, err := r.Run(context.Background(), vbox.Command{Args: []string{"createvm"}}); err == nil {
				t.Fatal("expected error to pass through")
			}

			val := counterValue(t, metrics.Registry, "sanduku_process_executions_total",
				prometheus.Labels{"verb": "createvm", "status": tt.wantStatus})
			if val != 1 {
				t.Errorf("status %q count = %v, want 1", tt.wantStatus, val)
			}
		})
	}
}

func TestInstrumentedRunner_NilMetrics(t *testing.T) {
	inner := &stubRunner{result: &vbox.RunResult{}}
	r := NewInstrumentedRunner(inner, nil, nil, nil)
	if _, err := r.Run(context.Background(), vbox.Command{Args: []string{"list", "vms"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- Helpers ---

// labelsMatch reports whether every wanted label shows up with the
// wanted value. Extra labels on the series are ignored.
func labelsMatch(pairs []*dto.LabelPair, want prometheus.Labels) bool {
	got := make(map[string]string, len(pairs))
	for _, p := range pairs {
		got[p.GetName()] = p.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	if m := findMetric(t, reg, name, labels); m != nil {
		return m.GetCounter().GetValue()
	}
	return 0
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	if m := findMetric(t, reg, name, labels); m != nil {
		return m.GetGauge().GetValue()
	}
	return 0
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) uint64 {
	t.Helper()
	if m := findMetric(t, reg, name, labels); m != nil {
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func hasSeries(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) bool {
	t.Helper()
	return findMetric(t, reg, name, labels) != nil
}
