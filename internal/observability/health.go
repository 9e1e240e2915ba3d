package observability

import (
	"context"
	"log/slog"
	"time"
)

// Budget for a single probe run.
const checkTimeout = 3 * time.Second

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// HealthChecker aggregates dependency probes for the readiness
// endpoint. Probes for the store and the VBoxManage binary are added
// during wiring, depending on what the config enables.
type HealthChecker struct {
	names  []string
	checks map[string]CheckFunc
	logger *slog.Logger
}

// HealthStatus is the readiness report: overall status plus one entry
// per registered probe.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is one probe's outcome.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a checker with no probes registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{checks: make(map[string]CheckFunc), logger: logger}
}

// AddCheck registers a named probe. Re-registering a name replaces the
// previous probe.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	if _, exists := h.checks[name]; !exists {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

// CheckReady runs every probe, each under its own timeout. One failing
// probe degrades the whole report; every probe's result is included so
// the caller sees which dependency is down.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	report := HealthStatus{Status: "ok"}
	if len(h.names) == 0 {
		return report
	}
	report.Checks = make(map[string]CheckResult, len(h.names))

	for _, name := range h.names {
		result := h.runCheck(ctx, name)
		if result.Status != "ok" {
			report.Status = "degraded"
		}
		report.Checks[name] = result
	}
	return report
}

func (h *HealthChecker) runCheck(ctx context.Context, name string) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := h.checks[name](probeCtx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
		}
		return CheckResult{Status: "fail", Message: err.Error(), LatencyMS: latency}
	}
	return CheckResult{Status: "ok", LatencyMS: latency}
}
