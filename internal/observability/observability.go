// Package observability wires the optional telemetry surface: a
// Prometheus registry, an OTLP tracer, readiness probes and the
// tool-failure watchdog. Everything here tolerates nil receivers, so a
// disabled feature costs callers one nil check and nothing else.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/sanduku/internal/config"
)

// Observability bundles the telemetry components the rest of the
// process shares. A nil field means that feature is off.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New assembles the enabled components. A nil config turns the whole
// surface off and returns nil.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	// The checker always exists once observability itself is on;
	// probes get registered during wiring.
	obs := &Observability{Health: NewHealthChecker(logger)}

	if mc := cfg.Metrics; mc != nil && mc.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if tc := cfg.Tracing; tc != nil && tc.Enabled {
		ts, err := NewTracerSetup(tc)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if ac := cfg.Anomaly; ac != nil && ac.Enabled {
		obs.Anomaly = NewAnomalyDetector(ac, logger)
	}

	return obs, nil
}

// Shutdown flushes buffered spans and stops the tracer provider.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the tracer setup, nil when tracing is off or the
// whole surface is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the metrics collector, nil when metrics are off.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// HealthOrNil returns the health checker, nil when observability is
// disabled entirely.
func (o *Observability) HealthOrNil() *HealthChecker {
	if o == nil {
		return nil
	}
	return o.Health
}
