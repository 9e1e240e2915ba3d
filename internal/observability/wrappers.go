package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/vbox"
)

// InstrumentedRunner wraps a vbox.Runner with metrics, tracing, and
// anomaly tracking. The dispatcher records operation-level outcomes;
// this layer sees every child process, so composite operations show up
// with all their legs and per-verb latency stays visible.
type InstrumentedRunner struct {
	inner   vbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRunner wraps a runner with observability. Any of the
// collaborators may be nil.
func NewInstrumentedRunner(inner vbox.Runner, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRunner) Run(ctx context.Context, cmd vbox.Command) (*vbox.RunResult, error) {
	verb := commandVerb(cmd)

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "vboxmanage."+verb,
			trace.WithAttributes(
				attribute.String("process.verb", verb),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := r.inner.Run(ctx, cmd)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = processStatus(err)
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if r.metrics != nil {
		r.metrics.ProcessExecutionsTotal.WithLabelValues(verb, status).Inc()
		r.metrics.ProcessExecutionDuration.WithLabelValues(verb).Observe(duration)
	}

	if r.anomaly != nil {
		r.anomaly.RecordRun(verb, err)
	}

	return result, err
}

// commandVerb extracts the subcommand for metric labels.
func commandVerb(cmd vbox.Command) string {
	if len(cmd.Args) > 0 {
		return cmd.Args[0]
	}
	return "unknown"
}

// processStatus classifies a runner error for the status label.
func processStatus(err error) string {
	var toolErr *vbox.ToolError
	if errors.As(err, &toolErr) {
		return "tool_error"
	}
	var timeoutErr *vbox.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "timeout"
	}
	var spawnErr *vbox.SpawnError
	if errors.As(err, &spawnErr) {
		return "spawn_error"
	}
	var invalidErr *vbox.InvalidRequestError
	if errors.As(err, &invalidErr) {
		return "invalid"
	}
	return "error"
}

var _ vbox.Runner = (*InstrumentedRunner)(nil)
