package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/vbox"
	"github.com/jkaninda/sanduku/internal/wsb"
)

// Outcome classifies how a dispatched operation ended.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeInvalid      Outcome = "invalid"
	OutcomeBusy         Outcome = "busy"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeToolFailure  Outcome = "tool_failure"
	OutcomeSpawnFailure Outcome = "spawn_failure"
	OutcomeParseError   Outcome = "parse_error"
	OutcomeCanceled     Outcome = "canceled"
	OutcomeError        Outcome = "error"
)

// Operation is the record of one dispatch, successful or not.
type Operation struct {
	ID        string        `json:"id"`
	Domain    string        `json:"domain"`
	Action    string        `json:"action"`
	Resource  string        `json:"resource,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// AuditSink persists operation records.
type AuditSink interface {
	RecordOperation(ctx context.Context, op Operation) error
}

// EventSink broadcasts operation records to live subscribers.
type EventSink interface {
	PublishOperation(op Operation)
}

// Recorder observes dispatch outcomes for metrics.
type Recorder interface {
	ObserveOperation(domain, action string, outcome Outcome, duration time.Duration)
	ObserveLockWait(domain string, wait time.Duration)
}

// ErrSandboxDisabled is returned by sandbox lifecycle actions when no
// sandbox manager is configured. compile_config still works: it is a
// pure transform.
var ErrSandboxDisabled = errors.New("sandbox support is not enabled")

// Handler executes one validated operation.
type Handler func(ctx context.Context, d *Dispatcher, args Args) (any, error)

// Options carries the optional collaborators. Every field may be nil.
type Options struct {
	Audit   AuditSink
	Events  EventSink
	Metrics Recorder
	Tracer  trace.Tracer
}

// Dispatcher routes catalog operations through a fixed pipeline:
// schema validation, per-resource locking for mutations, command
// build, child process run, output parse. The lock is released on
// every path out, including timeouts and panics in parsing.
type Dispatcher struct {
	runner    vbox.Runner
	locks     *registry.Registry
	sandboxes *wsb.Manager
	audit     AuditSink
	events    EventSink
	metrics   Recorder
	tracer    trace.Tracer
	logger    *slog.Logger
	handlers  map[string]Handler
}

// New builds a Dispatcher. sandboxes may be nil when sandbox support is
// disabled; runner and locks must not be.
func New(runner vbox.Runner, locks *registry.Registry, sandboxes *wsb.Manager, logger *slog.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner:    runner,
		locks:     locks,
		sandboxes: sandboxes,
		audit:     opts.Audit,
		events:    opts.Events,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    logger,
		handlers:  buildHandlers(),
	}
}

func buildHandlers() map[string]Handler {
	handlers := make(map[string]Handler)
	registerVMHandlers(handlers)
	registerNetworkHandlers(handlers)
	registerSnapshotHandlers(handlers)
	registerStorageHandlers(handlers)
	registerSystemHandlers(handlers)
	registerSandboxHandlers(handlers)
	registerDiscoveryHandlers(handlers)
	return handlers
}

// Dispatch validates and executes one catalog operation.
//
// Guarantees:
//   - Unknown action, missing required parameter and type mismatch are
//     rejected before any lock is taken or process spawned.
//   - Mutating actions hold the resource lock for the whole build, run
//     and parse sequence; read-only actions never touch the registry.
//   - The lock is released on every outcome.
//   - Every dispatch is logged, measured and, when sinks are
//     configured, audited and broadcast.
func (d *Dispatcher) Dispatch(ctx context.Context, domain, action string, raw map[string]any) (any, error) {
	op := Operation{
		ID:        uuid.New().String(),
		Domain:    domain,
		Action:    action,
		StartedAt: time.Now().UTC(),
	}

	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.Start(ctx, "dispatch."+domain+"."+action)
		span.SetAttributes(
			attribute.String("operation.id", op.ID),
			attribute.String("operation.domain", domain),
			attribute.String("operation.action", action),
		)
		defer func() {
			span.SetAttributes(attribute.String("operation.outcome", string(op.Outcome)))
			span.End()
		}()
	}

	result, err := d.execute(ctx, &op, raw)

	op.Duration = time.Since(op.StartedAt)
	op.Outcome = OutcomeOf(err)
	if err != nil {
		op.Error = err.Error()
	}
	d.finish(ctx, op)
	return result, err
}

func (d *Dispatcher) execute(ctx context.Context, op *Operation, raw map[string]any) (any, error) {
	action, err := LookupAction(op.Domain, op.Action)
	if err != nil {
		return nil, err
	}

	args, err := validateArgs(action, raw)
	if err != nil {
		return nil, err
	}

	handler, ok := d.handlers[op.Domain+"/"+op.Action]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s/%s", op.Domain, op.Action)
	}

	if action.LockParam != "" {
		op.Resource = args.String(action.LockParam)
		mode := registry.Serialize
		if !args.Bool(WaitParam) {
			mode = registry.FailFast
		}
		lockStart := time.Now()
		token, err := d.locks.Acquire(ctx, op.Resource, mode)
		if err != nil {
			return nil, err
		}
		defer d.locks.Release(token)
		if d.metrics != nil {
			d.metrics.ObserveLockWait(op.Domain, time.Since(lockStart))
		}
	} else if p := action.param("name"); p != nil {
		op.Resource = args.String("name")
	}

	return handler(ctx, d, args)
}

// finish reports one completed dispatch to the log, the metrics, the
// audit store and the event bus. The audit write survives caller
// cancellation; losing the record because the client went away would
// defeat its purpose.
func (d *Dispatcher) finish(ctx context.Context, op Operation) {
	attrs := []any{
		"id", op.ID,
		"domain", op.Domain,
		"action", op.Action,
		"resource", op.Resource,
		"outcome", string(op.Outcome),
		"duration", op.Duration,
	}
	if op.Outcome == OutcomeOK {
		d.logger.Info("operation completed", attrs...)
	} else {
		d.logger.Warn("operation failed", append(attrs, "error", op.Error)...)
	}

	if d.metrics != nil {
		d.metrics.ObserveOperation(op.Domain, op.Action, op.Outcome, op.Duration)
	}
	if d.audit != nil {
		if err := d.audit.RecordOperation(context.WithoutCancel(ctx), op); err != nil {
			d.logger.Warn("failed to record operation", "id", op.ID, "error", err)
		}
	}
	if d.events != nil {
		d.events.PublishOperation(op)
	}
}

// run executes one built command and returns its stdout.
func (d *Dispatcher) run(ctx context.Context, cmd vbox.Command) (string, error) {
	res, err := d.runner.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// vmDetails fetches and parses one machine's detail record.
func (d *Dispatcher) vmDetails(ctx context.Context, name string) (*vbox.VMDetails, error) {
	cmd, err := vbox.VMInfoCommand(name)
	if err != nil {
		return nil, err
	}
	out, err := d.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return vbox.ParseVMDetails(out)
}

// vmRunning reports whether the machine is currently in the running
// state according to its detail record.
func (d *Dispatcher) vmRunning(ctx context.Context, name string) (bool, error) {
	details, err := d.vmDetails(ctx, name)
	if err != nil {
		return false, err
	}
	return details.State == "running", nil
}

// OutcomeOf maps an error returned by Dispatch onto the outcome
// taxonomy. Transports use it to pick status codes without repeating
// the errors.As chain.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var (
		invalidErr *vbox.InvalidRequestError
		validErr   *wsb.ValidationError
		busyErr    *registry.BusyError
		timeoutErr *vbox.TimeoutError
		toolErr    *vbox.ToolError
		spawnErr   *vbox.SpawnError
		parseErr   *vbox.ParseError
	)
	switch {
	case errors.As(err, &invalidErr), errors.As(err, &validErr):
		return OutcomeInvalid
	case errors.As(err, &busyErr):
		return OutcomeBusy
	case errors.As(err, &timeoutErr):
		return OutcomeTimeout
	case errors.As(err, &toolErr),
		errors.Is(err, wsb.ErrNotFound),
		errors.Is(err, wsb.ErrAlreadyRunning):
		return OutcomeToolFailure
	case errors.As(err, &spawnErr):
		return OutcomeSpawnFailure
	case errors.As(err, &parseErr):
		return OutcomeParseError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

// Ack reports a completed mutation that has no richer payload. Detail
// carries the tool's leading diagnostic line when it says something
// useful.
type Ack struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Detail   string `json:"detail,omitempty"`
}

func ack(resource, action, stdout string) *Ack {
	return &Ack{Resource: resource, Action: action, Detail: firstLine(stdout)}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			return s[:i]
		}
	}
	return s
}
