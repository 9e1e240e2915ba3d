// Package monitor polls the hypervisor for machine state on a cron
// schedule. Each cycle lists registered and running machines, diffs the
// result against the previous cycle, publishes a vm.state_changed event
// for every transition and refreshes the per-state machine gauges.
//
// The monitor never mutates machines. A poll failure keeps the last
// known state rather than zeroing it, so a transient hypervisor error
// does not look like a mass shutdown.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/events"
	"github.com/jkaninda/sanduku/internal/vbox"
	"github.com/jkaninda/sanduku/internal/wsb"
)

// StateUnregistered is the synthetic state published when a machine
// disappears from the registered listing between two polls.
const StateUnregistered = "unregistered"

// EventPublisher receives monitor events. Implemented by events.Bus.
type EventPublisher interface {
	Publish(ev events.Event)
}

// GaugeRecorder receives gauge snapshots each poll cycle. Implemented
// by observability.MetricsCollector.
type GaugeRecorder interface {
	SetMachineStates(states map[string]int)
	SetSandboxSessions(n int)
}

// SessionLister exposes tracked sandbox sessions. Implemented by
// wsb.Manager.
type SessionLister interface {
	List() []wsb.Instance
}

// machineState is one machine's observation in a poll cycle.
type machineState struct {
	Name  string
	State string
}

// Monitor is the periodic state poller. Create with New, run with Start.
type Monitor struct {
	runner    vbox.Runner
	publisher EventPublisher
	gauges    GaugeRecorder
	sessions  SessionLister
	cfg       *config.MonitorConfig
	logger    *slog.Logger

	mu   sync.Mutex
	last map[string]machineState // keyed by machine UUID; nil until the first poll
}

// New creates a Monitor. publisher, gauges and sessions may each be nil;
// the corresponding output is skipped.
func New(runner vbox.Runner, publisher EventPublisher, gauges GaugeRecorder, sessions SessionLister, cfg *config.MonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		runner:    runner,
		publisher: publisher,
		gauges:    gauges,
		sessions:  sessions,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start schedules the poll loop and runs one cycle immediately so gauges
// are populated before the first scheduled firing. The returned stop
// function cancels in-flight polls and waits for the scheduler to drain.
func (m *Monitor) Start(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	sched := cron.New()
	if _, err := sched.AddFunc(m.cfg.CronSpec(), func() { m.tick(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid monitor schedule %q: %w", m.cfg.CronSpec(), err)
	}
	sched.Start()

	m.logger.Info("vm state monitor started",
		slog.String("schedule", m.cfg.CronSpec()),
	)

	go m.tick(ctx)

	return func() {
		cancel()
		<-sched.Stop().Done()
		m.logger.Info("vm state monitor stopped")
	}, nil
}

// tick runs a single poll cycle: list machines, diff against the last
// cycle, publish transitions, refresh gauges.
func (m *Monitor) tick(ctx context.Context) {
	start := time.Now()

	current, err := m.observe(ctx)
	if err != nil {
		m.logger.Error("vm state poll failed",
			slog.String("error", err.Error()),
		)
		return
	}

	m.mu.Lock()
	prev := m.last
	m.last = current
	m.mu.Unlock()

	// The first cycle establishes the baseline without publishing:
	// machines that existed before the monitor did are not transitions.
	if prev != nil {
		m.publishTransitions(prev, current)
	}

	counts := make(map[string]int)
	for _, st := range current {
		counts[st.State]++
	}
	if m.gauges != nil {
		m.gauges.SetMachineStates(counts)
		if m.sessions != nil {
			m.gauges.SetSandboxSessions(m.countRunningSessions())
		}
	}

	if m.publisher != nil {
		m.publisher.Publish(events.New(events.TypeMonitorSnapshot, "", map[string]any{
			"total":       len(current),
			"by_state":    counts,
			"duration_ms": time.Since(start).Milliseconds(),
		}))
	}

	m.logger.Debug("vm state poll complete",
		slog.Int("machines", len(current)),
		slog.Duration("duration", time.Since(start)),
	)
}

// observe lists registered and running machines and derives a state per
// machine. The two listings only distinguish running from powered off;
// paused and saved machines appear as poweroff until inspected directly.
func (m *Monitor) observe(ctx context.Context) (map[string]machineState, error) {
	all, err := m.listVMs(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing machines: %w", err)
	}
	running, err := m.listVMs(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("listing running machines: %w", err)
	}

	current := make(map[string]machineState, len(all))
	for _, vm := range all {
		current[vm.UUID] = machineState{Name: vm.Name, State: "poweroff"}
	}
	for _, vm := range running {
		current[vm.UUID] = machineState{Name: vm.Name, State: "running"}
	}
	return current, nil
}

func (m *Monitor) listVMs(ctx context.Context, runningOnly bool) ([]vbox.VMSummary, error) {
	res, err := m.runner.Run(ctx, vbox.ListVMsCommand(runningOnly))
	if err != nil {
		return nil, err
	}
	return vbox.ParseVMList(res.Stdout)
}

// publishTransitions emits one vm.state_changed event per machine whose
// state differs between the two cycles. Newly registered machines carry
// an empty previous state; unregistered ones a synthetic current state.
func (m *Monitor) publishTransitions(prev, current map[string]machineState) {
	for id, cur := range current {
		old, seen := prev[id]
		switch {
		case !seen:
			m.publishChange(cur.Name, id, "", cur.State)
		case old.State != cur.State:
			m.publishChange(cur.Name, id, old.State, cur.State)
		}
	}
	for id, old := range prev {
		if _, ok := current[id]; !ok {
			m.publishChange(old.Name, id, old.State, StateUnregistered)
		}
	}
}

func (m *Monitor) publishChange(name, id, previous, current string) {
	m.logger.Info("vm state changed",
		slog.String("vm", name),
		slog.String("previous", previous),
		slog.String("current", current),
	)
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(events.New(events.TypeVMStateChanged, name, map[string]any{
		"uuid":     id,
		"previous": previous,
		"current":  current,
	}))
}

func (m *Monitor) countRunningSessions() int {
	n := 0
	for _, inst := range m.sessions.List() {
		if inst.State == wsb.StateRunning {
			n++
		}
	}
	return n
}
