package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/dispatch"
	"github.com/jkaninda/sanduku/internal/events"
	"github.com/jkaninda/sanduku/internal/monitor"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/store"
	"github.com/jkaninda/sanduku/internal/vbox"
	"github.com/jkaninda/sanduku/internal/wsb"
)

// SharedComponents holds all initialized subsystems that both serve and
// api modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config     *config.Config
	Logger     *slog.Logger
	Runner     vbox.Runner
	Locks      *registry.Registry
	Sandboxes  *wsb.Manager // nil = sandbox sessions disabled.
	Store      *store.Store
	Obs        *observability.Observability // nil = observability disabled.
	Bus        *events.Bus
	Dispatcher *dispatch.Dispatcher

	cleanups []func()
}

// Cleanup tears the subsystems down in reverse initialization order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the process logger. Always stderr: in serve mode
// stdout belongs to the MCP stdio transport.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}
	if cfg.Logging.JSONFormat() {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// initShared builds the subsystem stack both modes run on. Callers own
// the returned components and must call Cleanup.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Data directory. The store and compiled sandbox configs live here.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("preparing data dir %s: %w", dataDir, err)
	}
	logger.Debug("data dir ready", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("wiring observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("telemetry configured",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Tool runner.
	var runner vbox.Runner = vbox.NewExecRunner(vbox.RunnerConfig{
		Binary:          cfg.VBox.Bin(),
		CommandTimeout:  cfg.VBox.CommandBudget(),
		StartTimeout:    cfg.VBox.StartBudget(),
		StopTimeout:     cfg.VBox.StopBudget(),
		SnapshotTimeout: cfg.VBox.SnapshotBudget(),
		LongTimeout:     cfg.VBox.LongBudget(),
	}, logger)
	if obs != nil {
		runner = observability.NewInstrumentedRunner(runner, obs.Metrics, obs.Tracer, obs.Anomaly)
	}
	sc.Runner = runner
	logger.Debug("runner initialized", slog.String("binary", cfg.VBox.Bin()))

	// Operation lock registry.
	sc.Locks = registry.New(logger)

	// Storage.
	st, err := store.Open(storeConfig(cfg), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening store: %w", err)
	}
	sc.Store = st
	sc.addCleanup(func() {
		if err := st.Close(); err != nil {
			logger.Error("store close failed", slog.String("error", err.Error()))
		}
	})

	// Sandbox session manager.
	if cfg.Sandbox.SandboxEnabled() {
		configDir := cfg.SandboxConfigDir()
		sc.Sandboxes = wsb.NewManager(wsb.ManagerConfig{
			LoaderBinary: cfg.Sandbox.Loader(),
			ConfigDir:    configDir,
			SessionLimit: cfg.Sandbox.SessionLimit(),
		}, st, logger)
		logger.Debug("sandbox manager initialized", slog.String("config_dir", configDir))
	}

	// Event bus.
	bus := events.NewBus(cfg.Events.Buffer(), logger)
	sc.Bus = bus
	sc.addCleanup(bus.Close)
	if mc := obs.MetricsOrNil(); mc != nil {
		mc.TrackEventDrops(func() float64 { return float64(bus.Dropped()) })
	}

	// Readiness checks.
	if hc := obs.HealthOrNil(); hc != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeStore {
			hc.AddCheck("store", st.Ping)
		}
		if cfg.Observability.Health.IncludeVBox {
			hc.AddCheck("vboxmanage", vboxBinaryCheck(cfg.VBox.Bin()))
		}
	}

	// Dispatcher.
	opts := dispatch.Options{
		Audit:  st,
		Events: events.OperationPublisher{Bus: bus},
	}
	if mc := obs.MetricsOrNil(); mc != nil {
		opts.Metrics = mc
	}
	if ts := obs.TracerOrNil(); ts != nil {
		opts.Tracer = ts.Tracer()
	}
	sc.Dispatcher = dispatch.New(runner, sc.Locks, sc.Sandboxes, logger, opts)
	logger.Debug("dispatcher initialized",
		slog.String("storage_driver", st.Driver()),
		slog.Bool("sandbox", sc.Sandboxes != nil),
	)

	return sc, nil
}

// storeConfig maps the file configuration onto the storage backend,
// deriving the SQLite path from the data directory when unset.
func storeConfig(cfg *config.Config) store.Config {
	out := store.Config{Driver: cfg.Storage.StorageDriver()}
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		out.SQLite.JournalMode = cfg.Storage.SQLite.JournalMode
	}
	out.SQLite.Path = cfg.DatabasePath()
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pg := cfg.Storage.Postgres
		out.Postgres.DSN = pg.DSN
		out.Postgres.MaxOpenConns = pg.MaxOpenConns
		out.Postgres.MaxIdleConns = pg.MaxIdleConns
		if pg.ConnMaxLifetimeS > 0 {
			out.Postgres.ConnMaxLifetime = time.Duration(pg.ConnMaxLifetimeS) * time.Second
		}
	}
	return out
}

// vboxBinaryCheck reports whether the tool binary is reachable. Absolute
// paths are stat'ed, bare names resolved through PATH.
func vboxBinaryCheck(bin string) func(context.Context) error {
	return func(context.Context) error {
		if filepath.IsAbs(bin) {
			_, err := os.Stat(bin)
			return err
		}
		_, err := exec.LookPath(bin)
		return err
	}
}

// startMonitor launches the background machine state poller when enabled.
// The returned stop function is safe to call unconditionally.
func startMonitor(ctx context.Context, sc *SharedComponents) (func(), error) {
	if !sc.Config.Monitor.MonitorEnabled() {
		return func() {}, nil
	}
	var gauges monitor.GaugeRecorder
	if mc := sc.Obs.MetricsOrNil(); mc != nil {
		gauges = mc
	}
	var sessions monitor.SessionLister
	if sc.Sandboxes != nil {
		sessions = sc.Sandboxes
	}
	m := monitor.New(sc.Runner, sc.Bus, gauges, sessions, sc.Config.Monitor, sc.Logger)
	return m.Start(ctx)
}
