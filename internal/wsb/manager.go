package wsb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/sanduku/internal/vbox"
)

// Default session settings. A sandbox that outlives the session limit
// is killed; the limit exists so abandoned sessions cannot accumulate.
const (
	defaultLoaderBinary = "WindowsSandbox.exe"
	defaultSessionLimit = 8 * time.Hour
	stopGracePeriod     = 5 * time.Second
)

var (
	// ErrNotFound means no tracked sandbox matches the given name.
	ErrNotFound = errors.New("sandbox not found")
	// ErrAlreadyRunning means a sandbox with that name is still live.
	ErrAlreadyRunning = errors.New("sandbox already running")
)

// InstanceState describes where a sandbox session is in its lifecycle.
type InstanceState string

const (
	StateRunning InstanceState = "running"
	StateExited  InstanceState = "exited"  // Loader ended on its own.
	StateStopped InstanceState = "stopped" // Ended by a stop request or the session limit.
	StateFailed  InstanceState = "failed"  // Loader ended with an error.
)

// Instance is the record of one sandbox session.
type Instance struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	ConfigPath string        `json:"config_path"`
	MemoryMB   int           `json:"memory_mb"`
	State      InstanceState `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
	EndedAt    time.Time     `json:"ended_at,omitempty"` // Zero while running.
}

// InstanceStore persists session records beyond the manager's lifetime.
// Implementations must tolerate repeated state updates for one ID.
type InstanceStore interface {
	RecordLaunch(ctx context.Context, inst Instance) error
	RecordState(ctx context.Context, id string, state InstanceState, endedAt time.Time) error
}

// ManagerConfig tunes the sandbox session manager. Zero values select
// the defaults above.
type ManagerConfig struct {
	LoaderBinary string
	ConfigDir    string
	SessionLimit time.Duration
}

// Manager launches sandbox sessions from compiled configs and tracks
// them until they end. The loader child is deliberately started without
// the caller's context: a sandbox session must outlive the API request
// that created it, so only Stop and the session limit end it.
type Manager struct {
	config ManagerConfig
	logger *slog.Logger
	store  InstanceStore

	mu        sync.Mutex
	instances map[string]*trackedInstance
}

type trackedInstance struct {
	Instance
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
}

// NewManager builds a Manager. store may be nil, in which case records
// live only in memory.
func NewManager(config ManagerConfig, store InstanceStore, logger *slog.Logger) *Manager {
	if config.LoaderBinary == "" {
		config.LoaderBinary = defaultLoaderBinary
	}
	if config.ConfigDir == "" {
		config.ConfigDir = filepath.Join(os.TempDir(), "sanduku-wsb")
	}
	if config.SessionLimit <= 0 {
		config.SessionLimit = defaultSessionLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:    config,
		logger:    logger,
		store:     store,
		instances: make(map[string]*trackedInstance),
	}
}

// WriteConfig compiles cfg and writes the document under the manager's
// config directory, returning the file path and the document itself. It
// does not launch anything.
func (m *Manager) WriteConfig(cfg Config) (string, []byte, error) {
	doc, err := Compile(cfg)
	if err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(m.config.ConfigDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(m.config.ConfigDir,
		fmt.Sprintf("%s-%s.wsb", sanitizeFileName(cfg.Name), uuid.New().String()[:8]))
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		return "", nil, fmt.Errorf("write config file: %w", err)
	}
	return path, doc, nil
}

// Create compiles cfg, writes the config file and launches the loader.
//
// Guarantees:
//   - An invalid config is rejected before any file is written.
//   - At most one running sandbox per name; a duplicate name returns
//     ErrAlreadyRunning.
//   - The returned instance is already tracked and visible in List.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Instance, error) {
	if running := m.findRunning(cfg.Name); running != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.Name)
	}

	path, _, err := m.WriteConfig(cfg)
	if err != nil {
		return nil, err
	}

	memory := cfg.MemoryMB
	if memory == 0 {
		memory = DefaultMemoryMB
	}

	cmd := exec.Command(m.config.LoaderBinary, path)
	if err := cmd.Start(); err != nil {
		return nil, &vbox.SpawnError{Binary: m.config.LoaderBinary, Err: err}
	}

	tracked := &trackedInstance{
		Instance: Instance{
			ID:         uuid.New().String(),
			Name:       cfg.Name,
			ConfigPath: path,
			MemoryMB:   memory,
			State:      StateRunning,
			CreatedAt:  time.Now().UTC(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.instances[tracked.ID] = tracked
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.RecordLaunch(ctx, tracked.Instance); err != nil {
			m.logger.Warn("failed to persist sandbox launch", "sandbox", cfg.Name, "error", err)
		}
	}
	m.logger.Info("sandbox launched",
		"sandbox", cfg.Name, "id", tracked.ID, "config", path, "memory_mb", memory)

	go m.watch(tracked)

	inst := tracked.Instance
	return &inst, nil
}

// watch owns the instance's terminal state transition. It enforces the
// session limit and reaps the loader child.
func (m *Manager) watch(tracked *trackedInstance) {
	defer close(tracked.done)

	limit := time.AfterFunc(m.config.SessionLimit, func() {
		m.logger.Warn("sandbox session limit reached, killing loader",
			"sandbox", tracked.Name, "id", tracked.ID, "limit", m.config.SessionLimit)
		m.mu.Lock()
		tracked.stopping = true
		m.mu.Unlock()
		_ = tracked.cmd.Process.Kill()
	})
	err := tracked.cmd.Wait()
	limit.Stop()

	m.mu.Lock()
	switch {
	case tracked.stopping:
		tracked.State = StateStopped
	case err != nil:
		tracked.State = StateFailed
	default:
		tracked.State = StateExited
	}
	tracked.EndedAt = time.Now().UTC()
	state, endedAt := tracked.State, tracked.EndedAt
	m.mu.Unlock()

	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.RecordState(ctx, tracked.ID, state, endedAt); err != nil {
			m.logger.Warn("failed to persist sandbox state", "sandbox", tracked.Name, "error", err)
		}
	}
	m.logger.Info("sandbox session ended", "sandbox", tracked.Name, "id", tracked.ID, "state", state)
}

// Stop ends the named running sandbox. Without force it signals the
// loader and grants a short grace period before killing; force kills
// immediately. Stop returns once the session has actually ended or ctx
// is done.
func (m *Manager) Stop(ctx context.Context, name string, force bool) error {
	tracked := m.findRunning(name)
	if tracked == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	m.mu.Lock()
	tracked.stopping = true
	m.mu.Unlock()

	if force {
		_ = tracked.cmd.Process.Kill()
	} else {
		// Interrupt is not deliverable on every platform; fall back to
		// a kill after the grace period either way.
		if err := tracked.cmd.Process.Signal(os.Interrupt); err != nil {
			_ = tracked.cmd.Process.Kill()
		} else {
			select {
			case <-tracked.done:
				return nil
			case <-time.After(stopGracePeriod):
				_ = tracked.cmd.Process.Kill()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	select {
	case <-tracked.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List snapshots every session tracked by this manager, running or
// ended, newest first.
func (m *Manager) List() []Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Instance, 0, len(m.instances))
	for _, tracked := range m.instances {
		out = append(out, tracked.Instance)
	}
	sortInstances(out)
	return out
}

// Running reports whether a sandbox with the given name is live.
func (m *Manager) Running(name string) bool {
	return m.findRunning(name) != nil
}

func (m *Manager) findRunning(name string) *trackedInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tracked := range m.instances {
		if tracked.Name == name && tracked.State == StateRunning {
			return tracked
		}
	}
	return nil
}

func sortInstances(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].CreatedAt.After(instances[j].CreatedAt)
	})
}

// sanitizeFileName keeps config file names portable regardless of what
// characters the sandbox name carries.
func sanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "sandbox"
	}
	return b.String()
}
