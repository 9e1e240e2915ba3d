// Package config handles loading and validating Sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Pick up a local .env before anything reads the environment.
	_ = godotenv.Load()
}

// Config is the root configuration for Sanduku.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sanduku/data. Override: SANDUKU_DATA_DIR env var.
	VBox          VBoxConfig           `json:"vbox" yaml:"vbox"`
	Sandbox       *SandboxConfig       `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`             // nil = sandbox sessions disabled (config compilation still works)
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`               // nil = HTTP API disabled
	MCP           *MCPConfig           `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // nil = production tool surface
	Events        *EventsConfig        `json:"events,omitempty" yaml:"events,omitempty"`               // nil = defaults (stream enabled, no auth)
	Monitor       *MonitorConfig       `json:"monitor,omitempty" yaml:"monitor,omitempty"`             // nil = machine state monitor disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
}

// VBoxConfig locates the VBoxManage binary and tunes per-command
// wall-clock budgets. Zero timeouts select the runner's defaults.
type VBoxConfig struct {
	Binary                 string `json:"binary,omitempty" yaml:"binary,omitempty"` // Default: "VBoxManage". Override: SANDUKU_VBOXMANAGE env var.
	CommandTimeoutSeconds  int    `json:"command_timeout_seconds" yaml:"command_timeout_seconds"`
	StartTimeoutSeconds    int    `json:"start_timeout_seconds" yaml:"start_timeout_seconds"`
	StopTimeoutSeconds     int    `json:"stop_timeout_seconds" yaml:"stop_timeout_seconds"`
	SnapshotTimeoutSeconds int    `json:"snapshot_timeout_seconds" yaml:"snapshot_timeout_seconds"`
	LongTimeoutSeconds     int    `json:"long_timeout_seconds" yaml:"long_timeout_seconds"` // Create/clone/delete with media I/O.
}

// Bin returns the tool binary with a default of "VBoxManage".
func (v *VBoxConfig) Bin() string {
	if v != nil && v.Binary != "" {
		return v.Binary
	}
	return "VBoxManage"
}

// CommandBudget returns the query/quick-mutation budget. 0 = runner default.
func (v *VBoxConfig) CommandBudget() time.Duration { return secondsOrZero(v.CommandTimeoutSeconds) }

// StartBudget returns the machine start budget. 0 = runner default.
func (v *VBoxConfig) StartBudget() time.Duration { return secondsOrZero(v.StartTimeoutSeconds) }

// StopBudget returns the machine stop budget. 0 = runner default.
func (v *VBoxConfig) StopBudget() time.Duration { return secondsOrZero(v.StopTimeoutSeconds) }

// SnapshotBudget returns the snapshot operation budget. 0 = runner default.
func (v *VBoxConfig) SnapshotBudget() time.Duration { return secondsOrZero(v.SnapshotTimeoutSeconds) }

// LongBudget returns the media I/O budget. 0 = runner default.
func (v *VBoxConfig) LongBudget() time.Duration { return secondsOrZero(v.LongTimeoutSeconds) }

func secondsOrZero(secs int) time.Duration {
	if secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// SandboxConfig configures Windows Sandbox session launching.
// When nil, sandbox create/stop are rejected; compiling configs
// still works because it needs no loader.
type SandboxConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	LoaderBinary        string `json:"loader_binary,omitempty" yaml:"loader_binary,omitempty"` // Default: "WindowsSandbox.exe".
	ConfigDir           string `json:"config_dir,omitempty" yaml:"config_dir,omitempty"`       // Default: <data_dir>/sandbox.
	SessionLimitSeconds int    `json:"session_limit_seconds" yaml:"session_limit_seconds"`     // Default: 28800 (8 hours).
}

// SandboxEnabled reports whether sandbox sessions may be launched.
func (s *SandboxConfig) SandboxEnabled() bool {
	return s != nil && s.Enabled
}

// Loader returns the sandbox loader binary. Empty = manager default.
func (s *SandboxConfig) Loader() string {
	if s != nil {
		return s.LoaderBinary
	}
	return ""
}

// SessionLimit returns the hard session lifetime. 0 = manager default.
func (s *SandboxConfig) SessionLimit() time.Duration {
	if s != nil && s.SessionLimitSeconds > 0 {
		return time.Duration(s.SessionLimitSeconds) * time.Second
	}
	return 0
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // Journal pragma, "wal" unless told otherwise.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: SANDUKU_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Pool cap. Default: 25.
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Idle pool. Default: 5.
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Seconds. Default: 1800.
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8089".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MB.
	APIKeys             map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`         // API key → caller name. Empty = no auth.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	SSE                 bool              `json:"sse" yaml:"sse"` // Enable SSE streaming endpoint.
}

// Addr returns the listen address with a default of ":8089".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8089"
}

// MaxRequestSize returns the request body cap with a default of 1 MB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s != nil && s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// RateLimitConfig configures per-caller rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: requests_per_minute.
}

// MCPConfig configures the MCP stdio server.
type MCPConfig struct {
	Mode string `json:"mode" yaml:"mode"` // "production" (default) or "testing".
}

// ModeName returns the tool surface mode with a default of "production".
func (m *MCPConfig) ModeName() string {
	if m != nil && m.Mode != "" {
		return m.Mode
	}
	return "production"
}

// EventsConfig configures the live event stream.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size" yaml:"buffer_size"`                 // Per-subscriber queue depth. Default: 64.
	Token      string `json:"token,omitempty" yaml:"token,omitempty"`         // Stream auth token. Override: SANDUKU_EVENTS_TOKEN env var. Empty = no auth.
	PathPrefix string `json:"path_prefix,omitempty" yaml:"path_prefix,omitempty"` // WebSocket endpoint path. Default: "/v1/events/ws".
}

// Buffer returns the per-subscriber queue depth with a default of 64.
func (e *EventsConfig) Buffer() int {
	if e != nil && e.BufferSize > 0 {
		return e.BufferSize
	}
	return 64
}

// StreamToken returns the stream auth token, empty when auth is disabled.
func (e *EventsConfig) StreamToken() string {
	if e != nil {
		return e.Token
	}
	return ""
}

// WSPath returns the WebSocket endpoint path with a default of "/v1/events/ws".
func (e *EventsConfig) WSPath() string {
	if e != nil && e.PathPrefix != "" {
		return e.PathPrefix
	}
	return "/v1/events/ws"
}

// MonitorConfig configures the machine state monitor.
// When nil, no background polling happens and state-change events are
// only emitted for operations that pass through the dispatcher.
type MonitorConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Cron expression. Default: "@every 30s".
}

// MonitorEnabled reports whether the background poller runs.
func (m *MonitorConfig) MonitorEnabled() bool {
	return m != nil && m.Enabled
}

// CronSpec returns the polling schedule with a default of "@every 30s".
func (m *MonitorConfig) CronSpec() string {
	if m != nil && m.Schedule != "" {
		return m.Schedule
	}
	return "@every 30s"
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // Collector host:port.
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Plain-text OTLP, for local collectors.
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeStore bool `json:"include_store" yaml:"include_store"`
	IncludeVBox  bool `json:"include_vbox" yaml:"include_vbox"`
}

// AnomalyConfig tunes the tool failure-rate watchdog.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // Failure share that triggers a warning, 0.5 = half.
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Trailing window. Default: 300
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error".
	Format string `json:"format" yaml:"format"` // "text" (default) or "json".
}

// SlogLevel maps the configured level onto slog, defaulting to Info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// JSONFormat reports whether log records should be JSON.
func (l LoggingConfig) JSONFormat() bool {
	return strings.EqualFold(l.Format, "json")
}

// DefaultConfigPath returns the default config file path (~/.sanduku/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sanduku.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sanduku", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Binary paths and tokens can be set in the config file or
// overridden by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s as YAML: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s as JSON: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads the config at path, or the default path when path
// is empty. A missing file is not an error: the tool runs with built-in
// defaults so a bare install works out of the box.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg := &Config{}
			cfg.applyEnvOverrides()
			cfg.applyDefaults()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
	}
	return Load(path)
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if env := os.Getenv("SANDUKU_DATA_DIR"); env != "" {
		c.DataDir = env
	}
	if env := os.Getenv("SANDUKU_VBOXMANAGE"); env != "" {
		c.VBox.Binary = env
	}
	if env := os.Getenv("SANDUKU_DB_DSN"); env != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = env
	}
	if env := os.Getenv("SANDUKU_EVENTS_TOKEN"); env != "" {
		if c.Events == nil {
			c.Events = &EventsConfig{}
		}
		c.Events.Token = env
	}
	if env := os.Getenv("SANDUKU_API_KEY"); env != "" {
		if c.Server == nil {
			c.Server = &ServerConfig{Enabled: true}
		}
		if c.Server.APIKeys == nil {
			c.Server.APIKeys = make(map[string]string)
		}
		c.Server.APIKeys[env] = "env"
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".sanduku", "data")
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".sanduku", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns where the SQLite file lives: an explicit
// storage.sqlite.path, or sanduku.db under the data dir.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "sanduku.db")
}

// SandboxConfigDir returns the directory compiled sandbox configs are
// written to, defaulting under the data directory.
func (c *Config) SandboxConfigDir() string {
	if c.Sandbox != nil && c.Sandbox.ConfigDir != "" {
		return c.Sandbox.ConfigDir
	}
	return filepath.Join(c.ResolvedDataDir(), "sandbox")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	for name, secs := range map[string]int{
		"vbox.command_timeout_seconds":  c.VBox.CommandTimeoutSeconds,
		"vbox.start_timeout_seconds":    c.VBox.StartTimeoutSeconds,
		"vbox.stop_timeout_seconds":     c.VBox.StopTimeoutSeconds,
		"vbox.snapshot_timeout_seconds": c.VBox.SnapshotTimeoutSeconds,
		"vbox.long_timeout_seconds":     c.VBox.LongTimeoutSeconds,
	} {
		if secs < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if c.Sandbox != nil && c.Sandbox.SessionLimitSeconds < 0 {
		return fmt.Errorf("sandbox.session_limit_seconds must not be negative")
	}

	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("storage.driver %q unknown, want sqlite or postgres", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set SANDUKU_DB_DSN env var)")
		}
	}

	if c.Server != nil {
		if c.Server.RateLimit.RequestsPerMinute < 0 {
			return fmt.Errorf("server.rate_limit.requests_per_minute must not be negative")
		}
		if c.Server.RateLimit.BurstSize < 0 {
			return fmt.Errorf("server.rate_limit.burst_size must not be negative")
		}
	}

	if mode := c.MCP.ModeName(); mode != "production" && mode != "testing" {
		return fmt.Errorf("mcp.mode %q is not supported (use production or testing)", mode)
	}

	if c.Events != nil && c.Events.BufferSize < 0 {
		return fmt.Errorf("events.buffer_size must not be negative")
	}

	if c.Monitor.MonitorEnabled() {
		if _, err := cron.ParseStandard(c.Monitor.CronSpec()); err != nil {
			return fmt.Errorf("monitor.schedule %q is not a valid cron expression: %w", c.Monitor.CronSpec(), err)
		}
	}

	if c.Observability != nil && c.Observability.Tracing != nil {
		t := c.Observability.Tracing
		switch t.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level %q is not supported (use debug, info, warn, or error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
		// valid
	default:
		return fmt.Errorf("logging.format %q is not supported (use text or json)", c.Logging.Format)
	}

	return nil
}
