package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
data_dir: /var/lib/sanduku
vbox:
  binary: /usr/bin/VBoxManage
  start_timeout_seconds: 120
sandbox:
  enabled: true
  session_limit_seconds: 3600
server:
  enabled: true
  listen_addr: ":9090"
  rate_limit:
    requests_per_minute: 60
monitor:
  enabled: true
  schedule: "@every 15s"
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.DataDir != "/var/lib/sanduku" {
		t.Errorf("DataDir = %q, want /var/lib/sanduku", cfg.DataDir)
	}
	if got := cfg.VBox.Bin(); got != "/usr/bin/VBoxManage" {
		t.Errorf("Bin() = %q, want /usr/bin/VBoxManage", got)
	}
	if got := cfg.VBox.StartBudget(); got != 120*time.Second {
		t.Errorf("StartBudget() = %v, want 2m", got)
	}
	if got := cfg.VBox.CommandBudget(); got != 0 {
		t.Errorf("CommandBudget() = %v, want 0 (runner default)", got)
	}
	if !cfg.Sandbox.SandboxEnabled() {
		t.Error("SandboxEnabled() = false, want true")
	}
	if got := cfg.Sandbox.SessionLimit(); got != time.Hour {
		t.Errorf("SessionLimit() = %v, want 1h", got)
	}
	if got := cfg.Server.Addr(); got != ":9090" {
		t.Errorf("Addr() = %q, want :9090", got)
	}
	if got := cfg.Monitor.CronSpec(); got != "@every 15s" {
		t.Errorf("CronSpec() = %q, want @every 15s", got)
	}
	if got := cfg.Logging.SlogLevel(); got != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, want debug", got)
	}
	if !cfg.Logging.JSONFormat() {
		t.Error("JSONFormat() = false, want true")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "vbox": {"binary": "vboxmanage"},
  "storage": {"driver": "sqlite", "sqlite": {"path": "/tmp/test.db"}}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := cfg.VBox.Bin(); got != "vboxmanage" {
		t.Errorf("Bin() = %q, want vboxmanage", got)
	}
	if got := cfg.DatabasePath(); got != "/tmp/test.db" {
		t.Errorf("DatabasePath() = %q, want /tmp/test.db", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SANDUKU_VBOXMANAGE", "/opt/vbox/VBoxManage")
	t.Setenv("SANDUKU_DATA_DIR", "/srv/sanduku")
	t.Setenv("SANDUKU_EVENTS_TOKEN", "stream-secret")
	t.Setenv("SANDUKU_DB_DSN", "postgres://host/db")

	path := writeConfig(t, "config.yaml", `
vbox:
  binary: VBoxManage
data_dir: /ignored
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := cfg.VBox.Bin(); got != "/opt/vbox/VBoxManage" {
		t.Errorf("Bin() = %q, env var must win", got)
	}
	if cfg.DataDir != "/srv/sanduku" {
		t.Errorf("DataDir = %q, env var must win", cfg.DataDir)
	}
	if got := cfg.Events.StreamToken(); got != "stream-secret" {
		t.Errorf("StreamToken() = %q, want stream-secret", got)
	}
	if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN != "postgres://host/db" {
		t.Errorf("Storage = %+v, want postgres DSN from env", cfg.Storage)
	}
	if got := cfg.StorageDriverName(); got != "postgres" {
		t.Errorf("StorageDriverName() = %q, want postgres", got)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}
	if got := cfg.VBox.Bin(); got != "VBoxManage" {
		t.Errorf("Bin() = %q, want built-in default", got)
	}
	if got := cfg.StorageDriverName(); got != "sqlite" {
		t.Errorf("StorageDriverName() = %q, want sqlite", got)
	}
	if cfg.DataDir == "" {
		t.Error("DataDir not defaulted")
	}
	if !strings.HasSuffix(cfg.SandboxConfigDir(), string(filepath.Separator)+"sandbox") {
		t.Errorf("SandboxConfigDir() = %q, want under data dir", cfg.SandboxConfigDir())
	}
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file must fail")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantSub string
	}{
		{
			name:    "bad storage driver",
			content: `{"storage": {"driver": "mysql"}}`,
			wantSub: "storage.driver",
		},
		{
			name:    "postgres without dsn",
			content: `{"storage": {"driver": "postgres"}}`,
			wantSub: "storage.postgres.dsn",
		},
		{
			name:    "bad cron schedule",
			content: `{"monitor": {"enabled": true, "schedule": "not a schedule"}}`,
			wantSub: "monitor.schedule",
		},
		{
			name:    "bad tracing protocol",
			content: `{"observability": {"tracing": {"enabled": true, "protocol": "udp"}}}`,
			wantSub: "observability.tracing.protocol",
		},
		{
			name:    "sample rate out of range",
			content: `{"observability": {"tracing": {"enabled": true, "sample_rate": 2.0}}}`,
			wantSub: "sample_rate",
		},
		{
			name:    "bad mcp mode",
			content: `{"mcp": {"mode": "staging"}}`,
			wantSub: "mcp.mode",
		},
		{
			name:    "negative timeout",
			content: `{"vbox": {"command_timeout_seconds": -1}}`,
			wantSub: "vbox.command_timeout_seconds",
		},
		{
			name:    "bad log level",
			content: `{"logging": {"level": "verbose"}}`,
			wantSub: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidateAcceptsCronDescriptorsAndFields(t *testing.T) {
	for _, spec := range []string{"@every 30s", "@hourly", "*/5 * * * *"} {
		content := `{"monitor": {"enabled": true, "schedule": "` + spec + `"}}`
		path := writeConfig(t, "config.json", content)
		if _, err := Load(path); err != nil {
			t.Errorf("Load() with schedule %q: %v", spec, err)
		}
	}
}

func TestNilAccessorsAreSafe(t *testing.T) {
	var (
		vbox    *VBoxConfig
		sandbox *SandboxConfig
		storage *StorageConfig
		server  *ServerConfig
		mcp     *MCPConfig
		ev      *EventsConfig
		mon     *MonitorConfig
		metrics *MetricsConfig
	)

	if got := vbox.Bin(); got != "VBoxManage" {
		t.Errorf("Bin() = %q", got)
	}
	if sandbox.SandboxEnabled() {
		t.Error("nil SandboxConfig reports enabled")
	}
	if got := storage.StorageDriver(); got != "sqlite" {
		t.Errorf("StorageDriver() = %q", got)
	}
	if got := server.Addr(); got != ":8089" {
		t.Errorf("Addr() = %q", got)
	}
	if got := server.MaxRequestSize(); got != 1<<20 {
		t.Errorf("MaxRequestSize() = %d", got)
	}
	if got := mcp.ModeName(); got != "production" {
		t.Errorf("ModeName() = %q", got)
	}
	if got := ev.Buffer(); got != 64 {
		t.Errorf("Buffer() = %d", got)
	}
	if got := ev.WSPath(); got != "/v1/events/ws" {
		t.Errorf("WSPath() = %q", got)
	}
	if mon.MonitorEnabled() {
		t.Error("nil MonitorConfig reports enabled")
	}
	if got := mon.CronSpec(); got != "@every 30s" {
		t.Errorf("CronSpec() = %q", got)
	}
	if got := metrics.MetricsPath(); got != "/metrics" {
		t.Errorf("MetricsPath() = %q", got)
	}
}
