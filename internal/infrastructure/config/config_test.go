package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  enabled: true
  broker:
    host: "broker.local"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 9000
websocket:
  auth_timeout: 15
tasks:
  step_interval: 500ms
  retry_delay: 30s
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
	if cfg.WebSocket.GetAuthTimeout() != 15*time.Second {
		t.Errorf("GetAuthTimeout() = %v, want 15s", cfg.WebSocket.GetAuthTimeout())
	}
	if cfg.Tasks.StepInterval != 500*time.Millisecond {
		t.Errorf("Tasks.StepInterval = %v, want 500ms", cfg.Tasks.StepInterval)
	}
	if cfg.Tasks.RetryDelay != 30*time.Second {
		t.Errorf("Tasks.RetryDelay = %v, want 30s", cfg.Tasks.RetryDelay)
	}

	// Untouched sections keep their defaults.
	if cfg.WebSocket.DefaultGroup != "test_group" {
		t.Errorf("WebSocket.DefaultGroup = %q, want %q", cfg.WebSocket.DefaultGroup, "test_group")
	}
	if cfg.Tasks.MaxRetries != 3 {
		t.Errorf("Tasks.MaxRetries = %d, want 3", cfg.Tasks.MaxRetries)
	}
	if cfg.Security.APIKeys.Header != "X-API-Key" {
		t.Errorf("Security.APIKeys.Header = %q, want %q", cfg.Security.APIKeys.Header, "X-API-Key")
	}
}

// TestLoad_SampleConfig keeps the shipped sample in step with Validate.
func TestLoad_SampleConfig(t *testing.T) {
	for _, key := range []string{"KEYRELAY_MQTT_ENABLED", "KEYRELAY_TASKS_EMBEDDED_WORKER"} {
		t.Setenv(key, "")
	}

	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Load(sample) error = %v", err)
	}
	if got, want := cfg.Tasks.StepInterval, 2*time.Second; got != want {
		t.Errorf("Tasks.StepInterval = %v, want %v", got, want)
	}
	if cfg.WebSocket.DefaultGroup != "test_group" {
		t.Errorf("WebSocket.DefaultGroup = %q, want test_group", cfg.WebSocket.DefaultGroup)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
database:
  path: ""
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected validation error for empty database.path, got nil")
	}
	if !strings.Contains(err.Error(), "database.path is required") {
		t.Errorf("Load() error = %v, want database.path message", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KEYRELAY_DATABASE_PATH", "/var/lib/keyrelay/env.db")
	t.Setenv("KEYRELAY_API_PORT", "8123")
	t.Setenv("KEYRELAY_MQTT_ENABLED", "true")

	cfg, err := Load(writeConfig(t, "app:\n  name: keyrelay\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/var/lib/keyrelay/env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.API.Port != 8123 {
		t.Errorf("API.Port = %d, want 8123", cfg.API.Port)
	}
	if !cfg.MQTT.Enabled {
		t.Error("MQTT.Enabled = false, want true from env")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			modify: func(*Config) {},
		},
		{
			name:    "invalid QoS",
			modify:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "invalid port",
			modify:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name:    "relative websocket path",
			modify:  func(c *Config) { c.WebSocket.Path = "ws" },
			wantErr: "websocket.path",
		},
		{
			name:    "zero auth timeout",
			modify:  func(c *Config) { c.WebSocket.AuthTimeout = 0 },
			wantErr: "websocket.auth_timeout",
		},
		{
			name:    "missing default group",
			modify:  func(c *Config) { c.WebSocket.DefaultGroup = "" },
			wantErr: "websocket.default_group",
		},
		{
			name: "soft limit not below hard limit",
			modify: func(c *Config) {
				c.Tasks.SoftTimeLimit = 300 * time.Second
				c.Tasks.HardTimeLimit = 300 * time.Second
			},
			wantErr: "soft_time_limit",
		},
		{
			name:    "no broker and no embedded worker",
			modify:  func(c *Config) { c.Tasks.EmbeddedWorker = false },
			wantErr: "embedded_worker",
		},
		{
			name: "external worker with broker",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.Tasks.EmbeddedWorker = false
				c.Tasks.WorkerProcess.Managed = true
			},
		},
		{
			name:    "managed worker without broker",
			modify:  func(c *Config) { c.Tasks.WorkerProcess.Managed = true },
			wantErr: "worker_process.managed",
		},
		{
			name: "embedded and managed worker",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.Tasks.WorkerProcess.Managed = true
			},
			wantErr: "mutually exclusive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Timeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{Read: 10, Write: 20, Idle: 30},
		},
		WebSocket: WebSocketConfig{AuthTimeout: 30},
	}

	if got := cfg.API.Timeouts.GetReadTimeout(); got != 10*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 10s", got)
	}
	if got := cfg.API.Timeouts.GetWriteTimeout(); got != 20*time.Second {
		t.Errorf("GetWriteTimeout() = %v, want 20s", got)
	}
	if got := cfg.API.Timeouts.GetIdleTimeout(); got != 30*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 30s", got)
	}
	if got := cfg.WebSocket.GetAuthTimeout(); got != 30*time.Second {
		t.Errorf("GetAuthTimeout() = %v, want 30s", got)
	}
}
