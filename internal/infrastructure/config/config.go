package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Keyrelay.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Tasks     TasksConfig     `yaml:"tasks"`
}

// AppConfig identifies this deployment.
type AppConfig struct {
	Name       string `yaml:"name"`
	InstanceID string `yaml:"instance_id"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
//
// When disabled, the gateway and worker must run in the same process and
// fan-out stays in memory.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket session settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`

	// AuthTimeout is how long (seconds) a connection may stay
	// unauthenticated before it is closed with code 4008.
	AuthTimeout int `yaml:"auth_timeout"`

	// DefaultGroup is the broadcast group every authenticated session joins.
	DefaultGroup string `yaml:"default_group"`

	// SendBuffer is the per-session outbound queue depth. Events are
	// dropped for a session whose queue is full.
	SendBuffer int `yaml:"send_buffer"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	APIKeys APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig contains API key settings.
type APIKeyConfig struct {
	// Header is the HTTP header carrying the API key on REST requests.
	Header string `yaml:"header"`

	// BootstrapAdmin creates a staff user on first start when the
	// users table is empty, and logs its key once.
	BootstrapAdmin bool `yaml:"bootstrap_admin"`
}

// TasksConfig contains background task worker and scheduler settings.
type TasksConfig struct {
	// EmbeddedWorker runs the worker pool inside the serve process.
	// Required when MQTT is disabled.
	EmbeddedWorker bool `yaml:"embedded_worker"`

	Concurrency int      `yaml:"concurrency"`
	Queues      []string `yaml:"queues"`

	// SchedulePath is the bbolt file holding delayed retries and
	// periodic schedule state.
	SchedulePath string `yaml:"schedule_path"`

	StepInterval     time.Duration `yaml:"step_interval"`
	SoftTimeLimit    time.Duration `yaml:"soft_time_limit"`
	HardTimeLimit    time.Duration `yaml:"hard_time_limit"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	PeriodicInterval time.Duration `yaml:"periodic_interval"`
	PollInterval     time.Duration `yaml:"poll_interval"`

	WorkerProcess WorkerProcessConfig `yaml:"worker_process"`
}

// WorkerProcessConfig controls supervision of a separate worker process.
type WorkerProcessConfig struct {
	// Managed indicates whether serve should start and supervise
	// a "keyrelay worker" subprocess.
	Managed bool `yaml:"managed"`

	// Binary defaults to the running executable.
	Binary string `yaml:"binary"`

	RestartOnFailure    bool `yaml:"restart_on_failure"`
	RestartDelaySeconds int  `yaml:"restart_delay_seconds"`
	MaxRestartAttempts  int  `yaml:"max_restart_attempts"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: KEYRELAY_SECTION_KEY
// For example: KEYRELAY_DATABASE_PATH, KEYRELAY_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. Used when no config file exists.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:       "keyrelay",
			InstanceID: "keyrelay-001",
		},
		Database: DatabaseConfig{
			Path:        "./data/keyrelay.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "keyrelay",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws/example/",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			AuthTimeout:    30,
			DefaultGroup:   "test_group",
			SendBuffer:     256,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "keyrelay",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			APIKeys: APIKeyConfig{
				Header:         "X-API-Key",
				BootstrapAdmin: true,
			},
		},
		Tasks: TasksConfig{
			EmbeddedWorker:   true,
			Concurrency:      4,
			Queues:           []string{"io_queue", "cpu_queue"},
			SchedulePath:     "./data/schedule.db",
			StepInterval:     2 * time.Second,
			SoftTimeLimit:    240 * time.Second,
			HardTimeLimit:    300 * time.Second,
			MaxRetries:       3,
			RetryDelay:       60 * time.Second,
			PeriodicInterval: 5 * time.Minute,
			PollInterval:     time.Second,
			WorkerProcess: WorkerProcessConfig{
				RestartOnFailure:    true,
				RestartDelaySeconds: 5,
				MaxRestartAttempts:  10,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KEYRELAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("KEYRELAY_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v, cfg.MQTT.Enabled)
	}
	if v := os.Getenv("KEYRELAY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("KEYRELAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("KEYRELAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("KEYRELAY_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("KEYRELAY_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("KEYRELAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("KEYRELAY_TASKS_SCHEDULE_PATH"); v != "" {
		cfg.Tasks.SchedulePath = v
	}
	if v := os.Getenv("KEYRELAY_TASKS_EMBEDDED_WORKER"); v != "" {
		cfg.Tasks.EmbeddedWorker = parseBool(v, cfg.Tasks.EmbeddedWorker)
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, "websocket.path must start with /")
	}
	if c.WebSocket.AuthTimeout <= 0 {
		errs = append(errs, "websocket.auth_timeout must be positive")
	}
	if c.WebSocket.DefaultGroup == "" {
		errs = append(errs, "websocket.default_group is required")
	}
	if c.WebSocket.SendBuffer <= 0 {
		errs = append(errs, "websocket.send_buffer must be positive")
	}

	if c.Security.APIKeys.Header == "" {
		errs = append(errs, "security.api_keys.header is required")
	}

	if c.Tasks.Concurrency < 1 {
		errs = append(errs, "tasks.concurrency must be at least 1")
	}
	if c.Tasks.SchedulePath == "" {
		errs = append(errs, "tasks.schedule_path is required")
	}
	if c.Tasks.SoftTimeLimit <= 0 || c.Tasks.HardTimeLimit <= 0 {
		errs = append(errs, "tasks time limits must be positive")
	} else if c.Tasks.SoftTimeLimit >= c.Tasks.HardTimeLimit {
		errs = append(errs, "tasks.soft_time_limit must be less than tasks.hard_time_limit")
	}
	if c.Tasks.MaxRetries < 0 {
		errs = append(errs, "tasks.max_retries must not be negative")
	}

	// Without a broker, events published by a worker in another process
	// would never reach connected sessions.
	if !c.MQTT.Enabled && !c.Tasks.EmbeddedWorker {
		errs = append(errs, "tasks.embedded_worker must be true when mqtt is disabled")
	}
	if !c.MQTT.Enabled && c.Tasks.WorkerProcess.Managed {
		errs = append(errs, "tasks.worker_process.managed requires mqtt.enabled")
	}
	if c.Tasks.EmbeddedWorker && c.Tasks.WorkerProcess.Managed {
		errs = append(errs, "tasks.embedded_worker and tasks.worker_process.managed are mutually exclusive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (t APITimeoutConfig) GetReadTimeout() time.Duration {
	return time.Duration(t.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (t APITimeoutConfig) GetWriteTimeout() time.Duration {
	return time.Duration(t.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (t APITimeoutConfig) GetIdleTimeout() time.Duration {
	return time.Duration(t.Idle) * time.Second
}

// GetAuthTimeout returns the WebSocket authentication deadline as a Duration.
func (w WebSocketConfig) GetAuthTimeout() time.Duration {
	return time.Duration(w.AuthTimeout) * time.Second
}
