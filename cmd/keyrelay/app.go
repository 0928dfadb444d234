package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/nerrad567/keyrelay/internal/infrastructure/config"
	"github.com/nerrad567/keyrelay/internal/infrastructure/database"
	"github.com/nerrad567/keyrelay/internal/infrastructure/influxdb"
	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
	"github.com/nerrad567/keyrelay/internal/infrastructure/mqtt"
	"github.com/nerrad567/keyrelay/internal/tasks"
	"github.com/nerrad567/keyrelay/migrations"
)

// streamingSteps is the number of progress events a streaming task emits.
const streamingSteps = 10

// resolveConfigPath picks the --config value, then $KEYRELAY_CONFIG, then
// the default path. An empty result means no file exists at the default
// path and built-in defaults apply.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	return defaultConfigPath
}

// loadConfig loads the configuration at path, or the defaults when path
// is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating default config: %w", err)
		}
		return cfg, nil
	}
	return config.Load(path)
}

// bootstrap loads configuration and builds the configured logger.
func bootstrap(flagPath, component string) (*config.Config, *logging.Logger, string, error) {
	path := resolveConfigPath(flagPath)
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, nil, "", fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Logging, version).With("component", component)
	if path == "" {
		log.Info("no configuration file found, using defaults")
	} else {
		log.Info("configuration loaded", "path", path)
	}
	return cfg, log, path, nil
}

// openDatabase opens the SQLite store and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Database.Path)

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")
	return db, nil
}

func closeDatabase(db *database.DB, log *logging.Logger) {
	log.Info("closing database")
	if err := db.Close(); err != nil {
		log.Error("error closing database", "error", err)
	}
}

// mqttSession describes one broker connection.
type mqttSession struct {
	clientID string
	// concurrent dispatches handlers on their own goroutines. Task
	// consumers need it; the group event relay must not have it.
	concurrent bool
}

func (m mqttSession) options() []mqtt.Option {
	if m.concurrent {
		return []mqtt.Option{mqtt.WithConcurrentHandlers()}
	}
	return nil
}

// relaySession carries the gateway's group event subscription in arrival
// order, plus task publishing.
func relaySession(cfg *config.Config) mqttSession {
	return mqttSession{clientID: cfg.MQTT.Broker.ClientID}
}

// workerSession consumes tasks. Each worker gets its own client ID so it
// never evicts the gateway's session at the broker.
func workerSession(cfg *config.Config, pid int) mqttSession {
	return mqttSession{
		clientID:   fmt.Sprintf("%s-worker-%d", cfg.MQTT.Broker.ClientID, pid),
		concurrent: true,
	}
}

// connectMQTT connects one session and logs connection changes.
func connectMQTT(cfg *config.Config, session mqttSession, log *logging.Logger) (*mqtt.Client, error) {
	mqttCfg := cfg.MQTT
	mqttCfg.Broker.ClientID = session.clientID

	client, err := mqtt.Connect(mqttCfg, session.options()...)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", mqttCfg.Broker.Host, mqttCfg.Broker.Port),
		"client_id", session.clientID,
	)
	return client, nil
}

func closeMQTT(client *mqtt.Client, log *logging.Logger) {
	log.Info("disconnecting from MQTT")
	if err := client.Close(); err != nil {
		log.Error("error closing MQTT", "error", err)
	}
}

// connectInflux returns nil when InfluxDB is disabled.
func connectInflux(cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}

	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

func closeInflux(client *influxdb.Client, log *logging.Logger) {
	if client == nil {
		return
	}
	log.Info("closing InfluxDB connection")
	if err := client.Close(); err != nil {
		log.Error("error closing InfluxDB", "error", err)
	}
}

// taskMetrics avoids handing the worker a typed nil.
func taskMetrics(client *influxdb.Client) tasks.Metrics {
	if client == nil {
		return nil
	}
	return client
}

// taskRegistry registers every task this deployment runs.
func taskRegistry(cfg *config.Config) *tasks.Registry {
	return tasks.NewRegistry(
		&tasks.StreamingTask{
			Group:        cfg.WebSocket.DefaultGroup,
			Steps:        streamingSteps,
			StepInterval: cfg.Tasks.StepInterval,
			Retry: tasks.RetryPolicy{
				MaxRetries: cfg.Tasks.MaxRetries,
				Delay:      cfg.Tasks.RetryDelay,
			},
		},
		&tasks.PeriodicTask{Group: cfg.WebSocket.DefaultGroup},
	)
}

// taskRuntime is a worker pool plus the scheduler that feeds it retries
// and periodic beats.
type taskRuntime struct {
	worker    *tasks.Worker
	scheduler *tasks.Scheduler
	store     *tasks.BoltScheduleStore
}

// newTaskRuntime opens the schedule store and wires the worker to it.
// Close the runtime once both Run loops have returned.
func newTaskRuntime(cfg *config.Config, broker tasks.Broker, deps tasks.WorkerDeps) (*taskRuntime, error) {
	store, err := tasks.OpenScheduleStore(cfg.Tasks.SchedulePath)
	if err != nil {
		return nil, fmt.Errorf("opening schedule store: %w", err)
	}

	var beats []tasks.Beat
	if cfg.Tasks.PeriodicInterval > 0 {
		beats = append(beats, tasks.Beat{
			Name:  tasks.PeriodicTaskName,
			Queue: tasks.Routes[tasks.PeriodicTaskName],
			Every: cfg.Tasks.PeriodicInterval,
		})
	}
	scheduler := tasks.NewScheduler(store, broker, cfg.Tasks.PollInterval, deps.Logger.With("role", "scheduler"), beats...)

	deps.Registry = taskRegistry(cfg)
	deps.Broker = broker
	deps.Retries = scheduler

	worker := tasks.NewWorker(tasks.WorkerConfig{
		Concurrency:   cfg.Tasks.Concurrency,
		Queues:        cfg.Tasks.Queues,
		SoftTimeLimit: cfg.Tasks.SoftTimeLimit,
		HardTimeLimit: cfg.Tasks.HardTimeLimit,
	}, deps)

	return &taskRuntime{worker: worker, scheduler: scheduler, store: store}, nil
}

func (rt *taskRuntime) close(log *logging.Logger) {
	if err := rt.store.Close(); err != nil {
		log.Error("error closing schedule store", "error", err)
	}
}

// healthCheck verifies every connected backend. Nil clients are skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
