package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/keyrelay/internal/api"
	"github.com/nerrad567/keyrelay/internal/audit"
	"github.com/nerrad567/keyrelay/internal/auth"
	"github.com/nerrad567/keyrelay/internal/broadcast"
	"github.com/nerrad567/keyrelay/internal/infrastructure/config"
	"github.com/nerrad567/keyrelay/internal/infrastructure/mqtt"
	"github.com/nerrad567/keyrelay/internal/process"
	"github.com/nerrad567/keyrelay/internal/tasks"
)

const (
	auditQueueSize    = 256
	memoryQueueSize   = 1024
	auditDrainTimeout = 5 * time.Second
)

func serveCommand(ctx context.Context) *Command {
	var configPath string
	return &Command{
		Name:    "serve",
		Summary: "Run the HTTP API and WebSocket gateway",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			return fs
		},
		Run: func([]string) error {
			return serve(ctx, configPath)
		},
	}
}

// serve runs the gateway until ctx is cancelled or a component fails.
func serve(ctx context.Context, configPath string) error {
	cfg, log, resolvedPath, err := bootstrap(configPath, "gateway")
	if err != nil {
		return err
	}
	log.Info("starting keyrelay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	users := auth.NewUserRepository(db.DB)
	if cfg.Security.APIKeys.BootstrapAdmin {
		if _, seedErr := auth.SeedAdmin(ctx, users, log.Logger); seedErr != nil {
			return fmt.Errorf("seeding admin: %w", seedErr)
		}
	}

	auditLogs := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditLogs, log.Logger, auditQueueSize)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), auditDrainTimeout)
		defer cancel()
		if closeErr := recorder.Close(drainCtx); closeErr != nil {
			log.Warn("audit log not fully drained", "error", closeErr, "dropped", recorder.Dropped())
		}
	}()

	influxClient, err := connectInflux(cfg, log)
	if err != nil {
		return err
	}
	defer closeInflux(influxClient, log)

	hub := broadcast.NewHub(log)
	results := tasks.NewSQLiteResultStore(db.DB)

	var (
		broker       tasks.Broker
		workerBroker tasks.Broker
		publisher    broadcast.Publisher = hub
		mqttClient   *mqtt.Client
	)
	if cfg.MQTT.Enabled {
		mqttClient, err = connectMQTT(cfg, relaySession(cfg), log)
		if err != nil {
			return err
		}
		defer closeMQTT(mqttClient, log)

		relay := broadcast.NewMQTTRelay(mqttClient, hub, log)
		if err := relay.Start(); err != nil {
			return fmt.Errorf("starting event relay: %w", err)
		}
		defer func() {
			if stopErr := relay.Stop(); stopErr != nil {
				log.Warn("error stopping event relay", "error", stopErr)
			}
		}()

		broker = tasks.NewMQTTBroker(mqttClient, log)
		workerBroker = broker

		// The embedded worker consumes on its own concurrent session; the
		// relay session stays ordered.
		if cfg.Tasks.EmbeddedWorker {
			workerClient, connErr := connectMQTT(cfg, workerSession(cfg, os.Getpid()), log)
			if connErr != nil {
				return connErr
			}
			defer closeMQTT(workerClient, log)

			workerBroker = tasks.NewMQTTBroker(workerClient, log)
			publisher = broadcast.NewMQTTPublisher(workerClient)
		}
	} else {
		log.Info("MQTT disabled, task queue and fan-out are in memory")
		broker = tasks.NewMemoryBroker(memoryQueueSize)
		workerBroker = broker
	}

	deps := api.Deps{
		Config:        cfg.API,
		WS:            cfg.WebSocket,
		Security:      cfg.Security,
		Logger:        log,
		Users:         users,
		Authenticator: auth.NewAuthenticator(users, log.Logger),
		Hub:           hub,
		Tasks:         tasks.NewDispatcher(broker, results),
		Audit:         recorder,
		AuditLogs:     auditLogs,
		Version:       version,
	}
	if influxClient != nil {
		deps.Metrics = influxClient
	}
	srv, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	// abort stops every started component before an early return.
	abort := func(err error) error {
		stop()
		srv.Close() //nolint:errcheck // already failing
		g.Wait()    //nolint:errcheck // already failing
		return err
	}

	if cfg.Tasks.EmbeddedWorker {
		rt, rtErr := newTaskRuntime(cfg, workerBroker, tasks.WorkerDeps{
			Publisher: publisher,
			Results:   results,
			Metrics:   taskMetrics(influxClient),
			Logger:    log.With("role", "worker"),
		})
		if rtErr != nil {
			return abort(rtErr)
		}
		defer rt.close(log)

		g.Go(func() error { return rt.worker.Run(gctx) })
		g.Go(func() error { return rt.scheduler.Run(gctx) })
	}

	if cfg.Tasks.WorkerProcess.Managed {
		procCfg, procErr := workerProcessConfig(cfg, resolvedPath)
		if procErr != nil {
			return abort(procErr)
		}
		supervisor := process.NewSupervisor(procCfg, log)
		g.Go(func() error { return supervisor.Run(gctx) })
	}

	if err := srv.Start(gctx); err != nil {
		return abort(fmt.Errorf("starting API server: %w", err))
	}

	if err := srv.HealthCheck(ctx); err != nil {
		return abort(fmt.Errorf("health check failed: %w", err))
	}
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return abort(fmt.Errorf("health check failed: %w", err))
	}
	log.Info("all health checks passed")
	log.Info("initialisation complete, waiting for shutdown signal")

	<-gctx.Done()
	log.Info("shutting down")

	if closeErr := srv.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}

	// Components exit nil on cancellation, so any error here is a failure.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("keyrelay stopped")
	return nil
}

// workerProcessConfig describes the supervised "keyrelay worker" child.
func workerProcessConfig(cfg *config.Config, configPath string) (process.Config, error) {
	wp := cfg.Tasks.WorkerProcess

	binary := wp.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return process.Config{}, fmt.Errorf("locating worker binary: %w", err)
		}
		binary = self
	}

	args := []string{"worker"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	return process.Config{
		Name:               "worker",
		Binary:             binary,
		Args:               args,
		RestartOnFailure:   wp.RestartOnFailure,
		RestartDelay:       time.Duration(wp.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts: wp.MaxRestartAttempts,
	}, nil
}
