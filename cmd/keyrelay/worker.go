package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/keyrelay/internal/broadcast"
	"github.com/nerrad567/keyrelay/internal/tasks"
)

// errWorkerNeedsBroker is returned by "keyrelay worker" without MQTT.
var errWorkerNeedsBroker = errors.New("worker requires mqtt.enabled")

func workerCommand(ctx context.Context) *Command {
	var configPath string
	return &Command{
		Name:    "worker",
		Summary: "Run the task worker pool and scheduler",
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
			configFlag(fs, &configPath)
			return fs
		},
		Run: func([]string) error {
			return runWorker(ctx, configPath)
		},
	}
}

// runWorker consumes task queues from the broker until ctx is cancelled.
// Task events are published back through the broker for every gateway to
// relay.
func runWorker(ctx context.Context, configPath string) error {
	cfg, log, _, err := bootstrap(configPath, "worker")
	if err != nil {
		return err
	}
	if !cfg.MQTT.Enabled {
		return errWorkerNeedsBroker
	}
	log.Info("starting keyrelay worker", "version", version, "commit", commit)

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	influxClient, err := connectInflux(cfg, log)
	if err != nil {
		return err
	}
	defer closeInflux(influxClient, log)

	mqttClient, err := connectMQTT(cfg, workerSession(cfg, os.Getpid()), log)
	if err != nil {
		return err
	}
	defer closeMQTT(mqttClient, log)

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	broker := tasks.NewMQTTBroker(mqttClient, log)
	rt, err := newTaskRuntime(cfg, broker, tasks.WorkerDeps{
		Publisher: broadcast.NewMQTTPublisher(mqttClient),
		Results:   tasks.NewSQLiteResultStore(db.DB),
		Metrics:   taskMetrics(influxClient),
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer rt.close(log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.worker.Run(gctx) })
	g.Go(func() error { return rt.scheduler.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("keyrelay worker stopped")
	return nil
}
