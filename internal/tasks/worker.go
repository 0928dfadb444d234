package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/keyrelay/internal/broadcast"
	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
)

// WorkerConfig bounds a worker pool.
type WorkerConfig struct {
	Concurrency   int
	Queues        []string
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
}

// RetryScheduler accepts messages for later delivery. *Scheduler satisfies it.
type RetryScheduler interface {
	ScheduleAt(ctx context.Context, msg Message, eta time.Time) error
}

// WorkerDeps holds the collaborators of a Worker. Metrics may be nil.
type WorkerDeps struct {
	Registry  *Registry
	Broker    Broker
	Publisher broadcast.Publisher
	Results   ResultStore
	Retries   RetryScheduler
	Metrics   Metrics
	Logger    *logging.Logger
}

// Worker consumes task messages and executes them on a fixed pool.
type Worker struct {
	cfg       WorkerConfig
	registry  *Registry
	broker    Broker
	publisher broadcast.Publisher
	results   ResultStore
	retries   RetryScheduler
	metrics   Metrics
	logger    *logging.Logger

	now func() time.Time
}

type outcome struct {
	result any
	err    error
}

// NewWorker creates a worker.
func NewWorker(cfg WorkerConfig, deps WorkerDeps) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Worker{
		cfg:       cfg,
		registry:  deps.Registry,
		broker:    deps.Broker,
		publisher: deps.Publisher,
		results:   deps.Results,
		retries:   deps.Retries,
		metrics:   metrics,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

// Run consumes the configured queues until ctx ends, executing at most
// Concurrency messages at a time.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"concurrency", w.cfg.Concurrency,
		"queues", w.cfg.Queues,
		"tasks", w.registry.Names(),
	)

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan Message)

	for range w.cfg.Concurrency {
		g.Go(func() error {
			for {
				select {
				case msg := <-jobs:
					w.Execute(gctx, msg)
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	g.Go(func() error {
		return w.broker.Consume(gctx, w.cfg.Queues, func(ctx context.Context, msg Message) {
			select {
			case jobs <- msg:
			case <-ctx.Done():
				w.logger.Warn("worker stopping, message not executed", "task", msg.Name, "task_id", msg.ID)
			}
		})
	})

	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

// Execute runs one attempt of msg under the time limits, then records the
// outcome and schedules a retry if the task allows one.
func (w *Worker) Execute(ctx context.Context, msg Message) {
	logger := w.logger.With("task", msg.Name, "task_id", msg.ID, "attempt", msg.Attempt)

	task, ok := w.registry.Lookup(msg.Name)
	if !ok {
		logger.Error("received unknown task")
		if err := w.results.Failed(ctx, msg.ID, ErrUnknownTask); err != nil && !errors.Is(err, ErrTaskNotFound) {
			logger.Warn("recording task failure failed", "error", err)
		}
		return
	}

	if err := w.results.Started(ctx, msg); err != nil {
		logger.Warn("recording task start failed", "error", err)
	}

	start := w.now()
	run := newRun(msg, w.publisher, w.results, w.metrics, logger)
	result, err := w.runWithLimits(ctx, task, run)
	run.seal()
	duration := w.now().Sub(start)

	switch {
	case err == nil:
		if err := w.results.Succeeded(ctx, msg.ID, result); err != nil {
			logger.Warn("recording task success failed", "error", err)
		}
		w.metrics.WriteTaskRun(msg.Name, msg.Queue, string(StateSuccess), msg.Attempt, duration)
		logger.Info("task succeeded", "duration", duration)

	case ctx.Err() != nil:
		w.requeue(msg, logger)

	default:
		w.fail(ctx, task, msg, err, duration, logger)
	}
}

func (w *Worker) runWithLimits(ctx context.Context, task Task, run *Run) (any, error) {
	softCtx, cancel := context.WithTimeoutCause(ctx, w.cfg.SoftTimeLimit, ErrSoftTimeLimit)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrTaskPanicked, r)}
			}
		}()
		result, err := task.Run(softCtx, run)
		if err != nil && errors.Is(context.Cause(softCtx), ErrSoftTimeLimit) && errors.Is(err, context.DeadlineExceeded) {
			err = ErrSoftTimeLimit
		}
		done <- outcome{result: result, err: err}
	}()

	hard := time.NewTimer(w.cfg.HardTimeLimit)
	defer hard.Stop()

	select {
	case o := <-done:
		return o.result, o.err
	case <-hard.C:
		run.Logger().Error("task abandoned at hard time limit", "limit", w.cfg.HardTimeLimit)
		return nil, ErrHardTimeLimit
	}
}

// fail announces the failed attempt once and either schedules the next
// attempt or records a permanent failure.
func (w *Worker) fail(ctx context.Context, task Task, msg Message, cause error, duration time.Duration, logger *logging.Logger) {
	logger.Error("task failed", "error", cause, "duration", duration)

	if n, ok := task.(FailureNotifier); ok {
		group, event := n.FailureEvent(msg, cause)
		if err := w.publisher.Publish(ctx, group, event); err != nil {
			logger.Warn("publishing failure event failed", "error", err)
		}
	}

	var policy RetryPolicy
	if r, ok := task.(Retrier); ok {
		policy = r.RetryPolicy()
	}

	if msg.Attempt < policy.MaxRetries && w.retries != nil {
		eta := w.now().Add(policy.Delay)
		next := msg.Retry(eta)
		err := w.retries.ScheduleAt(ctx, next, eta)
		if err == nil {
			if err := w.results.Retry(ctx, msg.ID, next.Attempt, cause); err != nil {
				logger.Warn("recording task retry failed", "error", err)
			}
			w.metrics.WriteTaskRun(msg.Name, msg.Queue, string(StateRetry), msg.Attempt, duration)
			logger.Info("task retry scheduled", "next_attempt", next.Attempt, "eta", eta)
			return
		}
		logger.Error("scheduling task retry failed", "error", err)
	}

	if err := w.results.Failed(ctx, msg.ID, cause); err != nil {
		logger.Warn("recording task failure failed", "error", err)
	}
	w.metrics.WriteTaskRun(msg.Name, msg.Queue, string(StateFailure), msg.Attempt, duration)
}

// requeue hands an attempt interrupted by shutdown back to the scheduler
// so it runs again, without counting as a retry.
func (w *Worker) requeue(msg Message, logger *logging.Logger) {
	if w.retries == nil {
		logger.Warn("task interrupted by shutdown and not requeued")
		return
	}
	ctx := context.Background()
	if err := w.retries.ScheduleAt(ctx, msg, w.now()); err != nil {
		logger.Error("requeueing interrupted task failed", "error", err)
		return
	}
	logger.Info("task interrupted by shutdown, requeued")
}
