package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/keyrelay/internal/broadcast"
	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
)

// Task is a named unit of background work.
//
// Run must honour ctx: it is cancelled with ErrSoftTimeLimit as its cause
// when the soft limit passes, and on worker shutdown.
type Task interface {
	Name() string
	Run(ctx context.Context, run *Run) (result any, err error)
}

// RetryPolicy bounds how often a failed task is attempted again.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// Retrier is implemented by tasks that are retried after failure.
// Tasks without it fail permanently on the first error.
type Retrier interface {
	RetryPolicy() RetryPolicy
}

// FailureNotifier is implemented by tasks that announce failed attempts.
// The worker publishes the returned event exactly once per failed attempt,
// after the run has been sealed.
type FailureNotifier interface {
	FailureEvent(msg Message, err error) (group string, event any)
}

// Metrics receives task measurements. *influxdb.Client satisfies it.
type Metrics interface {
	WriteTaskRun(name, queue, state string, attempt int, duration time.Duration)
	WriteTaskProgress(name, taskID string, step, progress int)
}

type nopMetrics struct{}

func (nopMetrics) WriteTaskRun(string, string, string, int, time.Duration) {}
func (nopMetrics) WriteTaskProgress(string, string, int, int)              {}

// Registry maps task names to implementations.
type Registry struct {
	tasks map[string]Task
}

// NewRegistry registers tasks by name. Later duplicates win.
func NewRegistry(tasks ...Task) *Registry {
	r := &Registry{tasks: make(map[string]Task, len(tasks))}
	for _, t := range tasks {
		r.tasks[t.Name()] = t
	}
	return r
}

// Lookup returns the task registered under name.
func (r *Registry) Lookup(name string) (Task, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run is a single attempt of a task. It is the only way a task publishes
// events or reports progress, and stops accepting both once sealed.
type Run struct {
	msg       Message
	publisher broadcast.Publisher
	results   ResultStore
	metrics   Metrics
	logger    *logging.Logger

	mu     sync.Mutex
	sealed bool
}

func newRun(msg Message, publisher broadcast.Publisher, results ResultStore, metrics Metrics, logger *logging.Logger) *Run {
	return &Run{
		msg:       msg,
		publisher: publisher,
		results:   results,
		metrics:   metrics,
		logger:    logger,
	}
}

// ID returns the task ID, stable across retries.
func (r *Run) ID() string { return r.msg.ID }

// Attempt returns the zero-based attempt number.
func (r *Run) Attempt() int { return r.msg.Attempt }

// Logger returns a logger tagged with the task name, ID and attempt.
func (r *Run) Logger() *logging.Logger { return r.logger }

// Publish sends event to group unless the run has been sealed.
func (r *Run) Publish(ctx context.Context, group string, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRunSealed
	}
	return r.publisher.Publish(ctx, group, event)
}

// Progress records a completed step. Store failures are logged, not returned.
func (r *Run) Progress(ctx context.Context, step, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	if err := r.results.Progress(ctx, r.msg.ID, progress); err != nil {
		r.logger.Warn("recording task progress failed", "error", err)
	}
	r.metrics.WriteTaskProgress(r.msg.Name, r.msg.ID, step, progress)
}

// seal waits for any in-flight Publish and rejects later ones.
func (r *Run) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}
