package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

// Recorder writes audit entries on two paths: a log line emitted
// immediately on the caller's goroutine, and a database row written
// asynchronously by a single background writer. When the queue is full the
// row is dropped and counted; the log line is never lost.
type Recorder struct {
	repo   Repository
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan AuditLog
	closed bool
	done   chan struct{}

	dropped atomic.Int64
}

// NewRecorder creates a Recorder and starts its writer goroutine.
// queueSize <= 0 selects the default.
func NewRecorder(repo Repository, logger *slog.Logger, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		repo:   repo,
		logger: logger,
		queue:  make(chan AuditLog, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record logs entry and queues it for persistence. It never blocks.
func (r *Recorder) Record(entry AuditLog) {
	r.logger.Info("audit",
		"action", entry.Action,
		"entity_type", entry.EntityType,
		"entity_id", entry.EntityID,
		"user_id", entry.UserID,
		"source", entry.Source,
	)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}

	select {
	case r.queue <- entry:
	default:
		r.dropped.Add(1)
		r.logger.Warn("audit queue full, entry not persisted", "action", entry.Action)
	}
}

// Dropped returns how many entries were logged but not persisted.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting entries and waits for queued ones to be written,
// or for ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.repo.Create(ctx, &entry); err != nil {
			r.logger.Error("persisting audit entry", "action", entry.Action, "error", err)
		}
		cancel()
	}
}
