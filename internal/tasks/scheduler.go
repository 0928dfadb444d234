package tasks

import (
	"context"
	"time"

	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
)

const (
	defaultPollInterval = time.Second
	dueBatchSize        = 100
)

// Beat fires a task every Every.
type Beat struct {
	Name  string
	Queue string
	Every time.Duration
}

// Scheduler publishes delayed messages once their ETA passes and fires
// periodic beats. Run exactly one Scheduler per schedule file.
type Scheduler struct {
	store  ScheduleStore
	broker Broker
	beats  []Beat
	poll   time.Duration
	logger *logging.Logger

	now func() time.Time
}

// NewScheduler creates a scheduler. poll <= 0 selects one second.
func NewScheduler(store ScheduleStore, broker Broker, poll time.Duration, logger *logging.Logger, beats ...Beat) *Scheduler {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Scheduler{
		store:  store,
		broker: broker,
		beats:  beats,
		poll:   poll,
		logger: logger,
		now:    time.Now,
	}
}

// ScheduleAt stores msg for publication at eta.
func (s *Scheduler) ScheduleAt(ctx context.Context, msg Message, eta time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.ETA = eta.UTC()
	return s.store.Add(msg, eta)
}

// Run ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "poll_interval", s.poll, "beats", len(s.beats))

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick publishes every due message and fires every due beat once.
func (s *Scheduler) Tick(ctx context.Context) {
	s.dispatchDue(ctx)
	s.fireBeats(ctx)
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now()
	due, err := s.store.TakeDue(now, dueBatchSize)
	if err != nil {
		s.logger.Error("reading due messages failed", "error", err)
		return
	}

	for _, msg := range due {
		if err := s.broker.Publish(ctx, msg); err != nil {
			s.logger.Warn("publishing scheduled message failed, will retry",
				"task", msg.Name, "task_id", msg.ID, "error", err)
			if err := s.store.Add(msg, now.Add(s.poll)); err != nil {
				s.logger.Error("rescheduling message failed, message lost",
					"task", msg.Name, "task_id", msg.ID, "error", err)
			}
			continue
		}
		s.logger.Debug("scheduled message published", "task", msg.Name, "task_id", msg.ID, "attempt", msg.Attempt)
	}
}

// fireBeats publishes each beat whose interval has elapsed since its last
// run. A beat seen for the first time is due one interval from now.
func (s *Scheduler) fireBeats(ctx context.Context) {
	now := s.now()
	for _, b := range s.beats {
		last, ok, err := s.store.LastRun(b.Name)
		if err != nil {
			s.logger.Error("reading beat state failed", "beat", b.Name, "error", err)
			continue
		}
		if !ok {
			if err := s.store.SetLastRun(b.Name, now); err != nil {
				s.logger.Error("initialising beat failed", "beat", b.Name, "error", err)
			}
			continue
		}
		if now.Sub(last) < b.Every {
			continue
		}

		msg := NewMessage(b.Name, b.Queue)
		if err := s.broker.Publish(ctx, msg); err != nil {
			s.logger.Warn("publishing beat failed", "beat", b.Name, "error", err)
			continue
		}
		if err := s.store.SetLastRun(b.Name, now); err != nil {
			s.logger.Error("recording beat failed", "beat", b.Name, "error", err)
		}
		s.logger.Info("beat fired", "beat", b.Name, "task_id", msg.ID)
	}
}
