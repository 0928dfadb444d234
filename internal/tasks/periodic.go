package tasks

import (
	"context"
	"fmt"
	"time"
)

// PeriodicTaskName is the registered name of PeriodicTask.
const PeriodicTaskName = "periodic_task"

// PeriodicEvent is published on every periodic run.
type PeriodicEvent struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	TaskType  string `json:"task_type"`
}

// PeriodicTask announces itself to Group. The Scheduler fires it on a beat.
type PeriodicTask struct {
	Group string
}

// Name implements Task.
func (t *PeriodicTask) Name() string { return PeriodicTaskName }

// Run implements Task.
func (t *PeriodicTask) Run(ctx context.Context, run *Run) (any, error) {
	now := time.Now().Format(time.RFC3339Nano)

	err := run.Publish(ctx, t.Group, PeriodicEvent{
		Type:      EventTypeTaskUpdate,
		Status:    StatusSuccess,
		Message:   "Periodic task executed successfully",
		Timestamp: now,
		TaskType:  "periodic",
	})
	if err != nil {
		return nil, fmt.Errorf("publishing periodic event: %w", err)
	}

	run.Logger().Info("periodic task completed", "timestamp", now)
	return map[string]string{"status": StatusSuccess, "timestamp": now}, nil
}
