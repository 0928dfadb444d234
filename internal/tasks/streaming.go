package tasks

import (
	"context"
	"fmt"
	"time"
)

// StreamingTaskName is the registered name of StreamingTask.
const StreamingTaskName = "streaming_task"

// EventTypeTaskUpdate tags every event a task publishes.
const EventTypeTaskUpdate = "task_update"

// Task event statuses.
const (
	StatusProgress  = "progress"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSuccess   = "success"
)

// ProgressEvent is published after each step.
type ProgressEvent struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	TaskID     string `json:"task_id"`
	Progress   int    `json:"progress"`
	Step       int    `json:"step"`
	TotalSteps int    `json:"total_steps"`
}

// CompletedEvent is published once all steps are done.
type CompletedEvent struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"`
}

// FailedEvent is published once per failed attempt.
type FailedEvent struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
	Error   string `json:"error"`
	Attempt int    `json:"attempt"`
}

// StreamingTask simulates a long-running job, publishing a progress event
// to Group after each of Steps steps.
type StreamingTask struct {
	Group        string
	Steps        int
	StepInterval time.Duration
	Retry        RetryPolicy
}

// Name implements Task.
func (t *StreamingTask) Name() string { return StreamingTaskName }

// RetryPolicy implements Retrier.
func (t *StreamingTask) RetryPolicy() RetryPolicy { return t.Retry }

// Run implements Task.
func (t *StreamingTask) Run(ctx context.Context, run *Run) (any, error) {
	logger := run.Logger()
	logger.Info("starting streaming task")

	timer := time.NewTimer(t.StepInterval)
	defer timer.Stop()

	for step := 1; step <= t.Steps; step++ {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-timer.C:
		}

		progress := step * 100 / t.Steps
		event := ProgressEvent{
			Type:       EventTypeTaskUpdate,
			Status:     StatusProgress,
			Message:    fmt.Sprintf("Processing step %d/%d - %d%% complete", step, t.Steps, progress),
			TaskID:     run.ID(),
			Progress:   progress,
			Step:       step,
			TotalSteps: t.Steps,
		}
		if err := run.Publish(ctx, t.Group, event); err != nil {
			return nil, fmt.Errorf("publishing step %d: %w", step, err)
		}
		run.Progress(ctx, step, progress)
		logger.Info("streaming task progress", "step", step, "progress", progress)

		timer.Reset(t.StepInterval)
	}

	done := CompletedEvent{
		Type:     EventTypeTaskUpdate,
		Status:   StatusCompleted,
		Message:  "Task completed successfully!",
		TaskID:   run.ID(),
		Progress: 100,
	}
	if err := run.Publish(ctx, t.Group, done); err != nil {
		return nil, fmt.Errorf("publishing completion: %w", err)
	}

	logger.Info("completed streaming task")
	return map[string]string{"status": StatusCompleted, "result": "Task finished successfully"}, nil
}

// FailureEvent implements FailureNotifier.
func (t *StreamingTask) FailureEvent(msg Message, err error) (string, any) {
	return t.Group, FailedEvent{
		Type:    EventTypeTaskUpdate,
		Status:  StatusFailed,
		Message: "Task failed: " + err.Error(),
		TaskID:  msg.ID,
		Error:   err.Error(),
		Attempt: msg.Attempt,
	}
}
