package tasks

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
)

func testRun(t *testing.T, msg Message, pub *recordingPublisher) *Run {
	t.Helper()
	return newRun(msg, pub, NewSQLiteResultStore(testDB(t)), nopMetrics{}, logging.Discard())
}

func TestStreamingTask_PublishesProgressInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	msg := NewMessage(StreamingTaskName, QueueIO)
	task := fastStreamingTask()

	result, err := task.Run(context.Background(), testRun(t, msg, pub))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if r, ok := result.(map[string]string); !ok || r["status"] != StatusCompleted {
		t.Errorf("result = %v", result)
	}

	events := pub.snapshot()
	if len(events) != 11 {
		t.Fatalf("published %d events, want 11", len(events))
	}
	for i, e := range events[:10] {
		step := i + 1
		if e.group != "test_group" {
			t.Errorf("event %d group = %q", step, e.group)
		}
		want := map[string]any{
			"type":        "task_update",
			"status":      StatusProgress,
			"message":     fmt.Sprintf("Processing step %d/10 - %d%% complete", step, step*10),
			"task_id":     msg.ID,
			"progress":    float64(step * 10),
			"step":        float64(step),
			"total_steps": float64(10),
		}
		for k, v := range want {
			if e.event[k] != v {
				t.Errorf("event %d %s = %v, want %v", step, k, e.event[k], v)
			}
		}
	}

	last := events[10].event
	if last["status"] != StatusCompleted || last["message"] != "Task completed successfully!" || last["progress"] != float64(100) {
		t.Errorf("completion event = %v", last)
	}
}

func TestStreamingTask_StopsAtSoftLimit(t *testing.T) {
	pub := &recordingPublisher{}
	task := fastStreamingTask()
	task.StepInterval = time.Hour

	ctx, cancel := context.WithTimeoutCause(context.Background(), 10*time.Millisecond, ErrSoftTimeLimit)
	defer cancel()

	_, err := task.Run(ctx, testRun(t, NewMessage(StreamingTaskName, QueueIO), pub))
	if !errors.Is(err, ErrSoftTimeLimit) {
		t.Errorf("Run() error = %v, want ErrSoftTimeLimit", err)
	}
	if n := len(pub.snapshot()); n != 0 {
		t.Errorf("published %d events, want 0", n)
	}
}

func TestStreamingTask_FailureEvent(t *testing.T) {
	task := fastStreamingTask()
	msg := NewMessage(StreamingTaskName, QueueIO)

	group, event := task.FailureEvent(msg, errBoom)
	failed, ok := event.(FailedEvent)
	if !ok {
		t.Fatalf("event type = %T", event)
	}
	if group != "test_group" || failed.Status != StatusFailed || failed.Message != "Task failed: boom" || failed.Error != "boom" {
		t.Errorf("failure event = %+v", failed)
	}
}

func TestPeriodicTask_Run(t *testing.T) {
	pub := &recordingPublisher{}
	task := &PeriodicTask{Group: "test_group"}

	if _, err := task.Run(context.Background(), testRun(t, NewMessage(PeriodicTaskName, QueueCPU), pub)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	events := pub.snapshot()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	e := events[0].event
	if e["status"] != StatusSuccess || e["task_type"] != "periodic" || e["message"] != "Periodic task executed successfully" {
		t.Errorf("event = %v", e)
	}
	if _, err := time.Parse(time.RFC3339Nano, e["timestamp"].(string)); err != nil {
		t.Errorf("timestamp %v: %v", e["timestamp"], err)
	}
}

func TestRun_SealedRejectsPublish(t *testing.T) {
	pub := &recordingPublisher{}
	run := testRun(t, NewMessage(StreamingTaskName, QueueIO), pub)

	run.seal()
	if err := run.Publish(context.Background(), "g", 1); !errors.Is(err, ErrRunSealed) {
		t.Errorf("Publish() error = %v, want ErrRunSealed", err)
	}
	run.Progress(context.Background(), 1, 10)
	if len(pub.snapshot()) != 0 {
		t.Error("sealed run published")
	}
}
