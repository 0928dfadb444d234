package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/keyrelay/internal/infrastructure/database"
	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
	"github.com/nerrad567/keyrelay/migrations"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "tasks.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db.DB
}

type groupEvent struct {
	group string
	event map[string]any
}

// recordingPublisher keeps every published event, JSON-decoded.
type recordingPublisher struct {
	mu     sync.Mutex
	events []groupEvent
	fail   error
}

func (p *recordingPublisher) Publish(_ context.Context, group string, event any) error {
	if p.fail != nil {
		return p.fail
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, groupEvent{group: group, event: decoded})
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) snapshot() []groupEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]groupEvent(nil), p.events...)
}

func (p *recordingPublisher) withStatus(status string) []groupEvent {
	var out []groupEvent
	for _, e := range p.snapshot() {
		if e.event["status"] == status {
			out = append(out, e)
		}
	}
	return out
}

type scheduled struct {
	msg Message
	eta time.Time
}

// recordingScheduler captures retries instead of delivering them.
type recordingScheduler struct {
	mu    sync.Mutex
	items []scheduled
}

func (s *recordingScheduler) ScheduleAt(_ context.Context, msg Message, eta time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, scheduled{msg: msg, eta: eta})
	return nil
}

func (s *recordingScheduler) snapshot() []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduled(nil), s.items...)
}

// funcTask adapts a function to Task with an optional retry policy.
type funcTask struct {
	name   string
	policy RetryPolicy
	run    func(ctx context.Context, run *Run) (any, error)
}

func (t *funcTask) Name() string             { return t.name }
func (t *funcTask) RetryPolicy() RetryPolicy { return t.policy }
func (t *funcTask) Run(ctx context.Context, run *Run) (any, error) {
	return t.run(ctx, run)
}

func (t *funcTask) FailureEvent(msg Message, err error) (string, any) {
	return "test_group", map[string]any{"status": StatusFailed, "task_id": msg.ID, "error": err.Error()}
}

var errBoom = errors.New("boom")

func fastStreamingTask() *StreamingTask {
	return &StreamingTask{
		Group:        "test_group",
		Steps:        10,
		StepInterval: time.Millisecond,
		Retry:        RetryPolicy{MaxRetries: 3, Delay: 60 * time.Second},
	}
}

type workerFixture struct {
	worker    *Worker
	publisher *recordingPublisher
	retries   *recordingScheduler
	results   *SQLiteResultStore
}

func newWorkerFixture(t *testing.T, cfg WorkerConfig, tasks ...Task) *workerFixture {
	t.Helper()
	if cfg.SoftTimeLimit == 0 {
		cfg.SoftTimeLimit = 5 * time.Second
	}
	if cfg.HardTimeLimit == 0 {
		cfg.HardTimeLimit = 10 * time.Second
	}

	f := &workerFixture{
		publisher: &recordingPublisher{},
		retries:   &recordingScheduler{},
		results:   NewSQLiteResultStore(testDB(t)),
	}
	f.worker = NewWorker(cfg, WorkerDeps{
		Registry:  NewRegistry(tasks...),
		Broker:    NewMemoryBroker(0),
		Publisher: f.publisher,
		Results:   f.results,
		Retries:   f.retries,
		Logger:    logging.Discard(),
	})
	return f
}

func (f *workerFixture) result(t *testing.T, id string) *Result {
	t.Helper()
	r, err := f.results.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return r
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
