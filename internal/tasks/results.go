package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a task result.
type State string

// Result states.
const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateRetry   State = "RETRY"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// Result is the latest known state of a task.
type Result struct {
	ID        string          `json:"task_id"`
	Name      string          `json:"name"`
	Queue     string          `json:"queue"`
	State     State           `json:"state"`
	Attempt   int             `json:"attempt"`
	Progress  int             `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ResultStore records task state transitions.
type ResultStore interface {
	// Pending records a newly dispatched task.
	Pending(ctx context.Context, msg Message) error
	// Started records that an attempt began, creating the row if the
	// message did not come through a Dispatcher.
	Started(ctx context.Context, msg Message) error
	Progress(ctx context.Context, id string, progress int) error
	Retry(ctx context.Context, id string, nextAttempt int, cause error) error
	Succeeded(ctx context.Context, id string, result any) error
	Failed(ctx context.Context, id string, cause error) error
	Get(ctx context.Context, id string) (*Result, error)
}

// SQLiteResultStore implements ResultStore on the task_results table.
type SQLiteResultStore struct {
	db *sql.DB
}

// NewSQLiteResultStore creates a result store.
func NewSQLiteResultStore(db *sql.DB) *SQLiteResultStore {
	return &SQLiteResultStore{db: db}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Pending implements ResultStore.
func (s *SQLiteResultStore) Pending(ctx context.Context, msg Message) error {
	ts := timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_results (id, name, queue, state, attempt, user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Name, msg.Queue, StatePending, msg.Attempt, nullString(msg.UserID), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("recording pending task: %w", err)
	}
	return nil
}

// Started implements ResultStore.
func (s *SQLiteResultStore) Started(ctx context.Context, msg Message) error {
	ts := timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_results (id, name, queue, state, attempt, user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, attempt = excluded.attempt,
		     progress = 0, updated_at = excluded.updated_at`,
		msg.ID, msg.Name, msg.Queue, StateStarted, msg.Attempt, nullString(msg.UserID), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("recording task start: %w", err)
	}
	return nil
}

// Progress implements ResultStore.
func (s *SQLiteResultStore) Progress(ctx context.Context, id string, progress int) error {
	return s.update(ctx, "progress",
		"UPDATE task_results SET progress = ?, updated_at = ? WHERE id = ?",
		progress, timestamp(), id)
}

// Retry implements ResultStore.
func (s *SQLiteResultStore) Retry(ctx context.Context, id string, nextAttempt int, cause error) error {
	return s.update(ctx, "retry",
		"UPDATE task_results SET state = ?, attempt = ?, error = ?, updated_at = ? WHERE id = ?",
		StateRetry, nextAttempt, cause.Error(), timestamp(), id)
}

// Succeeded implements ResultStore.
func (s *SQLiteResultStore) Succeeded(ctx context.Context, id string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding task result: %w", err)
	}
	return s.update(ctx, "success",
		"UPDATE task_results SET state = ?, progress = 100, result = ?, error = NULL, updated_at = ? WHERE id = ?",
		StateSuccess, string(data), timestamp(), id)
}

// Failed implements ResultStore.
func (s *SQLiteResultStore) Failed(ctx context.Context, id string, cause error) error {
	return s.update(ctx, "failure",
		"UPDATE task_results SET state = ?, error = ?, updated_at = ? WHERE id = ?",
		StateFailure, cause.Error(), timestamp(), id)
}

func (s *SQLiteResultStore) update(ctx context.Context, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("recording task %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording task %s: %w", what, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Get implements ResultStore.
func (s *SQLiteResultStore) Get(ctx context.Context, id string) (*Result, error) {
	var (
		r                    Result
		result, errText, uid sql.NullString
		created, updated     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, queue, state, attempt, progress, result, error, user_id, created_at, updated_at
		 FROM task_results WHERE id = ?`, id,
	).Scan(&r.ID, &r.Name, &r.Queue, &r.State, &r.Attempt, &r.Progress, &result, &errText, &uid, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("getting task result: %w", err)
	}

	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	r.Error = errText.String
	r.UserID = uid.String
	r.CreatedAt, _ = time.Parse(time.RFC3339, created) //nolint:errcheck // written by this store
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updated) //nolint:errcheck // written by this store
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
