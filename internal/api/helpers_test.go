package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/keyrelay/internal/audit"
	"github.com/nerrad567/keyrelay/internal/auth"
	"github.com/nerrad567/keyrelay/internal/broadcast"
	"github.com/nerrad567/keyrelay/internal/infrastructure/config"
	"github.com/nerrad567/keyrelay/internal/infrastructure/database"
	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
	"github.com/nerrad567/keyrelay/internal/tasks"
	"github.com/nerrad567/keyrelay/migrations"
)

const testGroup = "test_group"

// testEnv is a Server backed by a real SQLite store, hub and in-memory
// task queue.
type testEnv struct {
	srv       *Server
	db        *database.DB
	users     *auth.SQLiteUserRepository
	hub       *broadcast.Hub
	broker    *tasks.MemoryBroker
	results   *tasks.SQLiteResultStore
	auditLogs *audit.SQLiteRepository
	audit     *recordingAudit
	metrics   *recordingMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "api.db"),
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

	log := logging.Discard()
	env := &testEnv{
		db:        db,
		users:     auth.NewUserRepository(db.DB),
		hub:       broadcast.NewHub(log),
		broker:    tasks.NewMemoryBroker(16),
		results:   tasks.NewSQLiteResultStore(db.DB),
		auditLogs: audit.NewSQLiteRepository(db.DB),
		audit:     &recordingAudit{},
		metrics:   &recordingMetrics{},
	}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws/example/",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			AuthTimeout:    30,
			DefaultGroup:   testGroup,
			SendBuffer:     64,
		},
		Security: config.SecurityConfig{
			APIKeys: config.APIKeyConfig{Header: "X-API-Key"},
		},
		Logger:        log,
		Users:         env.users,
		Authenticator: auth.NewAuthenticator(env.users, log.Logger),
		Hub:           env.hub,
		Tasks:         tasks.NewDispatcher(env.broker, env.results),
		Audit:         env.audit,
		AuditLogs:     env.auditLogs,
		Metrics:       env.metrics,
		Version:       "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // test cleanup
	env.srv = srv

	return env
}

func (e *testEnv) createUser(t *testing.T, username string, staff bool) *auth.User {
	t.Helper()
	u := &auth.User{
		Username:       username,
		Email:          username + "@example.com",
		IsStaff:        staff,
		IsActive:       true,
		IsAPIKeyActive: true,
	}
	if err := e.users.Create(context.Background(), u); err != nil {
		t.Fatalf("Create(%q) error = %v", username, err)
	}
	return u
}

// request runs a request through the router without a listener.
func (e *testEnv) request(method, path, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	e.srv.buildRouter().ServeHTTP(rec, req)
	return rec
}

// listen serves the router on a real loopback listener.
func (e *testEnv) listen(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(e.srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/example/"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck // test cleanup
	return conn
}

// dialChallenged dials and consumes the auth_required notice.
func dialChallenged(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn := dial(t, ts)
	if msg := readMessage(t, conn); msg["type"] != MsgTypeAuthRequired {
		t.Fatalf("first message type = %v, want %s", msg["type"], MsgTypeAuthRequired)
	}
	return conn
}

// dialAuthenticated dials, authenticates with key and consumes auth_success.
func dialAuthenticated(t *testing.T, ts *httptest.Server, key string) *websocket.Conn {
	t.Helper()
	conn := dialChallenged(t, ts)
	sendJSON(t, conn, map[string]any{"type": "auth", "api_key": key})
	if msg := readMessage(t, conn); msg["type"] != MsgTypeAuthSuccess {
		t.Fatalf("auth reply = %v, want %s", msg, MsgTypeAuthSuccess)
	}
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error: %v", err)
	}
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck // test deadline
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error: %v", err)
	}
	return msg
}

// expectClose reads the next frame and checks it is a close with code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck // test deadline
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected message before close: %s", data)
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("read error = %v, want close frame %d", err, code)
	}
	if closeErr.Code != code {
		t.Fatalf("close code = %d, want %d", closeErr.Code, code)
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response body: %v (body %q)", err, rec.Body.String())
	}
	return body
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recordingAudit keeps entries in memory.
type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.AuditLog
}

func (r *recordingAudit) Record(entry audit.AuditLog) {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

func (r *recordingAudit) find(action string) (audit.AuditLog, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Action == action {
			return e, true
		}
	}
	return audit.AuditLog{}, false
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *recordingMetrics) WriteSessionAuth(outcome string) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, outcome)
	m.mu.Unlock()
}

func (m *recordingMetrics) has(outcome string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.outcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

// failingDispatcher rejects every dispatch.
type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, string, string) (tasks.Message, error) {
	return tasks.Message{}, errors.New("queue unavailable")
}

func (failingDispatcher) Result(context.Context, string) (*tasks.Result, error) {
	return nil, tasks.ErrTaskNotFound
}

// brokenUsers fails every key lookup with a store error.
type brokenUsers struct {
	auth.UserRepository
}

func (brokenUsers) GetByAPIKey(context.Context, string) (*auth.User, error) {
	return nil, errors.New("database is locked")
}
