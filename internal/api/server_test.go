package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nerrad567/keyrelay/internal/audit"
	"github.com/nerrad567/keyrelay/internal/auth"
	"github.com/nerrad567/keyrelay/internal/broadcast"
	"github.com/nerrad567/keyrelay/internal/infrastructure/config"
	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
	"github.com/nerrad567/keyrelay/internal/tasks"
)

func TestNew_RequiresDependencies(t *testing.T) {
	log := logging.Discard()
	users := auth.NewUserRepository(nil)
	full := Deps{
		WS:            config.WebSocketConfig{DefaultGroup: testGroup},
		Logger:        log,
		Users:         users,
		Authenticator: auth.NewAuthenticator(users, log.Logger),
		Hub:           broadcast.NewHub(log),
		Tasks:         failingDispatcher{},
	}

	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"logger", func(d *Deps) { d.Logger = nil }},
		{"users", func(d *Deps) { d.Users = nil }},
		{"authenticator", func(d *Deps) { d.Authenticator = nil }},
		{"hub", func(d *Deps) { d.Hub = nil }},
		{"tasks", func(d *Deps) { d.Tasks = nil }},
		{"default group", func(d *Deps) { d.WS.DefaultGroup = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := full
			tt.mutate(&deps)
			if _, err := New(deps); err == nil {
				t.Errorf("New() without %s should fail", tt.name)
			}
		})
	}

	if _, err := New(full); err != nil {
		t.Errorf("New() with all deps error = %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if ts, ok := body["timestamp"].(float64); !ok || ts <= 0 {
		t.Errorf("timestamp = %v, want positive unix seconds", body["timestamp"])
	}
}

func TestHealth_TrailingSlashRedirects(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(http.MethodGet, "/api/health/", "")
	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/health" {
		t.Errorf("Location = %q, want /api/health", loc)
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(http.MethodGet, "/api/health", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rec = httptest.NewRecorder()
	env.srv.buildRouter().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc123" {
		t.Errorf("X-Request-ID = %q, want abc123", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/me", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	env.srv.buildRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "X-API-Key, Content-Type, X-Request-ID" {
		t.Errorf("Allow-Headers = %q", got)
	}
}

func TestRequireAPIKey(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", false)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "nope", http.StatusUnauthorized},
		{"unknown", auth.DeriveAPIKey("ghost", "seed"), http.StatusUnauthorized},
		{"valid", alice.APIKey, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.request(http.MethodGet, "/api/auth/me", tt.key)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireAPIKey_DeactivatedKey(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", false)

	if err := env.users.SetAPIKeyActive(context.Background(), alice.ID, false); err != nil {
		t.Fatalf("SetAPIKeyActive: %v", err)
	}

	rec := env.request(http.MethodGet, "/api/auth/me", alice.APIKey)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != ErrCodeUnauthorized {
		t.Errorf("code = %v, want %s", body["code"], ErrCodeUnauthorized)
	}
}

func TestRequireAPIKey_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", false)
	env.srv.authenticator = auth.NewAuthenticator(brokenUsers{}, logging.Discard().Logger)

	rec := env.request(http.MethodGet, "/api/auth/me", alice.APIKey)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMe(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", true)

	rec := env.request(http.MethodGet, "/api/auth/me", alice.APIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)

	want := map[string]any{
		"id":       alice.ID,
		"username": "alice",
		"email":    "alice@example.com",
		"is_staff": true,
		"api_key":  alice.APIKey,
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}
}

func TestRegenerateKey(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", false)

	rec := env.request(http.MethodPost, "/api/auth/regenerate-key", alice.APIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["message"] != "API key regenerated successfully" {
		t.Errorf("message = %v", body["message"])
	}
	newKey, _ := body["new_api_key"].(string)
	if newKey == "" || newKey == alice.APIKey {
		t.Fatalf("new_api_key = %q, want a fresh key", newKey)
	}

	if rec := env.request(http.MethodGet, "/api/auth/me", alice.APIKey); rec.Code != http.StatusUnauthorized {
		t.Errorf("old key status = %d, want 401", rec.Code)
	}
	if rec := env.request(http.MethodGet, "/api/auth/me", newKey); rec.Code != http.StatusOK {
		t.Errorf("new key status = %d, want 200", rec.Code)
	}

	entry, ok := env.audit.find(audit.ActionAPIKeyRegenerated)
	if !ok {
		t.Fatal("regeneration was not audited")
	}
	if entry.UserID != alice.ID || entry.Source != audit.SourceAPI {
		t.Errorf("audit entry = %+v", entry)
	}
}

func TestRegenerateKey_RejectsGet(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", false)

	rec := env.request(http.MethodGet, "/api/auth/regenerate-key", alice.APIKey)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestExampleTest(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", false)

	rec := env.request(http.MethodGet, "/api/example/test", alice.APIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["message"] != "Test endpoint successful" {
		t.Errorf("message = %v", body["message"])
	}
	if body["user"] != "alice" {
		t.Errorf("user = %v, want alice", body["user"])
	}
	if ts, _ := body["timestamp"].(string); ts == "" {
		t.Error("timestamp missing")
	}
	if _, ok := env.audit.find(audit.ActionExampleAccessed); !ok {
		t.Error("access was not audited")
	}
}

func TestTriggerTask(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", false)

	rec := env.request(http.MethodPost, "/api/example/trigger-task", alice.APIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["message"] != "Streaming task started" {
		t.Errorf("message = %v", body["message"])
	}
	taskID, _ := body["task_id"].(string)
	if taskID == "" {
		t.Fatal("task_id missing")
	}

	if n := env.broker.Len(tasks.QueueIO); n != 1 {
		t.Errorf("io queue length = %d, want 1", n)
	}

	rec = env.request(http.MethodGet, "/api/example/tasks/"+taskID, alice.APIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("task status = %d, want 200", rec.Code)
	}
	result := decodeBody(t, rec)
	if result["state"] != string(tasks.StatePending) {
		t.Errorf("state = %v, want %s", result["state"], tasks.StatePending)
	}
	if result["name"] != tasks.StreamingTaskName {
		t.Errorf("name = %v, want %s", result["name"], tasks.StreamingTaskName)
	}

	entry, ok := env.audit.find(audit.ActionTaskTriggered)
	if !ok || entry.EntityID != taskID {
		t.Errorf("trigger audit = %+v, found %v", entry, ok)
	}
}

func TestTriggerTask_QueueUnavailable(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", false)
	env.srv.tasks = failingDispatcher{}

	rec := env.request(http.MethodPost, "/api/example/trigger-task", alice.APIKey)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if _, ok := env.audit.find(audit.ActionTaskTriggered); ok {
		t.Error("failed dispatch should not be audited as triggered")
	}
}

func TestGetTask_Visibility(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", false)
	bob := env.createUser(t, "bob", false)
	admin := env.createUser(t, "root", true)

	rec := env.request(http.MethodPost, "/api/example/trigger-task", alice.APIKey)
	taskID, _ := decodeBody(t, rec)["task_id"].(string)

	tests := []struct {
		name string
		key  string
		path string
		want int
	}{
		{"owner", alice.APIKey, "/api/example/tasks/" + taskID, http.StatusOK},
		{"other user", bob.APIKey, "/api/example/tasks/" + taskID, http.StatusNotFound},
		{"staff", admin.APIKey, "/api/example/tasks/" + taskID, http.StatusOK},
		{"unknown task", alice.APIKey, "/api/example/tasks/missing", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.request(http.MethodGet, tt.path, tt.key)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestListAuditLogs(t *testing.T) {
	env := newTestEnv(t)
	alice := env.createUser(t, "alice", false)
	admin := env.createUser(t, "root", true)

	err := env.auditLogs.Create(context.Background(), &audit.AuditLog{
		Action:     audit.ActionUserCreated,
		EntityType: "user",
		EntityID:   alice.ID,
		Source:     audit.SourceCLI,
	})
	if err != nil {
		t.Fatalf("Create audit log: %v", err)
	}

	tests := []struct {
		name string
		key  string
		path string
		want int
	}{
		{"non-staff", alice.APIKey, "/api/audit", http.StatusForbidden},
		{"staff", admin.APIKey, "/api/audit", http.StatusOK},
		{"filtered", admin.APIKey, "/api/audit?action=user.created&limit=10", http.StatusOK},
		{"bad limit", admin.APIKey, "/api/audit?limit=ten", http.StatusBadRequest},
		{"negative offset", admin.APIKey, "/api/audit?offset=-1", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.request(http.MethodGet, tt.path, tt.key)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want != http.StatusOK {
				return
			}
			body := decodeBody(t, rec)
			if total, _ := body["total"].(float64); total != 1 {
				t.Errorf("total = %v, want 1", body["total"])
			}
		})
	}
}

func TestHealthCheck_NotStarted(t *testing.T) {
	env := newTestEnv(t)
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
}

func TestHealthCheck_Started(t *testing.T) {
	env := newTestEnv(t)
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() after Start error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := env.srv.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck(cancelled) should fail")
	}
}

func TestServer_TimeoutsFromConfig(t *testing.T) {
	env := newTestEnv(t)
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if env.srv.server.ReadTimeout != 5*time.Second || env.srv.server.WriteTimeout != 5*time.Second ||
		env.srv.server.IdleTimeout != 5*time.Second {
		t.Errorf("server timeouts = %v/%v/%v, want 5s each",
			env.srv.server.ReadTimeout, env.srv.server.WriteTimeout, env.srv.server.IdleTimeout)
	}
	if env.srv.authTimeout != 30*time.Second {
		t.Errorf("authTimeout = %v, want 30s", env.srv.authTimeout)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	env := newTestEnv(t)

	handler := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
