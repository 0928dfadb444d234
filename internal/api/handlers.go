package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/keyrelay/internal/audit"
	"github.com/nerrad567/keyrelay/internal/auth"
	"github.com/nerrad567/keyrelay/internal/tasks"
)

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp"`
}

// MeResponse describes the calling user.
type MeResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsStaff  bool   `json:"is_staff"`
	APIKey   string `json:"api_key"`
}

// RegenerateKeyResponse carries the caller's replacement key.
type RegenerateKeyResponse struct {
	Message   string `json:"message"`
	NewAPIKey string `json:"new_api_key"`
}

// ExampleTestResponse is returned by GET /api/example/test.
type ExampleTestResponse struct {
	Message   string `json:"message"`
	User      string `json:"user"`
	Timestamp string `json:"timestamp"`
}

// TriggerTaskResponse is returned by POST /api/example/trigger-task.
type TriggerTaskResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, user *auth.User) {
	writeJSON(w, http.StatusOK, MeResponse{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		IsStaff:  user.IsStaff,
		APIKey:   user.APIKey,
	})
}

// handleRegenerateKey replaces the caller's key. The key used for this
// request stops working immediately, including for new sessions.
func (s *Server) handleRegenerateKey(w http.ResponseWriter, r *http.Request, user *auth.User) {
	updated, err := s.users.RegenerateAPIKey(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("regenerating api key", "user_id", user.ID, "error", err)
		writeInternalError(w, "failed to regenerate API key")
		return
	}

	s.recordAudit(audit.AuditLog{
		Action:     audit.ActionAPIKeyRegenerated,
		EntityType: "user",
		EntityID:   user.ID,
		UserID:     user.ID,
		Source:     audit.SourceAPI,
		Details: map[string]any{
			"username":   user.Username,
			"key_prefix": auth.KeyPrefix(updated.APIKey),
		},
	})

	writeJSON(w, http.StatusOK, RegenerateKeyResponse{
		Message:   "API key regenerated successfully",
		NewAPIKey: updated.APIKey,
	})
}

func (s *Server) handleExampleTest(w http.ResponseWriter, _ *http.Request, user *auth.User) {
	s.recordAudit(audit.AuditLog{
		Action:     audit.ActionExampleAccessed,
		EntityType: "endpoint",
		EntityID:   "example.test",
		UserID:     user.ID,
		Source:     audit.SourceAPI,
		Details:    map[string]any{"username": user.Username},
	})

	writeJSON(w, http.StatusOK, ExampleTestResponse{
		Message:   "Test endpoint successful",
		User:      user.Username,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleTriggerTask enqueues a streaming task whose progress is broadcast
// to the default group.
func (s *Server) handleTriggerTask(w http.ResponseWriter, r *http.Request, user *auth.User) {
	msg, err := s.tasks.Dispatch(r.Context(), tasks.StreamingTaskName, user.ID)
	if err != nil {
		s.logger.Error("dispatching streaming task", "user_id", user.ID, "error", err)
		writeUnavailable(w, "task queue unavailable")
		return
	}

	s.recordAudit(audit.AuditLog{
		Action:     audit.ActionTaskTriggered,
		EntityType: "task",
		EntityID:   msg.ID,
		UserID:     user.ID,
		Source:     audit.SourceAPI,
		Details: map[string]any{
			"task":  msg.Name,
			"queue": msg.Queue,
		},
	})

	writeJSON(w, http.StatusOK, TriggerTaskResponse{
		Message: "Streaming task started",
		TaskID:  msg.ID,
	})
}

// handleGetTask returns a task's latest state. Tasks dispatched by another
// user are only visible to staff.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, user *auth.User) {
	id := chi.URLParam(r, "id")

	result, err := s.tasks.Result(r.Context(), id)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			writeNotFound(w, "task not found")
			return
		}
		s.logger.Error("loading task result", "task_id", id, "error", err)
		writeInternalError(w, "failed to load task")
		return
	}

	if result.UserID != "" && result.UserID != user.ID && !user.IsStaff {
		writeNotFound(w, "task not found")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleListAuditLogs returns a page of audit entries.
//
// Query parameters: action, user_id, source, limit (default 50, max 200)
// and offset.
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request, _ *auth.User) {
	if s.auditLogs == nil {
		writeUnavailable(w, "audit log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action: q.Get("action"),
		UserID: q.Get("user_id"),
		Source: q.Get("source"),
	}

	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	result, err := s.auditLogs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit logs", "error", err)
		writeInternalError(w, "failed to list audit logs")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
