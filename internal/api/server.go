package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/keyrelay/internal/audit"
	"github.com/nerrad567/keyrelay/internal/auth"
	"github.com/nerrad567/keyrelay/internal/broadcast"
	"github.com/nerrad567/keyrelay/internal/infrastructure/config"
	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
	"github.com/nerrad567/keyrelay/internal/tasks"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// TaskDispatcher enqueues tasks and reports their results.
// Satisfied by *tasks.Dispatcher.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, name, userID string) (tasks.Message, error)
	Result(ctx context.Context, id string) (*tasks.Result, error)
}

// AuditRecorder accepts audit entries without blocking.
// Satisfied by *audit.Recorder.
type AuditRecorder interface {
	Record(entry audit.AuditLog)
}

// SessionMetrics records WebSocket authentication outcomes.
// Satisfied by *influxdb.Client.
type SessionMetrics interface {
	WriteSessionAuth(outcome string)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config        config.APIConfig
	WS            config.WebSocketConfig
	Security      config.SecurityConfig
	Logger        *logging.Logger
	Users         auth.UserRepository
	Authenticator *auth.Authenticator
	Hub           *broadcast.Hub
	Tasks         TaskDispatcher
	Audit         AuditRecorder    // optional
	AuditLogs     audit.Repository // optional: enables GET /api/audit
	Metrics       SessionMetrics   // optional
	Version       string
}

// Server is the HTTP API and WebSocket server.
//
// The server is created with New() and started with Start().
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	secCfg        config.SecurityConfig
	logger        *logging.Logger
	users         auth.UserRepository
	authenticator *auth.Authenticator
	hub           *broadcast.Hub
	tasks         TaskDispatcher
	audit         AuditRecorder
	auditLogs     audit.Repository
	metrics       SessionMetrics
	version       string

	upgrader    websocket.Upgrader
	authTimeout time.Duration

	server *http.Server
	ctx    context.Context //nolint:containedctx // parent of every session's context
	cancel context.CancelFunc

	sessions   map[*Session]struct{}
	sessionsMu sync.Mutex
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Users == nil {
		return nil, fmt.Errorf("user repository is required")
	}
	if deps.Authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("broadcast hub is required")
	}
	if deps.Tasks == nil {
		return nil, fmt.Errorf("task dispatcher is required")
	}
	if deps.WS.DefaultGroup == "" {
		return nil, fmt.Errorf("websocket default group is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           deps.Config,
		wsCfg:         deps.WS,
		secCfg:        deps.Security,
		logger:        deps.Logger,
		users:         deps.Users,
		authenticator: deps.Authenticator,
		hub:           deps.Hub,
		tasks:         deps.Tasks,
		audit:         deps.Audit,
		auditLogs:     deps.AuditLogs,
		metrics:       deps.Metrics,
		version:       deps.Version,
		authTimeout:   deps.WS.GetAuthTimeout(),
		ctx:           ctx,
		cancel:        cancel,
		sessions:      make(map[*Session]struct{}),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}

	return s, nil
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.GetReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.GetWriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.GetIdleTimeout(),
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// Open sessions are sent a going-away close frame, then in-flight requests
// get up to 10 seconds to complete.
func (s *Server) Close() error {
	s.cancel()
	s.closeSessions()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// SessionCount returns the number of open WebSocket sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

func (s *Server) addSession(sess *Session) {
	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()
}

func (s *Server) removeSession(sess *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess)
	s.sessionsMu.Unlock()
}

func (s *Server) closeSessions() {
	s.sessionsMu.Lock()
	open := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.sessionsMu.Unlock()

	for _, sess := range open {
		sess.closeWith(nil, websocket.CloseGoingAway, "server shutting down")
	}
}

// recordAudit forwards entry to the audit recorder if one is configured.
func (s *Server) recordAudit(entry audit.AuditLog) {
	if s.audit == nil {
		return
	}
	s.audit.Record(entry)
}

// recordAuthOutcome writes a session authentication metric if enabled.
func (s *Server) recordAuthOutcome(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.WriteSessionAuth(outcome)
}
