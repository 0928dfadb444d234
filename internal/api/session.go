package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/keyrelay/internal/audit"
	"github.com/nerrad567/keyrelay/internal/auth"
	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
)

// sessionState is the lifecycle position of a Session.
//
//	Unauthenticated -> Authenticated -> Closed
//	Unauthenticated -> Closed
type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateClosed
)

func (st sessionState) String() string {
	switch st {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// Session outcomes recorded as metrics.
const (
	authOutcomeSuccess  = "success"
	authOutcomeRejected = "rejected"
	authOutcomeTimeout  = "timeout"
)

// Session is one WebSocket connection. It implements broadcast.Member.
//
// All state transitions happen under mu. The auth guard and a successful
// authentication both try to leave Unauthenticated; whichever gets there
// first wins and the other does nothing.
type Session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	logger *logging.Logger
	group  string
	opened time.Time

	pingInterval time.Duration
	pongWait     time.Duration

	ctx    context.Context //nolint:containedctx // cancelled when the connection ends
	cancel context.CancelFunc

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	state   sessionState
	user    *auth.User
	guard   *time.Timer
	closing bool // a close frame is queued; nothing else may be
}

func newSession(srv *Server, conn *websocket.Conn) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(srv.ctx)

	buffer := srv.wsCfg.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}

	return &Session{
		id:           id,
		server:       srv,
		conn:         conn,
		logger:       srv.logger.With("session_id", id),
		group:        srv.wsCfg.DefaultGroup,
		opened:       time.Now(),
		pingInterval: secondsOr(srv.wsCfg.PingInterval, defaultPingInterval),
		pongWait:     secondsOr(srv.wsCfg.PongTimeout, defaultPongWait),
		ctx:          ctx,
		cancel:       cancel,
		send:         make(chan outbound, buffer),
		done:         make(chan struct{}),
	}
}

// start sends the challenge and arms the auth guard.
func (s *Session) start() {
	s.sendJSON(authRequiredMessage{
		Type:    MsgTypeAuthRequired,
		Message: "Please authenticate with your API key",
		Format:  authFormat{Type: MsgTypeAuth, APIKey: "your_api_key_here"},
	})

	timeout := s.server.authTimeout
	if timeout <= 0 {
		timeout = defaultAuthTimeout
	}

	s.mu.Lock()
	s.guard = time.AfterFunc(timeout, s.expireAuth)
	s.mu.Unlock()

	s.logger.Debug("websocket session opened", "remote", s.conn.RemoteAddr().String())
}

// Deliver wraps a group event for this session. Events reaching a session
// that is not authenticated are dropped.
func (s *Session) Deliver(payload []byte) bool {
	data, err := json.Marshal(taskUpdateMessage{Type: MsgTypeTaskUpdate, Data: payload})
	if err != nil {
		s.logger.Warn("dropping malformed group event", "error", err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateAuthenticated {
		return false
	}
	return s.pushLocked(outbound{data: data})
}

// handleMessage routes one client frame according to the session state.
// A panic while handling is an internal fault and closes the session.
func (s *Session) handleMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.fault(fmt.Errorf("panic handling message: %v", r))
		}
	}()

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendNotice(MsgTypeError, "Invalid JSON format")
		return
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case stateUnauthenticated:
		if msg.messageType() == MsgTypeAuth {
			s.authenticate(msg.apiKey())
			return
		}
		s.sendNotice(MsgTypeError, "Please authenticate first")
	case stateAuthenticated:
		s.handleAuthenticated(msg)
	case stateClosed:
	}
}

func (s *Session) handleAuthenticated(msg inboundMessage) {
	switch typ := msg.messageType(); typ {
	case MsgTypePing:
		s.sendJSON(pongMessage{Type: MsgTypePong, Timestamp: msg.Timestamp})
	default:
		s.sendNotice(MsgTypeError, "Unknown message type: "+typ)
	}
}

// authenticate validates key and moves the session to Authenticated.
// wellFormed is false when the key was not sent as a string.
func (s *Session) authenticate(key string, wellFormed bool) {
	if wellFormed && key == "" {
		s.sendNotice(MsgTypeAuthError, "API key is required")
		return
	}

	// Stopping the guard claims the transition. If it already fired the
	// timeout owns the session.
	s.mu.Lock()
	if s.state != stateUnauthenticated || !s.guard.Stop() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !wellFormed {
		s.reject(key)
		return
	}

	user, err := s.server.authenticator.Authenticate(s.ctx, key)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidAPIKey) {
			s.reject(key)
			return
		}
		s.fault(fmt.Errorf("authenticating session: %w", err))
		return
	}

	welcome, err := json.Marshal(authSuccessMessage{
		Type:    MsgTypeAuthSuccess,
		Message: fmt.Sprintf("Welcome %s! You are now connected.", user.Username),
		User:    sessionUser{Username: user.Username, IsStaff: user.IsStaff},
	})
	if err != nil {
		s.fault(fmt.Errorf("encoding auth_success: %w", err))
		return
	}

	s.mu.Lock()
	if s.state != stateUnauthenticated {
		s.mu.Unlock()
		return
	}
	s.state = stateAuthenticated
	s.user = user
	// Queue the welcome before joining so no event can precede it.
	s.pushLocked(outbound{data: welcome})
	s.server.hub.Subscribe(s.group, s)
	s.mu.Unlock()

	s.logger.Info("websocket session authenticated",
		"user_id", user.ID,
		"username", user.Username,
		"group", s.group,
	)
	s.server.recordAuthOutcome(authOutcomeSuccess)
	s.server.recordAudit(audit.AuditLog{
		Action:     audit.ActionWebSocketAuthenticated,
		EntityType: "user",
		EntityID:   user.ID,
		UserID:     user.ID,
		Source:     audit.SourceWebSocket,
		Details: map[string]any{
			"username":   user.Username,
			"session_id": s.id,
			"group":      s.group,
		},
	})
}

func (s *Session) reject(key string) {
	s.logger.Warn("websocket authentication rejected", "key_prefix", auth.KeyPrefix(key))
	s.server.recordAuthOutcome(authOutcomeRejected)
	s.closeWith(notice(MsgTypeAuthError, "Invalid API key"), CloseAuthRejected, "authentication failed")
}

// expireAuth runs on the guard timer.
func (s *Session) expireAuth() {
	s.mu.Lock()
	if s.state != stateUnauthenticated {
		s.mu.Unlock()
		return
	}
	s.closeLocked(outbound{
		data:        notice(MsgTypeAuthTimeout, "Authentication timeout"),
		closeCode:   CloseAuthTimeout,
		closeReason: "authentication timeout",
	})
	s.mu.Unlock()

	s.logger.Info("websocket authentication timed out")
	s.server.recordAuthOutcome(authOutcomeTimeout)
}

// fault reports an internal error to the client and closes with 4000.
func (s *Session) fault(err error) {
	s.logger.Error("websocket session fault", "error", err)
	s.closeWith(notice(MsgTypeError, "Internal server error"), CloseInternalError, "internal error")
}

// closeWith queues payload (if any) followed by a close frame. Only the
// first call has any effect.
func (s *Session) closeWith(payload []byte, code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(outbound{data: payload, closeCode: code, closeReason: reason})
}

func (s *Session) closeLocked(out outbound) {
	if s.closing {
		return
	}
	s.closing = true
	s.state = stateClosed
	if !s.enqueue(out) {
		// Writer is wedged behind a full buffer; drop the connection.
		s.conn.Close()
	}
}

// shutdown releases everything the session holds. Safe to call repeatedly.
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()

		s.mu.Lock()
		if s.guard != nil {
			s.guard.Stop()
		}
		prev := s.state
		s.state = stateClosed
		s.closing = true
		user := s.user
		s.mu.Unlock()

		s.conn.Close()
		s.server.removeSession(s)

		if user == nil {
			s.logger.Debug("websocket session closed", "state", prev.String())
			return
		}

		groups := s.server.hub.UnsubscribeAll(s)
		s.logger.Info("websocket session disconnected",
			"user_id", user.ID,
			"username", user.Username,
			"groups", groups,
		)
		s.server.recordAudit(audit.AuditLog{
			Action:     audit.ActionWebSocketDisconnected,
			EntityType: "user",
			EntityID:   user.ID,
			UserID:     user.ID,
			Source:     audit.SourceWebSocket,
			Details: map[string]any{
				"username":         user.Username,
				"session_id":       s.id,
				"groups":           groups,
				"duration_seconds": time.Since(s.opened).Seconds(),
			},
		})
	})
}

func (s *Session) sendNotice(msgType, message string) {
	s.push(notice(msgType, message))
}

func (s *Session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encoding websocket message", "error", err)
		return
	}
	s.push(data)
}

func (s *Session) push(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushLocked(outbound{data: data})
}

func (s *Session) pushLocked(out outbound) bool {
	if s.closing {
		return false
	}
	return s.enqueue(out)
}

// enqueue never blocks; a full buffer drops the write.
func (s *Session) enqueue(out outbound) bool {
	select {
	case s.send <- out:
		return true
	default:
		return false
	}
}

func notice(msgType, message string) []byte {
	data, _ := json.Marshal(noticeMessage{Type: msgType, Message: message}) //nolint:errcheck // plain strings always marshal
	return data
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
