package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Message types exchanged over a session.
const (
	MsgTypeAuth         = "auth"
	MsgTypeAuthRequired = "auth_required"
	MsgTypeAuthSuccess  = "auth_success"
	MsgTypeAuthError    = "auth_error"
	MsgTypeAuthTimeout  = "auth_timeout"
	MsgTypePing         = "ping"
	MsgTypePong         = "pong"
	MsgTypeError        = "error"
	MsgTypeTaskUpdate   = "task_update"
)

// Application close codes.
const (
	CloseInternalError = 4000
	CloseAuthRejected  = 4001
	CloseAuthTimeout   = 4008
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 10 * time.Second
	defaultAuthTimeout  = 30 * time.Second
	defaultSendBuffer   = 256

	// closeGracePeriod is how long the writer waits for the peer to answer
	// a close frame before dropping the connection.
	closeGracePeriod = time.Second
)

// inboundMessage is any client frame. Fields stay raw so a value of an
// unexpected JSON type is handled by the message logic, not the decoder.
type inboundMessage struct {
	Type      json.RawMessage `json:"type"`
	APIKey    json.RawMessage `json:"api_key"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// messageType returns the type string, or the raw JSON text when the
// client sent some other value. Absent and null read as "".
func (m inboundMessage) messageType() string {
	var typ string
	if err := json.Unmarshal(m.Type, &typ); err == nil {
		return typ
	}
	return string(m.Type)
}

// apiKey returns the presented key. ok is false when the field holds a
// value that is not a string; that value can never match a key.
func (m inboundMessage) apiKey() (key string, ok bool) {
	if len(m.APIKey) == 0 || string(m.APIKey) == "null" {
		return "", true
	}
	if err := json.Unmarshal(m.APIKey, &key); err != nil {
		return string(m.APIKey), false
	}
	return key, true
}

type authFormat struct {
	Type   string `json:"type"`
	APIKey string `json:"api_key"`
}

type authRequiredMessage struct {
	Type    string     `json:"type"`
	Message string     `json:"message"`
	Format  authFormat `json:"format"`
}

// noticeMessage carries auth_error, auth_timeout and error replies.
type noticeMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type sessionUser struct {
	Username string `json:"username"`
	IsStaff  bool   `json:"is_staff"`
}

type authSuccessMessage struct {
	Type    string      `json:"type"`
	Message string      `json:"message"`
	User    sessionUser `json:"user"`
}

// pongMessage echoes the client's timestamp verbatim, null if absent.
type pongMessage struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type taskUpdateMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// outbound is one queued write. A non-zero closeCode sends a close frame
// after data and ends the writer.
type outbound struct {
	data        []byte
	closeCode   int
	closeReason string
}

// handleWebSocket upgrades the connection and starts an unauthenticated
// session. Credentials are checked in-band, not on the upgrade request.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess := newSession(s, conn)
	s.addSession(sess)

	go sess.writePump()
	sess.start()
	go sess.readPump()
}

// readPump reads frames until the connection fails or closes, then tears
// the session down.
func (s *Session) readPump() {
	defer s.shutdown()

	if s.server.wsCfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(int64(s.server.wsCfg.MaxMessageSize))
	}
	//nolint:errcheck // Best-effort deadline on connection setup
	s.conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
				CloseInternalError, CloseAuthRejected, CloseAuthTimeout) {
				s.logger.Warn("websocket read error", "error", err)
			} else {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client frame counts as liveness.
		//nolint:errcheck // Best-effort deadline reset
		s.conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pongWait))
		s.handleMessage(data)
	}
}

// writePump is the only goroutine that writes to the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case out := <-s.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			s.conn.SetWriteDeadline(time.Now().Add(s.pongWait))
			if out.data != nil {
				if err := s.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
					return
				}
			}
			if out.closeCode != 0 {
				//nolint:errcheck // Best-effort close frame
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(out.closeCode, out.closeReason))
				s.awaitPeerClose()
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			s.conn.SetWriteDeadline(time.Now().Add(s.pongWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// awaitPeerClose gives the reader a moment to see the peer's close reply.
func (s *Session) awaitPeerClose() {
	timer := time.NewTimer(closeGracePeriod)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
	}
}
