package node

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marmos91/presenced/internal/logger"
)

const writeTimeout = 10 * time.Second

// Close reasons sent on rejected connections.
const (
	reasonNoToken       = "No token provided"
	reasonInvalidToken  = "Invalid token"
	reasonNotOwned      = "User does not belong to this node"
	reasonInternalError = "Internal server error"
)

// session is one live client connection. Writes are serialized through a
// mutex because the ping ticker, the bus consumer, and the read loop all
// write concurrently.
type session struct {
	userID string
	connID string
	vnode  int
	conn   *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(userID, connID string, vnode int, conn *websocket.Conn) *session {
	return &session{
		userID: userID,
		connID: connID,
		vnode:  vnode,
		conn:   conn,
		done:   make(chan struct{}),
	}
}

// send writes a JSON frame to the client.
func (s *session) send(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(f)
}

// close sends a close frame with the given code and reason, then tears the
// connection down. Idempotent.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		msg := websocket.FormatCloseMessage(code, reason)
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
			logger.Debug("close frame write failed",
				logger.KeyUserID, s.userID,
				logger.KeyConnectionID, s.connID,
				logger.KeyError, err)
		}
		s.conn.Close()
	})
}

// pingLoop sends liveness pings until the session closes.
func (s *session) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				logger.Debug("liveness ping failed",
					logger.KeyUserID, s.userID,
					logger.KeyConnectionID, s.connID,
					logger.KeyError, err)
				return
			}
		}
	}
}

// readLoop consumes client frames until the connection drops. Recognized:
// ping, answered with pong. Anything else is logged and ignored; malformed
// JSON does not end the session.
func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Warn("malformed client frame",
				logger.KeyUserID, s.userID,
				logger.KeyConnectionID, s.connID,
				logger.KeyError, err)
			continue
		}

		switch f.Type {
		case framePing:
			if err := s.send(pongFrame()); err != nil {
				return
			}
		default:
			logger.Debug("unknown client frame type",
				logger.KeyUserID, s.userID,
				logger.KeyConnectionID, s.connID,
				"type", f.Type)
		}
	}
}

// rejectConn closes a not-yet-registered connection with a policy
// violation. The upgrade has already happened so the reason travels in the
// websocket close frame, where clients can read it.
func rejectConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	conn.Close()
}
