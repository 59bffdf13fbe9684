package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bezaspace/finvoice/internal/relay"
)

// wsClientConn adapts a gorilla WebSocket connection to relay.ClientConn.
// Writes are serialized: the handler goroutine and upstream callback
// goroutine both send to the client.
type wsClientConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSClientConn(conn *websocket.Conn, writeTimeout time.Duration) *wsClientConn {
	return &wsClientConn{conn: conn, writeTimeout: writeTimeout}
}

// Send writes one text frame to the client.
func (c *wsClientConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the transport down. Idempotent.
func (c *wsClientConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.mu.Unlock()

		_ = c.conn.Close()
	})

	return nil
}

// handleVoice upgrades the client connection and runs one relay session
// on it until the client disconnects or the session is torn down.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	conn.SetReadLimit(s.maxMessageSize)

	sess := s.registry.Create()
	client := newWSClientConn(conn, 10*time.Second)

	handler := relay.NewHandler(s.relayCfg, sess, client, s.dialer, s.normalizer,
		s.registry, s.logger, s.metrics)

	s.logger.Info("Voice client connected",
		slog.String("session_id", sess.ID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	if err := handler.Start(); err != nil {
		// Start already notified the client and tore the session down.
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("Voice client read loop ended",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
			handler.ClientGone()
			return
		}

		handler.HandleFrame(data)
	}
}
