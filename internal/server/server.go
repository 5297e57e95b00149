// File: internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/config"
	"github.com/zapmcp/zapmcp/internal/engine"
	"github.com/zapmcp/zapmcp/internal/history"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// WebSocket upgrader configuration. Clients are local tooling, so origin
// checks are relaxed.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Constants for WebSocket timeouts and limits (based on Gorilla WebSocket examples).
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 65536
	// Send buffer size per session.
	sendChannelSize = 256
)

// Server hosts the scan control plane: a WebSocket endpoint speaking the
// command protocol, plus health and metrics routes. One Server serves many
// concurrent sessions, each bound to a single connection.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	engine   engine.Engine
	history  history.Store
	registry *registry
	metrics  *metrics

	httpServer *http.Server
}

// New builds a Server around an already constructed engine. The history store
// may be nil, in which case scan records are simply not persisted.
func New(cfg *config.Config, eng engine.Engine, store history.Store, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		engine:   eng,
		history:  store,
		registry: newRegistry(),
		metrics:  newMetrics(),
	}
}

// Start runs the server until ctx is cancelled. It verifies the engine is
// reachable, binds a listener (walking up from the configured port when the
// slot is taken), publishes the bound port to the port file, and serves.
func (s *Server) Start(ctx context.Context) error {
	if err := engine.WaitReady(ctx, s.engine, s.cfg.Engine.ReadyRetries, s.cfg.Engine.ReadyInterval, s.logger); err != nil {
		return fmt.Errorf("engine not ready: %w", err)
	}

	ln, port, err := s.bindListener()
	if err != nil {
		return err
	}

	if s.cfg.Server.PortFile != "" {
		if err := os.WriteFile(s.cfg.Server.PortFile, []byte(fmt.Sprintf("%d", port)), 0o644); err != nil {
			ln.Close()
			return fmt.Errorf("failed to write port file %s: %w", s.cfg.Server.PortFile, err)
		}
		defer os.Remove(s.cfg.Server.PortFile)
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening.", zap.String("addr", ln.Addr().String()), zap.Int("port", port))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// bindListener binds the first free port in [Port, MaxPort]. Another server
// instance holding a port is expected during development, so collisions walk
// upward instead of failing outright.
func (s *Server) bindListener() (net.Listener, int, error) {
	for port := s.cfg.Server.Port; port <= s.cfg.Server.MaxPort; port++ {
		addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if port != s.cfg.Server.Port {
				s.logger.Warn("Configured port busy, moved up.",
					zap.Int("configured", s.cfg.Server.Port), zap.Int("bound", port))
			}
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in range %d-%d", s.cfg.Server.Port, s.cfg.Server.MaxPort)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.handler())
	return r
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server.")

	// Stop pollers and close send channels so write pumps send the close
	// frame and exit.
	for _, sess := range s.registry.all() {
		s.teardownSession(sess)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// handleWebSocket upgrades the connection, registers a session, sends the
// handshake envelope, and runs the read pump until the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed.", zap.Error(err))
		return
	}

	sess := newSession(s.registry.nextID(), sendChannelSize)
	s.registry.add(sess)
	s.metrics.sessionsActive.Inc()
	s.logger.Info("Session connected.", zap.String("session_id", sess.id))

	client := &wsConn{server: s, session: sess, conn: conn}
	go client.writePump()

	// The handshake is the first frame on the wire. It rides the send
	// channel like everything else so ordering against replies holds.
	s.queueEvent(sess, &protocol.Envelope{
		Type: protocol.TypeConnection,
		Data: mustMarshal(protocol.ConnectionData{
			SessionID: sess.id,
			Commands:  protocol.SupportedCommands,
		}),
	})

	client.readPump()
}

// teardownSession cancels the session's poller, removes it from the registry
// and closes its send channel. Idempotent: the registry remove reports
// whether this call was the one that owned cleanup.
func (s *Server) teardownSession(sess *session) {
	if s.registry.remove(sess.id) == nil {
		return
	}
	if old := sess.swapSubscription(nil); old != nil {
		old.stop()
	}
	sess.close()
	s.metrics.sessionsActive.Dec()
	s.logger.Info("Session disconnected.", zap.String("session_id", sess.id))
}

// queueEvent enqueues an envelope for delivery, dropping it when the peer is
// too slow to drain its buffer. Dropping an event is preferable to stalling
// the poller, and the client re-syncs through get_status regardless.
func (s *Server) queueEvent(sess *session, env *protocol.Envelope) {
	if !sess.queue(env) {
		s.logger.Warn("Session gone or send buffer full, dropping message.",
			zap.String("session_id", sess.id), zap.String("type", env.Type))
	}
}

// wsConn pairs a session with its underlying connection and runs the two
// pumps. All writes go through writePump so gorilla's single-writer rule is
// respected.
type wsConn struct {
	server  *Server
	session *session
	conn    *websocket.Conn
}

// readPump pumps frames from the connection into the dispatcher. A dedicated
// read loop keeps the connection responsive to control frames (pongs, close)
// while command handling happens inline.
func (c *wsConn) readPump() {
	defer func() {
		c.server.teardownSession(c.session)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.server.logger.Error("Failed to set initial read deadline.", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket closed unexpectedly.", zap.Error(err))
			} else {
				c.server.logger.Info("WebSocket connection closed.", zap.String("session_id", c.session.id))
			}
			break
		}

		var cmd protocol.Command
		var reply *protocol.Envelope
		if err := cmd.Unmarshal(raw); err != nil {
			// Malformed frames get an error reply but never cost the
			// client its connection.
			c.server.logger.Debug("Unparseable frame.", zap.String("session_id", c.session.id), zap.Error(err))
			reply = protocol.NewErrorReply(cmd.ID, protocol.CodeProtocolError, "invalid message: "+err.Error())
		} else {
			reply = c.server.Dispatch(context.Background(), c.session.id, &cmd)
		}

		// Push events may be dropped under backpressure, replies may not:
		// every request is either answered or the connection dies.
		if !c.session.queue(reply) {
			c.server.logger.Error("Reply undeliverable, closing connection.",
				zap.String("session_id", c.session.id), zap.String("type", reply.Type))
			break
		}
	}
}

// writePump pumps envelopes from the session's send channel to the peer and
// keeps the connection alive with periodic pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.session.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.server.logger.Error("Failed to set write deadline.", zap.Error(err))
				return
			}
			if !ok {
				// Channel closed during teardown. Tell the peer and exit.
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.server.logger.Error("Error writing message to WebSocket.", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
