// File: internal/client/client.go
// Description: WebSocket client for the zapmcp session protocol. One Client
// owns one connection; replies are correlated to calls by command id, push
// events are surfaced on a separate channel.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/config"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// eventBuffer sizes the push event channel. Subscribers that fall this far
// behind lose events and must re-sync with get_status.
const eventBuffer = 64

// Client speaks the session protocol over a single WebSocket connection.
// Calls are serialized: one outstanding request at a time, replies matched by
// the echoed command id. Safe for concurrent use.
type Client struct {
	cfg    config.ClientConfig
	logger *zap.Logger

	// callMu serializes request/reply cycles.
	callMu sync.Mutex
	// writeMu guards socket writes (gorilla allows one writer).
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	nextID    int64
	closed    bool

	pendingMu sync.Mutex
	pending   map[int64]chan *protocol.Envelope

	events  chan *protocol.Envelope
	done    chan struct{}
	readErr error
}

// New builds an unconnected client.
func New(cfg config.ClientConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.Named("client"),
	}
}

// resolveAddr determines the server address. The port file, when present,
// wins over the configured port so clients follow a server that had to move
// off its default slot.
func (c *Client) resolveAddr() string {
	port := c.cfg.Port
	if c.cfg.PortFile != "" {
		if raw, err := os.ReadFile(c.cfg.PortFile); err == nil {
			if p, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && p > 0 {
				port = p
			} else {
				c.logger.Warn("Ignoring malformed port file.", zap.String("path", c.cfg.PortFile))
			}
		}
	}
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(port))
}

// Connect dials the server and completes the handshake. The first frame from
// the server must be the connection envelope carrying the session id.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("client: already connected")
	}
	c.mu.Unlock()

	url := "ws://" + c.resolveAddr() + "/ws"
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", url, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	var hello protocol.Envelope
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("%w: reading connection frame: %v", ErrHandshake, err)
	}
	if hello.Type != protocol.TypeConnection {
		conn.Close()
		return fmt.Errorf("%w: unexpected first frame %q", ErrHandshake, hello.Type)
	}
	var data protocol.ConnectionData
	if err := hello.DecodeData(&data); err != nil || data.SessionID == "" {
		conn.Close()
		return fmt.Errorf("%w: connection frame missing session id", ErrHandshake)
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.sessionID = data.SessionID
	c.closed = false
	c.mu.Unlock()

	pending := make(map[int64]chan *protocol.Envelope)
	events := make(chan *protocol.Envelope, eventBuffer)
	done := make(chan struct{})

	c.pendingMu.Lock()
	c.pending = pending
	c.pendingMu.Unlock()
	c.events = events
	c.done = done

	// The loop works on this connection's own channels so a stale loop from
	// a previous connection can never touch state after a reconnect.
	go c.readLoop(conn, pending, events, done)

	c.logger.Info("Connected.", zap.String("url", url), zap.String("session_id", data.SessionID))
	return nil
}

// SessionID returns the server-assigned session id, empty before Connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connected reports whether the transport is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Events exposes the push event stream. The channel closes when the
// connection drops.
func (c *Client) Events() <-chan *protocol.Envelope {
	return c.events
}

// readLoop is the single reader: it routes replies to their waiting calls by
// id and fans push events out to the events channel.
func (c *Client) readLoop(conn *websocket.Conn, pending map[int64]chan *protocol.Envelope, events chan *protocol.Envelope, done chan struct{}) {
	defer func() {
		c.pendingMu.Lock()
		for id, ch := range pending {
			close(ch)
			delete(pending, id)
		}
		c.pendingMu.Unlock()
		close(events)
		close(done)
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.mu.Unlock()
			if !wasClosed {
				c.logger.Warn("Connection lost.", zap.Error(err))
			}
			c.readErr = fmt.Errorf("%w: %v", ErrTransportClosed, err)
			return
		}

		switch env.Classify() {
		case protocol.FrameReply:
			c.deliverReply(pending, &env)
		case protocol.FrameEvent:
			select {
			case events <- &env:
			default:
				c.logger.Warn("Event buffer full, dropping event.",
					zap.String("type", env.Type), zap.String("scan_id", env.ScanID))
			}
		}
	}
}

// deliverReply hands a reply to the pending call. A protocol_error reply to
// an unparseable frame carries id 0; with only one call outstanding it can
// still be matched unambiguously.
func (c *Client) deliverReply(pending map[int64]chan *protocol.Envelope, env *protocol.Envelope) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	ch, ok := pending[env.ID]
	if !ok && env.ID == 0 && len(pending) == 1 {
		for id, waiting := range pending {
			ch, ok = waiting, true
			delete(pending, id)
		}
	} else if ok {
		delete(pending, env.ID)
	}
	if !ok {
		c.logger.Warn("Reply with no matching request.", zap.Int64("id", env.ID), zap.String("type", env.Type))
		return
	}
	ch <- env
}

// Call sends one command and waits for its reply. Error-status replies are
// returned as a *CommandError alongside the envelope so callers can inspect
// the code.
func (c *Client) Call(ctx context.Context, command string, params interface{}) (*protocol.Envelope, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.closed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	cmd := protocol.Command{ID: id, Command: command}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("client: encoding %s params: %w", command, err)
		}
		cmd.Params = raw
	}

	ch := make(chan *protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(&cmd)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case env, ok := <-ch:
		if !ok {
			if c.readErr != nil {
				return nil, c.readErr
			}
			return nil, ErrTransportClosed
		}
		if env.Status == protocol.StatusError {
			var data protocol.ErrorData
			_ = env.DecodeData(&data)
			return env, &CommandError{Code: data.Code, Message: env.Message}
		}
		return env, nil
	}
}

// Ping verifies the session is alive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.CmdPing, nil)
	return err
}

// StartScan submits a scan. Bare hostnames are normalized to https before
// they reach the engine.
func (c *Client) StartScan(ctx context.Context, target, scanType string) (*protocol.ScanStartedData, error) {
	env, err := c.Call(ctx, protocol.CmdStartScan, protocol.StartScanParams{
		Config: &protocol.ScanConfig{
			TargetURL: NormalizeTarget(target),
			ScanType:  scanType,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScanStart, err)
	}
	var data protocol.ScanStartedData
	if err := env.DecodeData(&data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScanStart, err)
	}
	return &data, nil
}

// StatusResult is a decoded get_status reply.
type StatusResult struct {
	Progress int
	Context  *protocol.ScanContext
}

// IsComplete reports scan completion. Completion is a function of progress
// alone; the context status only tracks stop and error transitions.
func (r *StatusResult) IsComplete() bool {
	return r.Progress >= 100
}

// Status queries scan progress. An empty scanID targets the session's
// current scan.
func (c *Client) Status(ctx context.Context, scanID string) (*StatusResult, error) {
	env, err := c.Call(ctx, protocol.CmdGetStatus, protocol.ScanIDParams{ScanID: scanID})
	if err != nil {
		return nil, err
	}
	var data protocol.StatusData
	if err := env.DecodeData(&data); err != nil {
		return nil, err
	}
	return &StatusResult{Progress: data.Progress, Context: data.Context}, nil
}

// Alerts fetches the engine's current findings.
func (c *Client) Alerts(ctx context.Context) ([]protocol.Alert, error) {
	env, err := c.Call(ctx, protocol.CmdGetAlerts, nil)
	if err != nil {
		return nil, err
	}
	var data protocol.AlertsData
	if err := env.DecodeData(&data); err != nil {
		return nil, err
	}
	return data.Alerts, nil
}

// StopScan halts the session's active scan.
func (c *Client) StopScan(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.CmdStopScan, nil)
	return err
}

// Subscribe asks the server to stream events for a scan and returns the
// event channel plus a stop function. The channel yields events until a
// terminal envelope for the scan (complete, or a fatal error) has been
// delivered, then closes; it also closes when the connection drops. Stop
// abandons the stream and unsubscribes best-effort.
func (c *Client) Subscribe(ctx context.Context, scanID, scanType string) (<-chan *protocol.Envelope, func(), error) {
	_, err := c.Call(ctx, protocol.CmdSubscribe, protocol.SubscribeParams{ScanID: scanID, ScanType: scanType})
	if err != nil {
		return nil, nil, err
	}

	source := c.events
	stream := make(chan *protocol.Envelope, eventBuffer)
	stopped := make(chan struct{})
	go func() {
		defer close(stream)
		for {
			select {
			case <-stopped:
				return
			case env, ok := <-source:
				if !ok {
					return
				}
				select {
				case stream <- env:
				case <-stopped:
					return
				}
				if env.ScanID == scanID && env.IsTerminal() {
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() { close(stopped) })
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.Call(stopCtx, protocol.CmdUnsubscribe, nil); err != nil {
			c.logger.Debug("Unsubscribe failed.", zap.Error(err))
		}
	}
	return stream, stop, nil
}

// Disconnect closes the connection. Idempotent; in-flight calls fail with
// ErrTransportClosed.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	done := c.done
	c.mu.Unlock()

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	return err
}

// Reconnect tears down any existing connection and dials again. The server
// assigns a fresh session with no scan context; callers re-subscribe by scan
// id when they need to resume a stream.
func (c *Client) Reconnect(ctx context.Context) error {
	c.Disconnect()
	return c.Connect(ctx)
}

// NormalizeTarget prefixes bare hostnames with https so targets like
// "example.com" scan the TLS endpoint.
func NormalizeTarget(target string) string {
	if target == "" || strings.Contains(target, "://") {
		return target
	}
	return "https://" + target
}
