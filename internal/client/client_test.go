package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/config"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// commandHandler processes one inbound command on a scripted server
// connection. Returning false closes the connection.
type commandHandler func(conn *websocket.Conn, cmd *protocol.Command) bool

// startProtocolServer runs a minimal protocol speaker: handshake envelope
// first, then the scripted handler per command. Each new dial invokes onConn
// to pick the script for that connection.
func startProtocolServer(t *testing.T, onConn func(connNum int) commandHandler) *httptest.Server {
	t.Helper()
	connNum := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		connNum++
		handle := onConn(connNum)

		hello, err := protocol.NewReply(0, protocol.TypeConnection, protocol.ConnectionData{
			SessionID: "session_" + strconv.Itoa(connNum) + "_test",
			Commands:  protocol.SupportedCommands,
		})
		require.NoError(t, err)
		hello.Status = ""
		if err := conn.WriteJSON(hello); err != nil {
			return
		}

		for {
			var cmd protocol.Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if !handle(conn, &cmd) {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func clientConfigFor(t *testing.T, ts *httptest.Server) config.ClientConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.ClientConfig{
		Host:             host,
		Port:             port,
		HandshakeTimeout: 5 * time.Second,
		PollInterval:     10 * time.Millisecond,
	}
}

// echoPong answers everything with a pong echoing the command id.
func echoPong(conn *websocket.Conn, cmd *protocol.Command) bool {
	env, _ := protocol.NewReply(cmd.ID, protocol.TypePong, nil)
	conn.WriteJSON(env)
	return true
}

func connect(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	c := New(clientConfigFor(t, ts), zap.NewNop())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestConnectHandshake(t *testing.T) {
	ts := startProtocolServer(t, func(int) commandHandler { return echoPong })
	c := connect(t, ts)
	assert.Equal(t, "session_1_test", c.SessionID())
	assert.True(t, c.Connected())
}

func TestConnectRejectsBadHandshake(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// A pong is not a valid first frame.
		env, _ := protocol.NewReply(0, protocol.TypePong, nil)
		conn.WriteJSON(env)
	}))
	t.Cleanup(ts.Close)

	c := New(clientConfigFor(t, ts), zap.NewNop())
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrHandshake)
	assert.False(t, c.Connected())
}

func TestCallCorrelatesById(t *testing.T) {
	ts := startProtocolServer(t, func(int) commandHandler { return echoPong })
	c := connect(t, ts)

	for i := 0; i < 3; i++ {
		env, err := c.Call(context.Background(), protocol.CmdPing, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), env.ID)
	}
}

func TestCallReturnsCommandError(t *testing.T) {
	ts := startProtocolServer(t, func(int) commandHandler {
		return func(conn *websocket.Conn, cmd *protocol.Command) bool {
			conn.WriteJSON(protocol.NewErrorReply(cmd.ID, protocol.CodeNoActiveScan, "nothing running"))
			return true
		}
	})
	c := connect(t, ts)

	_, err := c.Status(context.Background(), "")
	require.Error(t, err)
	ce, ok := AsCommandError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeNoActiveScan, ce.Code)
	assert.Equal(t, "nothing running", ce.Message)
}

func TestZeroIdProtocolErrorReachesCaller(t *testing.T) {
	ts := startProtocolServer(t, func(int) commandHandler {
		return func(conn *websocket.Conn, cmd *protocol.Command) bool {
			// Simulate a server that could not parse the frame id.
			conn.WriteJSON(protocol.NewErrorReply(0, protocol.CodeProtocolError, "invalid message"))
			return true
		}
	})
	c := connect(t, ts)

	err := c.Ping(context.Background())
	require.Error(t, err)
	ce, ok := AsCommandError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeProtocolError, ce.Code)
}

func TestEventsDoNotInterfereWithReplies(t *testing.T) {
	ts := startProtocolServer(t, func(int) commandHandler {
		return func(conn *websocket.Conn, cmd *protocol.Command) bool {
			// Push two events before the reply; the client must route
			// them off the reply path.
			conn.WriteJSON(&protocol.Envelope{Type: protocol.TypeProgress, ScanID: "42", Progress: 10})
			conn.WriteJSON(&protocol.Envelope{Type: protocol.TypeAlert, ScanID: "42", Alert: &protocol.Alert{Risk: protocol.RiskLow, Name: "X"}})
			return echoPong(conn, cmd)
		}
	})
	c := connect(t, ts)

	env, err := c.Call(context.Background(), protocol.CmdPing, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, env.Type)

	ev := <-c.Events()
	assert.Equal(t, protocol.TypeProgress, ev.Type)
	ev = <-c.Events()
	assert.Equal(t, protocol.TypeAlert, ev.Type)
}

func TestSubscribeStreamEndsAfterComplete(t *testing.T) {
	ts := startProtocolServer(t, func(int) commandHandler {
		return func(conn *websocket.Conn, cmd *protocol.Command) bool {
			switch cmd.Command {
			case protocol.CmdSubscribe:
				env, _ := protocol.NewReply(cmd.ID, protocol.TypeSubscribed, protocol.ScanIDParams{ScanID: "42"})
				conn.WriteJSON(env)
				conn.WriteJSON(&protocol.Envelope{Type: protocol.TypeProgress, ScanID: "42", Progress: 50})
				conn.WriteJSON(&protocol.Envelope{Type: protocol.TypeComplete, ScanID: "42", Progress: 100,
					Summary: &protocol.ScanSummary{ScanID: "42"}})
			case protocol.CmdUnsubscribe:
				env, _ := protocol.NewReply(cmd.ID, protocol.TypeUnsubscribed, nil)
				conn.WriteJSON(env)
			}
			return true
		}
	})
	c := connect(t, ts)

	events, stop, err := c.Subscribe(context.Background(), "42", "spider")
	require.NoError(t, err)
	defer stop()

	ev := <-events
	require.Equal(t, protocol.TypeProgress, ev.Type)
	ev = <-events
	require.Equal(t, protocol.TypeComplete, ev.Type)

	// The sequence ends with the complete envelope; ranging consumers must
	// not block waiting for more.
	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream yielded events past complete")
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after the complete event")
	}
}

func TestStartScanNormalizesTarget(t *testing.T) {
	targets := make(chan string, 1)
	ts := startProtocolServer(t, func(int) commandHandler {
		return func(conn *websocket.Conn, cmd *protocol.Command) bool {
			var params protocol.StartScanParams
			require.NoError(t, cmd.UnmarshalParams(&params))
			targets <- params.Resolve().TargetURL
			env, _ := protocol.NewReply(cmd.ID, protocol.TypeScanStarted, protocol.ScanStartedData{ScanID: "42", ContextID: "7"})
			conn.WriteJSON(env)
			return true
		}
	})
	c := connect(t, ts)

	started, err := c.StartScan(context.Background(), "example.com", "spider")
	require.NoError(t, err)
	assert.Equal(t, "42", started.ScanID)
	assert.Equal(t, "https://example.com", <-targets)
}

func TestStatusCompletion(t *testing.T) {
	progress := []int{55, 100}
	call := 0
	ts := startProtocolServer(t, func(int) commandHandler {
		return func(conn *websocket.Conn, cmd *protocol.Command) bool {
			env, _ := protocol.NewReply(cmd.ID, protocol.TypeScanStatus, protocol.StatusData{Progress: progress[call]})
			call++
			conn.WriteJSON(env)
			return true
		}
	})
	c := connect(t, ts)

	st, err := c.Status(context.Background(), "42")
	require.NoError(t, err)
	assert.False(t, st.IsComplete())

	st, err = c.Status(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, st.IsComplete())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ts := startProtocolServer(t, func(int) commandHandler { return echoPong })
	c := connect(t, ts)

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())

	_, err := c.Call(context.Background(), protocol.CmdPing, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCallFailsWhenServerDrops(t *testing.T) {
	ts := startProtocolServer(t, func(int) commandHandler {
		return func(conn *websocket.Conn, cmd *protocol.Command) bool {
			return false // hang up without replying
		}
	})
	c := connect(t, ts)

	_, err := c.Call(context.Background(), protocol.CmdPing, nil)
	require.ErrorIs(t, err, ErrTransportClosed)
}

func TestResolveAddrPrefersPortFile(t *testing.T) {
	dir := t.TempDir()
	portFile := filepath.Join(dir, ".zapmcp_port")
	require.NoError(t, os.WriteFile(portFile, []byte("3042\n"), 0o644))

	c := New(config.ClientConfig{Host: "127.0.0.1", Port: 3000, PortFile: portFile}, zap.NewNop())
	assert.Equal(t, "127.0.0.1:3042", c.resolveAddr())

	t.Run("missing file falls back to configured port", func(t *testing.T) {
		c := New(config.ClientConfig{Host: "127.0.0.1", Port: 3000, PortFile: filepath.Join(dir, "nope")}, zap.NewNop())
		assert.Equal(t, "127.0.0.1:3000", c.resolveAddr())
	})

	t.Run("garbage file falls back to configured port", func(t *testing.T) {
		bad := filepath.Join(dir, "bad")
		require.NoError(t, os.WriteFile(bad, []byte("not-a-port"), 0o644))
		c := New(config.ClientConfig{Host: "127.0.0.1", Port: 3000, PortFile: bad}, zap.NewNop())
		assert.Equal(t, "127.0.0.1:3000", c.resolveAddr())
	})
}

func TestNormalizeTarget(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"example.com", "https://example.com"},
		{"http://example.com", "http://example.com"},
		{"https://example.com/path", "https://example.com/path"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeTarget(tc.in))
	}
}
