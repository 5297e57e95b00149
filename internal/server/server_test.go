package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/config"
	"github.com/zapmcp/zapmcp/internal/engine"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// stubEngine is a scriptable engine double. Progress values are consumed one
// per poll, sticking at the last entry.
type stubEngine struct {
	mu          sync.Mutex
	progress    []int
	calls       int
	kinds       []engine.JobKind
	alerts      []protocol.Alert
	startErr    error
	progressErr error
	stopped     []string
}

func (e *stubEngine) Version(ctx context.Context) (string, error) { return "2.15.0", nil }

func (e *stubEngine) StartJob(ctx context.Context, kind engine.JobKind, target, contextName string) (engine.StartResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return engine.StartResult{}, e.startErr
	}
	return engine.StartResult{JobID: "42", ContextID: "7"}, nil
}

func (e *stubEngine) JobProgress(ctx context.Context, jobID string, kind engine.JobKind) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, kind)
	if e.progressErr != nil {
		return 0, e.progressErr
	}
	if len(e.progress) == 0 {
		return 0, nil
	}
	i := e.calls
	if i >= len(e.progress) {
		i = len(e.progress) - 1
	}
	e.calls++
	return e.progress[i], nil
}

func (e *stubEngine) StopJob(ctx context.Context, jobID string, kind engine.JobKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, jobID)
	return nil
}

func (e *stubEngine) Alerts(ctx context.Context) ([]protocol.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Alert(nil), e.alerts...), nil
}

func (e *stubEngine) polledKinds() []engine.JobKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.JobKind(nil), e.kinds...)
}

func newTestServer(t *testing.T, eng engine.Engine) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Server.PollInterval = 10 * time.Millisecond

	srv := New(cfg, eng, nil, zap.NewNop())
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

// dial connects a websocket client and consumes the handshake envelope,
// returning the assigned session id.
func dial(t *testing.T, ts *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeConnection, env.Type)
	var data protocol.ConnectionData
	require.NoError(t, env.DecodeData(&data))
	require.NotEmpty(t, data.SessionID)
	require.Contains(t, data.Commands, protocol.CmdStartScan)
	return conn, data.SessionID
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return &env
}

func sendCommand(t *testing.T, conn *websocket.Conn, id int64, command string, params interface{}) {
	t.Helper()
	msg := map[string]interface{}{"id": id, "command": command}
	if params != nil {
		msg["params"] = params
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func errorCode(t *testing.T, env *protocol.Envelope) string {
	t.Helper()
	var data protocol.ErrorData
	require.NoError(t, env.DecodeData(&data))
	return data.Code
}

func TestHandshake(t *testing.T) {
	srv, ts := newTestServer(t, &stubEngine{})
	conn, sessionID := dial(t, ts)
	_ = conn

	assert.True(t, strings.HasPrefix(sessionID, "session_"))
	assert.Equal(t, 1, srv.registry.count())
}

func TestSessionIDsAreUnique(t *testing.T) {
	_, ts := newTestServer(t, &stubEngine{})
	_, id1 := dial(t, ts)
	_, id2 := dial(t, ts)
	assert.NotEqual(t, id1, id2)
}

func TestPing(t *testing.T) {
	_, ts := newTestServer(t, &stubEngine{})
	conn, _ := dial(t, ts)

	sendCommand(t, conn, 1, protocol.CmdPing, nil)
	env := readEnvelope(t, conn)
	assert.Equal(t, int64(1), env.ID)
	assert.Equal(t, protocol.TypePong, env.Type)
	assert.Equal(t, protocol.StatusSuccess, env.Status)
}

func TestUnknownCommandKeepsConnectionAlive(t *testing.T) {
	_, ts := newTestServer(t, &stubEngine{})
	conn, _ := dial(t, ts)

	sendCommand(t, conn, 1, "frobnicate", nil)
	env := readEnvelope(t, conn)
	assert.Equal(t, int64(1), env.ID)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, protocol.CodeUnknownCommand, errorCode(t, env))

	// The session must survive the error.
	sendCommand(t, conn, 2, protocol.CmdPing, nil)
	env = readEnvelope(t, conn)
	assert.Equal(t, protocol.TypePong, env.Type)
}

func TestMalformedFrame(t *testing.T) {
	_, ts := newTestServer(t, &stubEngine{})
	conn, _ := dial(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env := readEnvelope(t, conn)
	assert.Equal(t, int64(0), env.ID)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, protocol.CodeProtocolError, errorCode(t, env))
	assert.Equal(t, protocol.FrameReply, env.Classify())

	sendCommand(t, conn, 1, protocol.CmdPing, nil)
	env = readEnvelope(t, conn)
	assert.Equal(t, protocol.TypePong, env.Type)
}

func TestStartScanValidation(t *testing.T) {
	_, ts := newTestServer(t, &stubEngine{})
	conn, _ := dial(t, ts)

	sendCommand(t, conn, 1, protocol.CmdStartScan, map[string]interface{}{})
	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.StatusError, env.Status)
	assert.Equal(t, protocol.CodeValidationError, errorCode(t, env))
}

func TestStartScanEngineFailure(t *testing.T) {
	eng := &stubEngine{startErr: errors.New("zap is down")}
	_, ts := newTestServer(t, eng)
	conn, _ := dial(t, ts)

	sendCommand(t, conn, 1, protocol.CmdStartScan, map[string]interface{}{
		"target_url": "https://example.com",
	})
	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.CodeEngineError, errorCode(t, env))
	assert.Contains(t, env.Message, "zap is down")
}

func TestScanLifecycle(t *testing.T) {
	eng := &stubEngine{
		progress: []int{30},
		alerts: []protocol.Alert{
			{Risk: protocol.RiskHigh, Name: "SQL Injection"},
		},
	}
	_, ts := newTestServer(t, eng)
	conn, _ := dial(t, ts)

	// Commands against an empty session fail with no_active_scan.
	sendCommand(t, conn, 1, protocol.CmdGetStatus, nil)
	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.CodeNoActiveScan, errorCode(t, env))

	// Nested config form.
	sendCommand(t, conn, 2, protocol.CmdStartScan, map[string]interface{}{
		"config": map[string]interface{}{
			"target_url": "https://example.com",
			"scan_type":  "active",
		},
	})
	env = readEnvelope(t, conn)
	require.Equal(t, protocol.TypeScanStarted, env.Type)
	var started protocol.ScanStartedData
	require.NoError(t, env.DecodeData(&started))
	assert.Equal(t, "42", started.ScanID)
	assert.Equal(t, "7", started.ContextID)

	sendCommand(t, conn, 3, protocol.CmdGetStatus, nil)
	env = readEnvelope(t, conn)
	require.Equal(t, protocol.TypeScanStatus, env.Type)
	var status protocol.StatusData
	require.NoError(t, env.DecodeData(&status))
	assert.Equal(t, 30, status.Progress)
	require.NotNil(t, status.Context)
	assert.Equal(t, protocol.ScanRunning, status.Context.Status)
	assert.Equal(t, protocol.PhaseProbing, status.Context.Phase)

	sendCommand(t, conn, 4, protocol.CmdGetAlerts, nil)
	env = readEnvelope(t, conn)
	require.Equal(t, protocol.TypeAlerts, env.Type)
	var alerts protocol.AlertsData
	require.NoError(t, env.DecodeData(&alerts))
	assert.Equal(t, 1, alerts.Total)
	assert.Equal(t, "SQL Injection", alerts.Alerts[0].Name)

	sendCommand(t, conn, 5, protocol.CmdStopScan, nil)
	env = readEnvelope(t, conn)
	require.Equal(t, protocol.TypeScanStopped, env.Type)

	// The context survives the stop in its terminal state.
	sendCommand(t, conn, 6, protocol.CmdGetStatus, nil)
	env = readEnvelope(t, conn)
	require.NoError(t, env.DecodeData(&status))
	assert.Equal(t, protocol.ScanStopped, status.Context.Status)

	eng.mu.Lock()
	assert.Equal(t, []string{"42"}, eng.stopped)
	eng.mu.Unlock()
}

func TestStartScanReplacesContext(t *testing.T) {
	eng := &stubEngine{progress: []int{10}}
	srv, ts := newTestServer(t, eng)
	conn, sessionID := dial(t, ts)

	sendCommand(t, conn, 1, protocol.CmdStartScan, map[string]interface{}{"target_url": "https://one.example"})
	readEnvelope(t, conn)
	sendCommand(t, conn, 2, protocol.CmdStartScan, map[string]interface{}{"target_url": "https://two.example"})
	readEnvelope(t, conn)

	sess := srv.registry.get(sessionID)
	require.NotNil(t, sess)
	ctx := sess.context()
	require.NotNil(t, ctx)
	assert.Equal(t, "https://two.example", ctx.TargetURL)
}

func TestSubscribeStreamsToCompletion(t *testing.T) {
	eng := &stubEngine{
		progress: []int{40, 80, 100},
		alerts: []protocol.Alert{
			{Risk: protocol.RiskHigh, Name: "XSS"},
			{Risk: protocol.RiskLow, Name: "Missing Header"},
		},
	}
	_, ts := newTestServer(t, eng)
	conn, _ := dial(t, ts)

	sendCommand(t, conn, 1, protocol.CmdStartScan, map[string]interface{}{"target_url": "https://example.com"})
	readEnvelope(t, conn)

	sendCommand(t, conn, 2, protocol.CmdSubscribe, nil)
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeSubscribed, env.Type)

	var (
		progressSeen []int
		alertNames   []string
		complete     *protocol.Envelope
	)
	for complete == nil {
		env := readEnvelope(t, conn)
		require.Equal(t, protocol.FrameEvent, env.Classify(), "unexpected frame type %q", env.Type)
		assert.Equal(t, "42", env.ScanID)
		switch env.Type {
		case protocol.TypeProgress:
			progressSeen = append(progressSeen, env.Progress)
		case protocol.TypeAlert:
			alertNames = append(alertNames, env.Alert.Name)
		case protocol.TypeComplete:
			complete = env
		default:
			t.Fatalf("unexpected event type %q", env.Type)
		}
	}

	assert.True(t, len(progressSeen) >= 2, "expected multiple progress events, got %v", progressSeen)
	assert.Equal(t, 100, progressSeen[len(progressSeen)-1])
	assert.Equal(t, []string{"XSS", "Missing Header"}, alertNames)

	require.NotNil(t, complete.Summary)
	assert.Equal(t, 2, complete.Summary.Total)
	assert.Equal(t, "https://example.com", complete.Summary.TargetURL)
	assert.Equal(t, 1, complete.Summary.RiskCounts[protocol.RiskHigh])
	assert.True(t, complete.IsTerminal())
}

func TestSubscribeWithoutScan(t *testing.T) {
	_, ts := newTestServer(t, &stubEngine{})
	conn, _ := dial(t, ts)

	sendCommand(t, conn, 1, protocol.CmdSubscribe, nil)
	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.CodeNoActiveScan, errorCode(t, env))
}

func TestSubscribeByScanIDCarriesScanType(t *testing.T) {
	eng := &stubEngine{progress: []int{100}}
	_, ts := newTestServer(t, eng)
	conn, _ := dial(t, ts)

	// A fresh session has no context for scan 77; the scan type in the
	// params must pick the probing endpoint.
	sendCommand(t, conn, 1, protocol.CmdSubscribe, protocol.SubscribeParams{ScanID: "77", ScanType: "active"})
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeSubscribed, env.Type)

	for {
		env = readEnvelope(t, conn)
		if env.Type == protocol.TypeComplete {
			break
		}
	}

	kinds := eng.polledKinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, engine.JobActive, kinds[0])
}

func TestUndeliverableReplyClosesConnection(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{})

	conns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(ts.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
	serverConn := <-conns

	// No write pump draining and a zero-capacity buffer: queueing any
	// reply fails, which must end the connection rather than drop it.
	sess := newSession("session_stalled", 0)
	srv.registry.add(sess)
	client := &wsConn{server: srv, session: sess, conn: serverConn}
	go client.readPump()

	require.NoError(t, peer.WriteJSON(map[string]interface{}{"id": 1, "command": "ping"}))

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = peer.ReadMessage()
	require.Error(t, err, "connection should close when the reply cannot be delivered")
	assert.Eventually(t, func() bool {
		return srv.registry.count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeFatalAfterRepeatedPollFailures(t *testing.T) {
	eng := &stubEngine{progressErr: errors.New("engine gone")}
	_, ts := newTestServer(t, eng)
	conn, _ := dial(t, ts)

	// Seed a context first; the engine only fails on progress polls.
	sendCommand(t, conn, 1, protocol.CmdStartScan, map[string]interface{}{"target_url": "https://example.com"})
	readEnvelope(t, conn)
	sendCommand(t, conn, 2, protocol.CmdSubscribe, nil)
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeSubscribed, env.Type)

	var errEvents []*protocol.Envelope
	for {
		env := readEnvelope(t, conn)
		require.Equal(t, protocol.TypeError, env.Type)
		require.Equal(t, protocol.FrameEvent, env.Classify())
		errEvents = append(errEvents, env)
		if env.Fatal {
			break
		}
	}
	assert.Len(t, errEvents, maxPollErrors)
	assert.True(t, errEvents[len(errEvents)-1].IsTerminal())
}

func TestUnsubscribeStopsStream(t *testing.T) {
	eng := &stubEngine{progress: []int{10, 20, 30, 40, 50}}
	_, ts := newTestServer(t, eng)
	conn, _ := dial(t, ts)

	sendCommand(t, conn, 1, protocol.CmdStartScan, map[string]interface{}{"target_url": "https://example.com"})
	readEnvelope(t, conn)
	sendCommand(t, conn, 2, protocol.CmdSubscribe, nil)
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeSubscribed, env.Type)

	sendCommand(t, conn, 3, protocol.CmdUnsubscribe, nil)
	// Drain until the unsubscribed reply; anything before it is a
	// still-in-flight event.
	for {
		env = readEnvelope(t, conn)
		if env.Classify() == protocol.FrameReply {
			break
		}
	}
	assert.Equal(t, protocol.TypeUnsubscribed, env.Type)
	assert.Equal(t, int64(3), env.ID)
}

func TestDisconnectCleansUpSession(t *testing.T) {
	srv, ts := newTestServer(t, &stubEngine{})
	conn, sessionID := dial(t, ts)
	require.Equal(t, 1, srv.registry.count())

	conn.Close()
	require.Eventually(t, func() bool {
		return srv.registry.count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Dispatch against the dead session answers in-band.
	reply := srv.Dispatch(context.Background(), sessionID, &protocol.Command{ID: 9, Command: protocol.CmdPing})
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, protocol.CodeProtocolError, errorCode(t, reply))
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	_, ts := newTestServer(t, &stubEngine{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
