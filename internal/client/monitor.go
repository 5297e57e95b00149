// File: internal/client/monitor.go
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/config"
	"github.com/zapmcp/zapmcp/internal/notify"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// ScanState is the monitor's last-known view of one scan, kept across
// connection drops so a resumed stream picks up where it left off.
type ScanState struct {
	ScanID    string
	TargetURL string
	Progress  int
	Alerts    int
	Complete  bool
	Errored   bool
}

// Monitor runs a scan to completion over an unreliable connection. It starts
// the scan, subscribes to its event stream, and reconnects with a bounded
// retry budget when the transport drops. A completed scan or a fatal engine
// error ends monitoring regardless of remaining retries.
type Monitor struct {
	clientCfg  config.ClientConfig
	monitorCfg config.MonitorConfig
	notifier   notify.Notifier
	logger     *zap.Logger

	mu    sync.Mutex
	state map[string]*ScanState
}

func NewMonitor(clientCfg config.ClientConfig, monitorCfg config.MonitorConfig, notifier notify.Notifier, logger *zap.Logger) *Monitor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Monitor{
		clientCfg:  clientCfg,
		monitorCfg: monitorCfg,
		notifier:   notifier,
		logger:     logger.Named("monitor"),
		state:      make(map[string]*ScanState),
	}
}

// State returns a copy of the last-known state for a scan id.
func (m *Monitor) State(scanID string) (ScanState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[scanID]
	if !ok {
		return ScanState{}, false
	}
	return *st, true
}

// Run starts a scan against target and follows it to completion, reconnecting
// through transport failures. It returns the final summary, or an error once
// the retry budget is exhausted or the engine reports a fatal failure.
func (m *Monitor) Run(ctx context.Context, target, scanType string) (*protocol.ScanSummary, error) {
	c := New(m.clientCfg, m.logger)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	defer c.Disconnect()

	started, err := c.StartScan(ctx, target, scanType)
	if err != nil {
		return nil, err
	}
	scanID := started.ScanID

	m.mu.Lock()
	m.state[scanID] = &ScanState{ScanID: scanID, TargetURL: NormalizeTarget(target)}
	m.mu.Unlock()

	retries := 0
	for {
		summary, streamErr := m.follow(ctx, c, scanID, scanType)
		if summary != nil || streamErr == nil {
			return summary, streamErr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isFatal(streamErr) {
			return nil, streamErr
		}

		retries++
		if retries > m.monitorCfg.MaxRetries {
			st, _ := m.State(scanID)
			return nil, fmt.Errorf("%w after %d attempts (scan %s at %d%%): %v",
				ErrRetryExhausted, m.monitorCfg.MaxRetries, scanID, st.Progress, streamErr)
		}
		m.logger.Warn("Connection lost, retrying.",
			zap.String("scan_id", scanID),
			zap.Int("attempt", retries),
			zap.Int("max_retries", m.monitorCfg.MaxRetries),
			zap.Error(streamErr))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.monitorCfg.RetryDelay):
		}
		if err := c.Reconnect(ctx); err != nil {
			// Reconnect failures spend retry budget too.
			continue
		}
	}
}

// fatalError marks stream failures that no reconnect can fix.
type fatalError struct{ msg string }

func (e *fatalError) Error() string { return e.msg }

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// follow subscribes to the scan and consumes events until it completes, the
// engine reports a fatal error, or the transport drops. The scan type rides
// along so a resubscribe after reconnect polls the right phase.
func (m *Monitor) follow(ctx context.Context, c *Client, scanID, scanType string) (*protocol.ScanSummary, error) {
	events, stop, err := c.Subscribe(ctx, scanID, scanType)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case env, ok := <-events:
			if !ok {
				return nil, ErrTransportClosed
			}
			if env.ScanID != scanID {
				continue
			}
			switch env.Type {
			case protocol.TypeProgress:
				m.update(scanID, func(st *ScanState) { st.Progress = env.Progress })
			case protocol.TypeAlert:
				if env.Alert != nil {
					m.update(scanID, func(st *ScanState) { st.Alerts++ })
					m.notifier.Alert(ctx, scanID, *env.Alert)
				}
			case protocol.TypeComplete:
				m.update(scanID, func(st *ScanState) {
					st.Progress = 100
					st.Complete = true
				})
				m.notifier.Complete(ctx, env.Summary)
				return env.Summary, nil
			case protocol.TypeError:
				if env.Fatal {
					m.update(scanID, func(st *ScanState) { st.Errored = true })
					return nil, &fatalError{msg: "scan failed: " + env.Message}
				}
				m.logger.Warn("Transient scan error.", zap.String("scan_id", scanID), zap.String("message", env.Message))
			}
		}
	}
}

func (m *Monitor) update(scanID string, fn func(*ScanState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.state[scanID]; ok {
		fn(st)
	}
}
