// File: internal/protocol/protocol.go
// Description: Wire-level message definitions for the zapmcp session protocol.
// Every frame on the websocket is one of three envelope kinds: a client command,
// a server reply correlated to a command id, or an unsolicited server push event
// keyed to a scan id. Frames are classified here, before dispatch.

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command is the client-to-server envelope. IDs are assigned by the client,
// start at 1 and increase monotonically for the lifetime of one connection;
// an id is never reused on the same connection.
type Command struct {
	ID      int64           `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Unmarshal parses a raw inbound frame. It fails on malformed JSON and on
// frames with no command name; the id is kept best-effort so the caller can
// still address an error reply when only the params were broken.
func (c *Command) Unmarshal(raw []byte) error {
	if err := json.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("malformed command frame: %w", err)
	}
	if c.Command == "" {
		return fmt.Errorf("command frame missing command name")
	}
	return nil
}

// UnmarshalParams decodes the params payload into a typed structure. Absent
// params leave the destination zero-valued.
func (c *Command) UnmarshalParams(v interface{}) error {
	if len(c.Params) == 0 {
		return nil
	}
	return json.Unmarshal(c.Params, v)
}

// Command names understood by the server.
const (
	CmdPing        = "ping"
	CmdStartScan   = "start_scan"
	CmdGetStatus   = "get_status"
	CmdStopScan    = "stop_scan"
	CmdGetAlerts   = "get_alerts"
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
)

// SupportedCommands is advertised in the connection envelope so clients can
// discover the dispatch surface without probing.
var SupportedCommands = []string{
	CmdPing, CmdStartScan, CmdGetStatus, CmdStopScan,
	CmdGetAlerts, CmdSubscribe, CmdUnsubscribe,
}

// Status is the success/error tag carried on command replies.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Envelope types. The reply types answer a specific command; the event types
// are unsolicited pushes produced by an active subscription.
const (
	TypeConnection   = "connection"
	TypePong         = "pong"
	TypeScanStarted  = "scan_started"
	TypeScanStatus   = "scan_status"
	TypeScanStopped  = "scan_stopped"
	TypeAlerts       = "alerts"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"

	TypeProgress = "progress"
	TypeAlert    = "alert"
	TypeComplete = "complete"
)

// Error codes carried in the data payload of error replies. Command errors are
// always answered in-band; they never close the connection.
const (
	CodeProtocolError   = "protocol_error"
	CodeUnknownCommand  = "unknown_command"
	CodeValidationError = "validation_error"
	CodeNoActiveScan    = "no_active_scan"
	CodeEngineError     = "engine_error"
)

// Envelope is any server-to-client frame: a reply (ID echoes the request id)
// or a push event (ID is zero, ScanID identifies the scan).
type Envelope struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Status  Status          `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`

	// Event-only fields.
	ScanID   string       `json:"scan_id,omitempty"`
	Progress int          `json:"progress,omitempty"`
	Alert    *Alert       `json:"alert,omitempty"`
	Summary  *ScanSummary `json:"summary,omitempty"`
	Fatal    bool         `json:"fatal,omitempty"`
}

// FrameKind distinguishes replies from push events at the transport boundary.
type FrameKind int

const (
	FrameReply FrameKind = iota
	FrameEvent
)

// Classify decides whether an inbound envelope answers a command or is an
// unsolicited push. Replies always echo a non-zero id; the one exception is a
// protocol_error reply to a frame whose id could not be parsed, which carries
// id 0 but no scan id either.
func (e *Envelope) Classify() FrameKind {
	if e.ID != 0 {
		return FrameReply
	}
	switch e.Type {
	case TypeProgress, TypeAlert, TypeComplete:
		return FrameEvent
	case TypeError:
		if e.ScanID != "" {
			return FrameEvent
		}
	}
	return FrameReply
}

// IsTerminal reports whether an event ends a subscription stream.
func (e *Envelope) IsTerminal() bool {
	return e.Type == TypeComplete || (e.Type == TypeError && e.Fatal)
}

// DecodeData unmarshals the data payload into a typed structure. A missing
// payload is not an error; the destination is left zero-valued.
func (e *Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %q data payload: %w", e.Type, err)
	}
	return nil
}

// NewReply builds a success reply echoing the request id.
func NewReply(id int64, typ string, data interface{}) (*Envelope, error) {
	env := &Envelope{ID: id, Type: typ, Status: StatusSuccess}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshaling %q reply payload: %w", typ, err)
		}
		env.Data = raw
	}
	return env, nil
}

// NewErrorReply builds an in-band error reply. The code travels in the data
// payload so the human-readable message stays free-form.
func NewErrorReply(id int64, code, message string) *Envelope {
	raw, _ := json.Marshal(ErrorData{Code: code})
	return &Envelope{
		ID:      id,
		Type:    TypeError,
		Status:  StatusError,
		Data:    raw,
		Message: message,
	}
}

// --- Command parameter payloads ---

// ScanConfig is the start_scan configuration block.
type ScanConfig struct {
	TargetURL string `json:"target_url"`
	ScanType  string `json:"scan_type,omitempty"`
}

// StartScanParams accepts both the nested `config` form and the legacy flat
// form where target_url/scan_type sit directly in params.
type StartScanParams struct {
	Config    *ScanConfig `json:"config,omitempty"`
	TargetURL string      `json:"target_url,omitempty"`
	ScanType  string      `json:"scan_type,omitempty"`
}

// Resolve collapses the two accepted shapes into one config.
func (p *StartScanParams) Resolve() ScanConfig {
	if p.Config != nil {
		return *p.Config
	}
	return ScanConfig{TargetURL: p.TargetURL, ScanType: p.ScanType}
}

// ScanIDParams carries the optional scan_id used by get_status, stop_scan,
// get_alerts and unsubscribe.
type ScanIDParams struct {
	ScanID string `json:"scan_id,omitempty"`
}

// SubscribeParams identifies the scan to stream. ScanType lets a session
// resume a stream by explicit scan id after a reconnect, when the new session
// has no matching context to infer the phase from.
type SubscribeParams struct {
	ScanID   string `json:"scan_id,omitempty"`
	ScanType string `json:"scan_type,omitempty"`
}

// --- Reply data payloads ---

// ConnectionData is the payload of the first frame after connect.
type ConnectionData struct {
	SessionID string   `json:"session_id"`
	Commands  []string `json:"commands,omitempty"`
}

// ScanStartedData answers start_scan.
type ScanStartedData struct {
	ScanID    string `json:"scan_id"`
	ContextID string `json:"context_id"`
}

// StatusData answers get_status.
type StatusData struct {
	Progress int          `json:"progress"`
	Context  *ScanContext `json:"context,omitempty"`
}

// AlertsData answers get_alerts. Alerts come straight from the engine's
// global store: insertion order, no deduplication.
type AlertsData struct {
	Alerts []Alert `json:"alerts"`
	Total  int     `json:"total"`
}

// ErrorData carries the machine-readable error code on error replies.
type ErrorData struct {
	Code string `json:"code,omitempty"`
}

// --- Scan state ---

// Context status values. Transitions are forward-only: running may move to
// stopped or error; both are terminal for that context instance.
const (
	ScanRunning = "running"
	ScanStopped = "stopped"
	ScanError   = "error"
)

// Scan phases as labeled in status payloads.
const (
	PhaseDiscovery = "discovery"
	PhaseProbing   = "probing"
)

// ScanContext is the single active job tracked for a session. It is owned by
// the server side of the session and mirrored to clients in status replies.
type ScanContext struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ScanID    string `json:"scan_id"`
	ScanType  string `json:"scan_type"`
	Status    string `json:"status"`
	TargetURL string `json:"target_url"`
	Phase     string `json:"phase,omitempty"`
}

// ScanSummary is attached to complete events and closes out a subscription.
type ScanSummary struct {
	ScanID     string         `json:"scan_id"`
	TargetURL  string         `json:"target_url,omitempty"`
	Total      int            `json:"total"`
	RiskCounts map[string]int `json:"risk_counts,omitempty"`
}

// --- Alerts ---

// Alert is one reported finding. The payload passes through the core
// uninterpreted; only the risk label is ever inspected, for filtering.
type Alert struct {
	Risk        string `json:"risk"`
	Name        string `json:"name"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
	Solution    string `json:"solution,omitempty"`
}

// Risk labels as emitted by the engine.
const (
	RiskHigh          = "High"
	RiskMedium        = "Medium"
	RiskLow           = "Low"
	RiskInformational = "Informational"
)

// RiskRank orders risk labels for filtering: Informational < Low < Medium <
// High. Unknown labels rank below Informational so they are only reported
// when no filter is applied.
func RiskRank(risk string) int {
	switch strings.ToLower(risk) {
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	case "informational", "info":
		return 0
	default:
		return -1
	}
}

// ParseMinRisk validates a minimum-risk filter value ("info", "low", "medium"
// or "high") and returns its rank.
func ParseMinRisk(level string) (int, error) {
	switch strings.ToLower(level) {
	case "", "info", "informational":
		return 0, nil
	case "low":
		return 1, nil
	case "medium":
		return 2, nil
	case "high":
		return 3, nil
	default:
		return 0, fmt.Errorf("invalid risk level %q (expected info, low, medium or high)", level)
	}
}

// FilterAlerts returns the alerts at or above the minimum rank, preserving
// insertion order.
func FilterAlerts(alerts []Alert, minRank int) []Alert {
	if minRank <= 0 {
		return alerts
	}
	filtered := make([]Alert, 0, len(alerts))
	for _, a := range alerts {
		if RiskRank(a.Risk) >= minRank {
			filtered = append(filtered, a)
		}
	}
	return filtered
}

// CountByRisk tallies alerts per risk label.
func CountByRisk(alerts []Alert) map[string]int {
	counts := make(map[string]int, 4)
	for _, a := range alerts {
		counts[a.Risk]++
	}
	return counts
}
