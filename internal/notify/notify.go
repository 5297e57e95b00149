// File: internal/notify/notify.go
// Description: Outbound notifications for scan findings. Failures are logged
// and swallowed; a dead webhook must never fail a scan.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/config"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// Notifier receives findings as they stream in. Implementations must be safe
// for concurrent use.
type Notifier interface {
	Alert(ctx context.Context, scanID string, alert protocol.Alert)
	Complete(ctx context.Context, summary *protocol.ScanSummary)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Alert(context.Context, string, protocol.Alert) {}

func (Nop) Complete(context.Context, *protocol.ScanSummary) {}

// Webhook posts JSON payloads to a configured URL for alerts at or above the
// configured risk threshold, plus a summary on completion.
type Webhook struct {
	url     string
	minRank int
	client  *http.Client
	logger  *zap.Logger
}

// NewWebhook builds a webhook notifier, or a Nop when no URL is configured.
func NewWebhook(cfg config.NotifyConfig, logger *zap.Logger) (Notifier, error) {
	if cfg.WebhookURL == "" {
		return Nop{}, nil
	}
	minRank, err := protocol.ParseMinRisk(cfg.MinRisk)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:     cfg.WebhookURL,
		minRank: minRank,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("notify"),
	}, nil
}

type webhookPayload struct {
	Event   string                `json:"event"`
	ScanID  string                `json:"scan_id"`
	Alert   *protocol.Alert       `json:"alert,omitempty"`
	Summary *protocol.ScanSummary `json:"summary,omitempty"`
}

// Alert posts a single finding when it clears the risk threshold.
func (w *Webhook) Alert(ctx context.Context, scanID string, alert protocol.Alert) {
	if protocol.RiskRank(alert.Risk) < w.minRank {
		return
	}
	w.post(ctx, webhookPayload{Event: "alert", ScanID: scanID, Alert: &alert})
}

// Complete posts the final scan summary.
func (w *Webhook) Complete(ctx context.Context, summary *protocol.ScanSummary) {
	if summary == nil {
		return
	}
	w.post(ctx, webhookPayload{Event: "complete", ScanID: summary.ScanID, Summary: summary})
}

func (w *Webhook) post(ctx context.Context, payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error("Failed to encode webhook payload.", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("Failed to build webhook request.", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("Webhook delivery failed.", zap.String("event", payload.Event), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Warn("Webhook rejected payload.",
			zap.String("event", payload.Event), zap.Int("status", resp.StatusCode))
	}
}
