// File: internal/orchestrator/fullscan.go
// Description: Orchestration on top of the session client: the two-phase
// full scan and concurrent batch runs across many targets.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/client"
	"github.com/zapmcp/zapmcp/internal/engine"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// SessionClient is the slice of the client surface orchestration needs. The
// concrete *client.Client satisfies it.
type SessionClient interface {
	StartScan(ctx context.Context, target, scanType string) (*protocol.ScanStartedData, error)
	Status(ctx context.Context, scanID string) (*client.StatusResult, error)
	Alerts(ctx context.Context) ([]protocol.Alert, error)
	StopScan(ctx context.Context) error
	Disconnect() error
}

// Full-scan states. The scan is discovery-first: probing never starts until
// the crawl reports 100.
type fullScanState int

const (
	stateDiscovering fullScanState = iota
	stateProbing
	stateDone
)

func (s fullScanState) String() string {
	switch s {
	case stateDiscovering:
		return "discovering"
	case stateProbing:
		return "probing"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// FullScanResult is the outcome of a completed two-phase scan.
type FullScanResult struct {
	TargetURL    string
	SpiderScanID string
	ActiveScanID string
	Alerts       []protocol.Alert
	Duration     time.Duration
}

// FullScan drives a crawl followed by an active probe over one session.
type FullScan struct {
	client       SessionClient
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewFullScan(c SessionClient, pollInterval time.Duration, logger *zap.Logger) *FullScan {
	return &FullScan{
		client:       c,
		pollInterval: pollInterval,
		logger:       logger.Named("fullscan"),
	}
}

// Run executes both phases against target and returns the combined findings.
// Cancelling ctx mid-phase stops the orchestration; the engine-side job is
// left to the session's stop handling.
func (f *FullScan) Run(ctx context.Context, target string) (*FullScanResult, error) {
	start := time.Now()
	result := &FullScanResult{TargetURL: client.NormalizeTarget(target)}
	state := stateDiscovering

	for state != stateDone {
		switch state {
		case stateDiscovering:
			f.logger.Info("Discovery phase starting.", zap.String("target", result.TargetURL))
			started, err := f.client.StartScan(ctx, result.TargetURL, string(engine.JobSpider))
			if err != nil {
				return nil, fmt.Errorf("discovery start: %w", err)
			}
			result.SpiderScanID = started.ScanID
			if err := f.waitForCompletion(ctx, started.ScanID); err != nil {
				return nil, fmt.Errorf("discovery phase: %w", err)
			}
			state = stateProbing

		case stateProbing:
			f.logger.Info("Probing phase starting.", zap.String("target", result.TargetURL))
			started, err := f.client.StartScan(ctx, result.TargetURL, string(engine.JobActive))
			if err != nil {
				return nil, fmt.Errorf("probing start: %w", err)
			}
			result.ActiveScanID = started.ScanID
			if err := f.waitForCompletion(ctx, started.ScanID); err != nil {
				return nil, fmt.Errorf("probing phase: %w", err)
			}
			state = stateDone
		}
	}

	alerts, err := f.client.Alerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching findings: %w", err)
	}
	result.Alerts = alerts
	result.Duration = time.Since(start)
	f.logger.Info("Full scan complete.",
		zap.String("target", result.TargetURL),
		zap.Int("alerts", len(alerts)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// waitForCompletion polls get_status until progress reaches 100.
func (f *FullScan) waitForCompletion(ctx context.Context, scanID string) error {
	return waitForCompletion(ctx, f.client, scanID, f.pollInterval)
}

func waitForCompletion(ctx context.Context, c SessionClient, scanID string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		st, err := c.Status(ctx, scanID)
		if err != nil {
			return fmt.Errorf("polling scan %s: %w", scanID, err)
		}
		if st.IsComplete() {
			return nil
		}
	}
}
