// File: internal/engine/engine.go
// Description: The scan-engine boundary. The server never talks to ZAP
// directly; it drives jobs through this interface, which keeps the
// poll-for-progress completion model isolated so a push-based engine could
// satisfy the same contract later.

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/protocol"
)

// ErrUnavailable is returned when the engine cannot be reached or never
// becomes ready within the startup bound.
var ErrUnavailable = errors.New("scan engine unavailable")

// JobKind selects the scan phase a job runs.
type JobKind string

const (
	// JobSpider is the discovery phase: content enumeration.
	JobSpider JobKind = "spider"
	// JobActive is the probing phase: vulnerability testing.
	JobActive JobKind = "active"
)

// ParseJobKind maps a wire scan_type onto a job kind. Unknown or empty values
// fall back to the discovery phase, matching the server's lenient dispatch.
func ParseJobKind(scanType string) JobKind {
	if scanType == string(JobActive) {
		return JobActive
	}
	return JobSpider
}

// Phase returns the phase label reported for this kind in status payloads.
func (k JobKind) Phase() string {
	if k == JobActive {
		return protocol.PhaseProbing
	}
	return protocol.PhaseDiscovery
}

// StartResult identifies a newly started engine job.
type StartResult struct {
	// JobID is the engine-side job identifier, used for all later polling.
	JobID string
	// ContextID identifies the engine context the job runs in.
	ContextID string
}

// Engine is the capability contract of the external scanning engine.
//
// Progress is an integer 0..100 and is the only completion signal: a job is
// complete iff progress reaches 100. The alert store is global per engine
// instance, not scoped to a job.
type Engine interface {
	Version(ctx context.Context) (string, error)
	StartJob(ctx context.Context, kind JobKind, target, contextName string) (StartResult, error)
	JobProgress(ctx context.Context, jobID string, kind JobKind) (int, error)
	StopJob(ctx context.Context, jobID string, kind JobKind) error
	Alerts(ctx context.Context) ([]protocol.Alert, error)
}

// WaitReady polls the engine version until it answers, up to retries attempts
// spaced by interval. Exhausting the budget is fatal to server startup.
func WaitReady(ctx context.Context, e Engine, retries int, interval time.Duration, logger *zap.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		version, err := e.Version(ctx)
		if err == nil {
			logger.Info("Connected to scan engine", zap.String("version", version))
			return nil
		}
		lastErr = err
		logger.Warn("Waiting for scan engine to become ready",
			zap.Int("attempt", attempt),
			zap.Int("retries", retries),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, retries, lastErr)
}
