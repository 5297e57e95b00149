// File: internal/orchestrator/batch.go
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zapmcp/zapmcp/internal/client"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// Outcome statuses.
const (
	OutcomeComplete = "complete"
	OutcomeFailed   = "error"
)

// Outcome is the per-target result of a batch run. A failed target carries
// its error; it never aborts the batch.
type Outcome struct {
	Target     string
	Status     string
	ScanID     string
	ScanType   string
	Alerts     []protocol.Alert
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Err        error
}

// DialFunc opens a fresh connected session. Each batch target gets its own
// connection; sessions track exactly one scan, so sharing one across targets
// would serialize them anyway.
type DialFunc func(ctx context.Context) (SessionClient, error)

// Batch fans a scan out over many targets in sequential waves of fixed
// width. Wave N+1 starts only after every target in wave N finished.
type Batch struct {
	dial          DialFunc
	scanType      string
	concurrency   int
	pollInterval  time.Duration
	targetTimeout time.Duration
	logger        *zap.Logger
}

type BatchConfig struct {
	ScanType      string
	Concurrency   int
	PollInterval  time.Duration
	TargetTimeout time.Duration
}

func NewBatch(dial DialFunc, cfg BatchConfig, logger *zap.Logger) *Batch {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Batch{
		dial:          dial,
		scanType:      cfg.ScanType,
		concurrency:   cfg.Concurrency,
		pollInterval:  cfg.PollInterval,
		targetTimeout: cfg.TargetTimeout,
		logger:        logger.Named("batch"),
	}
}

// Run scans every target and returns one outcome per target, in input order.
// Only ctx cancellation returns an error; per-target failures live in their
// outcomes.
func (b *Batch) Run(ctx context.Context, targets []string) ([]Outcome, error) {
	outcomes := make([]Outcome, len(targets))

	for waveStart := 0; waveStart < len(targets); waveStart += b.concurrency {
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}
		waveEnd := min(waveStart+b.concurrency, len(targets))
		b.logger.Info("Starting wave.",
			zap.Int("from", waveStart), zap.Int("to", waveEnd-1), zap.Int("total", len(targets)))

		var g errgroup.Group
		for i := waveStart; i < waveEnd; i++ {
			i := i
			g.Go(func() error {
				outcomes[i] = b.runTarget(ctx, targets[i])
				return nil
			})
		}
		g.Wait()
	}
	return outcomes, ctx.Err()
}

// runTarget executes one scan on its own connection. Every failure mode maps
// to a failed outcome.
func (b *Batch) runTarget(ctx context.Context, target string) Outcome {
	out := Outcome{
		Target:    client.NormalizeTarget(target),
		ScanType:  b.scanType,
		StartedAt: time.Now(),
	}
	defer func() {
		out.FinishedAt = time.Now()
		out.Duration = out.FinishedAt.Sub(out.StartedAt)
	}()

	if b.targetTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.targetTimeout)
		defer cancel()
	}

	c, err := b.dial(ctx)
	if err != nil {
		return b.fail(out, err)
	}
	defer c.Disconnect()

	started, err := c.StartScan(ctx, out.Target, b.scanType)
	if err != nil {
		return b.fail(out, err)
	}
	out.ScanID = started.ScanID

	if err := waitForCompletion(ctx, c, started.ScanID, b.pollInterval); err != nil {
		return b.fail(out, err)
	}

	alerts, err := c.Alerts(ctx)
	if err != nil {
		return b.fail(out, err)
	}
	out.Alerts = alerts
	out.Status = OutcomeComplete
	b.logger.Info("Target complete.",
		zap.String("target", out.Target), zap.String("scan_id", out.ScanID), zap.Int("alerts", len(alerts)))
	return out
}

func (b *Batch) fail(out Outcome, err error) Outcome {
	out.Status = OutcomeFailed
	out.Err = err
	b.logger.Warn("Target failed.", zap.String("target", out.Target), zap.Error(err))
	return out
}
