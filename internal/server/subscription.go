// File: internal/server/subscription.go
package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/engine"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// Consecutive poll failures tolerated before the stream is declared dead.
const maxPollErrors = 3

// subscription is one running poller streaming events for a scan to its
// session. stop blocks until the poll goroutine has exited.
type subscription struct {
	scanID string
	cancel context.CancelFunc
	done   chan struct{}
}

func (sub *subscription) stop() {
	sub.cancel()
	<-sub.done
}

// startSubscription launches the poll goroutine for one scan. Events flow
// through the session's send channel so they interleave safely with command
// replies.
func (s *Server) startSubscription(sess *session, scanID string, kind engine.JobKind, target string) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		scanID: scanID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pollScan(ctx, sess, sub, kind, target)
	return sub
}

// pollScan drives one subscription: progress events each tick, an alert event
// per newly observed finding, and a terminal complete event once the engine
// reports 100. Transient engine failures are surfaced as non-fatal error
// events; maxPollErrors in a row ends the stream with a fatal one.
func (s *Server) pollScan(ctx context.Context, sess *session, sub *subscription, kind engine.JobKind, target string) {
	defer close(sub.done)

	logger := s.logger.With(zap.String("session_id", sess.id), zap.String("scan_id", sub.scanID))
	ticker := time.NewTicker(s.cfg.Server.PollInterval)
	defer ticker.Stop()

	seenAlerts := 0
	pollErrors := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		progress, err := s.engine.JobProgress(ctx, sub.scanID, kind)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			pollErrors++
			fatal := pollErrors >= maxPollErrors
			s.emitEvent(sess, &protocol.Envelope{
				Type:    protocol.TypeError,
				ScanID:  sub.scanID,
				Message: "status poll failed: " + err.Error(),
				Fatal:   fatal,
			})
			if fatal {
				logger.Error("Subscription poll failed repeatedly, ending stream.", zap.Error(err))
				sess.markErrored(sub.scanID)
				s.recordFinish(ctx, sub.scanID, protocol.ScanError, seenAlerts)
				return
			}
			logger.Warn("Subscription poll failed.", zap.Int("consecutive", pollErrors), zap.Error(err))
			continue
		}
		pollErrors = 0

		s.emitEvent(sess, &protocol.Envelope{
			Type:     protocol.TypeProgress,
			ScanID:   sub.scanID,
			Progress: progress,
		})

		alerts, err := s.engine.Alerts(ctx)
		if err == nil {
			for _, a := range alerts[min(seenAlerts, len(alerts)):] {
				alert := a
				s.emitEvent(sess, &protocol.Envelope{
					Type:   protocol.TypeAlert,
					ScanID: sub.scanID,
					Alert:  &alert,
				})
			}
			if len(alerts) > seenAlerts {
				seenAlerts = len(alerts)
			}
		} else if ctx.Err() == nil {
			logger.Warn("Alert fetch failed during poll.", zap.Error(err))
		}

		if progress >= 100 {
			s.emitEvent(sess, &protocol.Envelope{
				Type:     protocol.TypeComplete,
				ScanID:   sub.scanID,
				Progress: progress,
				Summary: &protocol.ScanSummary{
					ScanID:     sub.scanID,
					TargetURL:  target,
					Total:      seenAlerts,
					RiskCounts: protocol.CountByRisk(alerts),
				},
			})
			s.recordFinish(ctx, sub.scanID, "complete", seenAlerts)
			logger.Info("Scan complete, subscription closed.", zap.Int("alerts", seenAlerts))
			return
		}
	}
}

func (s *Server) emitEvent(sess *session, env *protocol.Envelope) {
	s.metrics.eventsTotal.WithLabelValues(env.Type).Inc()
	s.queueEvent(sess, env)
}
