// File: internal/server/dispatch.go
package server

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/engine"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// Dispatch routes one command to its handler and returns exactly one reply
// envelope. Every failure mode is answered in-band with a coded error reply;
// dispatch never terminates the session.
func (s *Server) Dispatch(ctx context.Context, sessionID string, cmd *protocol.Command) *protocol.Envelope {
	sess := s.registry.get(sessionID)
	if sess == nil {
		return protocol.NewErrorReply(cmd.ID, protocol.CodeProtocolError, "unknown session: "+sessionID)
	}

	var reply *protocol.Envelope
	switch cmd.Command {
	case protocol.CmdPing:
		reply = s.reply(cmd.ID, protocol.TypePong, nil)
	case protocol.CmdStartScan:
		reply = s.handleStartScan(ctx, sess, cmd)
	case protocol.CmdGetStatus:
		reply = s.handleGetStatus(ctx, sess, cmd)
	case protocol.CmdStopScan:
		reply = s.handleStopScan(ctx, sess, cmd)
	case protocol.CmdGetAlerts:
		reply = s.handleGetAlerts(ctx, sess, cmd)
	case protocol.CmdSubscribe:
		reply = s.handleSubscribe(sess, cmd)
	case protocol.CmdUnsubscribe:
		reply = s.handleUnsubscribe(sess, cmd)
	default:
		reply = protocol.NewErrorReply(cmd.ID, protocol.CodeUnknownCommand, "unknown command: "+cmd.Command)
	}

	s.metrics.commandsTotal.WithLabelValues(cmd.Command, string(reply.Status)).Inc()
	return reply
}

func (s *Server) handleStartScan(ctx context.Context, sess *session, cmd *protocol.Command) *protocol.Envelope {
	var params protocol.StartScanParams
	if err := cmd.UnmarshalParams(&params); err != nil {
		return protocol.NewErrorReply(cmd.ID, protocol.CodeValidationError, "invalid start_scan params: "+err.Error())
	}
	cfg := params.Resolve()
	if cfg.TargetURL == "" {
		return protocol.NewErrorReply(cmd.ID, protocol.CodeValidationError, "target_url is required")
	}

	kind := engine.ParseJobKind(cfg.ScanType)
	contextName := "ctx_" + sess.id

	res, err := s.engine.StartJob(ctx, kind, cfg.TargetURL, contextName)
	if err != nil {
		s.logger.Error("Engine rejected scan start.",
			zap.String("session_id", sess.id), zap.String("target", cfg.TargetURL), zap.Error(err))
		return protocol.NewErrorReply(cmd.ID, protocol.CodeEngineError, "failed to start scan: "+err.Error())
	}

	scanCtx := &protocol.ScanContext{
		ID:        res.ContextID,
		Name:      contextName,
		ScanID:    res.JobID,
		ScanType:  string(kind),
		Status:    protocol.ScanRunning,
		TargetURL: cfg.TargetURL,
		Phase:     kind.Phase(),
	}
	// Starting a scan while one is active replaces the session's context.
	sess.setContext(scanCtx)

	s.metrics.scansStarted.Inc()
	s.recordStart(ctx, sess.id, scanCtx)
	s.logger.Info("Scan started.",
		zap.String("session_id", sess.id),
		zap.String("scan_id", res.JobID),
		zap.String("scan_type", string(kind)),
		zap.String("target", cfg.TargetURL))

	return s.reply(cmd.ID, protocol.TypeScanStarted, protocol.ScanStartedData{
		ScanID:    res.JobID,
		ContextID: res.ContextID,
	})
}

func (s *Server) handleGetStatus(ctx context.Context, sess *session, cmd *protocol.Command) *protocol.Envelope {
	scanCtx := sess.context()
	if scanCtx == nil {
		return protocol.NewErrorReply(cmd.ID, protocol.CodeNoActiveScan, "no active scan for this session")
	}

	var params protocol.ScanIDParams
	if err := cmd.UnmarshalParams(&params); err != nil {
		return protocol.NewErrorReply(cmd.ID, protocol.CodeValidationError, "invalid get_status params: "+err.Error())
	}
	scanID := scanCtx.ScanID
	if params.ScanID != "" {
		scanID = params.ScanID
	}

	progress, err := s.engine.JobProgress(ctx, scanID, engine.ParseJobKind(scanCtx.ScanType))
	if err != nil {
		return protocol.NewErrorReply(cmd.ID, protocol.CodeEngineError, "failed to query status: "+err.Error())
	}

	return s.reply(cmd.ID, protocol.TypeScanStatus, protocol.StatusData{
		Progress: progress,
		Context:  scanCtx,
	})
}

func (s *Server) handleStopScan(ctx context.Context, sess *session, cmd *protocol.Command) *protocol.Envelope {
	scanCtx := sess.context()
	if scanCtx == nil {
		return protocol.NewErrorReply(cmd.ID, protocol.CodeNoActiveScan, "no active scan for this session")
	}

	kind := engine.ParseJobKind(scanCtx.ScanType)
	if err := s.engine.StopJob(ctx, scanCtx.ScanID, kind); err != nil {
		return protocol.NewErrorReply(cmd.ID, protocol.CodeEngineError, "failed to stop scan: "+err.Error())
	}
	sess.markStopped()
	s.recordFinish(ctx, scanCtx.ScanID, string(protocol.ScanStopped), 0)
	s.logger.Info("Scan stopped.", zap.String("session_id", sess.id), zap.String("scan_id", scanCtx.ScanID))

	return s.reply(cmd.ID, protocol.TypeScanStopped, protocol.ScanIDParams{ScanID: scanCtx.ScanID})
}

func (s *Server) handleGetAlerts(ctx context.Context, sess *session, cmd *protocol.Command) *protocol.Envelope {
	if sess.context() == nil {
		return protocol.NewErrorReply(cmd.ID, protocol.CodeNoActiveScan, "no active scan for this session")
	}

	alerts, err := s.engine.Alerts(ctx)
	if err != nil {
		return protocol.NewErrorReply(cmd.ID, protocol.CodeEngineError, "failed to fetch alerts: "+err.Error())
	}
	return s.reply(cmd.ID, protocol.TypeAlerts, protocol.AlertsData{
		Alerts: alerts,
		Total:  len(alerts),
	})
}

func (s *Server) handleSubscribe(sess *session, cmd *protocol.Command) *protocol.Envelope {
	var params protocol.SubscribeParams
	if err := cmd.UnmarshalParams(&params); err != nil {
		return protocol.NewErrorReply(cmd.ID, protocol.CodeValidationError, "invalid subscribe params: "+err.Error())
	}

	scanCtx := sess.context()
	scanID := params.ScanID
	if scanID == "" {
		if scanCtx == nil {
			return protocol.NewErrorReply(cmd.ID, protocol.CodeNoActiveScan, "no scan to subscribe to")
		}
		scanID = scanCtx.ScanID
	}

	// The session's context knows the scan best; when subscribing to a scan
	// it is not tracking (a resumed stream), the caller-supplied scan type
	// picks the progress endpoint.
	kind := engine.ParseJobKind(params.ScanType)
	target := ""
	if scanCtx != nil && scanCtx.ScanID == scanID {
		kind = engine.ParseJobKind(scanCtx.ScanType)
		target = scanCtx.TargetURL
	}

	// A new subscription replaces any existing one; a session streams at
	// most one scan at a time.
	sub := s.startSubscription(sess, scanID, kind, target)
	if old := sess.swapSubscription(sub); old != nil {
		old.stop()
	}
	s.logger.Debug("Subscription started.", zap.String("session_id", sess.id), zap.String("scan_id", scanID))

	return s.reply(cmd.ID, protocol.TypeSubscribed, protocol.ScanIDParams{ScanID: scanID})
}

func (s *Server) handleUnsubscribe(sess *session, cmd *protocol.Command) *protocol.Envelope {
	if old := sess.swapSubscription(nil); old != nil {
		old.stop()
	}
	return s.reply(cmd.ID, protocol.TypeUnsubscribed, nil)
}

// reply wraps protocol.NewReply; a marshal failure for our own payload types
// indicates a programming error, so it degrades to an in-band error reply
// rather than dropping the response.
func (s *Server) reply(id int64, typ string, data interface{}) *protocol.Envelope {
	env, err := protocol.NewReply(id, typ, data)
	if err != nil {
		s.logger.Error("Failed to encode reply payload.", zap.String("type", typ), zap.Error(err))
		return protocol.NewErrorReply(id, protocol.CodeProtocolError, "internal encoding error")
	}
	return env
}

// recordStart persists a scan record when a history store is configured.
// Persistence is best-effort; a database outage never fails a scan.
func (s *Server) recordStart(ctx context.Context, sessionID string, scanCtx *protocol.ScanContext) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordStart(ctx, sessionID, scanCtx); err != nil {
		s.logger.Warn("Failed to record scan start.", zap.String("scan_id", scanCtx.ScanID), zap.Error(err))
	}
}

func (s *Server) recordFinish(ctx context.Context, scanID, status string, alertCount int) {
	if s.history == nil {
		return
	}
	if err := s.history.RecordFinish(ctx, scanID, status, alertCount); err != nil {
		s.logger.Warn("Failed to record scan finish.", zap.String("scan_id", scanID), zap.Error(err))
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
