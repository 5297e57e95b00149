// File: internal/reporting/json.go
package reporting

import (
	"encoding/json"
	"io"
	"time"

	"github.com/zapmcp/zapmcp/internal/orchestrator"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// jsonReporter emits a machine-readable document for downstream tooling.
type jsonReporter struct {
	w       io.WriteCloser
	minRank int
}

type jsonReport struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Targets     int           `json:"targets"`
	Complete    int           `json:"complete"`
	Failed      int           `json:"failed"`
	Results     []jsonOutcome `json:"results"`
}

type jsonOutcome struct {
	Target     string           `json:"target"`
	Status     string           `json:"status"`
	ScanID     string           `json:"scan_id,omitempty"`
	ScanType   string           `json:"scan_type,omitempty"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	DurationMS int64            `json:"duration_ms"`
	Alerts     []protocol.Alert `json:"alerts"`
	RiskCounts map[string]int   `json:"risk_counts,omitempty"`
}

func (r *jsonReporter) Write(outcomes []orchestrator.Outcome) error {
	doc := jsonReport{
		GeneratedAt: time.Now().UTC(),
		Targets:     len(outcomes),
		Results:     make([]jsonOutcome, 0, len(outcomes)),
	}
	for _, out := range outcomes {
		alerts := filterOutcome(out, r.minRank)
		jo := jsonOutcome{
			Target:     out.Target,
			Status:     out.Status,
			ScanID:     out.ScanID,
			ScanType:   out.ScanType,
			StartedAt:  out.StartedAt,
			FinishedAt: out.FinishedAt,
			DurationMS: out.Duration.Milliseconds(),
			Alerts:     alerts,
			RiskCounts: protocol.CountByRisk(alerts),
		}
		if out.Err != nil {
			jo.Error = out.Err.Error()
		}
		if out.Status == orchestrator.OutcomeComplete {
			doc.Complete++
		} else {
			doc.Failed++
		}
		doc.Results = append(doc.Results, jo)
	}

	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func (r *jsonReporter) Close() error { return r.w.Close() }
