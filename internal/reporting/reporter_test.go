package reporting

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapmcp/zapmcp/internal/orchestrator"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

type bufCloser struct {
	bytes.Buffer
}

func (b *bufCloser) Close() error { return nil }

func sampleOutcomes() []orchestrator.Outcome {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return []orchestrator.Outcome{
		{
			Target:     "https://a.example",
			Status:     orchestrator.OutcomeComplete,
			ScanID:     "spider-1",
			ScanType:   "spider",
			StartedAt:  start,
			FinishedAt: start.Add(90 * time.Second),
			Duration:   90 * time.Second,
			Alerts: []protocol.Alert{
				{Risk: protocol.RiskHigh, Name: "SQL Injection", URL: "https://a.example/login"},
				{Risk: protocol.RiskLow, Name: "Missing Header"},
			},
		},
		{
			Target:    "https://b.example",
			Status:    orchestrator.OutcomeFailed,
			ScanType:  "spider",
			StartedAt: start,
			Err:       errors.New("connection refused"),
		},
	}
}

func TestNewSelectsFormat(t *testing.T) {
	cases := []struct {
		format  string
		wantErr bool
	}{
		{"text", false},
		{"", false},
		{"json", false},
		{"html", false},
		{"sarif", true},
		{"yaml", true},
	}
	for _, tc := range cases {
		t.Run("format "+tc.format, func(t *testing.T) {
			r, err := New(tc.format, "stdout", Options{})
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, r)
		})
	}
}

func TestNewRejectsBadMinRisk(t *testing.T) {
	_, err := New("text", "stdout", Options{MinRisk: "severe"})
	require.Error(t, err)
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	r, err := New("json", path, Options{})
	require.NoError(t, err)
	require.NoError(t, r.Write(sampleOutcomes()))
	require.NoError(t, r.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "SQL Injection")
}

func TestTextReport(t *testing.T) {
	var buf bufCloser
	r := &textReporter{w: &buf, minRank: -1}
	require.NoError(t, r.Write(sampleOutcomes()))

	out := buf.String()
	assert.Contains(t, out, "2 targets, 1 complete, 1 failed")
	assert.Contains(t, out, "https://a.example")
	assert.Contains(t, out, "[HIGH] SQL Injection")
	assert.Contains(t, out, "https://b.example failed: connection refused")
}

func TestTextReportMinRiskFilter(t *testing.T) {
	var buf bufCloser
	minRank, err := protocol.ParseMinRisk("high")
	require.NoError(t, err)
	r := &textReporter{w: &buf, minRank: minRank}
	require.NoError(t, r.Write(sampleOutcomes()))

	out := buf.String()
	assert.Contains(t, out, "SQL Injection")
	assert.NotContains(t, out, "Missing Header")
}

func TestJSONReport(t *testing.T) {
	var buf bufCloser
	r := &jsonReporter{w: &buf, minRank: -1}
	require.NoError(t, r.Write(sampleOutcomes()))

	var doc struct {
		Targets  int `json:"targets"`
		Complete int `json:"complete"`
		Failed   int `json:"failed"`
		Results  []struct {
			Target     string           `json:"target"`
			Status     string           `json:"status"`
			Error      string           `json:"error"`
			Alerts     []protocol.Alert `json:"alerts"`
			RiskCounts map[string]int   `json:"risk_counts"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 2, doc.Targets)
	assert.Equal(t, 1, doc.Complete)
	assert.Equal(t, 1, doc.Failed)
	require.Len(t, doc.Results, 2)
	assert.Equal(t, "complete", doc.Results[0].Status)
	assert.Equal(t, "error", doc.Results[1].Status)
	assert.Len(t, doc.Results[0].Alerts, 2)
	assert.Equal(t, 1, doc.Results[0].RiskCounts[protocol.RiskHigh])
	assert.Equal(t, "connection refused", doc.Results[1].Error)
}

func TestHTMLReport(t *testing.T) {
	var buf bufCloser
	r := &htmlReporter{w: &buf, minRank: -1}
	require.NoError(t, r.Write(sampleOutcomes()))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
	assert.Contains(t, out, "SQL Injection")
	assert.Contains(t, out, `class="risk-High"`)
	assert.Contains(t, out, "connection refused")
}

var _ io.WriteCloser = (*bufCloser)(nil)
