// File: internal/reporting/reporter.go
package reporting

import (
	"fmt"
	"io"
	"os"

	"github.com/zapmcp/zapmcp/internal/orchestrator"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// Reporter renders scan outcomes to an output.
type Reporter interface {
	// Write renders the outcomes of one run.
	Write(outcomes []orchestrator.Outcome) error
	// Close finalizes the report and releases the underlying writer.
	Close() error
}

// Options tune rendering across all formats.
type Options struct {
	// MinRisk drops alerts below this level from the report. Empty keeps
	// everything.
	MinRisk string
}

// nopWriteCloser wraps an io.Writer with a no-op Close.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error { return nil }

// New creates a reporter for the given format, writing to outputPath or
// stdout when the path is empty.
func New(format, outputPath string, opts Options) (Reporter, error) {
	minRank := -1
	if opts.MinRisk != "" {
		rank, err := protocol.ParseMinRisk(opts.MinRisk)
		if err != nil {
			return nil, err
		}
		minRank = rank
	}

	var writer io.WriteCloser
	isStdout := outputPath == "" || outputPath == "stdout"
	if isStdout {
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "text", "":
		return &textReporter{w: writer, minRank: minRank}, nil
	case "json":
		return &jsonReporter{w: writer, minRank: minRank}, nil
	case "html":
		return &htmlReporter{w: writer, minRank: minRank}, nil
	default:
		if !isStdout {
			writer.Close()
		}
		return nil, fmt.Errorf("unsupported report format: %q", format)
	}
}

// filterOutcome applies the risk threshold to one outcome's alerts.
func filterOutcome(out orchestrator.Outcome, minRank int) []protocol.Alert {
	if minRank < 0 {
		return out.Alerts
	}
	return protocol.FilterAlerts(out.Alerts, minRank)
}
