// File: internal/reporting/text.go
package reporting

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/zapmcp/zapmcp/internal/orchestrator"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// textReporter renders a human-readable summary table plus per-target
// findings.
type textReporter struct {
	w       io.WriteCloser
	minRank int
}

func (r *textReporter) Write(outcomes []orchestrator.Outcome) error {
	complete := 0
	for _, out := range outcomes {
		if out.Status == orchestrator.OutcomeComplete {
			complete++
		}
	}
	fmt.Fprintf(r.w, "Scan report: %d targets, %d complete, %d failed\n\n",
		len(outcomes), complete, len(outcomes)-complete)

	tw := tabwriter.NewWriter(r.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tSTATUS\tTYPE\tALERTS\tDURATION")
	for _, out := range outcomes {
		alerts := filterOutcome(out, r.minRank)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			out.Target, out.Status, out.ScanType, len(alerts), out.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, out := range outcomes {
		if out.Err != nil {
			fmt.Fprintf(r.w, "\n%s failed: %v\n", out.Target, out.Err)
			continue
		}
		alerts := filterOutcome(out, r.minRank)
		if len(alerts) == 0 {
			continue
		}
		fmt.Fprintf(r.w, "\nFindings for %s:\n", out.Target)
		for _, a := range alerts {
			fmt.Fprintf(r.w, "  [%s] %s\n", strings.ToUpper(a.Risk), a.Name)
			if a.URL != "" {
				fmt.Fprintf(r.w, "         %s\n", a.URL)
			}
		}
		counts := protocol.CountByRisk(alerts)
		fmt.Fprintf(r.w, "  High: %d  Medium: %d  Low: %d  Informational: %d\n",
			counts[protocol.RiskHigh], counts[protocol.RiskMedium],
			counts[protocol.RiskLow], counts[protocol.RiskInformational])
	}
	return nil
}

func (r *textReporter) Close() error { return r.w.Close() }
