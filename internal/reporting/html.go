// File: internal/reporting/html.go
package reporting

import (
	"html/template"
	"io"
	"time"

	"github.com/zapmcp/zapmcp/internal/orchestrator"
	"github.com/zapmcp/zapmcp/internal/protocol"
)

// htmlReporter renders a self-contained report page.
type htmlReporter struct {
	w       io.WriteCloser
	minRank int
}

var htmlTmpl = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Scan Report</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; width: 100%; margin-bottom: 2em; }
th, td { border: 1px solid #ccc; padding: 6px 10px; text-align: left; }
th { background: #f4f4f4; }
.risk-High { color: #b00020; font-weight: bold; }
.risk-Medium { color: #c77700; }
.risk-Low { color: #2b6cb0; }
.risk-Informational { color: #666; }
.failed { color: #b00020; }
</style>
</head>
<body>
<h1>Scan Report</h1>
<p>Generated {{.GeneratedAt.Format "2006-01-02 15:04:05 MST"}} &mdash; {{.Targets}} targets, {{.Complete}} complete, {{.Failed}} failed</p>
<table>
<tr><th>Target</th><th>Status</th><th>Type</th><th>Alerts</th><th>Duration</th></tr>
{{range .Results}}
<tr>
<td>{{.Target}}</td>
<td{{if .Failed}} class="failed"{{end}}>{{.Status}}</td>
<td>{{.ScanType}}</td>
<td>{{len .Alerts}}</td>
<td>{{.Duration}}</td>
</tr>
{{end}}
</table>
{{range .Results}}
{{if .Alerts}}
<h2>{{.Target}}</h2>
<table>
<tr><th>Risk</th><th>Finding</th><th>URL</th></tr>
{{range .Alerts}}
<tr><td class="risk-{{.Risk}}">{{.Risk}}</td><td>{{.Name}}</td><td>{{.URL}}</td></tr>
{{end}}
</table>
{{end}}
{{if .Error}}<p class="failed">{{.Target}} failed: {{.Error}}</p>{{end}}
{{end}}
</body>
</html>
`))

type htmlReport struct {
	GeneratedAt time.Time
	Targets     int
	Complete    int
	Failed      int
	Results     []htmlOutcome
}

type htmlOutcome struct {
	Target   string
	Status   string
	ScanType string
	Duration time.Duration
	Alerts   []protocol.Alert
	Error    string
	Failed   bool
}

func (r *htmlReporter) Write(outcomes []orchestrator.Outcome) error {
	doc := htmlReport{
		GeneratedAt: time.Now(),
		Targets:     len(outcomes),
	}
	for _, out := range outcomes {
		ho := htmlOutcome{
			Target:   out.Target,
			Status:   out.Status,
			ScanType: out.ScanType,
			Duration: out.Duration.Round(time.Millisecond),
			Alerts:   filterOutcome(out, r.minRank),
			Failed:   out.Status != orchestrator.OutcomeComplete,
		}
		if out.Err != nil {
			ho.Error = out.Err.Error()
		}
		if ho.Failed {
			doc.Failed++
		} else {
			doc.Complete++
		}
		doc.Results = append(doc.Results, ho)
	}
	return htmlTmpl.Execute(r.w, doc)
}

func (r *htmlReporter) Close() error { return r.w.Close() }
