package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

// Render formats a report as "json" or a plain-text "summary".
func Render(report *Report, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(report, "", "  ")
	case "summary":
		return renderSummary(report), nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func renderSummary(report *Report) []byte {
	var buf bytes.Buffer

	mode := "repair"
	if report.DryRun {
		mode = "dry run"
	}

	fmt.Fprintf(&buf, `PAYMENT RECONCILIATION REPORT
=============================
Generated: %s (%s, took %s)

Authorizations checked: %d
Orders checked: %d
Consistent: %d
Consistency score: %.2f%%

Critical issues: %d
Warning issues: %d
Info issues: %d
Orders confirmed: %d
Lookup failures: %d
`,
		report.Timestamp.Format(time.RFC3339),
		mode,
		report.Duration.Round(time.Millisecond),
		report.Authorizations,
		report.Orders,
		report.Consistent,
		report.Statistics.ConsistencyScore,
		report.Statistics.CriticalIssues,
		report.Statistics.WarningIssues,
		report.Statistics.InfoIssues,
		report.Statistics.OrdersRepaired,
		len(report.Failures))

	if len(report.Issues) > 0 {
		buf.WriteString("\nISSUES\n------\n")
		tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEVERITY\tTYPE\tAUTHORIZATION\tOWNER\tORDERS\tREPAIRED")
		for _, issue := range report.Issues {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\n",
				issue.Severity, issue.Type, issue.AuthorizationID, issue.OwnerID, len(issue.OrderIDs), issue.Repaired)
		}
		tw.Flush()
	}

	buf.WriteString("\nRECOMMENDATIONS\n---------------\n")
	for _, rec := range report.Recommendations {
		buf.WriteString("- " + rec + "\n")
	}

	return buf.Bytes()
}
