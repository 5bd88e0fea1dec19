package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/issues"
	"github.com/xkilldash9x/pdpwatch/internal/pipeline"
)

var (
	colorHigh    = color.New(color.FgRed, color.Bold)
	colorMedium  = color.New(color.FgYellow)
	colorLow     = color.New(color.FgCyan)
	colorOK      = color.New(color.FgGreen)
	colorHeading = color.New(color.Bold)
	colorFaint   = color.New(color.Faint)
)

func severityColor(s schemas.Severity) *color.Color {
	switch s {
	case schemas.SeverityHigh:
		return colorHigh
	case schemas.SeverityMedium:
		return colorMedium
	default:
		return colorLow
	}
}

func pageStatusColor(s schemas.PageStatus) *color.Color {
	switch s {
	case schemas.PageCritical:
		return colorHigh
	case schemas.PageWarning:
		return colorMedium
	case schemas.PageHealthy:
		return colorOK
	default:
		return colorFaint
	}
}

// writeJSONReport emits v as indented JSON.
func writeJSONReport(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printScanSummary renders the outcome of one scan for a terminal.
func printScanSummary(w io.Writer, res *pipeline.Result) {
	scan := res.Scan
	colorHeading.Fprintf(w, "\nScan %s\n", scan.ID)
	fmt.Fprintf(w, "  Page:    %s\n", scan.ProductPageID)
	fmt.Fprintf(w, "  Mode:    %s\n", scan.Mode)

	if res.Failed() {
		colorHigh.Fprintf(w, "  Status:  failed (%s)\n", scan.ErrorReason)
		if scan.ErrorMessage != "" {
			fmt.Fprintf(w, "  Error:   %s\n", scan.ErrorMessage)
		}
		return
	}

	fmt.Fprint(w, "  Health:  ")
	pageStatusColor(scan.PageStatus).Fprintln(w, strings.ToUpper(string(scan.PageStatus)))
	fmt.Fprintf(w, "  Load:    %s", scan.LoadDuration.Round(time.Millisecond))
	if scan.PartialLoad {
		colorMedium.Fprint(w, " (partial)")
	}
	fmt.Fprintln(w)
	if len(scan.Technologies) > 0 {
		fmt.Fprintf(w, "  Stack:   %s\n", strings.Join(scan.Technologies, ", "))
	}
	if scan.ScreenshotKey != "" {
		fmt.Fprintf(w, "  Shot:    %s\n", scan.ScreenshotKey)
	}

	colorHeading.Fprintln(w, "\nChecks")
	for _, r := range scan.Results {
		status := colorOK
		switch r.Status {
		case schemas.StatusFail:
			status = colorHigh
		case schemas.StatusWarning:
			status = colorMedium
		case schemas.StatusInconclusive:
			status = colorFaint
		}
		fmt.Fprintf(w, "  %-18s ", r.Check)
		status.Fprintf(w, "%-12s", r.Status)
		fmt.Fprintf(w, " %.2f\n", r.Confidence)
	}

	changed := 0
	for _, o := range res.Outcomes {
		if o.Changed() {
			changed++
		}
	}
	if changed > 0 {
		colorHeading.Fprintln(w, "\nChanges")
		for _, o := range res.Outcomes {
			if o.Changed() {
				fmt.Fprintf(w, "  %-12s %s\n", o.Transition, o.IssueType)
			}
		}
	}

	printIssueList(w, "Active issues", res.ActiveIssues)

	if !res.PageReview.Skipped && (len(res.PageReview.Findings) > 0 || res.PageReview.Discarded > 0) {
		fmt.Fprintf(w, "\nAI review: %d finding(s), %d discarded, %d duplicate(s)\n",
			len(res.PageReview.Findings), res.PageReview.Discarded, res.PageReview.Duplicates)
	}
	if len(res.Alerts) > 0 {
		colorHigh.Fprintf(w, "\n%d alert(s) sent\n", len(res.Alerts))
	}
	if res.RescanScheduled {
		colorFaint.Fprintln(w, "\nA confirmation rescan has been scheduled.")
	}
}

// printIssueList renders issues as one line each plus a severity tally.
func printIssueList(w io.Writer, heading string, list []schemas.Issue) {
	colorHeading.Fprintf(w, "\n%s (%d)\n", heading, len(list))
	if len(list) == 0 {
		colorOK.Fprintln(w, "  none")
		return
	}
	for _, is := range list {
		fmt.Fprint(w, "  ")
		severityColor(is.Severity).Fprintf(w, "%-6s", strings.ToUpper(string(is.Severity)))
		fmt.Fprintf(w, " %-28s x%-3d %-12s %s", is.IssueType, is.OccurrenceCount, is.Status, is.Title)
		if is.IsAIConfirmed() {
			colorFaint.Fprint(w, " [ai confirmed]")
		}
		fmt.Fprintf(w, "\n         id=%s\n", is.ID)
	}
	counts := issues.CountBySeverity(list)
	fmt.Fprintf(w, "  high=%d medium=%d low=%d\n",
		counts[schemas.SeverityHigh], counts[schemas.SeverityMedium], counts[schemas.SeverityLow])
}
