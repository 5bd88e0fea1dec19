package cmd

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/aiconfirm"
	"github.com/xkilldash9x/pdpwatch/internal/issues"
	"github.com/xkilldash9x/pdpwatch/internal/pipeline"
)

func withoutColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestPrintScanSummary_Completed(t *testing.T) {
	withoutColor(t)
	yes := true
	issue := schemas.Issue{
		ID: "issue-1", IssueType: "missing_price", Severity: schemas.SeverityHigh,
		Status: schemas.IssueOpen, Title: "Price not visible", OccurrenceCount: 2, AIConfirmed: &yes,
	}
	res := &pipeline.Result{
		Scan: schemas.Scan{
			ID: "scan-1", ProductPageID: "page-1", Mode: schemas.ScanQuick,
			Status: schemas.ScanCompleted, PageStatus: schemas.PageCritical,
			LoadDuration: 1234 * time.Millisecond, PartialLoad: true,
			Technologies: []string{"Shopify"},
			Results: []schemas.DetectionResult{
				{Check: "price_visibility", Status: schemas.StatusFail, Confidence: 0.9},
				{Check: "page_load", Status: schemas.StatusPass, Confidence: 1},
			},
		},
		Outcomes: []issues.Outcome{
			{IssueType: "missing_price", Transition: issues.TransitionEscalated},
			{IssueType: "slow_page_load", Transition: issues.TransitionIgnored},
		},
		ActiveIssues:    []schemas.Issue{issue},
		Alerts:          []schemas.AlertRecord{{ID: "a1"}},
		PageReview:      aiconfirm.PageReview{Skipped: true},
		RescanScheduled: true,
	}

	var out bytes.Buffer
	printScanSummary(&out, res)
	s := out.String()

	assert.Contains(t, s, "Scan scan-1")
	assert.Contains(t, s, "CRITICAL")
	assert.Contains(t, s, "1.234s (partial)")
	assert.Contains(t, s, "Shopify")
	assert.Contains(t, s, "price_visibility")
	assert.Contains(t, s, "escalated")
	assert.NotContains(t, s, "slow_page_load")
	assert.Contains(t, s, "Active issues (1)")
	assert.Contains(t, s, "[ai confirmed]")
	assert.Contains(t, s, "high=1 medium=0 low=0")
	assert.Contains(t, s, "1 alert(s) sent")
	assert.Contains(t, s, "rescan has been scheduled")
	assert.NotContains(t, s, "AI review")
}

func TestPrintScanSummary_Failed(t *testing.T) {
	withoutColor(t)
	res := &pipeline.Result{Scan: schemas.Scan{
		ID: "scan-2", Status: schemas.ScanFailed, ErrorReason: "password_protected", ErrorMessage: "storefront is password protected",
	}}

	var out bytes.Buffer
	printScanSummary(&out, res)

	assert.Contains(t, out.String(), "failed (password_protected)")
	assert.Contains(t, out.String(), "storefront is password protected")
	assert.NotContains(t, out.String(), "Checks")
}

func TestPrintIssueList_Empty(t *testing.T) {
	withoutColor(t)
	var out bytes.Buffer
	printIssueList(&out, "Active issues", nil)
	assert.Contains(t, out.String(), "Active issues (0)")
	assert.Contains(t, out.String(), "none")
}

func TestWriteJSONReport(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeJSONReport(&out, []schemas.Issue{{ID: "i1", Severity: schemas.SeverityLow}}))

	var got []schemas.Issue
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "i1", got[0].ID)
}
