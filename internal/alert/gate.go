// Package alert decides which issues are worth a merchant notification and
// delivers each notification at most once per shop, issue and channel.
package alert

import "github.com/xkilldash9x/pdpwatch/api/schemas"

// Gate reasons.
const (
	ReasonRepeatedHigh = "repeated_high_severity"
	ReasonAIConfirmed  = "ai_confirmed"
)

// ShouldAlert reports whether an issue passes the alert gate. Only open
// issues alert: a high-severity issue once it has been seen twice, or any
// issue the AI layer confirmed.
func ShouldAlert(issue schemas.Issue) bool {
	_, ok := GateReason(issue)
	return ok
}

// GateReason is ShouldAlert with the rule that let the issue through.
func GateReason(issue schemas.Issue) (string, bool) {
	if issue.Status != schemas.IssueOpen {
		return "", false
	}
	if issue.Severity == schemas.SeverityHigh && issue.OccurrenceCount >= 2 {
		return ReasonRepeatedHigh, true
	}
	if issue.IsAIConfirmed() {
		return ReasonAIConfirmed, true
	}
	return "", false
}
