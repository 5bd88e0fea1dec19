// internal/issues/health.go
package issues

import "github.com/xkilldash9x/pdpwatch/api/schemas"

// PageHealth rolls active issues up into a page status: critical when any
// high-severity issue is active, warning for any other active issue, healthy
// otherwise.
func PageHealth(issues []schemas.Issue) schemas.PageStatus {
	status := schemas.PageHealthy
	for _, is := range issues {
		if !is.Status.Active() {
			continue
		}
		if is.Severity == schemas.SeverityHigh {
			return schemas.PageCritical
		}
		status = schemas.PageWarning
	}
	return status
}

// CountBySeverity tallies active issues per severity.
func CountBySeverity(issues []schemas.Issue) map[schemas.Severity]int {
	out := make(map[schemas.Severity]int, 3)
	for _, is := range issues {
		if is.Status.Active() {
			out[is.Severity]++
		}
	}
	return out
}
