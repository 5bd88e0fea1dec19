// internal/detectors/page_load.go
package detectors

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// DefaultSlowLoadThreshold applies when no threshold is configured.
const DefaultSlowLoadThreshold = 5 * time.Second

// PageLoadDetector flags product pages that load slowly.
type PageLoadDetector struct {
	BaseDetector
	threshold time.Duration
}

// NewPageLoadDetector creates the page load detector.
func NewPageLoadDetector(logger *zap.Logger, threshold time.Duration) *PageLoadDetector {
	if threshold <= 0 {
		threshold = DefaultSlowLoadThreshold
	}
	return &PageLoadDetector{BaseDetector: NewBaseDetector(CheckPageLoad, logger), threshold: threshold}
}

// Detect implements Detector.
func (d *PageLoadDetector) Detect(_ context.Context, t *Target) (schemas.DetectionResult, error) {
	if t.Capture == nil || t.Capture.LoadDuration <= 0 {
		return Inconclusive(d.CheckName(), "page load time was not measured"), nil
	}
	took := t.Capture.LoadDuration
	evidence := schemas.Evidence{
		"load_time_ms": took.Milliseconds(),
		"threshold_ms": d.threshold.Milliseconds(),
		"partial_load": t.Capture.PartialLoad,
	}

	switch {
	case took > 3*d.threshold:
		res := NewResult(d.CheckName(), schemas.StatusFail, 0.95,
			fmt.Sprintf("Page took %s to load, more than three times the %s target.", took.Round(time.Millisecond), d.threshold))
		res.IssueType = IssueSlowPageLoad
		res.Details.Evidence = evidence
		res.Details.Suggestions = slowLoadSuggestions()
		return res, nil
	case took > d.threshold:
		res := NewResult(d.CheckName(), schemas.StatusWarning, 0.9,
			fmt.Sprintf("Page took %s to load; the target is %s.", took.Round(time.Millisecond), d.threshold))
		res.IssueType = IssueSlowPageLoad
		res.Details.Evidence = evidence
		res.Details.Suggestions = slowLoadSuggestions()
		return res, nil
	}
	res := NewResult(d.CheckName(), schemas.StatusPass, 1, fmt.Sprintf("Page loaded in %s.", took.Round(time.Millisecond)))
	res.Details.Evidence = evidence
	return res, nil
}

func slowLoadSuggestions() []string {
	return []string{
		"Compress large product images and enable lazy loading below the fold.",
		"Remove unused apps that inject scripts on product pages.",
	}
}
