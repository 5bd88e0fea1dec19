// internal/detectors/js_errors.go
package detectors

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// purchaseVocabulary marks an error as touching the purchase path.
var purchaseVocabulary = [...]string{
	"cart",
	"checkout",
	"variant",
	"price",
	"add to cart",
	"addtocart",
	"product form",
	"product-form",
	"productform",
	"shopify",
}

var syntaxClasses = [...]string{"ReferenceError", "TypeError", "SyntaxError"}

const maxReportedErrors = 10

// JSErrorClass is the bucket an error falls into.
type JSErrorClass string

const (
	JSClassCritical       JSErrorClass = "critical"
	JSClassSyntax         JSErrorClass = "syntax"
	JSClassCriticalSyntax JSErrorClass = "critical_syntax"
	JSClassOther          JSErrorClass = "other"
)

// ClassifyJSError buckets a noise-filtered error.
func ClassifyJSError(e schemas.JSError) JSErrorClass {
	haystack := strings.ToLower(e.Message + "\n" + e.Stack + "\n" + e.Source)
	critical := false
	for _, w := range purchaseVocabulary {
		if strings.Contains(haystack, w) {
			critical = true
			break
		}
	}
	syntax := false
	for _, c := range syntaxClasses {
		if strings.Contains(e.Message, c) {
			syntax = true
			break
		}
	}
	switch {
	case critical && syntax:
		return JSClassCriticalSyntax
	case critical:
		return JSClassCritical
	case syntax:
		return JSClassSyntax
	default:
		return JSClassOther
	}
}

// JSErrorDetector reports uncaught JavaScript errors, weighting those that
// touch the purchase path.
type JSErrorDetector struct {
	BaseDetector
}

// NewJSErrorDetector creates the JavaScript error detector.
func NewJSErrorDetector(logger *zap.Logger) *JSErrorDetector {
	return &JSErrorDetector{BaseDetector: NewBaseDetector(CheckJSErrors, logger)}
}

// Detect implements Detector.
func (d *JSErrorDetector) Detect(_ context.Context, t *Target) (schemas.DetectionResult, error) {
	if t.Capture == nil {
		return Inconclusive(d.CheckName(), "no page capture available"), nil
	}
	errs := t.Capture.CriticalJSErrors

	var critical, syntax, other int
	var samples []map[string]any
	for _, e := range errs {
		class := ClassifyJSError(e)
		switch class {
		case JSClassCriticalSyntax:
			critical++
			syntax++
		case JSClassCritical:
			critical++
		case JSClassSyntax:
			syntax++
		default:
			other++
		}
		if len(samples) < maxReportedErrors {
			samples = append(samples, map[string]any{
				"message": e.Message,
				"source":  e.Source,
				"class":   string(class),
			})
		}
	}

	var sc Scorer
	sc.RecordValidation(critical == 0)
	sc.RecordValidation(syntax == 0)
	sc.RecordValidation(other == 0)

	evidence := schemas.Evidence{
		"total_captured":  len(t.Capture.JSErrors),
		"after_filtering": len(errs),
		"critical_count":  critical,
		"syntax_count":    syntax,
		"other_count":     other,
		"errors":          samples,
	}

	if len(errs) == 0 {
		res := NewResult(d.CheckName(), schemas.StatusPass, sc.Confidence(), "No JavaScript errors affecting the page.")
		res.Details.Evidence = evidence
		res.Details.TechnicalDetails = sc.technicalDetails()
		return res, nil
	}

	status := schemas.StatusWarning
	var msg string
	switch {
	case critical > 0 && syntax > 0:
		status = schemas.StatusFail
		sc.OverrideConfidence(0.95)
		msg = fmt.Sprintf("%d JavaScript error(s) break purchase-related code.", critical)
	case critical > 0:
		status = schemas.StatusFail
		sc.OverrideConfidence(scale(0.75, 0.9, critical))
		msg = fmt.Sprintf("%d JavaScript error(s) reference purchase-related code.", critical)
	case syntax > 0:
		sc.OverrideConfidence(scale(0.7, 0.85, syntax))
		msg = fmt.Sprintf("%d JavaScript reference or type error(s) on the page.", syntax)
	default:
		conf := 0.5
		if other > 1 {
			conf = 0.6
		}
		sc.OverrideConfidence(conf)
		msg = fmt.Sprintf("%d minor JavaScript error(s) on the page.", other)
	}

	res := NewResult(d.CheckName(), status, sc.Confidence(), msg)
	res.IssueType = IssueJSError
	res.Details.Evidence = evidence
	res.Details.TechnicalDetails = sc.technicalDetails()
	res.Details.Suggestions = []string{
		"Open the page with the browser console visible and reproduce the errors.",
		"Disable recently installed apps one at a time to find the source.",
	}
	return res, nil
}

// scale grows from lo by 0.05 per additional error, capped at hi.
func scale(lo, hi float64, n int) float64 {
	if n < 1 {
		n = 1
	}
	return math.Min(hi, lo+0.05*float64(n-1))
}
