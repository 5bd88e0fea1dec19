// internal/detectors/liquid_errors.go
package detectors

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

type liquidTier int

const (
	tierWarning liquidTier = iota
	tierFail
)

type liquidSignature struct {
	name    string
	pattern *regexp.Regexp
	tier    liquidTier
}

// liquidSignatures are the template engine's error markers, most severe first.
var liquidSignatures = [...]liquidSignature{
	{"syntax_error", regexp.MustCompile(`(?i)liquid syntax error`), tierFail},
	{"runtime_error", regexp.MustCompile(`(?i)liquid error(?:\s*\([^)]*\))?\s*:`), tierFail},
	{"missing_template", regexp.MustCompile(`(?i)could not find template|is not a valid section type`), tierFail},
	{"missing_asset", regexp.MustCompile(`(?i)could not find asset`), tierWarning},
	{"missing_translation", regexp.MustCompile(`(?i)translation missing`), tierWarning},
}

const maxLiquidSamples = 10

type liquidMatch struct {
	Signature string `json:"signature"`
	Excerpt   string `json:"excerpt"`
}

// LiquidErrorDetector finds template rendering errors leaked into the page.
type LiquidErrorDetector struct {
	BaseDetector
}

// NewLiquidErrorDetector creates the template error detector.
func NewLiquidErrorDetector(logger *zap.Logger) *LiquidErrorDetector {
	return &LiquidErrorDetector{BaseDetector: NewBaseDetector(CheckLiquidErrors, logger)}
}

// Detect implements Detector.
func (d *LiquidErrorDetector) Detect(ctx context.Context, t *Target) (schemas.DetectionResult, error) {
	if t.Capture == nil || t.Capture.HTML == "" {
		return Inconclusive(d.CheckName(), "no page markup available"), nil
	}

	matches, tier := matchLiquid(t.Capture.HTML)
	if len(matches) == 0 {
		res := NewResult(d.CheckName(), schemas.StatusPass, 1, "No template errors found in the page markup.")
		res.Details.Evidence["html_truncated"] = t.Capture.HTMLTruncated
		return res, nil
	}

	visibleHits, walked := d.visibleHits(ctx, t.Session)

	var sc Scorer
	sc.RecordValidation(true)
	sc.RecordValidation(len(visibleHits) > 0)
	status := schemas.StatusWarning
	if tier == tierFail {
		status = schemas.StatusFail
	}
	switch {
	case len(visibleHits) > 0 && status == schemas.StatusFail:
		sc.OverrideConfidence(0.95)
	case len(visibleHits) > 0:
		sc.OverrideConfidence(0.9)
	case !walked:
		// Visibility unknown; the markup match alone is a moderate signal.
		sc.OverrideConfidence(0.75)
	default:
		sc.OverrideConfidence(0.5)
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.Signature)
	}
	msg := "Template errors are visible to shoppers: " + strings.Join(uniqueStrings(names), ", ") + "."
	if len(visibleHits) == 0 {
		msg = "Template error markers found in the page source: " + strings.Join(uniqueStrings(names), ", ") + "."
	}

	res := NewResult(d.CheckName(), status, sc.Confidence(), msg)
	res.IssueType = IssueLiquidError
	res.Details.Evidence = schemas.Evidence{
		"matches":       matches,
		"visible_hits":  visibleHits,
		"dom_inspected": walked,
	}
	res.Details.TechnicalDetails = sc.technicalDetails()
	res.Details.Suggestions = []string{
		"Open the theme editor and check the sections named in the error.",
		"Restore any deleted snippets, assets or locale keys the theme references.",
	}
	return res, nil
}

func (d *LiquidErrorDetector) visibleHits(ctx context.Context, s schemas.PageSession) ([]string, bool) {
	if s == nil {
		return nil, false
	}
	var out struct {
		VisibleHits []string `json:"visible_hits"`
	}
	if !s.Evaluate(ctx, scriptLiquidVisible, 0, &out) {
		return nil, false
	}
	return out.VisibleHits, true
}

// matchLiquid scans html for every signature and returns the matches and the
// most severe tier seen.
func matchLiquid(html string) ([]liquidMatch, liquidTier) {
	var matches []liquidMatch
	tier := tierWarning
	for _, sig := range liquidSignatures {
		locs := sig.pattern.FindAllStringIndex(html, maxLiquidSamples)
		for _, loc := range locs {
			if len(matches) >= maxLiquidSamples {
				break
			}
			matches = append(matches, liquidMatch{Signature: sig.name, Excerpt: excerpt(html, loc[0], loc[1])})
		}
		if len(locs) > 0 && sig.tier > tier {
			tier = sig.tier
		}
	}
	return matches, tier
}

func excerpt(s string, start, end int) string {
	const pad = 80
	from := start - pad
	if from < 0 {
		from = 0
	}
	to := end + pad
	if to > len(s) {
		to = len(s)
	}
	return strings.TrimSpace(strings.ToValidUTF8(s[from:to], ""))
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
