// internal/detectors/price.go
package detectors

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

var (
	digitsRe      = regexp.MustCompile(`\d`)
	nonZeroRe     = regexp.MustCompile(`[1-9]`)
	placeholderRe = regexp.MustCompile(`(?i)^(loading|\.\.\.|…|-+|n/?a|tbd|price|--)$`)
)

type priceCandidate struct {
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Visible  bool   `json:"visible"`
}

type priceProbe struct {
	Candidates []priceCandidate `json:"candidates"`
	Fallback   []priceCandidate `json:"fallback"`
}

// IsPlaceholderPrice reports whether text is empty, a loading marker, or zero.
func IsPlaceholderPrice(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" || placeholderRe.MatchString(t) {
		return true
	}
	if strings.Contains(strings.ToLower(t), "loading") {
		return true
	}
	if !digitsRe.MatchString(t) {
		return true
	}
	return !nonZeroRe.MatchString(t)
}

// PriceDetector verifies that a real price is visible on the page.
type PriceDetector struct {
	BaseDetector
}

// NewPriceDetector creates the price visibility detector.
func NewPriceDetector(logger *zap.Logger) *PriceDetector {
	return &PriceDetector{BaseDetector: NewBaseDetector(CheckPriceVisibility, logger)}
}

// Detect implements Detector.
func (d *PriceDetector) Detect(ctx context.Context, t *Target) (schemas.DetectionResult, error) {
	if t.Session == nil {
		return schemas.DetectionResult{}, errors.New("no browser session")
	}
	var probe priceProbe
	if !t.Session.Evaluate(ctx, scriptPriceProbe, 0, &probe) {
		return Inconclusive(d.CheckName(), "could not inspect the price element"), nil
	}

	evidence := schemas.Evidence{
		"candidates": probe.Candidates,
		"fallback":   probe.Fallback,
	}

	if c, ok := firstValidPrice(probe.Candidates); ok {
		var sc Scorer
		sc.RecordValidation(true)
		sc.RecordValidation(c.Visible)
		sc.RecordValidation(!IsPlaceholderPrice(c.Text))
		res := NewResult(d.CheckName(), schemas.StatusPass, sc.Confidence(), "Price is visible: "+c.Text)
		res.Details.Evidence = evidence
		res.Details.Evidence["price_text"] = c.Text
		res.Details.Evidence["selector"] = c.Selector
		res.Details.TechnicalDetails = sc.technicalDetails()
		return res, nil
	}
	if c, ok := firstValidPrice(probe.Fallback); ok {
		var sc Scorer
		sc.RecordValidation(false)
		sc.RecordValidation(c.Visible)
		sc.RecordValidation(!IsPlaceholderPrice(c.Text))
		sc.RecordValidation(true)
		res := NewResult(d.CheckName(), schemas.StatusPass, sc.Confidence(), "Price-like text is visible: "+c.Text)
		res.Details.Evidence = evidence
		res.Details.Evidence["price_text"] = c.Text
		res.Details.Evidence["fallback"] = true
		res.Details.TechnicalDetails = sc.technicalDetails()
		return res, nil
	}

	// No usable price. Corroborate the absence before calling it a failure.
	hidden, placeholder := 0, 0
	for _, c := range probe.Candidates {
		if !c.Visible {
			hidden++
		} else if IsPlaceholderPrice(c.Text) {
			placeholder++
		}
	}
	partial := t.Capture != nil && t.Capture.PartialLoad

	var sc Scorer
	sc.RecordValidation(true)
	sc.RecordValidation(len(probe.Fallback) == 0 || noneValid(probe.Fallback))
	sc.RecordValidation(!partial)

	msg := "No price was found on the product page."
	switch {
	case placeholder > 0:
		msg = "The price element shows a placeholder instead of a price."
	case hidden > 0:
		msg = "The price element exists but is hidden."
	}
	res := NewResult(d.CheckName(), schemas.StatusFail, sc.Confidence(), msg)
	res.IssueType = IssueMissingPrice
	res.Details.Evidence = evidence
	res.Details.Evidence["hidden_candidates"] = hidden
	res.Details.Evidence["placeholder_candidates"] = placeholder
	res.Details.Evidence["partial_load"] = partial
	res.Details.TechnicalDetails = sc.technicalDetails()
	res.Details.Suggestions = []string{
		"Check that the price snippet is included in the product template.",
		"Make sure price-rendering scripts from apps are not failing.",
	}
	return res, nil
}

func firstValidPrice(cands []priceCandidate) (priceCandidate, bool) {
	for _, c := range cands {
		if c.Visible && !IsPlaceholderPrice(c.Text) {
			return c, true
		}
	}
	return priceCandidate{}, false
}

func noneValid(cands []priceCandidate) bool {
	_, ok := firstValidPrice(cands)
	return !ok
}
