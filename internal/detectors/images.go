// internal/detectors/images.go
package detectors

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// MinImageDimension is the smallest natural width or height accepted for a
// primary product image.
const MinImageDimension = 100

type imageProbe struct {
	Found          bool   `json:"found"`
	Selector       string `json:"selector"`
	Fallback       bool   `json:"fallback"`
	Src            string `json:"src"`
	NaturalWidth   int    `json:"natural_width"`
	NaturalHeight  int    `json:"natural_height"`
	Complete       bool   `json:"complete"`
	Visible        bool   `json:"visible"`
	RenderedWidth  int    `json:"rendered_width"`
	RenderedHeight int    `json:"rendered_height"`
	ImageCount     int    `json:"image_count"`
}

func (p imageProbe) broken() bool {
	return p.Complete && (p.NaturalWidth == 0 || p.NaturalHeight == 0)
}

// ImageDetector checks that the primary product image loads and is visible.
type ImageDetector struct {
	BaseDetector
}

// NewImageDetector creates the product image detector.
func NewImageDetector(logger *zap.Logger) *ImageDetector {
	return &ImageDetector{BaseDetector: NewBaseDetector(CheckProductImages, logger)}
}

// Detect implements Detector.
func (d *ImageDetector) Detect(ctx context.Context, t *Target) (schemas.DetectionResult, error) {
	if t.Session == nil {
		return schemas.DetectionResult{}, errors.New("no browser session")
	}
	var p imageProbe
	if !t.Session.Evaluate(ctx, scriptImageProbe, 0, &p) {
		return Inconclusive(d.CheckName(), "could not inspect product images"), nil
	}

	imageFailures := failedImageRequests(t.Capture)
	evidence := schemas.Evidence{
		"found":                  p.Found,
		"selector":               p.Selector,
		"largest_image_fallback": p.Fallback,
		"src":                    p.Src,
		"natural_width":          p.NaturalWidth,
		"natural_height":         p.NaturalHeight,
		"complete":               p.Complete,
		"visible":                p.Visible,
		"image_count":            p.ImageCount,
		"failed_image_requests":  imageFailures,
	}

	var sc Scorer
	switch {
	case !p.Found:
		sc.RecordValidation(true)
		sc.RecordValidation(p.ImageCount == 0)
		sc.RecordValidation(t.Capture == nil || !t.Capture.PartialLoad)
		return d.problem(schemas.StatusFail, &sc, evidence, "No product image was found on the page."), nil

	case p.broken():
		srcFailed := requestFailed(imageFailures, p.Src)
		sc.RecordValidation(true)
		sc.RecordValidation(srcFailed)
		if srcFailed {
			// The network log independently confirms the broken image.
			sc.OverrideConfidence(0.95)
		} else {
			sc.OverrideConfidence(0.8)
		}
		evidence["network_corroborated"] = srcFailed
		return d.problem(schemas.StatusFail, &sc, evidence, "The primary product image failed to load."), nil

	case !p.Visible:
		sc.RecordValidation(true)
		sc.RecordValidation(p.RenderedWidth == 0 || p.RenderedHeight == 0)
		sc.RecordValidation(!p.Fallback)
		return d.problem(schemas.StatusFail, &sc, evidence, "The primary product image is hidden."), nil

	case p.Complete && (p.NaturalWidth < MinImageDimension || p.NaturalHeight < MinImageDimension):
		sc.RecordValidation(p.NaturalWidth < MinImageDimension)
		sc.RecordValidation(p.NaturalHeight < MinImageDimension)
		sc.RecordValidation(!p.Fallback)
		sc.RecordValidation(true)
		return d.problem(schemas.StatusWarning, &sc, evidence, "The primary product image is very small."), nil
	}

	sc.RecordValidation(p.Visible)
	sc.RecordValidation(!p.broken())
	sc.RecordValidation(!requestFailed(imageFailures, p.Src))
	res := NewResult(d.CheckName(), schemas.StatusPass, sc.Confidence(), "Primary product image loaded and is visible.")
	res.Details.Evidence = evidence
	res.Details.TechnicalDetails = sc.technicalDetails()
	return res, nil
}

func (d *ImageDetector) problem(status schemas.CheckStatus, sc *Scorer, evidence schemas.Evidence, msg string) schemas.DetectionResult {
	res := NewResult(d.CheckName(), status, sc.Confidence(), msg)
	res.IssueType = IssueMissingImages
	res.Details.Evidence = evidence
	res.Details.TechnicalDetails = sc.technicalDetails()
	res.Details.Suggestions = []string{
		"Re-upload the product media in the admin.",
		"Check that the theme's media gallery section is enabled.",
	}
	return res
}

func failedImageRequests(c *schemas.ScanCapture) []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, ne := range c.CriticalNetworkErrors {
		if ne.ResourceType == "Image" || looksLikeImage(ne.URL) {
			out = append(out, ne.URL)
		}
	}
	return out
}

func looksLikeImage(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif", ".avif", ".svg":
		return true
	}
	return false
}

// requestFailed matches src against failed URLs ignoring query strings, since
// image CDNs append size parameters.
func requestFailed(failed []string, src string) bool {
	if src == "" {
		return false
	}
	want := stripQuery(src)
	for _, f := range failed {
		if stripQuery(f) == want {
			return true
		}
	}
	return false
}

func stripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}
