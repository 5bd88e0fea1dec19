// internal/detectors/catalog.go
package detectors

import (
	"strings"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// Check identifiers.
const (
	CheckAddToCart       = "add_to_cart"
	CheckJSErrors        = "js_errors"
	CheckLiquidErrors    = "liquid_errors"
	CheckPriceVisibility = "price_visibility"
	CheckProductImages   = "product_images"
	CheckPageLoad        = "page_load"
	CheckAIVisual        = "ai_visual"
)

// Issue types.
const (
	IssueMissingAddToCart    = "missing_add_to_cart"
	IssueAddToCartBroken     = "add_to_cart_broken"
	IssueAddToCartDisabled   = "add_to_cart_disabled"
	IssueCheckoutUnreachable = "checkout_unreachable"
	IssueJSError             = "js_error"
	IssueLiquidError         = "liquid_error"
	IssueMissingPrice        = "missing_price"
	IssueMissingImages       = "missing_images"
	IssueSlowPageLoad        = "slow_page_load"
	IssueAIVisual            = "ai_visual_issue"
)

// CheckSpec describes which issue types a check owns and how its statuses map
// to severities. The first issue type is the default.
type CheckSpec struct {
	Check           string
	IssueTypes      []string
	FailSeverity    schemas.Severity
	WarningSeverity schemas.Severity
}

var catalog = map[string]CheckSpec{
	CheckAddToCart: {
		Check:           CheckAddToCart,
		IssueTypes:      []string{IssueMissingAddToCart, IssueAddToCartBroken, IssueAddToCartDisabled, IssueCheckoutUnreachable},
		FailSeverity:    schemas.SeverityHigh,
		WarningSeverity: schemas.SeverityMedium,
	},
	CheckJSErrors: {
		Check:           CheckJSErrors,
		IssueTypes:      []string{IssueJSError},
		FailSeverity:    schemas.SeverityHigh,
		WarningSeverity: schemas.SeverityMedium,
	},
	CheckLiquidErrors: {
		Check:           CheckLiquidErrors,
		IssueTypes:      []string{IssueLiquidError},
		FailSeverity:    schemas.SeverityHigh,
		WarningSeverity: schemas.SeverityMedium,
	},
	CheckPriceVisibility: {
		Check:           CheckPriceVisibility,
		IssueTypes:      []string{IssueMissingPrice},
		FailSeverity:    schemas.SeverityHigh,
		WarningSeverity: schemas.SeverityMedium,
	},
	CheckProductImages: {
		Check:           CheckProductImages,
		IssueTypes:      []string{IssueMissingImages},
		FailSeverity:    schemas.SeverityMedium,
		WarningSeverity: schemas.SeverityLow,
	},
	CheckPageLoad: {
		Check:           CheckPageLoad,
		IssueTypes:      []string{IssueSlowPageLoad},
		FailSeverity:    schemas.SeverityMedium,
		WarningSeverity: schemas.SeverityLow,
	},
}

var issueTitles = map[string]string{
	IssueMissingAddToCart:    "Add to cart button missing",
	IssueAddToCartBroken:     "Add to cart does not work",
	IssueAddToCartDisabled:   "Add to cart button disabled",
	IssueCheckoutUnreachable: "Checkout unreachable",
	IssueJSError:             "JavaScript errors on product page",
	IssueLiquidError:         "Theme template error visible",
	IssueMissingPrice:        "Price not visible",
	IssueMissingImages:       "Product image missing or broken",
	IssueSlowPageLoad:        "Slow page load",
	IssueAIVisual:            "Visual problem detected",
}

// aiIssuePrefix namespaces issue types created from page-level AI findings.
const aiIssuePrefix = CheckAIVisual + ":"

// Lookup returns the CheckSpec for a programmatic check.
func Lookup(check string) (CheckSpec, bool) {
	cs, ok := catalog[check]
	return cs, ok
}

// DefaultIssueType is the issue type used when a result does not name one.
func (c CheckSpec) DefaultIssueType() string {
	return c.IssueTypes[0]
}

// Owns reports whether issueType belongs to the check.
func (c CheckSpec) Owns(issueType string) bool {
	for _, t := range c.IssueTypes {
		if t == issueType {
			return true
		}
	}
	return false
}

// SeverityFor maps a problem status to a severity. It returns false for pass
// and inconclusive.
func (c CheckSpec) SeverityFor(status schemas.CheckStatus) (schemas.Severity, bool) {
	switch status {
	case schemas.StatusFail:
		return c.FailSeverity, true
	case schemas.StatusWarning:
		return c.WarningSeverity, true
	}
	return "", false
}

// IssueTypeFor resolves the concrete issue type of a result.
func IssueTypeFor(r schemas.DetectionResult) string {
	if r.IssueType != "" {
		return r.IssueType
	}
	if cs, ok := catalog[r.Check]; ok {
		return cs.DefaultIssueType()
	}
	return r.Check
}

// ProgrammaticIssueTypes returns every issue type owned by a programmatic check.
func ProgrammaticIssueTypes() map[string]struct{} {
	out := make(map[string]struct{})
	for _, cs := range catalog {
		for _, t := range cs.IssueTypes {
			out[t] = struct{}{}
		}
	}
	return out
}

// IssueTitle returns the merchant-facing title for an issue type.
func IssueTitle(issueType string) string {
	if t, ok := issueTitles[issueType]; ok {
		return t
	}
	if IsAIIssueType(issueType) {
		return issueTitles[IssueAIVisual]
	}
	return strings.ReplaceAll(issueType, "_", " ")
}

// AIIssueType namespaces a model-reported finding type so it never collides
// with a programmatic issue type.
func AIIssueType(findingType string) string {
	t := NormalizeType(findingType)
	if t == "" {
		return IssueAIVisual
	}
	return aiIssuePrefix + t
}

// IsAIIssueType reports whether issueType came from a page-level AI finding.
func IsAIIssueType(issueType string) bool {
	return issueType == IssueAIVisual || strings.HasPrefix(issueType, aiIssuePrefix)
}

// NormalizeType lowercases a free-form type and converts separators to underscores.
func NormalizeType(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "_")
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
