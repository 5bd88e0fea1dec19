// internal/detectors/add_to_cart.go
package detectors

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// soldOutVocabulary marks a disabled button as an expected state.
var soldOutVocabulary = [...]string{
	"sold out",
	"out of stock",
	"unavailable",
	"agotado",
	"ausverkauft",
	"épuisé",
	"esaurito",
}

type atcProbe struct {
	ButtonFound bool   `json:"button_found"`
	Selector    string `json:"selector"`
	Visible     bool   `json:"visible"`
	Disabled    bool   `json:"disabled"`
	Text        string `json:"text"`
	FormFound   bool   `json:"form_found"`
	FormAction  string `json:"form_action"`
	FormVisible bool   `json:"form_visible"`
}

func (p atcProbe) evidence() schemas.Evidence {
	return schemas.Evidence{
		"button_found": p.ButtonFound,
		"selector":     p.Selector,
		"visible":      p.Visible,
		"disabled":     p.Disabled,
		"button_text":  p.Text,
		"form_found":   p.FormFound,
		"form_action":  p.FormAction,
	}
}

// AddToCartDetector verifies that a shopper can put the product in the cart.
// Quick scans inspect the markup; deep scans also click the button, confirm
// the cart changed, check that checkout is reachable, and revert the cart.
type AddToCartDetector struct {
	BaseDetector
}

// NewAddToCartDetector creates the add-to-cart detector.
func NewAddToCartDetector(logger *zap.Logger) *AddToCartDetector {
	return &AddToCartDetector{BaseDetector: NewBaseDetector(CheckAddToCart, logger)}
}

// Detect implements Detector.
func (d *AddToCartDetector) Detect(ctx context.Context, t *Target) (schemas.DetectionResult, error) {
	if t.Session == nil {
		return schemas.DetectionResult{}, errors.New("no browser session")
	}
	probe, ok := d.probe(ctx, t.Session)
	if !ok {
		return Inconclusive(d.CheckName(), "could not inspect the add to cart button"), nil
	}

	if !probe.ButtonFound || !probe.Visible {
		return d.missing(t, probe), nil
	}

	if probe.Disabled {
		if IsSoldOutText(probe.Text) {
			res := NewResult(d.CheckName(), schemas.StatusPass, 0.9, "Product is sold out; the disabled add to cart button is expected.")
			res.Details.Evidence = probe.evidence()
			return res, nil
		}
		if !t.Deep() {
			return d.disabled(probe, false), nil
		}
		method := t.Session.SelectFirstVariant(ctx)
		reprobe, ok := d.probe(ctx, t.Session)
		if !ok || reprobe.Disabled {
			res := d.disabled(probe, true)
			res.Details.TechnicalDetails["variant_method"] = string(method)
			return res, nil
		}
		d.Logger.Debug("Variant selection enabled the add to cart button.", zap.String("method", string(method)))
		probe = reprobe
	}

	if !t.Deep() {
		return d.structuralPass(probe), nil
	}
	return d.funnel(ctx, t, probe), nil
}

func (d *AddToCartDetector) probe(ctx context.Context, s schemas.PageSession) (atcProbe, bool) {
	var p atcProbe
	if !s.Evaluate(ctx, scriptAddToCartProbe, 0, &p) {
		return p, false
	}
	return p, true
}

func (d *AddToCartDetector) missing(t *Target, p atcProbe) schemas.DetectionResult {
	var sc Scorer
	sc.RecordValidation(!p.ButtonFound || !p.Visible)
	sc.RecordValidation(!p.FormFound || !p.FormVisible)
	partial := t.Capture != nil && t.Capture.PartialLoad
	sc.RecordValidation(!partial)

	msg := "No add to cart button was found on the product page."
	if p.ButtonFound {
		msg = "The add to cart button exists but is not visible to shoppers."
	}
	res := NewResult(d.CheckName(), schemas.StatusFail, sc.Confidence(), msg)
	res.IssueType = IssueMissingAddToCart
	res.Details.Evidence = p.evidence()
	res.Details.Evidence["partial_load"] = partial
	res.Details.TechnicalDetails = sc.technicalDetails()
	res.Details.Suggestions = []string{
		"Check that the product template renders the product form section.",
		"Verify the product has at least one published, purchasable variant.",
	}
	return res
}

func (d *AddToCartDetector) disabled(p atcProbe, triedVariants bool) schemas.DetectionResult {
	var sc Scorer
	sc.RecordValidation(p.Disabled)
	sc.RecordValidation(!IsSoldOutText(p.Text))
	sc.RecordValidation(triedVariants)
	if !triedVariants {
		// A disabled button without a variant selected is common and benign.
		sc.OverrideConfidence(0.6)
	}
	res := NewResult(d.CheckName(), schemas.StatusWarning, sc.Confidence(),
		"The add to cart button is disabled but the product is not marked as sold out.")
	res.IssueType = IssueAddToCartDisabled
	res.Details.Evidence = p.evidence()
	res.Details.TechnicalDetails = sc.technicalDetails()
	res.Details.TechnicalDetails["variant_selection_attempted"] = triedVariants
	res.Details.Suggestions = []string{
		"Check inventory tracking and variant availability settings.",
		"Make sure a default variant is selected when the page loads.",
	}
	return res
}

func (d *AddToCartDetector) structuralPass(p atcProbe) schemas.DetectionResult {
	var sc Scorer
	sc.RecordValidation(p.Visible)
	sc.RecordValidation(!p.Disabled)
	sc.RecordValidation(p.FormFound && targetsCartAdd(p.FormAction))
	res := NewResult(d.CheckName(), schemas.StatusPass, sc.Confidence(), "Add to cart button is present and enabled.")
	res.Details.Evidence = p.evidence()
	res.Details.TechnicalDetails = sc.technicalDetails()
	return res
}

// funnel clicks add to cart and verifies the cart through the storefront JSON API.
func (d *AddToCartDetector) funnel(ctx context.Context, t *Target, p atcProbe) schemas.DetectionResult {
	s := t.Session
	before, ok := s.ReadCartState(ctx)
	if !ok {
		res := d.structuralPass(p)
		res.Details.TechnicalDetails["funnel"] = "cart_unavailable"
		return res
	}
	if !s.ClickAddToCart(ctx) {
		res := NewResult(d.CheckName(), schemas.StatusFail, 0.75, "The add to cart button could not be clicked.")
		res.IssueType = IssueAddToCartBroken
		res.Details.Evidence = p.evidence()
		return res
	}
	// Themes without an AJAX cart submit the form and land on /cart. Later
	// checks read the DOM, so the page has to be the product page again.
	defer d.returnToProduct(ctx, t)

	after, ok := s.ReadCartState(ctx)
	if !ok {
		res := d.structuralPass(p)
		res.Details.TechnicalDetails["funnel"] = "cart_unavailable_after_click"
		return res
	}

	changes := cartChanges(before, after)
	defer d.revert(ctx, s, changes)

	var sc Scorer
	sc.RecordValidation(after.ItemCount > before.ItemCount)
	sc.RecordValidation(len(changes) > 0)
	sc.RecordValidation(p.FormFound && targetsCartAdd(p.FormAction))

	evidence := p.evidence()
	evidence["cart_count_before"] = before.ItemCount
	evidence["cart_count_after"] = after.ItemCount
	evidence["changed_line_items"] = len(changes)

	if after.ItemCount <= before.ItemCount {
		var fail Scorer
		fail.RecordValidation(after.ItemCount <= before.ItemCount)
		fail.RecordValidation(len(changes) == 0)
		fail.RecordValidation(p.Visible && !p.Disabled)
		res := NewResult(d.CheckName(), schemas.StatusFail, fail.Confidence(),
			"Clicking add to cart did not add the product to the cart.")
		res.IssueType = IssueAddToCartBroken
		res.Details.Evidence = evidence
		res.Details.TechnicalDetails = fail.technicalDetails()
		res.Details.Suggestions = []string{
			"Check the browser console for errors in the product form script.",
			"Verify that theme app extensions are not intercepting the form submit.",
		}
		return res
	}

	checkout := s.NavigateToCheckout(ctx)
	evidence["checkout_reachable"] = checkout.Reachable
	evidence["checkout_status"] = checkout.StatusCode
	evidence["checkout_url"] = checkout.FinalURL
	if !checkout.Reachable {
		var cs Scorer
		cs.RecordValidation(!checkout.Reachable)
		cs.RecordValidation(checkout.Error == "")
		cs.RecordValidation(checkout.StatusCode >= 400 || checkout.FinalURL != "")
		res := NewResult(d.CheckName(), schemas.StatusWarning, cs.Confidence(),
			"The product can be added to the cart but checkout could not be reached.")
		res.IssueType = IssueCheckoutUnreachable
		res.Details.Evidence = evidence
		res.Details.TechnicalDetails = cs.technicalDetails()
		if checkout.Error != "" {
			res.Details.TechnicalDetails["checkout_error"] = checkout.Error
		}
		res.Details.Suggestions = []string{"Check checkout settings and any redirect apps on the cart page."}
		return res
	}

	res := NewResult(d.CheckName(), schemas.StatusPass, sc.Confidence(), "Add to cart works and checkout is reachable.")
	res.Details.Evidence = evidence
	res.Details.TechnicalDetails = sc.technicalDetails()
	return res
}

// cartChange is a cart line the click added or grew. previous is zero for
// lines that did not exist before.
type cartChange struct {
	key      string
	previous int
}

func (d *AddToCartDetector) revert(ctx context.Context, s schemas.PageSession, changes []cartChange) {
	for _, c := range changes {
		var ok bool
		if c.previous == 0 {
			ok = s.ClearCartItem(ctx, c.key)
		} else {
			ok = s.SetCartItemQuantity(ctx, c.key, c.previous)
		}
		if !ok {
			d.Logger.Warn("Failed to revert test cart item.", zap.String("key", c.key), zap.Int("quantity", c.previous))
		}
	}
}

// cartChanges returns the lines whose quantity went up during the click,
// with the quantity each had before. Lines the shopper already had are
// restored to their old quantity, never removed.
func cartChanges(before, after *schemas.CartState) []cartChange {
	prev := before.Keys()
	var out []cartChange
	for _, it := range after.Items {
		if it.Quantity > prev[it.Key] {
			out = append(out, cartChange{key: it.Key, previous: prev[it.Key]})
		}
	}
	return out
}

// returnToProduct navigates back to the product URL when the funnel left it.
func (d *AddToCartDetector) returnToProduct(ctx context.Context, t *Target) {
	var href string
	if t.Session.Evaluate(ctx, scriptLocationHref, 0, &href) && samePage(href, t.Page.URL) {
		return
	}
	d.Logger.Debug("Add to cart left the product page, navigating back.", zap.String("current_url", href))
	if nav := t.Session.NavigateTo(ctx, t.Page.URL); !nav.Success {
		d.Logger.Warn("Could not return to the product page.", zap.String("url", t.Page.URL), zap.Error(nav.Err))
	}
}

// samePage compares host and path, ignoring query, fragment and a trailing slash.
func samePage(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	trim := func(p string) string { return strings.TrimSuffix(p, "/") }
	return strings.EqualFold(ua.Host, ub.Host) && trim(ua.Path) == trim(ub.Path)
}

func targetsCartAdd(action string) bool {
	return strings.Contains(strings.ToLower(action), "/cart/add")
}

// IsSoldOutText reports whether button text says the product is unavailable.
func IsSoldOutText(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range soldOutVocabulary {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
