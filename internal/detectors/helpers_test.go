// internal/detectors/helpers_test.go
package detectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// fakeSession answers probes from a map keyed by script and records funnel
// interactions.
type fakeSession struct {
	evals map[string]any

	carts     []*schemas.CartState
	cartReads int
	clickOK   bool
	checkout  schemas.CheckoutResult
	variant   schemas.VariantMethod
	// afterVariant replaces evals once SelectFirstVariant is called.
	afterVariant map[string]any

	cleared   []string
	restored  map[string]int
	navigated []string
	clicked   int
}

var _ schemas.PageSession = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{evals: map[string]any{}, variant: schemas.VariantNone}
}

func (f *fakeSession) Start(context.Context) error { return nil }
func (f *fakeSession) Started() bool { return true }
func (f *fakeSession) NavigateTo(_ context.Context, url string) schemas.NavigationResult {
	f.navigated = append(f.navigated, url)
	f.evals[scriptLocationHref] = url
	return schemas.NavigationResult{Success: true, StatusCode: 200}
}

func (f *fakeSession) Evaluate(_ context.Context, script string, _ time.Duration, res any) bool {
	v, ok := f.evals[script]
	if !ok {
		return false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, res) == nil
}

func (f *fakeSession) Click(context.Context, string) bool { return false }
func (f *fakeSession) Screenshot(context.Context) []byte { return nil }
func (f *fakeSession) Content(context.Context) string { return "" }
func (f *fakeSession) Capture(context.Context) *schemas.ScanCapture { return &schemas.ScanCapture{} }
func (f *fakeSession) Close() error { return nil }
func (f *fakeSession) NavigateToCheckout(context.Context) schemas.CheckoutResult { return f.checkout }

func (f *fakeSession) SelectFirstVariant(context.Context) schemas.VariantMethod {
	if f.afterVariant != nil {
		f.evals = f.afterVariant
	}
	return f.variant
}

func (f *fakeSession) ClickAddToCart(context.Context) bool {
	f.clicked++
	return f.clickOK
}

func (f *fakeSession) ReadCartState(context.Context) (*schemas.CartState, bool) {
	if f.cartReads >= len(f.carts) {
		return nil, false
	}
	c := f.carts[f.cartReads]
	f.cartReads++
	return c, c != nil
}

func (f *fakeSession) ClearCartItem(_ context.Context, key string) bool {
	f.cleared = append(f.cleared, key)
	return true
}

func (f *fakeSession) SetCartItemQuantity(_ context.Context, key string, quantity int) bool {
	if f.restored == nil {
		f.restored = map[string]int{}
	}
	f.restored[key] = quantity
	return true
}

func atcPresent() map[string]any {
	return map[string]any{
		"button_found": true,
		"selector":     `button[name="add"]`,
		"visible":      true,
		"disabled":     false,
		"text":         "Add to cart",
		"form_found":   true,
		"form_action":  "/cart/add",
		"form_visible": true,
	}
}

func atcMissing() map[string]any {
	return map[string]any{"button_found": false, "form_found": false}
}
