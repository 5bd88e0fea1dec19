// internal/browser/funnel.go
package browser

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// WaitForSettle polls until the document is complete and no request is in
// flight, or until the settle deadline passes. It reports whether the page settled.
func (s *Session) WaitForSettle(ctx context.Context) bool {
	interval := s.cfg.SettleInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	timeout := s.cfg.SettleTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	settleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if s.settled(settleCtx, interval) {
			return true
		}
		select {
		case <-settleCtx.Done():
			s.logger.Debug("Page did not settle before deadline.", zap.Duration("timeout", timeout))
			return false
		case <-ticker.C:
		}
	}
}

func (s *Session) settled(ctx context.Context, interval time.Duration) bool {
	if s.driver.inflight() > 0 {
		return false
	}
	var state string
	return s.Evaluate(ctx, scriptReadyState, interval*5, &state) && state == "complete"
}

// SelectFirstVariant selects a purchasable variant, trying a select element,
// then radio buttons, then clickable swatches.
func (s *Session) SelectFirstVariant(ctx context.Context) schemas.VariantMethod {
	strategies := []struct {
		method schemas.VariantMethod
		script string
	}{
		{schemas.VariantSelect, scriptSelectVariantSelect},
		{schemas.VariantRadio, scriptSelectVariantRadio},
		{schemas.VariantSwatch, scriptSelectVariantSwatch},
	}
	for _, st := range strategies {
		var ok bool
		if s.Evaluate(ctx, st.script, 0, &ok) && ok {
			s.WaitForSettle(ctx)
			return st.method
		}
	}
	return schemas.VariantNone
}

// ClickAddToCart clicks the first matching add-to-cart button.
func (s *Session) ClickAddToCart(ctx context.Context) bool {
	for _, sel := range addToCartSelectors {
		if s.Click(ctx, sel) {
			s.logger.Debug("Clicked add to cart.", zap.String("selector", sel))
			return true
		}
	}
	return false
}

// ReadCartState reads the storefront's cart through its JSON endpoint.
func (s *Session) ReadCartState(ctx context.Context) (*schemas.CartState, bool) {
	var cart *schemas.CartState
	if !s.Evaluate(ctx, scriptReadCart, 0, &cart) || cart == nil {
		return nil, false
	}
	return cart, true
}

// ClearCartItem sets the quantity of the cart line identified by key to zero.
func (s *Session) ClearCartItem(ctx context.Context, key string) bool {
	return s.SetCartItemQuantity(ctx, key, 0)
}

// SetCartItemQuantity sets the quantity of the cart line identified by key.
func (s *Session) SetCartItemQuantity(ctx context.Context, key string, quantity int) bool {
	var ok bool
	if !s.Evaluate(ctx, changeCartItemScript(key, quantity), 0, &ok) || !ok {
		return false
	}
	s.WaitForSettle(ctx)
	return true
}

// NavigateToCheckout follows the checkout redirect chain and checks that it
// ends on a checkout URL.
func (s *Session) NavigateToCheckout(ctx context.Context) schemas.CheckoutResult {
	var raw struct {
		Status int    `json:"status"`
		URL    string `json:"url"`
		Error  string `json:"error"`
	}
	if !s.Evaluate(ctx, scriptCheckout, 0, &raw) {
		return schemas.CheckoutResult{Error: "checkout request did not complete"}
	}
	return schemas.CheckoutResult{
		Reachable:  raw.Status > 0 && raw.Status < 400 && IsCheckoutURL(raw.URL),
		StatusCode: raw.Status,
		FinalURL:   raw.URL,
		Error:      raw.Error,
	}
}

// IsCheckoutURL reports whether rawURL looks like a storefront checkout page.
func IsCheckoutURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	return strings.Contains(path, "/checkouts/") || strings.HasSuffix(strings.TrimSuffix(path, "/"), "/checkout")
}
