package schemas

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// -- Captured Page Signals --

// JSError is an uncaught exception raised by the page.
type JSError struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsoleLog is a single console API call or browser log entry.
type ConsoleLog struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkError is a request that failed outright or returned HTTP >= 400.
type NetworkError struct {
	URL           string `json:"url"`
	ResourceType  string `json:"resource_type"`
	Status        int    `json:"status,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// ScanCapture is the page snapshot taken once per navigation. It is owned by the
// scan that produced it and must not be mutated after capture.
type ScanCapture struct {
	URL             string            `json:"url"`
	FinalURL        string            `json:"final_url"`
	StatusCode      int               `json:"status_code"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	PartialLoad     bool              `json:"partial_load"`
	Screenshot      []byte            `json:"-"`
	HTML            string            `json:"html"`
	HTMLTruncated   bool              `json:"html_truncated"`
	JSErrors        []JSError         `json:"js_errors"`
	ConsoleLogs     []ConsoleLog      `json:"console_logs"`
	NetworkErrors   []NetworkError    `json:"network_errors"`
	LoadDuration    time.Duration     `json:"load_duration"`
	CapturedAt      time.Time         `json:"captured_at"`

	// Noise-filtered subsets of JSErrors and NetworkErrors.
	CriticalJSErrors      []JSError      `json:"critical_js_errors"`
	CriticalNetworkErrors []NetworkError `json:"critical_network_errors"`
}

// -- Navigation --

// NavFailureReason classifies a navigation failure.
type NavFailureReason string

const (
	NavTimeout           NavFailureReason = "timeout"
	NavConnection        NavFailureReason = "connection"
	NavPasswordProtected NavFailureReason = "password_protected"
	NavHTTPStatus        NavFailureReason = "http_status"
)

// NavigationError is fatal to a scan. It never becomes a detector issue.
type NavigationError struct {
	Reason     NavFailureReason
	URL        string
	StatusCode int
	Err        error
}

func (e *NavigationError) Error() string {
	switch {
	case e.Reason == NavHTTPStatus:
		return fmt.Sprintf("navigation to %s failed: http status %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("navigation to %s failed (%s): %v", e.URL, e.Reason, e.Err)
	default:
		return fmt.Sprintf("navigation to %s failed (%s)", e.URL, e.Reason)
	}
}

func (e *NavigationError) Unwrap() error { return e.Err }

// AsNavigationError extracts a NavigationError from an error chain.
func AsNavigationError(err error) (*NavigationError, bool) {
	var navErr *NavigationError
	if errors.As(err, &navErr) {
		return navErr, true
	}
	return nil, false
}

// NavigationResult is the outcome of BrowserSession.NavigateTo.
type NavigationResult struct {
	Success           bool
	StatusCode        int
	Err               error
	PasswordProtected bool
	PartialLoad       bool
	FinalURL          string
	Headers           map[string]string
	Duration          time.Duration
}

// -- Purchase Funnel --

// VariantMethod names the strategy that succeeded in selecting a product variant.
type VariantMethod string

const (
	VariantSelect VariantMethod = "select"
	VariantRadio  VariantMethod = "radio"
	VariantSwatch VariantMethod = "swatch"
	VariantNone   VariantMethod = "none"
)

// CartItem is a line item as reported by the storefront cart endpoint.
type CartItem struct {
	Key       string `json:"key"`
	VariantID int64  `json:"variant_id"`
	Quantity  int    `json:"quantity"`
	Title     string `json:"title"`
}

// CartState mirrors the storefront's cart JSON.
type CartState struct {
	ItemCount int        `json:"item_count"`
	Items     []CartItem `json:"items"`
}

// Keys returns the set of line item keys in the cart.
func (c *CartState) Keys() map[string]int {
	keys := make(map[string]int, len(c.Items))
	for _, it := range c.Items {
		keys[it.Key] = it.Quantity
	}
	return keys
}

// CheckoutResult reports whether the checkout flow is reachable from the cart.
type CheckoutResult struct {
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"status_code"`
	FinalURL   string `json:"final_url"`
	Error      string `json:"error,omitempty"`
}

// PageSession owns one headless-browser page. Implementations must make Close
// idempotent and safe to call without Start.
type PageSession interface {
	Start(ctx context.Context) error
	Started() bool
	NavigateTo(ctx context.Context, url string) NavigationResult
	// Evaluate runs script and decodes its value into res. It returns false when
	// the script failed, timed out, or produced no value.
	Evaluate(ctx context.Context, script string, timeout time.Duration, res any) bool
	Click(ctx context.Context, selector string) bool
	Screenshot(ctx context.Context) []byte
	Content(ctx context.Context) string
	// Capture snapshots the current page and everything observed since the last navigation.
	Capture(ctx context.Context) *ScanCapture
	Close() error

	SelectFirstVariant(ctx context.Context) VariantMethod
	ClickAddToCart(ctx context.Context) bool
	ReadCartState(ctx context.Context) (*CartState, bool)
	ClearCartItem(ctx context.Context, key string) bool
	SetCartItemQuantity(ctx context.Context, key string, quantity int) bool
	NavigateToCheckout(ctx context.Context) CheckoutResult
}

// SessionFactory produces fresh, unstarted sessions.
type SessionFactory interface {
	NewSession(ctx context.Context) (PageSession, error)
}
