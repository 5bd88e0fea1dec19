// internal/detectors/detectors_test.go
package detectors

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
)

type stubDetector struct {
	BaseDetector
	detect func() (schemas.DetectionResult, error)
}

func (s *stubDetector) Detect(context.Context, *Target) (schemas.DetectionResult, error) {
	return s.detect()
}

func newStub(name string, fn func() (schemas.DetectionResult, error)) *stubDetector {
	return &stubDetector{BaseDetector: NewBaseDetector(name, zap.NewNop()), detect: fn}
}

func TestScorer(t *testing.T) {
	var s Scorer
	assert.Zero(t, s.Confidence(), "no validations means no confidence")

	s.RecordValidation(true)
	s.RecordValidation(true)
	s.RecordValidation(false)
	assert.InDelta(t, 2.0/3.0, s.Confidence(), 1e-9)
	passed, total := s.Counts()
	assert.Equal(t, 2, passed)
	assert.Equal(t, 3, total)

	s.OverrideConfidence(0.95)
	assert.True(t, s.Overridden())
	assert.Equal(t, 0.95, s.Confidence())

	s.OverrideConfidence(3)
	assert.Equal(t, 1.0, s.Confidence(), "overrides are clamped")
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("ErrorBecomesInconclusive", func(t *testing.T) {
		d := newStub("broken", func() (schemas.DetectionResult, error) {
			return schemas.DetectionResult{}, errors.New("selector engine exploded")
		})
		res := Run(ctx, zap.NewNop(), d, &Target{})
		assert.Equal(t, schemas.StatusInconclusive, res.Status)
		assert.Equal(t, "broken", res.Check)
		assert.Equal(t, "selector engine exploded", res.Details.Message)
	})

	t.Run("PanicBecomesInconclusive", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		d := newStub("panicky", func() (schemas.DetectionResult, error) {
			var m map[string]int
			m["boom"] = 1
			return schemas.DetectionResult{}, nil
		})
		res := Run(ctx, zap.New(core), d, &Target{})
		assert.Equal(t, schemas.StatusInconclusive, res.Status)
		assert.Contains(t, res.Details.Message, "panicked")
		assert.Equal(t, 1, logs.FilterMessage("Detector panicked.").Len())
	})

	t.Run("NormalizesResult", func(t *testing.T) {
		d := newStub("ok", func() (schemas.DetectionResult, error) {
			return schemas.DetectionResult{Check: "wrong", Status: schemas.StatusPass, Confidence: 1.7}, nil
		})
		res := Run(ctx, zap.NewNop(), d, &Target{})
		assert.Equal(t, "ok", res.Check)
		assert.Equal(t, 1.0, res.Confidence)
		assert.NotNil(t, res.Details.Evidence)
		assert.NotNil(t, res.Details.Suggestions)
	})
}

func TestSuiteRunsInOrderAndIsolatesFailures(t *testing.T) {
	var order []string
	mk := func(name string, err error) Detector {
		return newStub(name, func() (schemas.DetectionResult, error) {
			order = append(order, name)
			if err != nil {
				return schemas.DetectionResult{}, err
			}
			return NewResult(name, schemas.StatusPass, 1, ""), nil
		})
	}
	s := NewSuiteWith(zap.NewNop(), mk("a", nil), mk("b", errors.New("x")), mk("c", nil))
	results, err := s.Run(context.Background(), &Target{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	require.Len(t, results, 3)
	assert.Equal(t, schemas.StatusInconclusive, results[1].Status)
	assert.Equal(t, schemas.StatusPass, results[2].Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err = s.Run(ctx, &Target{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestStandardSuiteOrder(t *testing.T) {
	s := NewSuite(zap.NewNop(), config.ScanConfig{SlowLoadThreshold: 5 * time.Second})
	assert.Equal(t, []string{
		CheckAddToCart, CheckJSErrors, CheckLiquidErrors, CheckPriceVisibility, CheckProductImages, CheckPageLoad,
	}, s.Checks())
}

func TestCatalog(t *testing.T) {
	cs, ok := Lookup(CheckAddToCart)
	require.True(t, ok)
	assert.Equal(t, IssueMissingAddToCart, cs.DefaultIssueType())
	assert.True(t, cs.Owns(IssueCheckoutUnreachable))
	sev, ok := cs.SeverityFor(schemas.StatusFail)
	assert.True(t, ok)
	assert.Equal(t, schemas.SeverityHigh, sev)
	_, ok = cs.SeverityFor(schemas.StatusPass)
	assert.False(t, ok)

	load, _ := Lookup(CheckPageLoad)
	sev, _ = load.SeverityFor(schemas.StatusWarning)
	assert.Equal(t, schemas.SeverityLow, sev)

	assert.Equal(t, IssueJSError, IssueTypeFor(schemas.DetectionResult{Check: CheckJSErrors}))
	assert.Equal(t, "ai_visual:broken_layout", AIIssueType(" Broken Layout! "))
	assert.True(t, IsAIIssueType("ai_visual:broken_layout"))
	assert.False(t, IsAIIssueType(IssueMissingPrice))
	assert.Equal(t, "Visual problem detected", IssueTitle("ai_visual:broken_layout"))
}

func TestAddToCartDetector(t *testing.T) {
	ctx := context.Background()
	d := NewAddToCartDetector(zap.NewNop())

	t.Run("MissingMarkupFailsConfidently", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptAddToCartProbe] = atcMissing()
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s, Mode: schemas.ScanQuick, Capture: &schemas.ScanCapture{}})
		assert.Equal(t, schemas.StatusFail, res.Status)
		assert.Equal(t, IssueMissingAddToCart, res.IssueType)
		assert.GreaterOrEqual(t, res.Confidence, 0.7)
	})

	t.Run("MissingOnPartialLoadIsLowConfidence", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptAddToCartProbe] = atcMissing()
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s, Capture: &schemas.ScanCapture{PartialLoad: true}})
		assert.Equal(t, schemas.StatusFail, res.Status)
		assert.Less(t, res.Confidence, 0.7)
	})

	t.Run("SoldOutIsExpected", func(t *testing.T) {
		s := newFakeSession()
		probe := atcPresent()
		probe["disabled"] = true
		probe["text"] = "Ausverkauft"
		s.evals[scriptAddToCartProbe] = probe
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s})
		assert.Equal(t, schemas.StatusPass, res.Status)
		assert.Equal(t, 0.9, res.Confidence)
	})

	t.Run("DisabledQuickModeStaysBelowThreshold", func(t *testing.T) {
		s := newFakeSession()
		probe := atcPresent()
		probe["disabled"] = true
		s.evals[scriptAddToCartProbe] = probe
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s, Mode: schemas.ScanQuick})
		assert.Equal(t, schemas.StatusWarning, res.Status)
		assert.Equal(t, IssueAddToCartDisabled, res.IssueType)
		assert.Less(t, res.Confidence, 0.7)
	})

	t.Run("QuickPass", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptAddToCartProbe] = atcPresent()
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s, Mode: schemas.ScanQuick})
		assert.Equal(t, schemas.StatusPass, res.Status)
		assert.Equal(t, 1.0, res.Confidence)
		assert.Zero(t, s.clicked, "quick scans never click")
	})

	t.Run("DeepFunnelPassRevertsCart", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptAddToCartProbe] = atcPresent()
		s.clickOK = true
		s.carts = []*schemas.CartState{
			{ItemCount: 0},
			{ItemCount: 1, Items: []schemas.CartItem{{Key: "111:abc", Quantity: 1}}},
		}
		s.checkout = schemas.CheckoutResult{Reachable: true, StatusCode: 200, FinalURL: "https://shop.example/checkouts/cn/1"}
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s, Mode: schemas.ScanDeep})
		assert.Equal(t, schemas.StatusPass, res.Status)
		assert.Equal(t, []string{"111:abc"}, s.cleared)
	})

	t.Run("DeepFunnelCartUnchanged", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptAddToCartProbe] = atcPresent()
		s.clickOK = true
		s.carts = []*schemas.CartState{{ItemCount: 0}, {ItemCount: 0}}
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s, Mode: schemas.ScanDeep})
		assert.Equal(t, schemas.StatusFail, res.Status)
		assert.Equal(t, IssueAddToCartBroken, res.IssueType)
		assert.Equal(t, 1.0, res.Confidence)
		assert.Empty(t, s.cleared)
	})

	t.Run("DeepFunnelCheckoutUnreachable", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptAddToCartProbe] = atcPresent()
		s.clickOK = true
		s.carts = []*schemas.CartState{
			{ItemCount: 0},
			{ItemCount: 1, Items: []schemas.CartItem{{Key: "k", Quantity: 1}}},
		}
		s.checkout = schemas.CheckoutResult{StatusCode: 500, FinalURL: "https://shop.example/checkout"}
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s, Mode: schemas.ScanDeep})
		assert.Equal(t, schemas.StatusWarning, res.Status)
		assert.Equal(t, IssueCheckoutUnreachable, res.IssueType)
		assert.GreaterOrEqual(t, res.Confidence, 0.7)
		assert.Equal(t, []string{"k"}, s.cleared, "cart is reverted even when checkout fails")
	})

	t.Run("DeepFunnelRestoresExistingLineQuantity", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptAddToCartProbe] = atcPresent()
		s.clickOK = true
		s.carts = []*schemas.CartState{
			{ItemCount: 2, Items: []schemas.CartItem{{Key: "111:abc", Quantity: 2}}},
			{ItemCount: 3, Items: []schemas.CartItem{{Key: "111:abc", Quantity: 3}}},
		}
		s.checkout = schemas.CheckoutResult{Reachable: true, StatusCode: 200, FinalURL: "https://shop.example/checkouts/cn/1"}
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s, Mode: schemas.ScanDeep})
		assert.Equal(t, schemas.StatusPass, res.Status)
		assert.Empty(t, s.cleared, "a line the shopper already had is never removed")
		assert.Equal(t, map[string]int{"111:abc": 2}, s.restored)
	})

	t.Run("DeepFunnelReturnsToProductAfterFormSubmit", func(t *testing.T) {
		page := schemas.ProductPage{ID: "p", URL: "https://shop.example/products/mug"}
		s := newFakeSession()
		s.evals[scriptAddToCartProbe] = atcPresent()
		s.evals[scriptLocationHref] = "https://shop.example/cart"
		s.clickOK = true
		s.carts = []*schemas.CartState{
			{ItemCount: 0},
			{ItemCount: 1, Items: []schemas.CartItem{{Key: "k", Quantity: 1}}},
		}
		s.checkout = schemas.CheckoutResult{Reachable: true}
		res := Run(ctx, zap.NewNop(), d, &Target{Page: page, Session: s, Mode: schemas.ScanDeep})
		assert.Equal(t, schemas.StatusPass, res.Status)
		assert.Equal(t, []string{page.URL}, s.navigated)
		assert.Equal(t, []string{"k"}, s.cleared)
	})

	t.Run("DeepFunnelStaysOnAjaxCart", func(t *testing.T) {
		page := schemas.ProductPage{ID: "p", URL: "https://shop.example/products/mug"}
		s := newFakeSession()
		s.evals[scriptAddToCartProbe] = atcPresent()
		s.evals[scriptLocationHref] = "https://shop.example/products/mug/?variant=1#reviews"
		s.clickOK = true
		s.carts = []*schemas.CartState{
			{ItemCount: 0},
			{ItemCount: 1, Items: []schemas.CartItem{{Key: "k", Quantity: 1}}},
		}
		s.checkout = schemas.CheckoutResult{Reachable: true}
		Run(ctx, zap.NewNop(), d, &Target{Page: page, Session: s, Mode: schemas.ScanDeep})
		assert.Empty(t, s.navigated)
	})

	t.Run("DeepVariantSelectionEnablesButton", func(t *testing.T) {
		s := newFakeSession()
		probe := atcPresent()
		probe["disabled"] = true
		s.evals[scriptAddToCartProbe] = probe
		s.afterVariant = map[string]any{scriptAddToCartProbe: atcPresent()}
		s.variant = schemas.VariantSwatch
		s.clickOK = true
		s.carts = []*schemas.CartState{
			{ItemCount: 0},
			{ItemCount: 1, Items: []schemas.CartItem{{Key: "k", Quantity: 1}}},
		}
		s.checkout = schemas.CheckoutResult{Reachable: true}
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s, Mode: schemas.ScanDeep})
		assert.Equal(t, schemas.StatusPass, res.Status)
	})

	t.Run("ProbeFailureIsInconclusive", func(t *testing.T) {
		res := Run(ctx, zap.NewNop(), d, &Target{Session: newFakeSession()})
		assert.Equal(t, schemas.StatusInconclusive, res.Status)
	})
}

func TestJSErrorDetector(t *testing.T) {
	ctx := context.Background()
	d := NewJSErrorDetector(zap.NewNop())
	run := func(errs ...schemas.JSError) schemas.DetectionResult {
		return Run(ctx, zap.NewNop(), d, &Target{Capture: &schemas.ScanCapture{JSErrors: errs, CriticalJSErrors: errs}})
	}

	res := run()
	assert.Equal(t, schemas.StatusPass, res.Status)

	res = run(schemas.JSError{Message: "TypeError: Cannot read properties of undefined (reading 'variant')"})
	assert.Equal(t, schemas.StatusFail, res.Status)
	assert.Equal(t, 0.95, res.Confidence)

	res = run(schemas.JSError{Message: "Uncaught error in cart drawer"})
	assert.Equal(t, schemas.StatusFail, res.Status)
	assert.Equal(t, 0.75, res.Confidence)

	res = run(
		schemas.JSError{Message: "ReferenceError: foo is not defined"},
		schemas.JSError{Message: "TypeError: bar is null"},
	)
	assert.Equal(t, schemas.StatusWarning, res.Status)
	assert.InDelta(t, 0.75, res.Confidence, 1e-9)

	res = run(schemas.JSError{Message: "Something odd happened"})
	assert.Equal(t, schemas.StatusWarning, res.Status)
	assert.Equal(t, 0.5, res.Confidence)

	res = Run(ctx, zap.NewNop(), d, &Target{})
	assert.Equal(t, schemas.StatusInconclusive, res.Status)
}

func TestLiquidErrorDetector(t *testing.T) {
	ctx := context.Background()
	d := NewLiquidErrorDetector(zap.NewNop())

	t.Run("CleanMarkupPasses", func(t *testing.T) {
		res := Run(ctx, zap.NewNop(), d, &Target{Capture: &schemas.ScanCapture{HTML: "<html><body>ok</body></html>"}})
		assert.Equal(t, schemas.StatusPass, res.Status)
	})

	t.Run("VisibleRuntimeErrorFails", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptLiquidVisible] = map[string]any{"visible_hits": []string{"Liquid error (sections/main-product line 12): undefined method"}}
		html := `<div>Liquid error (sections/main-product line 12): undefined method</div>`
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s, Capture: &schemas.ScanCapture{HTML: html}})
		assert.Equal(t, schemas.StatusFail, res.Status)
		assert.Equal(t, 0.95, res.Confidence)
		assert.Equal(t, IssueLiquidError, res.IssueType)
	})

	t.Run("TranslationMissingIsWarning", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptLiquidVisible] = map[string]any{"visible_hits": []string{"Translation missing: x.y"}}
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s, Capture: &schemas.ScanCapture{HTML: "<p>Translation missing: x.y</p>"}})
		assert.Equal(t, schemas.StatusWarning, res.Status)
		assert.Equal(t, 0.9, res.Confidence)
	})

	t.Run("SourceOnlyIsLowConfidence", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptLiquidVisible] = map[string]any{"visible_hits": []string{}}
		html := `<script>// Liquid syntax error: Unknown tag</script>`
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s, Capture: &schemas.ScanCapture{HTML: html}})
		assert.Equal(t, schemas.StatusFail, res.Status)
		assert.Equal(t, 0.5, res.Confidence)
	})
}

func TestPriceDetector(t *testing.T) {
	ctx := context.Background()
	d := NewPriceDetector(zap.NewNop())

	for _, placeholder := range []string{"", "Loading...", "$0.00", "0,00 €", "--", "Price"} {
		assert.True(t, IsPlaceholderPrice(placeholder), placeholder)
	}
	for _, real := range []string{"$19.99", "19,99 €", "£1,200", "From $10"} {
		assert.False(t, IsPlaceholderPrice(real), real)
	}

	t.Run("VisiblePricePasses", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptPriceProbe] = map[string]any{
			"candidates": []map[string]any{{"selector": ".price", "text": "$24.00", "visible": true}},
		}
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s})
		assert.Equal(t, schemas.StatusPass, res.Status)
		assert.Equal(t, 1.0, res.Confidence)
	})

	t.Run("FallbackPassesWithLowerConfidence", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptPriceProbe] = map[string]any{
			"fallback": []map[string]any{{"text": "€12,50", "visible": true}},
		}
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s})
		assert.Equal(t, schemas.StatusPass, res.Status)
		assert.Less(t, res.Confidence, 1.0)
	})

	t.Run("PlaceholderFails", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptPriceProbe] = map[string]any{
			"candidates": []map[string]any{{"selector": ".price", "text": "Loading", "visible": true}},
		}
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s})
		assert.Equal(t, schemas.StatusFail, res.Status)
		assert.Equal(t, IssueMissingPrice, res.IssueType)
		assert.Contains(t, res.Details.Message, "placeholder")
		assert.GreaterOrEqual(t, res.Confidence, 0.7)
	})

	t.Run("HiddenPriceFails", func(t *testing.T) {
		s := newFakeSession()
		s.evals[scriptPriceProbe] = map[string]any{
			"candidates": []map[string]any{{"selector": ".price", "text": "$24.00", "visible": false}},
		}
		res := Run(ctx, zap.NewNop(), d, &Target{Session: s})
		assert.Equal(t, schemas.StatusFail, res.Status)
		assert.Contains(t, res.Details.Message, "hidden")
	})
}

func TestImageDetector(t *testing.T) {
	ctx := context.Background()
	d := NewImageDetector(zap.NewNop())
	probe := func(overrides map[string]any) *fakeSession {
		p := map[string]any{
			"found":          true,
			"selector":       ".product__media img",
			"src":            "https://cdn.shop.example/files/mug.jpg?width=800",
			"natural_width":  800,
			"natural_height": 800,
			"complete":       true,
			"visible":        true,
			"image_count":    3,
		}
		for k, v := range overrides {
			p[k] = v
		}
		s := newFakeSession()
		s.evals[scriptImageProbe] = p
		return s
	}

	res := Run(ctx, zap.NewNop(), d, &Target{Session: probe(nil)})
	assert.Equal(t, schemas.StatusPass, res.Status)

	capture := &schemas.ScanCapture{CriticalNetworkErrors: []schemas.NetworkError{
		{URL: "https://cdn.shop.example/files/mug.jpg?width=400", ResourceType: "Image", Status: 404},
	}}
	res = Run(ctx, zap.NewNop(), d, &Target{Session: probe(map[string]any{"natural_width": 0, "natural_height": 0}), Capture: capture})
	assert.Equal(t, schemas.StatusFail, res.Status)
	assert.Equal(t, 0.95, res.Confidence)
	assert.Equal(t, true, res.Details.Evidence["network_corroborated"])

	res = Run(ctx, zap.NewNop(), d, &Target{Session: probe(map[string]any{"natural_width": 64, "natural_height": 64})})
	assert.Equal(t, schemas.StatusWarning, res.Status)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)

	res = Run(ctx, zap.NewNop(), d, &Target{Session: probe(map[string]any{"found": false, "image_count": 0})})
	assert.Equal(t, schemas.StatusFail, res.Status)
	assert.Equal(t, IssueMissingImages, res.IssueType)
}

func TestPageLoadDetector(t *testing.T) {
	ctx := context.Background()
	d := NewPageLoadDetector(zap.NewNop(), 5*time.Second)
	run := func(took time.Duration) schemas.DetectionResult {
		return Run(ctx, zap.NewNop(), d, &Target{Capture: &schemas.ScanCapture{LoadDuration: took}})
	}

	res := run(7500 * time.Millisecond)
	assert.Equal(t, schemas.StatusWarning, res.Status)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, IssueSlowPageLoad, res.IssueType)

	res = run(16 * time.Second)
	assert.Equal(t, schemas.StatusFail, res.Status)

	res = run(1500 * time.Millisecond)
	assert.Equal(t, schemas.StatusPass, res.Status)
	assert.True(t, strings.HasPrefix(res.Details.Message, "Page loaded in"))

	res = run(0)
	assert.Equal(t, schemas.StatusInconclusive, res.Status)
}
