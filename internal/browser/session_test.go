// internal/browser/session_test.go
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
)

// fakeDriver scripts the low-level tab so session behavior can be tested
// without a browser.
type fakeDriver struct {
	mu sync.Mutex

	openErr    error
	navigateFn func(ctx context.Context, url string, attempt int) (*documentResponse, error)
	idleErr    error
	evalValues map[string]any
	evalErr    error
	shot       []byte
	sig        signals

	navigations int
	resets      int
	closes      int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{evalValues: map[string]any{}}
}

func (f *fakeDriver) open(context.Context) error { return f.openErr }

func (f *fakeDriver) navigate(ctx context.Context, url string) (*documentResponse, error) {
	f.mu.Lock()
	f.navigations++
	attempt := f.navigations
	fn := f.navigateFn
	f.mu.Unlock()
	if fn == nil {
		return &documentResponse{StatusCode: 200, FinalURL: url}, nil
	}
	return fn(ctx, url, attempt)
}

func (f *fakeDriver) waitNetworkIdle(context.Context, time.Duration) error { return f.idleErr }

func (f *fakeDriver) evaluate(_ context.Context, script string, res any) error {
	if f.evalErr != nil {
		return f.evalErr
	}
	val, ok := f.evalValues[script]
	if !ok {
		return errors.New("no value")
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	return json.Unmarshal(raw, res)
}

func (f *fakeDriver) screenshot(context.Context) ([]byte, error) {
	if f.shot == nil {
		return nil, errors.New("no screenshot")
	}
	return f.shot, nil
}

func (f *fakeDriver) inflight() int { return 0 }
func (f *fakeDriver) resetSignals() { f.resets++ }
func (f *fakeDriver) snapshot() signals { return f.sig }

func (f *fakeDriver) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func testScanConfig() config.ScanConfig {
	return config.ScanConfig{
		PageTimeout:        time.Second,
		NavigationRetries:  2,
		RetryBackoff:       time.Millisecond,
		NetworkIdle:        time.Millisecond,
		PartialLoadMinHTML: 5000,
		EvalTimeout:        time.Second,
		SettleTimeout:      50 * time.Millisecond,
		SettleInterval:     5 * time.Millisecond,
		HTMLMaxBytes:       64,
		ConsoleMaxEntries:  2,
	}
}

func startedSession(t *testing.T, d *fakeDriver) *Session {
	t.Helper()
	s := newSession(zap.NewNop(), testScanConfig(), d, nil)
	s.sleepFn = func(context.Context, time.Duration) error { return nil }
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	t.Run("CloseIsIdempotentAndSafeBeforeStart", func(t *testing.T) {
		d := newFakeDriver()
		calls := 0
		s := newSession(zap.NewNop(), testScanConfig(), d, func() { calls++ })

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		assert.Equal(t, 1, d.closes)
		assert.Equal(t, 1, calls)
		assert.False(t, s.Started())
	})

	t.Run("StartAfterCloseFails", func(t *testing.T) {
		s := newSession(zap.NewNop(), testScanConfig(), newFakeDriver(), nil)
		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Start(context.Background()), ErrSessionClosed)
		assert.False(t, s.Started())
	})

	t.Run("StartPropagatesDriverError", func(t *testing.T) {
		d := newFakeDriver()
		d.openErr = errors.New("no browser")
		s := newSession(zap.NewNop(), testScanConfig(), d, nil)
		assert.Error(t, s.Start(context.Background()))
		assert.False(t, s.Started())
	})

	t.Run("OperationsBeforeStartDegrade", func(t *testing.T) {
		d := newFakeDriver()
		d.evalValues[scriptOuterHTML] = "<html></html>"
		s := newSession(zap.NewNop(), testScanConfig(), d, nil)
		ctx := context.Background()

		var out string
		assert.False(t, s.Evaluate(ctx, scriptOuterHTML, 0, &out))
		assert.Nil(t, s.Screenshot(ctx))
		assert.Empty(t, s.Content(ctx))

		res := s.NavigateTo(ctx, "https://shop.example/products/a")
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, ErrSessionNotStarted)
	})
}

func TestSessionEvaluate(t *testing.T) {
	d := newFakeDriver()
	d.evalValues["answer"] = 42
	s := startedSession(t, d)

	var n int
	assert.True(t, s.Evaluate(context.Background(), "answer", 0, &n))
	assert.Equal(t, 42, n)

	assert.False(t, s.Evaluate(context.Background(), "throw new Error()", 0, &n), "script errors report false")
}

func TestNavigateTo(t *testing.T) {
	ctx := context.Background()
	const target = "https://shop.example/products/mug"

	t.Run("Success", func(t *testing.T) {
		d := newFakeDriver()
		d.navigateFn = func(_ context.Context, url string, _ int) (*documentResponse, error) {
			return &documentResponse{StatusCode: 200, FinalURL: url, Headers: map[string]string{"x-shopid": "1"}}, nil
		}
		s := startedSession(t, d)

		res := s.NavigateTo(ctx, target)
		require.True(t, res.Success)
		assert.NoError(t, res.Err)
		assert.Equal(t, 200, res.StatusCode)
		assert.Equal(t, target, res.FinalURL)
		assert.False(t, res.PartialLoad)
		assert.Equal(t, 1, d.navigations)
		assert.Equal(t, 1, d.resets, "signals are reset before each navigation")
	})

	t.Run("RetriesServerErrorsThenSucceeds", func(t *testing.T) {
		d := newFakeDriver()
		d.navigateFn = func(_ context.Context, url string, attempt int) (*documentResponse, error) {
			if attempt < 3 {
				return &documentResponse{StatusCode: 503, FinalURL: url}, nil
			}
			return &documentResponse{StatusCode: 200, FinalURL: url}, nil
		}
		s := startedSession(t, d)

		res := s.NavigateTo(ctx, target)
		assert.True(t, res.Success)
		assert.Equal(t, 3, d.navigations)
	})

	t.Run("GivesUpAfterRetryBudget", func(t *testing.T) {
		d := newFakeDriver()
		d.navigateFn = func(context.Context, string, int) (*documentResponse, error) {
			return nil, errors.New("net::ERR_CONNECTION_REFUSED")
		}
		s := startedSession(t, d)

		res := s.NavigateTo(ctx, target)
		require.False(t, res.Success)
		assert.Equal(t, 3, d.navigations, "one attempt plus two retries")
		navErr, ok := schemas.AsNavigationError(res.Err)
		require.True(t, ok)
		assert.Equal(t, schemas.NavConnection, navErr.Reason)
	})

	t.Run("ClientErrorIsNotRetried", func(t *testing.T) {
		d := newFakeDriver()
		d.navigateFn = func(_ context.Context, url string, _ int) (*documentResponse, error) {
			return &documentResponse{StatusCode: 404, FinalURL: url}, nil
		}
		s := startedSession(t, d)

		res := s.NavigateTo(ctx, target)
		require.False(t, res.Success)
		assert.Equal(t, 1, d.navigations)
		assert.Equal(t, 404, res.StatusCode)
		navErr, ok := schemas.AsNavigationError(res.Err)
		require.True(t, ok)
		assert.Equal(t, schemas.NavHTTPStatus, navErr.Reason)
		assert.Contains(t, navErr.Error(), "404")
	})

	t.Run("PasswordRedirect", func(t *testing.T) {
		d := newFakeDriver()
		d.navigateFn = func(context.Context, string, int) (*documentResponse, error) {
			return &documentResponse{StatusCode: 401, FinalURL: "https://shop.example/password"}, nil
		}
		s := startedSession(t, d)

		res := s.NavigateTo(ctx, target)
		require.False(t, res.Success)
		assert.True(t, res.PasswordProtected)
		assert.Equal(t, 1, d.navigations, "password protection is never retried")
		navErr, ok := schemas.AsNavigationError(res.Err)
		require.True(t, ok)
		assert.Equal(t, schemas.NavPasswordProtected, navErr.Reason)
	})

	t.Run("PasswordFormOnPage", func(t *testing.T) {
		d := newFakeDriver()
		d.evalValues[scriptPasswordProtected] = true
		s := startedSession(t, d)

		res := s.NavigateTo(ctx, target)
		assert.False(t, res.Success)
		assert.True(t, res.PasswordProtected)
	})

	t.Run("TimeoutWithContentIsPartialLoad", func(t *testing.T) {
		d := newFakeDriver()
		d.idleErr = context.DeadlineExceeded
		d.evalValues[scriptBodyLength] = 12000
		s := startedSession(t, d)

		res := s.NavigateTo(ctx, target)
		require.True(t, res.Success)
		assert.True(t, res.PartialLoad)
		assert.Equal(t, 1, d.navigations)

		capture := s.Capture(ctx)
		assert.True(t, capture.PartialLoad)
	})

	t.Run("TimeoutWithoutContentFails", func(t *testing.T) {
		d := newFakeDriver()
		d.idleErr = context.DeadlineExceeded
		d.evalValues[scriptBodyLength] = 100
		s := startedSession(t, d)

		res := s.NavigateTo(ctx, target)
		require.False(t, res.Success)
		assert.Equal(t, 3, d.navigations)
		navErr, ok := schemas.AsNavigationError(res.Err)
		require.True(t, ok)
		assert.Equal(t, schemas.NavTimeout, navErr.Reason)
	})

	t.Run("CanceledContextStopsRetries", func(t *testing.T) {
		d := newFakeDriver()
		cctx, cancel := context.WithCancel(ctx)
		d.navigateFn = func(context.Context, string, int) (*documentResponse, error) {
			cancel()
			return nil, context.Canceled
		}
		s := startedSession(t, d)

		res := s.NavigateTo(cctx, target)
		assert.False(t, res.Success)
		assert.Equal(t, 1, d.navigations)
	})
}

func TestCapture(t *testing.T) {
	d := newFakeDriver()
	d.evalValues[scriptOuterHTML] = strings.Repeat("é", 40)
	d.shot = []byte{0x89, 'P', 'N', 'G'}
	d.sig = signals{
		JSErrors: []schemas.JSError{
			{Message: "TypeError: x is undefined"},
			{Message: "fbq is not defined"},
		},
		ConsoleLogs: []schemas.ConsoleLog{{Text: "a"}, {Text: "b"}, {Text: "c"}},
		NetworkErrors: []schemas.NetworkError{
			{URL: "https://shop.example/cart.js", Status: 500},
			{URL: "https://www.google-analytics.com/collect", Status: 0, FailureReason: "net::ERR_FAILED"},
		},
	}
	s := startedSession(t, d)
	ctx := context.Background()

	require.True(t, s.NavigateTo(ctx, "https://shop.example/products/a").Success)
	c := s.Capture(ctx)

	assert.True(t, c.HTMLTruncated)
	assert.LessOrEqual(t, len(c.HTML), 64)
	assert.True(t, strings.HasPrefix(strings.Repeat("é", 40), c.HTML), "truncation keeps whole runes")
	assert.Len(t, c.ConsoleLogs, 2)
	assert.Equal(t, d.shot, c.Screenshot)
	assert.Len(t, c.JSErrors, 2)
	assert.Len(t, c.CriticalJSErrors, 1)
	assert.Len(t, c.CriticalNetworkErrors, 1)
	assert.Equal(t, 200, c.StatusCode)
}

func TestFunnelHelpers(t *testing.T) {
	ctx := context.Background()

	t.Run("SelectFirstVariantFallsThrough", func(t *testing.T) {
		d := newFakeDriver()
		d.evalValues[scriptReadyState] = "complete"
		d.evalValues[scriptSelectVariantSelect] = false
		d.evalValues[scriptSelectVariantRadio] = true
		s := startedSession(t, d)
		assert.Equal(t, schemas.VariantRadio, s.SelectFirstVariant(ctx))
	})

	t.Run("SelectFirstVariantNone", func(t *testing.T) {
		s := startedSession(t, newFakeDriver())
		assert.Equal(t, schemas.VariantNone, s.SelectFirstVariant(ctx))
	})

	t.Run("ReadCartState", func(t *testing.T) {
		d := newFakeDriver()
		d.evalValues[scriptReadCart] = map[string]any{
			"item_count": 1,
			"items":      []map[string]any{{"key": "123:abc", "variant_id": 123, "quantity": 1}},
		}
		s := startedSession(t, d)
		cart, ok := s.ReadCartState(ctx)
		require.True(t, ok)
		assert.Equal(t, 1, cart.ItemCount)
		assert.Equal(t, map[string]int{"123:abc": 1}, cart.Keys())
	})

	t.Run("NavigateToCheckout", func(t *testing.T) {
		d := newFakeDriver()
		d.evalValues[scriptCheckout] = map[string]any{"status": 200, "url": "https://shop.example/checkouts/cn/abc"}
		s := startedSession(t, d)
		res := s.NavigateToCheckout(ctx)
		assert.True(t, res.Reachable)
		assert.Equal(t, 200, res.StatusCode)
	})

	t.Run("CheckoutLandingOnCartIsUnreachable", func(t *testing.T) {
		d := newFakeDriver()
		d.evalValues[scriptCheckout] = map[string]any{"status": 200, "url": "https://shop.example/cart"}
		s := startedSession(t, d)
		assert.False(t, s.NavigateToCheckout(ctx).Reachable)
	})
}

func TestIsCheckoutURL(t *testing.T) {
	assert.True(t, IsCheckoutURL("https://shop.example/checkouts/cn/abc"))
	assert.True(t, IsCheckoutURL("https://shop.example/checkout"))
	assert.True(t, IsCheckoutURL("https://shop.example/checkout/"))
	assert.False(t, IsCheckoutURL("https://shop.example/cart"))
	assert.False(t, IsCheckoutURL("://bad"))
}
