// internal/browser/driver.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// documentResponse is what the driver learned about the main document.
type documentResponse struct {
	StatusCode int
	FinalURL   string
	Headers    map[string]string
}

// pageDriver is the low-level tab the Session drives. The chromedp
// implementation is the only production one.
type pageDriver interface {
	open(ctx context.Context) error
	navigate(ctx context.Context, url string) (*documentResponse, error)
	waitNetworkIdle(ctx context.Context, quiet time.Duration) error
	evaluate(ctx context.Context, script string, res any) error
	screenshot(ctx context.Context) ([]byte, error)
	inflight() int
	resetSignals()
	snapshot() signals
	close() error
}

type driverOptions struct {
	viewportWidth  int64
	viewportHeight int64
	userAgent      string
	blockResources bool
	maxEntries     int
}

// cdpDriver drives one browser tab through chromedp.
type cdpDriver struct {
	logger   *zap.Logger
	parent   context.Context
	opts     driverOptions
	harvest  *Harvester
	mu       sync.Mutex
	tabCtx   context.Context
	tabClose context.CancelFunc
}

func newCDPDriver(allocCtx context.Context, logger *zap.Logger, opts driverOptions) *cdpDriver {
	return &cdpDriver{
		logger:  logger,
		parent:  allocCtx,
		opts:    opts,
		harvest: NewHarvester(logger, opts.maxEntries),
	}
}

func (d *cdpDriver) open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tabCtx != nil {
		return nil
	}

	tabCtx, cancel := chromedp.NewContext(d.parent)

	// The first Run allocates the browser and target, and chromedp ties their
	// lifetime to the context it is given. Run it on tabCtx itself and bound the
	// wait separately.
	allocated := make(chan error, 1)
	go func() { allocated <- chromedp.Run(tabCtx) }()
	select {
	case err := <-allocated:
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create browser tab: %w", err)
		}
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("failed to create browser tab: %w", ctx.Err())
	}

	runCtx, stop := CombineContext(tabCtx, ctx)
	defer stop()
	actions := []chromedp.Action{chromedp.EmulateViewport(d.opts.viewportWidth, d.opts.viewportHeight)}
	if d.opts.userAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(d.opts.userAgent))
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		cancel()
		return fmt.Errorf("failed to configure browser tab: %w", err)
	}
	if err := d.harvest.Attach(tabCtx); err != nil {
		cancel()
		return err
	}
	if d.opts.blockResources {
		if err := d.enableBlocking(tabCtx); err != nil {
			// Blocking only speeds navigation up; carry on without it.
			d.logger.Warn("Resource blocking unavailable.", zap.Error(err))
		}
	}

	d.tabCtx = tabCtx
	d.tabClose = cancel
	return nil
}

// enableBlocking pauses every request and fails fonts, media and denylisted hosts.
func (d *cdpDriver) enableBlocking(tabCtx context.Context) error {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		// The listener must not block the event loop, so answer from a goroutine.
		go func() {
			c := chromedp.FromContext(tabCtx)
			if c == nil || c.Target == nil {
				return
			}
			execCtx := cdp.WithExecutor(tabCtx, c.Target)
			url := ""
			if e.Request != nil {
				url = e.Request.URL
			}
			var err error
			if ShouldBlock(string(e.ResourceType), url) {
				err = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
			} else {
				err = fetch.ContinueRequest(e.RequestID).Do(execCtx)
			}
			if err != nil && tabCtx.Err() == nil {
				d.logger.Debug("Failed to answer paused request.", zap.String("url", url), zap.Error(err))
			}
		}()
	})
	return chromedp.Run(tabCtx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}))
}

func (d *cdpDriver) tab() (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tabCtx == nil {
		return nil, ErrSessionNotStarted
	}
	return d.tabCtx, nil
}

func (d *cdpDriver) navigate(ctx context.Context, url string) (*documentResponse, error) {
	tabCtx, err := d.tab()
	if err != nil {
		return nil, err
	}
	runCtx, stop := CombineContext(tabCtx, ctx)
	defer stop()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		// A navigation cut short by the caller's deadline surfaces as a canceled
		// tab context; report the caller's error so timeouts stay recognizable.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	doc := &documentResponse{FinalURL: url}
	if resp != nil {
		doc.StatusCode = int(resp.Status)
		doc.FinalURL = resp.URL
		doc.Headers = make(map[string]string, len(resp.Headers))
		for k, v := range resp.Headers {
			doc.Headers[k] = fmt.Sprint(v)
		}
	}
	return doc, nil
}

func (d *cdpDriver) waitNetworkIdle(ctx context.Context, quiet time.Duration) error {
	return d.harvest.WaitNetworkIdle(ctx, quiet)
}

func (d *cdpDriver) evaluate(ctx context.Context, script string, res any) error {
	tabCtx, err := d.tab()
	if err != nil {
		return err
	}
	runCtx, stop := CombineContext(tabCtx, ctx)
	defer stop()

	err = chromedp.Run(runCtx, chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (d *cdpDriver) screenshot(ctx context.Context) ([]byte, error) {
	tabCtx, err := d.tab()
	if err != nil {
		return nil, err
	}
	runCtx, stop := CombineContext(tabCtx, ctx)
	defer stop()

	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *cdpDriver) inflight() int     { return d.harvest.Inflight() }
func (d *cdpDriver) resetSignals()     { d.harvest.Reset() }
func (d *cdpDriver) snapshot() signals { return d.harvest.Snapshot() }

func (d *cdpDriver) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tabCtx == nil {
		return nil
	}
	// chromedp.Cancel closes the target gracefully; the cancel func releases it regardless.
	err := chromedp.Cancel(d.tabCtx)
	d.tabClose()
	d.tabCtx, d.tabClose = nil, nil
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close browser tab: %w", err)
	}
	return nil
}
