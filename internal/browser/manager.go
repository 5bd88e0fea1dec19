// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 pdpwatch"

// Manager owns the browser allocator and hands out sessions. In local mode it
// launches Chrome processes; in remote mode it connects to a browser service.
type Manager struct {
	logger     *zap.Logger
	browserCfg config.BrowserConfig
	scanCfg    config.ScanConfig

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	// wg tracks open sessions for a graceful shutdown.
	wg sync.WaitGroup
}

var _ schemas.SessionFactory = (*Manager)(nil)

// NewManager validates the connection mode and prepares the allocator. Production
// never falls back to a local launch.
func NewManager(ctx context.Context, logger *zap.Logger, cfg *config.Config) (*Manager, error) {
	bc := cfg.Browser()
	if cfg.IsProduction() && (bc.Mode != config.BrowserModeRemote || bc.RemoteURL == "") {
		return nil, config.ErrLocalBrowserInProduction
	}

	m := &Manager{
		logger:     logger.Named("browser_manager"),
		browserCfg: bc,
		scanCfg:    cfg.Scan(),
	}

	switch bc.Mode {
	case config.BrowserModeRemote:
		if bc.RemoteURL == "" {
			return nil, fmt.Errorf("browser.remote_url is required in remote mode")
		}
		m.allocatorCtx, m.allocatorCancel = chromedp.NewRemoteAllocator(ctx, bc.RemoteURL)
		m.logger.Info("Using remote browser service.", zap.String("remote_url", redactURL(bc.RemoteURL)))
	case config.BrowserModeLocal:
		m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, m.buildAllocatorOptions()...)
		m.logger.Info("Using local browser launch.", zap.Bool("headless", bc.Headless))
	default:
		return nil, fmt.Errorf("unknown browser mode %q", bc.Mode)
	}
	return m, nil
}

// buildAllocatorOptions assembles the flags for a local browser process.
func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	// Later flags override the defaults, including the default headless flag.
	opts = append(opts,
		chromedp.Flag("headless", m.browserCfg.Headless),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-gpu", m.browserCfg.Headless),
	)
	if m.browserCfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.browserCfg.ExecPath))
	}

	for _, arg := range m.browserCfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	// Containers need these on Linux.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	return opts
}

// NewSession returns an unstarted session backed by its own browser tab.
func (m *Manager) NewSession(_ context.Context) (schemas.PageSession, error) {
	if m.allocatorCtx.Err() != nil {
		return nil, fmt.Errorf("browser manager is shut down: %w", m.allocatorCtx.Err())
	}
	width, height := int64(1366), int64(900)
	if w, ok := m.browserCfg.Viewport["width"]; ok && w > 0 {
		width = int64(w)
	}
	if h, ok := m.browserCfg.Viewport["height"]; ok && h > 0 {
		height = int64(h)
	}
	ua := m.browserCfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	driver := newCDPDriver(m.allocatorCtx, m.logger, driverOptions{
		viewportWidth:  width,
		viewportHeight: height,
		userAgent:      ua,
		blockResources: m.browserCfg.BlockResources,
		maxEntries:     m.scanCfg.ConsoleMaxEntries,
	})

	m.wg.Add(1)
	var once sync.Once
	return newSession(m.logger, m.scanCfg, driver, func() { once.Do(m.wg.Done) }), nil
}

// Shutdown waits for open sessions, bounded by ctx, and then releases the allocator.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated. Waiting for active sessions to close...")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions have closed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	m.allocatorCancel()
	select {
	case <-m.allocatorCtx.Done():
	case <-time.After(5 * time.Second):
	}
	return nil
}

// redactURL strips credentials and query tokens from a browser service URL before logging.
func redactURL(raw string) string {
	if i := strings.Index(raw, "?"); i >= 0 {
		raw = raw[:i] + "?<redacted>"
	}
	if at := strings.Index(raw, "@"); at >= 0 {
		if scheme := strings.Index(raw, "://"); scheme >= 0 && scheme < at {
			raw = raw[:scheme+3] + "<redacted>" + raw[at:]
		}
	}
	return raw
}
