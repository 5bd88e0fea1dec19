// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
)

var (
	// ErrSessionNotStarted is returned by operations that need an open tab.
	ErrSessionNotStarted = errors.New("browser session not started")
	// ErrSessionClosed is returned by Start after Close.
	ErrSessionClosed = errors.New("browser session closed")
)

// Session owns one headless-browser page and implements schemas.PageSession.
// Close is idempotent, safe before Start, and always releases the tab.
type Session struct {
	logger  *zap.Logger
	cfg     config.ScanConfig
	driver  pageDriver
	onClose func()

	mu      sync.Mutex
	started bool
	closed  bool
	lastNav navState
	sleepFn func(ctx context.Context, d time.Duration) error
}

// navState is what the session remembers about its most recent navigation.
type navState struct {
	url         string
	finalURL    string
	statusCode  int
	headers     map[string]string
	partialLoad bool
	duration    time.Duration
}

var _ schemas.PageSession = (*Session)(nil)

func newSession(logger *zap.Logger, cfg config.ScanConfig, driver pageDriver, onClose func()) *Session {
	return &Session{
		logger:  logger.Named("session"),
		cfg:     cfg,
		driver:  driver,
		onClose: onClose,
		sleepFn: sleepCtx,
	}
}

// Start opens the browser tab. Calling Start on a started session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.started {
		return nil
	}
	if err := s.driver.open(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Started reports whether the tab is open.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Close releases the tab. It can be called any number of times, including
// before Start.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.started = false
	s.mu.Unlock()

	err := s.driver.close()
	if s.onClose != nil {
		s.onClose()
	}
	if err != nil {
		s.logger.Warn("Error while closing browser tab.", zap.Error(err))
	}
	return err
}

// Evaluate runs script with a hard timeout. It returns false if the script
// threw, timed out, or returned nothing; callers treat that as missing data.
func (s *Session) Evaluate(ctx context.Context, script string, timeout time.Duration, res any) bool {
	if !s.Started() {
		return false
	}
	if timeout <= 0 {
		timeout = s.evalTimeout()
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.driver.evaluate(evalCtx, script, res); err != nil {
		s.logger.Debug("Script evaluation produced no value.", zap.Error(err), zap.String("script", truncate(script, 120)))
		return false
	}
	return true
}

// Screenshot captures the viewport, or returns nil on failure.
func (s *Session) Screenshot(ctx context.Context) []byte {
	if !s.Started() {
		return nil
	}
	shotCtx, cancel := context.WithTimeout(ctx, s.evalTimeout()*2)
	defer cancel()
	buf, err := s.driver.screenshot(shotCtx)
	if err != nil {
		s.logger.Warn("Screenshot failed.", zap.Error(err))
		return nil
	}
	return buf
}

// Content returns the serialized DOM, or an empty string.
func (s *Session) Content(ctx context.Context) string {
	var html string
	if !s.Evaluate(ctx, scriptOuterHTML, 0, &html) {
		return ""
	}
	return html
}

// Click clicks the first element matching selector and waits for the page to
// settle. It returns false if no element matched.
func (s *Session) Click(ctx context.Context, selector string) bool {
	var clicked bool
	if !s.Evaluate(ctx, clickScript(selector), 0, &clicked) || !clicked {
		return false
	}
	s.WaitForSettle(ctx)
	return true
}

// Capture snapshots the page and the signals observed since the last
// navigation. Sizes are bounded by the scan configuration.
func (s *Session) Capture(ctx context.Context) *schemas.ScanCapture {
	s.mu.Lock()
	nav := s.lastNav
	s.mu.Unlock()

	html := s.Content(ctx)
	html, truncated := truncateUTF8(html, s.cfg.HTMLMaxBytes)
	sig := s.driver.snapshot()
	if limit := s.cfg.ConsoleMaxEntries; limit > 0 && len(sig.ConsoleLogs) > limit {
		sig.ConsoleLogs = sig.ConsoleLogs[:limit]
	}

	return &schemas.ScanCapture{
		URL:                   nav.url,
		FinalURL:              nav.finalURL,
		StatusCode:            nav.statusCode,
		ResponseHeaders:       nav.headers,
		PartialLoad:           nav.partialLoad,
		Screenshot:            s.Screenshot(ctx),
		HTML:                  html,
		HTMLTruncated:         truncated,
		JSErrors:              sig.JSErrors,
		ConsoleLogs:           sig.ConsoleLogs,
		NetworkErrors:         sig.NetworkErrors,
		LoadDuration:          nav.duration,
		CapturedAt:            time.Now().UTC(),
		CriticalJSErrors:      CriticalJSErrors(sig.JSErrors),
		CriticalNetworkErrors: CriticalNetworkErrors(sig.NetworkErrors),
	}
}

func (s *Session) evalTimeout() time.Duration {
	if s.cfg.EvalTimeout > 0 {
		return s.cfg.EvalTimeout
	}
	return 5 * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
