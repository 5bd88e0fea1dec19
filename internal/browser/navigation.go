// internal/browser/navigation.go
package browser

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// NavigateTo loads targetURL and waits for the network to go idle.
//
// A navigation that times out but already rendered substantial markup is
// reported as a partial success. Other failures are retried with a backoff up
// to the configured retry budget. Password-protected storefronts are reported
// as their own failure mode and never retried.
func (s *Session) NavigateTo(ctx context.Context, targetURL string) schemas.NavigationResult {
	if !s.Started() {
		return navFailure(targetURL, schemas.NavConnection, 0, ErrSessionNotStarted)
	}

	logger := s.logger.With(zap.String("url", targetURL))
	var lastErr error
	var lastReason schemas.NavFailureReason
	var lastStatus int

	for attempt := 0; attempt <= s.cfg.NavigationRetries; attempt++ {
		if attempt > 0 {
			logger.Info("Retrying navigation.", zap.Int("attempt", attempt+1), zap.Error(lastErr))
			if err := s.sleepFn(ctx, s.cfg.RetryBackoff); err != nil {
				break
			}
		}

		res, retry := s.navigateOnce(ctx, targetURL)
		if res.Success || !retry {
			return res
		}
		lastErr = res.Err
		lastStatus = res.StatusCode
		lastReason = schemas.NavConnection
		if navErr, ok := schemas.AsNavigationError(res.Err); ok {
			lastReason = navErr.Reason
			lastErr = navErr.Err
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return navFailure(targetURL, schemas.NavTimeout, lastStatus, ctx.Err())
	}
	return navFailure(targetURL, lastReason, lastStatus, lastErr)
}

// navigateOnce performs a single attempt. The boolean reports whether the
// failure is worth retrying.
func (s *Session) navigateOnce(ctx context.Context, targetURL string) (schemas.NavigationResult, bool) {
	s.driver.resetSignals()
	start := time.Now()

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.PageTimeout)
	defer cancel()

	doc, err := s.driver.navigate(navCtx, targetURL)
	if err == nil {
		err = s.driver.waitNetworkIdle(navCtx, s.cfg.NetworkIdle)
	}
	elapsed := time.Since(start)

	partial := false
	if err != nil {
		if !isTimeout(err) || ctx.Err() != nil {
			return navFailure(targetURL, schemas.NavConnection, 0, err), true
		}
		// Timed out: the page may still be perfectly usable.
		if n := s.bodyLength(ctx); n <= s.cfg.PartialLoadMinHTML {
			return navFailure(targetURL, schemas.NavTimeout, 0, err), true
		}
		s.logger.Info("Navigation timed out with substantial content; continuing with partial load.",
			zap.String("url", targetURL), zap.Duration("elapsed", elapsed))
		partial = true
	}
	if doc == nil {
		doc = &documentResponse{FinalURL: targetURL}
	}

	// Password pages are often served with a 401, so check them before the status.
	if s.isPasswordProtected(ctx, doc.FinalURL) {
		res := navFailure(targetURL, schemas.NavPasswordProtected, doc.StatusCode, nil)
		res.PasswordProtected = true
		return res, false
	}
	if doc.StatusCode >= 400 {
		// Server errors may be transient; client errors will not change on retry.
		return navFailure(targetURL, schemas.NavHTTPStatus, doc.StatusCode, nil), doc.StatusCode >= 500
	}

	s.mu.Lock()
	s.lastNav = navState{
		url:         targetURL,
		finalURL:    doc.FinalURL,
		statusCode:  doc.StatusCode,
		headers:     doc.Headers,
		partialLoad: partial,
		duration:    elapsed,
	}
	s.mu.Unlock()

	return schemas.NavigationResult{
		Success:     true,
		StatusCode:  doc.StatusCode,
		PartialLoad: partial,
		FinalURL:    doc.FinalURL,
		Headers:     doc.Headers,
		Duration:    elapsed,
	}, false
}

func (s *Session) bodyLength(ctx context.Context) int {
	var n int
	if !s.Evaluate(ctx, scriptBodyLength, 0, &n) {
		return 0
	}
	return n
}

func (s *Session) isPasswordProtected(ctx context.Context, finalURL string) bool {
	if u, err := url.Parse(finalURL); err == nil && strings.TrimSuffix(u.Path, "/") == "/password" {
		return true
	}
	var protected bool
	return s.Evaluate(ctx, scriptPasswordProtected, 0, &protected) && protected
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func navFailure(targetURL string, reason schemas.NavFailureReason, status int, err error) schemas.NavigationResult {
	return schemas.NavigationResult{
		StatusCode:        status,
		PasswordProtected: reason == schemas.NavPasswordProtected,
		Err: &schemas.NavigationError{
			Reason:     reason,
			URL:        targetURL,
			StatusCode: status,
			Err:        err,
		},
	}
}
