package llmclient

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// Limited wraps a client with a request rate limit and a per-request timeout.
type Limited struct {
	next    schemas.LLMClient
	limiter *rate.Limiter
	timeout time.Duration
}

// NewLimited allows requestsPerMinute requests with a burst of one. Zero or
// negative disables the limit; a zero timeout disables the per-request bound.
func NewLimited(next schemas.LLMClient, requestsPerMinute int, timeout time.Duration) *Limited {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(limit, 1),
		timeout: timeout,
	}
}

func (l *Limited) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	return l.next.Generate(ctx, req)
}

func (l *Limited) Close() error {
	return l.next.Close()
}
