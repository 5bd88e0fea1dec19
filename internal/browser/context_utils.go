// internal/browser/context_utils.go
package browser

import (
	"context"
)

// CombineContext derives a context from valueCtx (which carries the chromedp
// target) that is also canceled when deadlineCtx is done. chromedp actions need
// the values of the tab context but the deadline of the caller.
func CombineContext(valueCtx, deadlineCtx context.Context) (context.Context, context.CancelFunc) {
	if d, ok := deadlineCtx.Deadline(); ok {
		combined, cancel := context.WithDeadline(valueCtx, d)
		stop := context.AfterFunc(deadlineCtx, cancel)
		return combined, func() {
			stop()
			cancel()
		}
	}
	combined, cancel := context.WithCancel(valueCtx)
	stop := context.AfterFunc(deadlineCtx, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
