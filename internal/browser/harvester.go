// internal/browser/harvester.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

const blockedByClient = "net::ERR_BLOCKED_BY_CLIENT"

// signals is a point-in-time copy of everything the harvester observed.
type signals struct {
	JSErrors      []schemas.JSError
	ConsoleLogs   []schemas.ConsoleLog
	NetworkErrors []schemas.NetworkError
	DroppedLogs   int
}

// Harvester listens to browser events for one tab. It records uncaught
// exceptions, console output, and failed or 4xx+ network requests, and tracks
// in-flight requests for idle detection.
type Harvester struct {
	logger     *zap.Logger
	maxEntries int

	mu            sync.RWMutex
	requests      map[network.RequestID]requestInfo
	inflight      map[network.RequestID]struct{}
	jsErrors      []schemas.JSError
	consoleLogs   []schemas.ConsoleLog
	networkErrors []schemas.NetworkError
	droppedLogs   int
	lastActivity  time.Time
}

type requestInfo struct {
	url          string
	resourceType string
}

// NewHarvester creates a harvester that keeps at most maxEntries of each signal kind.
func NewHarvester(logger *zap.Logger, maxEntries int) *Harvester {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return &Harvester{
		logger:       logger.Named("harvester"),
		maxEntries:   maxEntries,
		requests:     make(map[network.RequestID]requestInfo),
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: time.Now(),
	}
}

// Attach registers the harvester on the tab behind tabCtx and enables the CDP
// domains it depends on.
func (h *Harvester) Attach(tabCtx context.Context) error {
	chromedp.ListenTarget(tabCtx, h.handleEvent)
	if err := chromedp.Run(tabCtx, network.Enable(), runtime.Enable(), log.Enable()); err != nil {
		return fmt.Errorf("failed to enable event domains: %w", err)
	}
	return nil
}

// Reset clears everything observed so far. Called before each navigation.
func (h *Harvester) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = make(map[network.RequestID]requestInfo)
	h.inflight = make(map[network.RequestID]struct{})
	h.jsErrors = nil
	h.consoleLogs = nil
	h.networkErrors = nil
	h.droppedLogs = 0
	h.lastActivity = time.Now()
}

// Inflight returns the number of requests that have started but not finished.
func (h *Harvester) Inflight() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.inflight)
}

// QuietFor returns how long the network has been idle, or zero while requests are pending.
func (h *Harvester) QuietFor() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.inflight) > 0 {
		return 0
	}
	return time.Since(h.lastActivity)
}

// WaitNetworkIdle polls until no request has been in flight for quietPeriod.
func (h *Harvester) WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	if quietPeriod <= 0 {
		quietPeriod = 500 * time.Millisecond
	}
	ticker := time.NewTicker(quietPeriod / 5)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if h.QuietFor() >= quietPeriod {
				return nil
			}
		}
	}
}

// Snapshot returns copies of the recorded signals.
func (h *Harvester) Snapshot() signals {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return signals{
		JSErrors:      append([]schemas.JSError(nil), h.jsErrors...),
		ConsoleLogs:   append([]schemas.ConsoleLog(nil), h.consoleLogs...),
		NetworkErrors: append([]schemas.NetworkError(nil), h.networkErrors...),
		DroppedLogs:   h.droppedLogs,
	}
}

func (h *Harvester) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		h.onRequest(e)
	case *network.EventResponseReceived:
		h.onResponse(e)
	case *network.EventLoadingFinished:
		h.finish(e.RequestID)
	case *network.EventLoadingFailed:
		h.onFailed(e)
	case *runtime.EventExceptionThrown:
		h.onException(e)
	case *runtime.EventConsoleAPICalled:
		h.onConsole(e)
	case *log.EventEntryAdded:
		h.onLogEntry(e)
	}
}

func (h *Harvester) onRequest(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight[e.RequestID] = struct{}{}
	h.requests[e.RequestID] = requestInfo{url: e.Request.URL, resourceType: string(e.Type)}
	h.lastActivity = time.Now()
}

func (h *Harvester) onResponse(e *network.EventResponseReceived) {
	if e.Response == nil || e.Response.Status < 400 {
		return
	}
	h.recordNetworkError(schemas.NetworkError{
		URL:          e.Response.URL,
		ResourceType: string(e.Type),
		Status:       int(e.Response.Status),
	})
}

func (h *Harvester) onFailed(e *network.EventLoadingFailed) {
	h.mu.RLock()
	info := h.requests[e.RequestID]
	h.mu.RUnlock()
	h.finish(e.RequestID)

	// Requests refused by our own blocking or aborted by navigation are not page failures.
	if e.Canceled || e.BlockedReason != "" || e.ErrorText == blockedByClient {
		return
	}
	resourceType := string(e.Type)
	if resourceType == "" {
		resourceType = info.resourceType
	}
	h.recordNetworkError(schemas.NetworkError{
		URL:           info.url,
		ResourceType:  resourceType,
		FailureReason: e.ErrorText,
	})
}

func (h *Harvester) finish(id network.RequestID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inflight, id)
	h.lastActivity = time.Now()
}

func (h *Harvester) recordNetworkError(ne schemas.NetworkError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.networkErrors) >= h.maxEntries {
		return
	}
	h.networkErrors = append(h.networkErrors, ne)
}

func (h *Harvester) onException(e *runtime.EventExceptionThrown) {
	d := e.ExceptionDetails
	if d == nil {
		return
	}
	msg := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		msg = d.Exception.Description
	}
	jsErr := schemas.JSError{
		Message:   firstLine(msg),
		Stack:     formatStack(d.StackTrace, msg),
		Source:    d.URL,
		Timestamp: time.Now(),
	}
	if e.Timestamp != nil {
		jsErr.Timestamp = e.Timestamp.Time()
	}
	h.recordJSError(jsErr)
}

func (h *Harvester) onConsole(e *runtime.EventConsoleAPICalled) {
	parts := make([]string, 0, len(e.Args))
	for _, arg := range e.Args {
		var val interface{}
		switch {
		case arg.Value != nil && json.Unmarshal(arg.Value, &val) == nil:
			parts = append(parts, fmt.Sprintf("%v", val))
		case arg.Description != "":
			parts = append(parts, arg.Description)
		default:
			parts = append(parts, "["+string(arg.Type)+"]")
		}
	}
	entry := schemas.ConsoleLog{
		Level:     string(e.Type),
		Text:      strings.Join(parts, " "),
		Source:    "console-api",
		Timestamp: time.Now(),
	}
	if e.Timestamp != nil {
		entry.Timestamp = e.Timestamp.Time()
	}
	h.recordConsole(entry)
}

func (h *Harvester) onLogEntry(e *log.EventEntryAdded) {
	if e.Entry == nil {
		return
	}
	entry := schemas.ConsoleLog{
		Level:     string(e.Entry.Level),
		Text:      e.Entry.Text,
		Source:    string(e.Entry.Source),
		Timestamp: time.Now(),
	}
	if e.Entry.Timestamp != nil {
		entry.Timestamp = e.Entry.Timestamp.Time()
	}
	h.recordConsole(entry)

	// Script-originated browser errors (CSP, failed eval) are surfaced as JS errors too.
	if e.Entry.Source == log.SourceJavascript && e.Entry.Level == log.LevelError {
		h.recordJSError(schemas.JSError{Message: e.Entry.Text, Source: e.Entry.URL, Timestamp: entry.Timestamp})
	}
}

func (h *Harvester) recordJSError(e schemas.JSError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.jsErrors) >= h.maxEntries {
		return
	}
	h.jsErrors = append(h.jsErrors, e)
}

func (h *Harvester) recordConsole(e schemas.ConsoleLog) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.consoleLogs) >= h.maxEntries {
		h.droppedLogs++
		return
	}
	h.consoleLogs = append(h.consoleLogs, e)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// formatStack prefers the CDP call frames and falls back to the tail of the description.
func formatStack(st *runtime.StackTrace, description string) string {
	if st != nil && len(st.CallFrames) > 0 {
		var b strings.Builder
		for _, f := range st.CallFrames {
			fn := f.FunctionName
			if fn == "" {
				fn = "<anonymous>"
			}
			fmt.Fprintf(&b, "at %s (%s:%d:%d)\n", fn, f.URL, f.LineNumber+1, f.ColumnNumber+1)
		}
		return strings.TrimRight(b.String(), "\n")
	}
	if i := strings.IndexByte(description, '\n'); i >= 0 {
		return strings.TrimSpace(description[i+1:])
	}
	return ""
}
