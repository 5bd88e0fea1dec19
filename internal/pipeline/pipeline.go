// Package pipeline runs one scan of one product page end to end: capture,
// detection, issue merge, AI review, alerting and rescan scheduling.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/aiconfirm"
	"github.com/xkilldash9x/pdpwatch/internal/config"
	"github.com/xkilldash9x/pdpwatch/internal/detectors"
	"github.com/xkilldash9x/pdpwatch/internal/fingerprint"
	"github.com/xkilldash9x/pdpwatch/internal/issues"
)

// Failure reasons stored on failed scans, in addition to the navigation
// failure reasons.
const (
	ReasonScanTimeout  = "timeout"
	ReasonSessionError = "session_error"
	ReasonInternal     = "internal_error"
)

const persistTimeout = 10 * time.Second

// AlertDispatcher sends alerts for the issues that pass the gate.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, shopID string, issues []schemas.Issue) ([]schemas.AlertRecord, error)
}

// Fingerprinter profiles the technologies on a captured page.
type Fingerprinter interface {
	Analyze(capture *schemas.ScanCapture) fingerprint.Profile
}

// Deps are the collaborators of a Pipeline. Sessions, Suite, Issues and Repo
// are required; the rest may be nil.
type Deps struct {
	Sessions      schemas.SessionFactory
	Suite         *detectors.Suite
	Issues        *issues.Engine
	Repo          schemas.Repository
	AI            *aiconfirm.Service
	Alerts        AlertDispatcher
	Artifacts     schemas.ArtifactStore
	Rescans       schemas.RescanScheduler
	Fingerprinter Fingerprinter
}

// Result is what one run produced.
type Result struct {
	Scan            schemas.Scan
	Outcomes        []issues.Outcome
	ActiveIssues    []schemas.Issue
	Alerts          []schemas.AlertRecord
	PageReview      aiconfirm.PageReview
	Confirmations   int
	RescanScheduled bool
	Profile         *fingerprint.Profile
}

// Failed reports whether the scan was recorded as failed.
func (r *Result) Failed() bool {
	return r.Scan.Status == schemas.ScanFailed
}

// Pipeline orchestrates a scan.
type Pipeline struct {
	deps   Deps
	cfg    config.ScanConfig
	logger *zap.Logger
	now    func() time.Time
}

func New(deps Deps, cfg config.ScanConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("pipeline"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run scans job.Page. When session is nil the pipeline opens its own and
// always closes it; a caller-supplied session is never closed.
//
// Navigation failures and the whole-scan deadline are recorded as a failed
// scan and returned with a nil error. The error is non-nil only when the
// scan could not be recorded or the issue set could not be updated.
func (p *Pipeline) Run(ctx context.Context, job schemas.ScanJob, session schemas.PageSession) (*Result, error) {
	page := job.Page
	mode := job.Mode
	if mode == "" {
		mode = schemas.ScanMode(p.cfg.Mode)
	}
	scanID := job.ScanID
	if scanID == "" {
		scanID = uuid.NewString()
	}
	logger := p.logger.With(
		zap.String("scan_id", scanID),
		zap.String("page_id", page.ID),
		zap.String("mode", string(mode)),
	)

	res := &Result{Scan: schemas.Scan{
		ID:            scanID,
		ProductPageID: page.ID,
		ShopID:        page.ShopID,
		Mode:          mode,
		Status:        schemas.ScanRunning,
		StartedAt:     p.now(),
	}}
	if err := p.deps.Repo.UpsertPage(ctx, &page); err != nil {
		return nil, fmt.Errorf("failed to register page %s: %w", page.ID, err)
	}
	if err := p.deps.Repo.CreateScan(ctx, &res.Scan); err != nil {
		return nil, fmt.Errorf("failed to create scan record: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, p.cfg.TimeoutFor(string(mode)))
	defer cancel()

	ownsSession := session == nil
	if ownsSession {
		s, err := p.deps.Sessions.NewSession(scanCtx)
		if err != nil {
			return p.fail(ctx, logger, res, ReasonSessionError, err)
		}
		session = s
		defer func() {
			if err := session.Close(); err != nil {
				logger.Warn("Failed to close browser session.", zap.Error(err))
			}
		}()
	}
	if !session.Started() {
		if err := session.Start(scanCtx); err != nil {
			return p.fail(ctx, logger, res, ReasonSessionError, err)
		}
	}

	// Step 1: capture and detect.
	nav := session.NavigateTo(scanCtx, page.URL)
	if !nav.Success {
		return p.fail(ctx, logger, res, navigationReason(scanCtx, nav), nav.Err)
	}
	capture := session.Capture(scanCtx)
	if capture != nil {
		res.Scan.PartialLoad = capture.PartialLoad
		res.Scan.LoadDuration = capture.LoadDuration
	}
	res.Scan.PartialLoad = res.Scan.PartialLoad || nav.PartialLoad
	p.fingerprint(logger, res, capture)
	p.storeScreenshot(scanCtx, logger, res, page, capture)

	target := &detectors.Target{Page: page, Mode: mode, Session: session, Capture: capture}
	results, err := p.deps.Suite.Run(scanCtx, target)
	res.Scan.Results = results
	if err != nil || scanCtx.Err() != nil {
		return p.fail(ctx, logger, res, ReasonScanTimeout, errors.Join(err, context.Cause(scanCtx)))
	}

	// Step 2: merge into the issue set.
	outcomes, err := p.deps.Issues.Process(scanCtx, page, results)
	if err != nil {
		if scanCtx.Err() != nil {
			return p.fail(ctx, logger, res, ReasonScanTimeout, err)
		}
		_, _ = p.fail(ctx, logger, res, ReasonInternal, err)
		return res, fmt.Errorf("failed to process detection results: %w", err)
	}
	res.Outcomes = outcomes

	var screenshot []byte
	if capture != nil {
		screenshot = capture.Screenshot
	}

	// Steps 3 to 5 degrade independently.
	p.step(logger, "ai_page_review", func() error {
		return p.reviewPage(scanCtx, res, page, screenshot, results)
	})
	p.step(logger, "ai_issue_confirmation", func() error {
		return p.confirmIssues(scanCtx, res, page, screenshot)
	})

	// Alerting and everything after it must still happen when the scan budget
	// ran out during AI review.
	tailCtx, tailCancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer tailCancel()

	active, err := p.deps.Repo.ListActiveIssues(tailCtx, page.ID)
	if err != nil {
		logger.Error("Failed to list active issues.", zap.Error(err))
	}
	res.ActiveIssues = active

	p.step(logger, "alerts", func() error {
		if p.deps.Alerts == nil {
			return nil
		}
		sent, err := p.deps.Alerts.Dispatch(tailCtx, page.ShopID, active)
		res.Alerts = sent
		return err
	})

	// Step 6: rescan.
	p.step(logger, "rescan", func() error {
		return p.scheduleRescan(tailCtx, logger, res, page)
	})

	return p.complete(tailCtx, logger, res, page)
}

func (p *Pipeline) reviewPage(ctx context.Context, res *Result, page schemas.ProductPage, screenshot []byte, results []schemas.DetectionResult) error {
	if !p.deps.AI.Enabled() {
		return nil
	}
	review := p.deps.AI.ReviewPage(ctx, page, screenshot, results)
	res.PageReview = review
	if review.Skipped {
		return nil
	}
	outcomes, err := p.deps.Issues.ProcessAIFindings(ctx, page, review.Findings, review.Withheld)
	if err != nil {
		return fmt.Errorf("merging AI findings: %w", err)
	}
	res.Outcomes = append(res.Outcomes, outcomes...)
	return nil
}

func (p *Pipeline) confirmIssues(ctx context.Context, res *Result, page schemas.ProductPage, screenshot []byte) error {
	if !p.deps.AI.Enabled() {
		return nil
	}
	active, err := p.deps.Repo.ListActiveIssues(ctx, page.ID)
	if err != nil {
		return fmt.Errorf("listing issues to confirm: %w", err)
	}
	var errs []error
	for i := range active {
		issue := &active[i]
		if issue.AIVerified() {
			continue
		}
		review := p.deps.AI.ConfirmIssue(ctx, page, *issue, screenshot)
		if review.Skipped {
			continue
		}
		if err := p.deps.Issues.RecordVerdict(ctx, issue, review.Verdict); err != nil {
			// Resolved by a concurrent scan while the model was thinking.
			if errors.Is(err, schemas.ErrInvalidTransition) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		res.Confirmations++
	}
	return errors.Join(errs...)
}

// scheduleRescan queues a follow-up scan when a high-severity issue has been
// seen only once and the AI has not confirmed it.
func (p *Pipeline) scheduleRescan(ctx context.Context, logger *zap.Logger, res *Result, page schemas.ProductPage) error {
	if p.deps.Rescans == nil || !NeedsRescan(res.ActiveIssues) {
		return nil
	}
	at := p.now().Add(p.cfg.RescanDelay)
	if err := p.deps.Rescans.Schedule(ctx, page.ID, at); err != nil {
		return err
	}
	res.RescanScheduled = true
	logger.Info("Rescan scheduled.", zap.Time("at", at))
	return nil
}

// NeedsRescan reports whether any active high-severity issue is still at its
// first occurrence without AI confirmation.
func NeedsRescan(active []schemas.Issue) bool {
	for i := range active {
		is := &active[i]
		if is.Status.Active() && is.Severity == schemas.SeverityHigh && is.OccurrenceCount == 1 && !is.IsAIConfirmed() {
			return true
		}
	}
	return false
}

func (p *Pipeline) fingerprint(logger *zap.Logger, res *Result, capture *schemas.ScanCapture) {
	if !p.cfg.Fingerprint || p.deps.Fingerprinter == nil || capture == nil {
		return
	}
	p.step(logger, "fingerprint", func() error {
		profile := p.deps.Fingerprinter.Analyze(capture)
		res.Profile = &profile
		res.Scan.Technologies = profile.Technologies
		return nil
	})
}

func (p *Pipeline) storeScreenshot(ctx context.Context, logger *zap.Logger, res *Result, page schemas.ProductPage, capture *schemas.ScanCapture) {
	if p.deps.Artifacts == nil || capture == nil || len(capture.Screenshot) == 0 {
		return
	}
	p.step(logger, "screenshot_upload", func() error {
		key, err := p.deps.Artifacts.Upload(ctx, capture.Screenshot, res.Scan.ID, page.ShopID, page.ID)
		if err != nil {
			return err
		}
		res.Scan.ScreenshotKey = key
		return nil
	})
}

// step runs fn and absorbs both its error and any panic.
func (p *Pipeline) step(logger *zap.Logger, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Pipeline step panicked.",
				zap.String("step", name),
				zap.Any("panic_value", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := fn(); err != nil {
		logger.Warn("Pipeline step failed, continuing.", zap.String("step", name), zap.Error(err))
	}
}

func (p *Pipeline) complete(ctx context.Context, logger *zap.Logger, res *Result, page schemas.ProductPage) (*Result, error) {
	finished := p.now()
	status := issues.PageHealth(res.ActiveIssues)
	res.Scan.Status = schemas.ScanCompleted
	res.Scan.PageStatus = status
	res.Scan.CompletedAt = &finished

	if err := p.deps.Repo.UpdatePageStatus(ctx, page.ID, status, finished); err != nil {
		logger.Error("Failed to update page status.", zap.Error(err))
	}
	if err := p.deps.Repo.FinishScan(ctx, &res.Scan); err != nil {
		return res, fmt.Errorf("failed to record completed scan: %w", err)
	}

	counts := issues.CountBySeverity(res.ActiveIssues)
	logger.Info("Scan completed.",
		zap.String("page_status", string(status)),
		zap.Int("high", counts[schemas.SeverityHigh]),
		zap.Int("medium", counts[schemas.SeverityMedium]),
		zap.Int("low", counts[schemas.SeverityLow]),
		zap.Int("alerts", len(res.Alerts)),
		zap.Bool("rescan", res.RescanScheduled),
		zap.Duration("took", finished.Sub(res.Scan.StartedAt)),
	)
	return res, nil
}

// fail records the scan as failed. The page's issues are left untouched.
func (p *Pipeline) fail(ctx context.Context, logger *zap.Logger, res *Result, reason string, cause error) (*Result, error) {
	finished := p.now()
	res.Scan.Status = schemas.ScanFailed
	res.Scan.ErrorReason = reason
	if cause != nil {
		res.Scan.ErrorMessage = cause.Error()
	}
	res.Scan.CompletedAt = &finished

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	logger.Warn("Scan failed.", zap.String("reason", reason), zap.Error(cause))
	if err := p.deps.Repo.FinishScan(persistCtx, &res.Scan); err != nil {
		return res, fmt.Errorf("failed to record failed scan: %w", err)
	}
	return res, nil
}

func navigationReason(scanCtx context.Context, nav schemas.NavigationResult) string {
	if nav.PasswordProtected {
		return string(schemas.NavPasswordProtected)
	}
	if navErr, ok := schemas.AsNavigationError(nav.Err); ok && navErr.Reason != "" {
		return string(navErr.Reason)
	}
	if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
		return string(schemas.NavTimeout)
	}
	return string(schemas.NavConnection)
}
