// internal/issues/engine.go
package issues

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/detectors"
)

// DefaultConfidenceThreshold is the minimum confidence for a problem result
// to change issue state.
const DefaultConfidenceThreshold = 0.7

// Transition names what happened to an issue type as a result of one detection.
type Transition string

const (
	TransitionCreated     Transition = "created"
	TransitionEscalated   Transition = "escalated"
	TransitionDeescalated Transition = "deescalated"
	TransitionRefreshed   Transition = "refreshed"
	TransitionResolved    Transition = "resolved"
	TransitionIgnored     Transition = "ignored"
)

// Outcome is the explicit result of merging one detection into the issue set.
type Outcome struct {
	Check      string
	IssueType  string
	Transition Transition
	// Issue is the issue after the transition: the new issue for created and
	// deescalated, the mutated one for escalated and refreshed, the resolved
	// one for resolved. Nil for ignored.
	Issue *schemas.Issue
	// Previous is the higher-severity issue closed by a de-escalation.
	Previous *schemas.Issue
	Reason   string
}

// Changed reports whether the outcome mutated stored state.
func (o Outcome) Changed() bool {
	return o.Transition != TransitionIgnored
}

// Engine turns detection results into issue mutations. Every mutation for a
// page runs inside the repository's page lock, so merges are single-writer.
type Engine struct {
	logger    *zap.Logger
	repo      schemas.IssueRepository
	threshold float64
	now       func() time.Time
	newID     func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold overrides the confidence threshold.
func WithThreshold(v float64) Option {
	return func(e *Engine) { e.threshold = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides issue ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates an issue engine.
func NewEngine(logger *zap.Logger, repo schemas.IssueRepository, opts ...Option) *Engine {
	e := &Engine{
		logger:    logger.Named("issue_engine"),
		repo:      repo,
		threshold: DefaultConfidenceThreshold,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// finding is a problem detection normalized for merging.
type finding struct {
	check       string
	issueType   string
	severity    schemas.Severity
	confidence  float64
	title       string
	description string
	evidence    []byte
	aiConfirmed bool
}

// Process merges one scan's results into the page's issues, in result order.
func (e *Engine) Process(ctx context.Context, page schemas.ProductPage, results []schemas.DetectionResult) ([]Outcome, error) {
	var outcomes []Outcome
	err := e.repo.WithPageLock(ctx, page.ID, func(ctx context.Context, tx schemas.IssueTx) error {
		outcomes = outcomes[:0]
		for _, res := range results {
			out, err := e.processResult(ctx, tx, page, res)
			if err != nil {
				return fmt.Errorf("processing %s result: %w", res.Check, err)
			}
			outcomes = append(outcomes, out...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logOutcomes(page, outcomes)
	return outcomes, nil
}

func (e *Engine) processResult(ctx context.Context, tx schemas.IssueTx, page schemas.ProductPage, res schemas.DetectionResult) ([]Outcome, error) {
	cs, known := detectors.Lookup(res.Check)
	issueType := detectors.IssueTypeFor(res)
	ignored := func(reason string) []Outcome {
		return []Outcome{{Check: res.Check, IssueType: issueType, Transition: TransitionIgnored, Reason: reason}}
	}
	if !known {
		e.logger.Warn("Result from unknown check ignored.", zap.String("check", res.Check))
		return ignored("unknown check"), nil
	}

	switch res.Status {
	case schemas.StatusInconclusive:
		return ignored("inconclusive"), nil

	case schemas.StatusPass:
		resolved, err := e.resolveTypes(ctx, tx, page.ID, res.Check, cs.IssueTypes, "")
		if err != nil {
			return nil, err
		}
		if len(resolved) == 0 {
			return ignored("nothing to resolve"), nil
		}
		return resolved, nil

	case schemas.StatusFail, schemas.StatusWarning:
		if res.Confidence < e.threshold {
			e.logger.Info("Low-confidence detection logged without state change.",
				zap.String("page_id", page.ID),
				zap.String("check", res.Check),
				zap.String("status", string(res.Status)),
				zap.Float64("confidence", res.Confidence),
			)
			return ignored("below confidence threshold"), nil
		}
		if !cs.Owns(issueType) {
			return nil, fmt.Errorf("check %s does not own issue type %s", res.Check, issueType)
		}
		severity, _ := cs.SeverityFor(res.Status)

		// A confident problem of one type means the check's other types no longer apply.
		var outcomes []Outcome
		if len(cs.IssueTypes) > 1 {
			superseded, err := e.resolveTypes(ctx, tx, page.ID, res.Check, cs.IssueTypes, issueType)
			if err != nil {
				return nil, err
			}
			outcomes = append(outcomes, superseded...)
		}

		out, err := e.merge(ctx, tx, page, finding{
			check:       res.Check,
			issueType:   issueType,
			severity:    severity,
			confidence:  res.Confidence,
			title:       detectors.IssueTitle(issueType),
			description: res.Details.Message,
			evidence:    res.MarshalEvidence(),
		})
		if err != nil {
			return nil, err
		}
		return append(outcomes, out), nil
	}
	return ignored("unknown status " + string(res.Status)), nil
}

// merge applies a confident finding to the active issue of its type.
func (e *Engine) merge(ctx context.Context, tx schemas.IssueTx, page schemas.ProductPage, f finding) (Outcome, error) {
	now := e.now()
	existing, err := tx.FindActive(ctx, page.ID, f.issueType)
	if err != nil {
		return Outcome{}, fmt.Errorf("finding active %s issue: %w", f.issueType, err)
	}

	if existing == nil {
		issue, err := e.create(ctx, tx, page, f, now)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Check: f.check, IssueType: f.issueType, Transition: TransitionCreated, Issue: issue}, nil
	}

	switch {
	case f.severity.Rank() > existing.Severity.Rank():
		existing.Severity = f.severity
		existing.Title = f.title
		existing.Description = f.description
		existing.Evidence = f.evidence
		existing.LastDetectedAt = now
		existing.OccurrenceCount++
		// The finding changed, so any cached verdict is stale.
		existing.ClearAI()
		if f.aiConfirmed {
			markAIConfirmed(existing, f, now)
		}
		if err := tx.UpdateIssue(ctx, existing); err != nil {
			return Outcome{}, fmt.Errorf("escalating issue %s: %w", existing.ID, err)
		}
		return Outcome{Check: f.check, IssueType: f.issueType, Transition: TransitionEscalated, Issue: existing}, nil

	case f.severity.Rank() < existing.Severity.Rank():
		if err := tx.ResolveIssue(ctx, existing.ID, now); err != nil {
			return Outcome{}, fmt.Errorf("resolving issue %s for de-escalation: %w", existing.ID, err)
		}
		existing.Status = schemas.IssueResolved
		existing.ResolvedAt = &now
		issue, err := e.create(ctx, tx, page, f, now)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Check: f.check, IssueType: f.issueType, Transition: TransitionDeescalated, Issue: issue, Previous: existing}, nil

	default:
		existing.Description = f.description
		existing.Evidence = f.evidence
		existing.LastDetectedAt = now
		existing.OccurrenceCount++
		if f.aiConfirmed && !existing.IsAIConfirmed() {
			markAIConfirmed(existing, f, now)
		}
		if err := tx.UpdateIssue(ctx, existing); err != nil {
			return Outcome{}, fmt.Errorf("refreshing issue %s: %w", existing.ID, err)
		}
		return Outcome{Check: f.check, IssueType: f.issueType, Transition: TransitionRefreshed, Issue: existing}, nil
	}
}

func (e *Engine) create(ctx context.Context, tx schemas.IssueTx, page schemas.ProductPage, f finding, now time.Time) (*schemas.Issue, error) {
	issue := &schemas.Issue{
		ID:              e.newID(),
		ProductPageID:   page.ID,
		ShopID:          page.ShopID,
		IssueType:       f.issueType,
		Severity:        f.severity,
		Status:          schemas.IssueOpen,
		Title:           f.title,
		Description:     f.description,
		Evidence:        f.evidence,
		OccurrenceCount: 1,
		FirstDetectedAt: now,
		LastDetectedAt:  now,
	}
	if f.aiConfirmed {
		markAIConfirmed(issue, f, now)
	}
	if err := tx.InsertIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("creating %s issue: %w", f.issueType, err)
	}
	return issue, nil
}

// resolveTypes resolves every active issue whose type is in types, except keep.
func (e *Engine) resolveTypes(ctx context.Context, tx schemas.IssueTx, pageID, check string, types []string, keep string) ([]Outcome, error) {
	var outcomes []Outcome
	now := e.now()
	for _, t := range types {
		if t == keep {
			continue
		}
		existing, err := tx.FindActive(ctx, pageID, t)
		if err != nil {
			return nil, fmt.Errorf("finding active %s issue: %w", t, err)
		}
		if existing == nil {
			continue
		}
		if err := tx.ResolveIssue(ctx, existing.ID, now); err != nil {
			return nil, fmt.Errorf("resolving issue %s: %w", existing.ID, err)
		}
		existing.Status = schemas.IssueResolved
		existing.ResolvedAt = &now
		outcomes = append(outcomes, Outcome{Check: check, IssueType: t, Transition: TransitionResolved, Issue: existing})
	}
	return outcomes, nil
}

func markAIConfirmed(issue *schemas.Issue, f finding, at time.Time) {
	schemas.AIVerdict{
		Confirmed:  true,
		Confidence: f.confidence,
		Reasoning:  f.description,
		VerifiedAt: at,
	}.Apply(issue)
}

// Acknowledge moves an open issue to acknowledged. A later pass still resolves it.
func (e *Engine) Acknowledge(ctx context.Context, issueID string) (*schemas.Issue, error) {
	issue, err := e.repo.AcknowledgeIssue(ctx, issueID, e.now())
	if err != nil {
		return nil, fmt.Errorf("acknowledging issue %s: %w", issueID, err)
	}
	e.logger.Info("Issue acknowledged.", zap.String("issue_id", issueID), zap.String("issue_type", issue.IssueType))
	return issue, nil
}

func (e *Engine) logOutcomes(page schemas.ProductPage, outcomes []Outcome) {
	for _, o := range outcomes {
		if !o.Changed() {
			continue
		}
		fields := []zap.Field{
			zap.String("page_id", page.ID),
			zap.String("issue_type", o.IssueType),
			zap.String("transition", string(o.Transition)),
		}
		if o.Issue != nil {
			fields = append(fields,
				zap.String("issue_id", o.Issue.ID),
				zap.String("severity", string(o.Issue.Severity)),
				zap.Int("occurrences", o.Issue.OccurrenceCount),
			)
		}
		e.logger.Info("Issue state changed.", fields...)
	}
}
