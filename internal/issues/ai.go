// internal/issues/ai.go
package issues

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/detectors"
)

// ProcessAIFindings merges page-level AI findings through the same merge
// rules as programmatic results. Findings arrive already deduplicated against
// programmatic issue types. withheld names finding types the model reported
// but that were dropped upstream for low confidence. Active AI issues the
// model did not report at all are resolved, since a completed page-level pass
// is the AI equivalent of a passing check. A low-confidence report of a type
// leaves its issue untouched.
func (e *Engine) ProcessAIFindings(ctx context.Context, page schemas.ProductPage, findings []schemas.AIFinding, withheld []string) ([]Outcome, error) {
	var outcomes []Outcome
	err := e.repo.WithPageLock(ctx, page.ID, func(ctx context.Context, tx schemas.IssueTx) error {
		outcomes = outcomes[:0]
		reported := make(map[string]struct{}, len(findings)+len(withheld))
		for _, t := range withheld {
			reported[detectors.AIIssueType(t)] = struct{}{}
		}

		for _, f := range findings {
			issueType := detectors.AIIssueType(f.Type)
			reported[issueType] = struct{}{}
			if f.Confidence < e.threshold {
				outcomes = append(outcomes, Outcome{Check: detectors.CheckAIVisual, IssueType: issueType, Transition: TransitionIgnored, Reason: "below confidence threshold"})
				continue
			}
			severity, ok := schemas.ParseSeverity(string(f.Severity))
			if !ok {
				severity = schemas.SeverityMedium
			}

			title := f.Title
			if title == "" {
				title = detectors.IssueTitle(issueType)
			}
			evidence, _ := json.Marshal(map[string]any{
				"check":      detectors.CheckAIVisual,
				"source":     "ai_page_review",
				"finding":    f,
				"confidence": f.Confidence,
			})
			out, err := e.merge(ctx, tx, page, finding{
				check:       detectors.CheckAIVisual,
				issueType:   issueType,
				severity:    severity,
				confidence:  f.Confidence,
				title:       title,
				description: f.Description,
				evidence:    evidence,
				aiConfirmed: true,
			})
			if err != nil {
				return err
			}
			outcomes = append(outcomes, out)
		}

		active, err := tx.ListActive(ctx, page.ID)
		if err != nil {
			return fmt.Errorf("listing active issues: %w", err)
		}
		var stale []string
		for _, is := range active {
			if !detectors.IsAIIssueType(is.IssueType) {
				continue
			}
			if _, ok := reported[is.IssueType]; !ok {
				stale = append(stale, is.IssueType)
			}
		}
		resolved, err := e.resolveTypes(ctx, tx, page.ID, detectors.CheckAIVisual, stale, "")
		if err != nil {
			return err
		}
		outcomes = append(outcomes, resolved...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logOutcomes(page, outcomes)
	return outcomes, nil
}

// RecordVerdict stores a per-issue AI verdict on the issue.
func (e *Engine) RecordVerdict(ctx context.Context, issue *schemas.Issue, verdict schemas.AIVerdict) error {
	if verdict.VerifiedAt.IsZero() {
		verdict.VerifiedAt = e.now()
	}
	verdict.Apply(issue)
	if err := e.repo.UpdateIssueAI(ctx, issue); err != nil {
		return fmt.Errorf("storing AI verdict for issue %s: %w", issue.ID, err)
	}
	e.logger.Debug("AI verdict recorded.",
		zap.String("issue_id", issue.ID),
		zap.Bool("confirmed", verdict.Confirmed),
		zap.Float64("confidence", verdict.Confidence),
	)
	return nil
}
