// Package aiconfirm asks a multimodal model to review product pages and to
// confirm individual issues. Every entry point fails open: any failure yields
// a skipped result and the scan carries on without AI input.
package aiconfirm

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
	"github.com/xkilldash9x/pdpwatch/internal/detectors"
	"github.com/xkilldash9x/pdpwatch/internal/imaging"
	"github.com/xkilldash9x/pdpwatch/internal/llmutil"
)

// Skip reasons.
const (
	ReasonDisabled          = "disabled"
	ReasonNoScreenshot      = "no_screenshot"
	ReasonImageError        = "image_error"
	ReasonRequestFailed     = "request_failed"
	ReasonMalformedResponse = "malformed_response"
	ReasonPanic             = "panic"
)

// DefaultMinConfidence is the floor below which page-level findings are dropped.
const DefaultMinConfidence = 0.7

const (
	maxEvidenceChars  = 4000
	defaultImageWidth = 1280
)

// PageReview is the outcome of a page-level pass.
type PageReview struct {
	Skipped bool
	Reason  string
	// Findings passed the confidence floor and do not duplicate a programmatic issue type.
	Findings []schemas.AIFinding
	// Withheld holds the normalized types of findings dropped for low
	// confidence. The model still saw them, so their issues stay open.
	Withheld   []string
	Discarded  int
	Duplicates int
}

// IssueReview is the outcome of confirming one issue.
type IssueReview struct {
	Skipped bool
	Reason  string
	Verdict schemas.AIVerdict
}

// Service is the AI confirmation layer. A nil client disables it.
type Service struct {
	client        schemas.LLMClient
	logger        *zap.Logger
	minConfidence float64
	imageWidth    int
	temperature   float64
	maxTokens     int
	now           func() time.Time
	downscale     func([]byte, int) ([]byte, error)
}

// New creates the service from the AI configuration.
func New(client schemas.LLMClient, cfg config.AIConfig, logger *zap.Logger) *Service {
	s := &Service{
		client:        client,
		logger:        logger.Named("ai_confirm"),
		minConfidence: cfg.MinConfidence,
		imageWidth:    cfg.MaxImageWidth,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		now:           func() time.Time { return time.Now().UTC() },
		downscale:     imaging.Downscale,
	}
	if s.minConfidence <= 0 {
		s.minConfidence = DefaultMinConfidence
	}
	if s.imageWidth <= 0 {
		s.imageWidth = defaultImageWidth
	}
	return s
}

// Enabled reports whether a model client is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.client != nil
}

// pageResponse is the JSON shape requested for a page-level review.
type pageResponse struct {
	Issues []schemas.AIFinding `json:"issues"`
}

// issueResponse is the JSON shape requested for a per-issue confirmation.
type issueResponse struct {
	Confirmed    bool    `json:"confirmed"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
	Explanation  string  `json:"explanation"`
	SuggestedFix string  `json:"suggested_fix"`
}

// ReviewPage asks the model to enumerate problems on the screenshot, then
// drops low-confidence findings and findings already covered by a
// programmatic check.
func (s *Service) ReviewPage(ctx context.Context, page schemas.ProductPage, screenshot []byte, results []schemas.DetectionResult) (review PageReview) {
	defer s.recoverInto(&review.Skipped, &review.Reason, "page review", page.ID)

	if !s.Enabled() {
		return PageReview{Skipped: true, Reason: ReasonDisabled}
	}
	if len(screenshot) == 0 {
		return PageReview{Skipped: true, Reason: ReasonNoScreenshot}
	}
	img, err := s.downscale(screenshot, s.imageWidth)
	if err != nil {
		s.logger.Warn("Screenshot could not be prepared for AI review.", zap.String("page_id", page.ID), zap.Error(err))
		return PageReview{Skipped: true, Reason: ReasonImageError}
	}

	req := schemas.GenerationRequest{
		SystemPrompt: pageSystemPrompt,
		UserPrompt:   fmt.Sprintf(pageUserTemplate, page.URL, summarizeResults(results)),
		Image:        &schemas.InlineImage{MIMEType: "image/jpeg", Data: img},
		Options:      s.options(),
	}
	raw, err := s.client.Generate(ctx, req)
	if err != nil {
		s.logger.Warn("AI page review failed, continuing without it.", zap.String("page_id", page.ID), zap.Error(err))
		return PageReview{Skipped: true, Reason: ReasonRequestFailed}
	}
	parsed, err := llmutil.ParseJSONResponse[pageResponse](raw)
	if err != nil {
		s.logger.Warn("AI page review returned malformed output.", zap.String("page_id", page.ID), zap.Error(err))
		return PageReview{Skipped: true, Reason: ReasonMalformedResponse}
	}

	review = s.filterFindings(parsed.Issues, results)
	s.logger.Debug("AI page review complete.",
		zap.String("page_id", page.ID),
		zap.Int("findings", len(review.Findings)),
		zap.Int("discarded", review.Discarded),
		zap.Int("duplicates", review.Duplicates),
	)
	return review
}

func (s *Service) filterFindings(raw []schemas.AIFinding, results []schemas.DetectionResult) PageReview {
	covered := detectors.ProgrammaticIssueTypes()
	for _, r := range results {
		covered[r.Check] = struct{}{}
		covered[detectors.IssueTypeFor(r)] = struct{}{}
	}

	var review PageReview
	best := make(map[string]schemas.AIFinding)
	withheld := make(map[string]struct{})
	for _, f := range raw {
		f.Confidence = clamp01(f.Confidence)
		norm := detectors.NormalizeType(f.Type)
		if norm == "" {
			review.Discarded++
			continue
		}
		if _, dup := covered[norm]; dup {
			review.Duplicates++
			continue
		}
		if f.Confidence < s.minConfidence {
			review.Discarded++
			withheld[norm] = struct{}{}
			continue
		}
		if prev, seen := best[norm]; seen {
			review.Duplicates++
			if prev.Confidence >= f.Confidence {
				continue
			}
		}
		f.Type = norm
		best[norm] = f
	}

	for _, f := range best {
		review.Findings = append(review.Findings, f)
	}
	for t := range withheld {
		if _, ok := best[t]; !ok {
			review.Withheld = append(review.Withheld, t)
		}
	}
	sort.Strings(review.Withheld)
	sort.Slice(review.Findings, func(i, j int) bool {
		if review.Findings[i].Confidence == review.Findings[j].Confidence {
			return review.Findings[i].Type < review.Findings[j].Type
		}
		return review.Findings[i].Confidence > review.Findings[j].Confidence
	})
	return review
}

// ConfirmIssue asks the model whether one issue is real. High-severity issues
// are sent with the screenshot; others go as text only.
func (s *Service) ConfirmIssue(ctx context.Context, page schemas.ProductPage, issue schemas.Issue, screenshot []byte) (review IssueReview) {
	defer s.recoverInto(&review.Skipped, &review.Reason, "issue confirmation", issue.ID)

	if !s.Enabled() {
		return IssueReview{Skipped: true, Reason: ReasonDisabled}
	}

	req := schemas.GenerationRequest{
		SystemPrompt: issueSystemPrompt,
		Options:      s.options(),
	}
	imageNote := "No screenshot is attached; judge from the evidence."
	if issue.Severity == schemas.SeverityHigh && len(screenshot) > 0 {
		img, err := s.downscale(screenshot, s.imageWidth)
		if err != nil {
			s.logger.Debug("Screenshot unusable, confirming from text only.", zap.String("issue_id", issue.ID), zap.Error(err))
		} else {
			req.Image = &schemas.InlineImage{MIMEType: "image/jpeg", Data: img}
			imageNote = "A screenshot of the page is attached."
		}
	}
	req.UserPrompt = fmt.Sprintf(issueUserTemplate,
		page.URL, issue.IssueType, issue.Severity, issue.Title, issue.Description, issue.OccurrenceCount,
		truncate(string(issue.Evidence), maxEvidenceChars), imageNote)

	raw, err := s.client.Generate(ctx, req)
	if err != nil {
		s.logger.Warn("AI issue confirmation failed, continuing without it.", zap.String("issue_id", issue.ID), zap.Error(err))
		return IssueReview{Skipped: true, Reason: ReasonRequestFailed}
	}
	parsed, err := llmutil.ParseJSONResponse[issueResponse](raw)
	if err != nil {
		s.logger.Warn("AI issue confirmation returned malformed output.", zap.String("issue_id", issue.ID), zap.Error(err))
		return IssueReview{Skipped: true, Reason: ReasonMalformedResponse}
	}

	return IssueReview{Verdict: schemas.AIVerdict{
		Confirmed:    parsed.Confirmed,
		Confidence:   clamp01(parsed.Confidence),
		Reasoning:    parsed.Reasoning,
		Explanation:  parsed.Explanation,
		SuggestedFix: parsed.SuggestedFix,
		VerifiedAt:   s.now(),
	}}
}

func (s *Service) options() schemas.GenerationOptions {
	return schemas.GenerationOptions{
		Temperature:     s.temperature,
		ForceJSONFormat: true,
		MaxTokens:       s.maxTokens,
	}
}

// recoverInto turns a panic into a skipped result.
func (s *Service) recoverInto(skipped *bool, reason *string, op, id string) {
	if r := recover(); r != nil {
		s.logger.Error("AI confirmation panicked.",
			zap.String("operation", op),
			zap.String("id", id),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
		*skipped = true
		*reason = ReasonPanic
	}
}

func summarizeResults(results []schemas.DetectionResult) string {
	if len(results) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "- %s: %s (confidence %.2f) %s\n", r.Check, r.Status, r.Confidence, r.Details.Message)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
