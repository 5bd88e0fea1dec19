package schemas

import (
	"encoding/json"
	"time"
)

// -- Detection Result Schemas --

// CheckStatus is the outcome of a single detector run.
type CheckStatus string

const (
	StatusPass         CheckStatus = "pass"
	StatusFail         CheckStatus = "fail"
	StatusWarning      CheckStatus = "warning"
	StatusInconclusive CheckStatus = "inconclusive"
)

// IsProblem reports whether the status describes a detected problem.
func (s CheckStatus) IsProblem() bool {
	return s == StatusFail || s == StatusWarning
}

// Evidence is the structured, machine-readable proof attached to a result.
type Evidence map[string]any

// ResultDetails carries the human and machine readable payload of a result.
type ResultDetails struct {
	Message          string         `json:"message"`
	TechnicalDetails map[string]any `json:"technical_details"`
	Suggestions      []string       `json:"suggestions"`
	Evidence         Evidence       `json:"evidence"`
}

// DetectionResult is produced once per detector per scan and is never mutated
// after it leaves the detector.
type DetectionResult struct {
	Check      string      `json:"check"`
	Status     CheckStatus `json:"status"`
	Confidence float64     `json:"confidence"`
	// IssueType narrows a result to one of the issue types its check owns.
	// Empty means the check's default type.
	IssueType string        `json:"issue_type,omitempty"`
	Details   ResultDetails `json:"details"`
}

// MarshalEvidence snapshots the result for storage as an Issue evidence blob.
func (r DetectionResult) MarshalEvidence() json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// -- Issue Schemas --

// Severity ranks issues. The values are lowercase to align with database ENUMs.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Rank orders severities so they can be compared. Unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ParseSeverity normalizes free-form input (for example model output) into a Severity.
func ParseSeverity(v string) (Severity, bool) {
	switch Severity(v) {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return Severity(v), true
	case "critical":
		return SeverityHigh, true
	}
	return "", false
}

// IssueStatus is the lifecycle state of an Issue.
type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueAcknowledged IssueStatus = "acknowledged"
	IssueResolved     IssueStatus = "resolved"
)

// Active reports whether the issue still counts against the page.
func (s IssueStatus) Active() bool {
	return s == IssueOpen || s == IssueAcknowledged
}

// Issue is the durable record of a problem on a product page. At most one
// active (open or acknowledged) issue exists per (ProductPageID, IssueType).
type Issue struct {
	ID              string          `json:"id"`
	ProductPageID   string          `json:"product_page_id"`
	ShopID          string          `json:"shop_id"`
	IssueType       string          `json:"issue_type"`
	Severity        Severity        `json:"severity"`
	Status          IssueStatus     `json:"status"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Evidence        json.RawMessage `json:"evidence,omitempty"`
	OccurrenceCount int             `json:"occurrence_count"`
	FirstDetectedAt time.Time       `json:"first_detected_at"`
	LastDetectedAt  time.Time       `json:"last_detected_at"`
	AcknowledgedAt  *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`

	AIConfirmed    *bool      `json:"ai_confirmed,omitempty"`
	AIConfidence   *float64   `json:"ai_confidence,omitempty"`
	AIReasoning    string     `json:"ai_reasoning,omitempty"`
	AIExplanation  string     `json:"ai_explanation,omitempty"`
	AISuggestedFix string     `json:"ai_suggested_fix,omitempty"`
	AIVerifiedAt   *time.Time `json:"ai_verified_at,omitempty"`
}

// IsAIConfirmed reports whether the AI layer positively confirmed the issue.
func (i *Issue) IsAIConfirmed() bool {
	return i.AIConfirmed != nil && *i.AIConfirmed
}

// AIVerified reports whether the AI layer has rendered any verdict yet.
func (i *Issue) AIVerified() bool {
	return i.AIVerifiedAt != nil
}

// ClearAI drops any cached AI verdict. Used when the underlying finding changes.
func (i *Issue) ClearAI() {
	i.AIConfirmed = nil
	i.AIConfidence = nil
	i.AIReasoning = ""
	i.AIExplanation = ""
	i.AISuggestedFix = ""
	i.AIVerifiedAt = nil
}

// AIVerdict is a per-issue confirmation returned by the AI layer.
type AIVerdict struct {
	Confirmed    bool      `json:"confirmed"`
	Confidence   float64   `json:"confidence"`
	Reasoning    string    `json:"reasoning"`
	Explanation  string    `json:"explanation"`
	SuggestedFix string    `json:"suggested_fix"`
	VerifiedAt   time.Time `json:"verified_at"`
}

// Apply copies the verdict onto the issue's AI fields.
func (v AIVerdict) Apply(i *Issue) {
	confirmed := v.Confirmed
	confidence := v.Confidence
	at := v.VerifiedAt
	i.AIConfirmed = &confirmed
	i.AIConfidence = &confidence
	i.AIReasoning = v.Reasoning
	i.AIExplanation = v.Explanation
	i.AISuggestedFix = v.SuggestedFix
	i.AIVerifiedAt = &at
}

// AIFinding is an issue the AI layer found independently on a page screenshot.
type AIFinding struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
}

// -- Alert Schemas --

// AlertRecord guards against duplicate notifications. Unique per (ShopID, IssueID, Channel).
type AlertRecord struct {
	ID      string    `json:"id"`
	ShopID  string    `json:"shop_id"`
	IssueID string    `json:"issue_id"`
	Channel string    `json:"channel"`
	SentAt  time.Time `json:"sent_at"`
}
