package schemas

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when an issue cannot move to the requested status.
	ErrInvalidTransition = errors.New("invalid issue status transition")
)

// -- Store Interfaces --

// IssueTx is the view of the issue table available while a page lock is held.
// All calls made through it are serialized per product page.
type IssueTx interface {
	// FindActive returns the open or acknowledged issue of the given type, or nil.
	FindActive(ctx context.Context, pageID, issueType string) (*Issue, error)
	// ListActive returns every open or acknowledged issue on the page.
	ListActive(ctx context.Context, pageID string) ([]Issue, error)
	InsertIssue(ctx context.Context, issue *Issue) error
	UpdateIssue(ctx context.Context, issue *Issue) error
	ResolveIssue(ctx context.Context, issueID string, at time.Time) error
}

// IssueRepository persists issues. WithPageLock is the single-writer section
// for merge and resolve logic on one page.
type IssueRepository interface {
	WithPageLock(ctx context.Context, pageID string, fn func(ctx context.Context, tx IssueTx) error) error
	ListActiveIssues(ctx context.Context, pageID string) ([]Issue, error)
	// ListIssues returns every issue of the page, resolved ones included.
	ListIssues(ctx context.Context, pageID string) ([]Issue, error)
	GetIssue(ctx context.Context, issueID string) (*Issue, error)
	// UpdateIssueAI writes only the AI fields of an issue.
	UpdateIssueAI(ctx context.Context, issue *Issue) error
	// AcknowledgeIssue moves an open issue to acknowledged. It returns
	// ErrNotFound or ErrInvalidTransition.
	AcknowledgeIssue(ctx context.Context, issueID string, at time.Time) (*Issue, error)
}

// ScanRepository persists scan records and page state.
type ScanRepository interface {
	CreateScan(ctx context.Context, scan *Scan) error
	FinishScan(ctx context.Context, scan *Scan) error
	GetScan(ctx context.Context, scanID string) (*Scan, error)
	UpsertPage(ctx context.Context, page *ProductPage) error
	GetPage(ctx context.Context, pageID string) (*ProductPage, error)
	UpdatePageStatus(ctx context.Context, pageID string, status PageStatus, scannedAt time.Time) error
}

// AlertRepository guards alert idempotency per (shop, issue, channel).
type AlertRepository interface {
	// ClaimAlert inserts the record if absent. It returns false when a record
	// for the same triple already exists.
	ClaimAlert(ctx context.Context, rec *AlertRecord) (bool, error)
	// ReleaseAlert removes a claim whose delivery failed.
	ReleaseAlert(ctx context.Context, shopID, issueID, channel string) error
}

// Repository bundles every persistence concern.
type Repository interface {
	IssueRepository
	ScanRepository
	AlertRepository
	Close()
}

// -- Collaborator Interfaces --

// ArtifactStore holds screenshot blobs.
type ArtifactStore interface {
	Upload(ctx context.Context, data []byte, scanID string, contextKeys ...string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
}

// RescanScheduler queues a delayed re-scan of a page.
type RescanScheduler interface {
	Schedule(ctx context.Context, pageID string, at time.Time) error
}

// PageLocker prevents two processes from scanning the same page at once.
type PageLocker interface {
	// TryLock returns a release func, or ok=false when the page is already locked.
	TryLock(ctx context.Context, pageID string, ttl time.Duration) (release func(), ok bool, err error)
}

// -- LLM Client Schemas & Interface --

// GenerationOptions controls the text generation process of the model.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
	MaxTokens       int     `json:"max_tokens"`
}

// InlineImage is an image attached directly to a generation request.
type InlineImage struct {
	MIMEType string
	Data     []byte
}

// GenerationRequest is a complete request to the model.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Image        *InlineImage      `json:"-"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient abstracts the model provider.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	Close() error
}
