package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// Memory is an in-process Repository for single-node runs and tests. Stored
// records are copied on the way in and on the way out.
type Memory struct {
	log *zap.Logger

	mu     sync.RWMutex
	pages  map[string]schemas.ProductPage
	scans  map[string]schemas.Scan
	issues map[string]schemas.Issue
	alerts map[string]schemas.AlertRecord

	lockMu    sync.Mutex
	pageLocks map[string]*sync.Mutex
}

var _ schemas.Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		log:       logger.Named("memory_store"),
		pages:     make(map[string]schemas.ProductPage),
		scans:     make(map[string]schemas.Scan),
		issues:    make(map[string]schemas.Issue),
		alerts:    make(map[string]schemas.AlertRecord),
		pageLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Memory) pageLock(pageID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.pageLocks[pageID]
	if !ok {
		l = &sync.Mutex{}
		m.pageLocks[pageID] = l
	}
	return l
}

// WithPageLock runs fn while holding the page's mutex. Writes made by fn are
// not rolled back when it returns an error.
func (m *Memory) WithPageLock(ctx context.Context, pageID string, fn func(ctx context.Context, tx schemas.IssueTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := m.pageLock(pageID)
	l.Lock()
	defer l.Unlock()
	return fn(ctx, memoryTx{m: m})
}

// memoryTx is the IssueTx view handed out under a page lock.
type memoryTx struct{ m *Memory }

func (t memoryTx) FindActive(_ context.Context, pageID, issueType string) (*schemas.Issue, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	for _, is := range t.m.issues {
		if is.ProductPageID == pageID && is.IssueType == issueType && is.Status.Active() {
			c := cloneIssue(is)
			return &c, nil
		}
	}
	return nil, nil
}

func (t memoryTx) ListActive(ctx context.Context, pageID string) ([]schemas.Issue, error) {
	return t.m.ListActiveIssues(ctx, pageID)
}

func (t memoryTx) InsertIssue(_ context.Context, issue *schemas.Issue) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, exists := t.m.issues[issue.ID]; exists {
		return fmt.Errorf("issue %s already exists", issue.ID)
	}
	for _, is := range t.m.issues {
		if is.ProductPageID == issue.ProductPageID && is.IssueType == issue.IssueType && is.Status.Active() {
			return fmt.Errorf("active %s issue already exists on page %s", issue.IssueType, issue.ProductPageID)
		}
	}
	t.m.issues[issue.ID] = cloneIssue(*issue)
	return nil
}

func (t memoryTx) UpdateIssue(_ context.Context, issue *schemas.Issue) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.issues[issue.ID]; !ok {
		return fmt.Errorf("issue %s: %w", issue.ID, schemas.ErrNotFound)
	}
	t.m.issues[issue.ID] = cloneIssue(*issue)
	return nil
}

func (t memoryTx) ResolveIssue(_ context.Context, issueID string, at time.Time) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	is, ok := t.m.issues[issueID]
	if !ok {
		return fmt.Errorf("issue %s: %w", issueID, schemas.ErrNotFound)
	}
	is.Status = schemas.IssueResolved
	is.ResolvedAt = &at
	t.m.issues[issueID] = is
	return nil
}

// ListActiveIssues returns the page's open and acknowledged issues, oldest first.
func (m *Memory) ListActiveIssues(_ context.Context, pageID string) ([]schemas.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.Issue
	for _, is := range m.issues {
		if is.ProductPageID == pageID && is.Status.Active() {
			out = append(out, cloneIssue(is))
		}
	}
	sortIssues(out)
	return out, nil
}

// ListIssues returns every issue of a page, including resolved ones, oldest first.
func (m *Memory) ListIssues(_ context.Context, pageID string) ([]schemas.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.Issue
	for _, is := range m.issues {
		if is.ProductPageID == pageID {
			out = append(out, cloneIssue(is))
		}
	}
	sortIssues(out)
	return out, nil
}

func (m *Memory) GetIssue(_ context.Context, issueID string) (*schemas.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	is, ok := m.issues[issueID]
	if !ok {
		return nil, fmt.Errorf("issue %s: %w", issueID, schemas.ErrNotFound)
	}
	c := cloneIssue(is)
	return &c, nil
}

func (m *Memory) UpdateIssueAI(_ context.Context, issue *schemas.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.issues[issue.ID]
	if !ok {
		return fmt.Errorf("issue %s: %w", issue.ID, schemas.ErrNotFound)
	}
	if !stored.Status.Active() {
		return fmt.Errorf("issue %s is %s: %w", issue.ID, stored.Status, schemas.ErrInvalidTransition)
	}
	stored.AIConfirmed = issue.AIConfirmed
	stored.AIConfidence = issue.AIConfidence
	stored.AIReasoning = issue.AIReasoning
	stored.AIExplanation = issue.AIExplanation
	stored.AISuggestedFix = issue.AISuggestedFix
	stored.AIVerifiedAt = issue.AIVerifiedAt
	m.issues[issue.ID] = cloneIssue(stored)
	return nil
}

func (m *Memory) AcknowledgeIssue(_ context.Context, issueID string, at time.Time) (*schemas.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, ok := m.issues[issueID]
	if !ok {
		return nil, fmt.Errorf("issue %s: %w", issueID, schemas.ErrNotFound)
	}
	if is.Status != schemas.IssueOpen {
		return nil, fmt.Errorf("issue %s is %s: %w", issueID, is.Status, schemas.ErrInvalidTransition)
	}
	is.Status = schemas.IssueAcknowledged
	is.AcknowledgedAt = &at
	m.issues[issueID] = is
	c := cloneIssue(is)
	return &c, nil
}

// -- Scans & Pages --

func (m *Memory) CreateScan(_ context.Context, scan *schemas.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scans[scan.ID]; exists {
		return fmt.Errorf("scan %s already exists", scan.ID)
	}
	m.scans[scan.ID] = cloneScan(*scan)
	return nil
}

func (m *Memory) FinishScan(_ context.Context, scan *schemas.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scans[scan.ID]; !ok {
		return fmt.Errorf("scan %s: %w", scan.ID, schemas.ErrNotFound)
	}
	m.scans[scan.ID] = cloneScan(*scan)
	return nil
}

func (m *Memory) GetScan(_ context.Context, scanID string) (*schemas.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scans[scanID]
	if !ok {
		return nil, fmt.Errorf("scan %s: %w", scanID, schemas.ErrNotFound)
	}
	c := cloneScan(s)
	return &c, nil
}

func (m *Memory) UpsertPage(_ context.Context, page *schemas.ProductPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *page
	if existing, ok := m.pages[page.ID]; ok {
		// Health is owned by UpdatePageStatus.
		p.Status = existing.Status
		p.LastScannedAt = existing.LastScannedAt
	}
	if p.Status == "" {
		p.Status = schemas.PageUnknown
	}
	m.pages[page.ID] = p
	return nil
}

func (m *Memory) GetPage(_ context.Context, pageID string) (*schemas.ProductPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %s: %w", pageID, schemas.ErrNotFound)
	}
	return &p, nil
}

func (m *Memory) UpdatePageStatus(_ context.Context, pageID string, status schemas.PageStatus, scannedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[pageID]
	if !ok {
		return fmt.Errorf("page %s: %w", pageID, schemas.ErrNotFound)
	}
	p.Status = status
	p.LastScannedAt = &scannedAt
	m.pages[pageID] = p
	return nil
}

// -- Alerts --

func alertKey(shopID, issueID, channel string) string {
	return shopID + "\x00" + issueID + "\x00" + channel
}

func (m *Memory) ClaimAlert(_ context.Context, rec *schemas.AlertRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := alertKey(rec.ShopID, rec.IssueID, rec.Channel)
	if _, exists := m.alerts[key]; exists {
		return false, nil
	}
	m.alerts[key] = *rec
	return true, nil
}

func (m *Memory) ReleaseAlert(_ context.Context, shopID, issueID, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alerts, alertKey(shopID, issueID, channel))
	return nil
}

// AlertCount reports how many alert records exist.
func (m *Memory) AlertCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerts)
}

func (m *Memory) Close() {
	m.log.Debug("In-memory store closed.")
}

func sortIssues(issues []schemas.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].FirstDetectedAt.Equal(issues[j].FirstDetectedAt) {
			return issues[i].ID < issues[j].ID
		}
		return issues[i].FirstDetectedAt.Before(issues[j].FirstDetectedAt)
	})
}

func cloneIssue(is schemas.Issue) schemas.Issue {
	if is.Evidence != nil {
		is.Evidence = append([]byte(nil), is.Evidence...)
	}
	if is.AIConfirmed != nil {
		v := *is.AIConfirmed
		is.AIConfirmed = &v
	}
	if is.AIConfidence != nil {
		v := *is.AIConfidence
		is.AIConfidence = &v
	}
	return is
}

func cloneScan(s schemas.Scan) schemas.Scan {
	s.Technologies = append([]string(nil), s.Technologies...)
	s.Results = append([]schemas.DetectionResult(nil), s.Results...)
	return s
}
