package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Store provides a PostgreSQL implementation of the Repository interface.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.Repository = (*Store)(nil)

// New wraps an existing pool.
func New(pool DBPool, logger *zap.Logger) *Store {
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}
}

// Connect opens a pgx pool for the configured database and verifies it.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool, logger), nil
}

// Migrate applies the embedded schema files in name order. Every statement is
// idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)
	for _, name := range files {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		s.log.Debug("Migration applied.", zap.String("file", name))
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// -- Issues --

const issueColumns = `id, product_page_id, shop_id, issue_type, severity, status, title, description,
	evidence, occurrence_count, first_detected_at, last_detected_at, acknowledged_at, resolved_at,
	ai_confirmed, ai_confidence, ai_reasoning, ai_explanation, ai_suggested_fix, ai_verified_at`

const (
	sqlLockPage         = `SELECT pg_advisory_xact_lock(hashtext($1))`
	sqlFindActiveIssue  = `SELECT ` + issueColumns + ` FROM issues WHERE product_page_id = $1 AND issue_type = $2 AND status IN ('open', 'acknowledged')`
	sqlListActiveIssues = `SELECT ` + issueColumns + ` FROM issues WHERE product_page_id = $1 AND status IN ('open', 'acknowledged') ORDER BY first_detected_at, id`
	sqlListIssues       = `SELECT ` + issueColumns + ` FROM issues WHERE product_page_id = $1 ORDER BY first_detected_at, id`
	sqlGetIssue         = `SELECT ` + issueColumns + ` FROM issues WHERE id = $1`
	sqlInsertIssue      = `INSERT INTO issues (` + issueColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	sqlUpdateIssue = `UPDATE issues SET severity = $2, status = $3, title = $4, description = $5, evidence = $6,
		occurrence_count = $7, last_detected_at = $8, ai_confirmed = $9, ai_confidence = $10, ai_reasoning = $11,
		ai_explanation = $12, ai_suggested_fix = $13, ai_verified_at = $14 WHERE id = $1`
	sqlResolveIssue  = `UPDATE issues SET status = 'resolved', resolved_at = $2 WHERE id = $1 AND status IN ('open', 'acknowledged')`
	sqlUpdateIssueAI = `UPDATE issues SET ai_confirmed = $2, ai_confidence = $3, ai_reasoning = $4, ai_explanation = $5,
		ai_suggested_fix = $6, ai_verified_at = $7 WHERE id = $1 AND status <> 'resolved'`
	sqlAcknowledgeIssue = `UPDATE issues SET status = 'acknowledged', acknowledged_at = $2 WHERE id = $1 AND status = 'open'
		RETURNING ` + issueColumns
	sqlIssueStatus = `SELECT status FROM issues WHERE id = $1`
)

// WithPageLock runs fn inside a transaction holding a transaction-scoped
// advisory lock keyed by the page ID.
func (s *Store) WithPageLock(ctx context.Context, pageID string, fn func(ctx context.Context, tx schemas.IssueTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlLockPage, pageID); err != nil {
		return fmt.Errorf("failed to acquire page lock: %w", err)
	}
	if err := fn(ctx, pgIssueTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is the subset shared by the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgIssueTx struct{ tx pgx.Tx }

func (t pgIssueTx) FindActive(ctx context.Context, pageID, issueType string) (*schemas.Issue, error) {
	is, err := scanIssue(t.tx.QueryRow(ctx, sqlFindActiveIssue, pageID, issueType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active issue: %w", err)
	}
	return is, nil
}

func (t pgIssueTx) ListActive(ctx context.Context, pageID string) ([]schemas.Issue, error) {
	return queryIssues(ctx, t.tx, sqlListActiveIssues, pageID)
}

func (t pgIssueTx) InsertIssue(ctx context.Context, issue *schemas.Issue) error {
	_, err := t.tx.Exec(ctx, sqlInsertIssue,
		issue.ID,
		issue.ProductPageID,
		issue.ShopID,
		issue.IssueType,
		string(issue.Severity),
		string(issue.Status),
		issue.Title,
		issue.Description,
		evidenceOrEmpty(issue.Evidence),
		issue.OccurrenceCount,
		issue.FirstDetectedAt.UTC(),
		issue.LastDetectedAt.UTC(),
		issue.AcknowledgedAt,
		issue.ResolvedAt,
		issue.AIConfirmed,
		issue.AIConfidence,
		issue.AIReasoning,
		issue.AIExplanation,
		issue.AISuggestedFix,
		issue.AIVerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert issue: %w", err)
	}
	return nil
}

func (t pgIssueTx) UpdateIssue(ctx context.Context, issue *schemas.Issue) error {
	tag, err := t.tx.Exec(ctx, sqlUpdateIssue,
		issue.ID,
		string(issue.Severity),
		string(issue.Status),
		issue.Title,
		issue.Description,
		evidenceOrEmpty(issue.Evidence),
		issue.OccurrenceCount,
		issue.LastDetectedAt.UTC(),
		issue.AIConfirmed,
		issue.AIConfidence,
		issue.AIReasoning,
		issue.AIExplanation,
		issue.AISuggestedFix,
		issue.AIVerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update issue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("issue %s: %w", issue.ID, schemas.ErrNotFound)
	}
	return nil
}

func (t pgIssueTx) ResolveIssue(ctx context.Context, issueID string, at time.Time) error {
	if _, err := t.tx.Exec(ctx, sqlResolveIssue, issueID, at.UTC()); err != nil {
		return fmt.Errorf("failed to resolve issue: %w", err)
	}
	return nil
}

func (s *Store) ListActiveIssues(ctx context.Context, pageID string) ([]schemas.Issue, error) {
	return queryIssues(ctx, s.pool, sqlListActiveIssues, pageID)
}

func (s *Store) ListIssues(ctx context.Context, pageID string) ([]schemas.Issue, error) {
	return queryIssues(ctx, s.pool, sqlListIssues, pageID)
}

func (s *Store) GetIssue(ctx context.Context, issueID string) (*schemas.Issue, error) {
	is, err := scanIssue(s.pool.QueryRow(ctx, sqlGetIssue, issueID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", issueID, schemas.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query issue: %w", err)
	}
	return is, nil
}

func (s *Store) UpdateIssueAI(ctx context.Context, issue *schemas.Issue) error {
	tag, err := s.pool.Exec(ctx, sqlUpdateIssueAI,
		issue.ID,
		issue.AIConfirmed,
		issue.AIConfidence,
		issue.AIReasoning,
		issue.AIExplanation,
		issue.AISuggestedFix,
		issue.AIVerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update issue AI fields: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	if err := s.pool.QueryRow(ctx, sqlIssueStatus, issue.ID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("issue %s: %w", issue.ID, schemas.ErrNotFound)
		}
		return fmt.Errorf("failed to query issue status: %w", err)
	}
	return fmt.Errorf("issue %s is %s: %w", issue.ID, status, schemas.ErrInvalidTransition)
}

func (s *Store) AcknowledgeIssue(ctx context.Context, issueID string, at time.Time) (*schemas.Issue, error) {
	is, err := scanIssue(s.pool.QueryRow(ctx, sqlAcknowledgeIssue, issueID, at.UTC()))
	if err == nil {
		return is, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to acknowledge issue: %w", err)
	}

	// No row updated: tell a missing issue apart from one that is not open.
	var status string
	if err := s.pool.QueryRow(ctx, sqlIssueStatus, issueID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("issue %s: %w", issueID, schemas.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query issue status: %w", err)
	}
	return nil, fmt.Errorf("issue %s is %s: %w", issueID, status, schemas.ErrInvalidTransition)
}

func queryIssues(ctx context.Context, q querier, sql string, args ...any) ([]schemas.Issue, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var out []schemas.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		out = append(out, *is)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issues: %w", err)
	}
	return out, nil
}

func scanIssue(row pgx.Row) (*schemas.Issue, error) {
	var (
		is       schemas.Issue
		severity string
		status   string
		evidence []byte
	)
	err := row.Scan(
		&is.ID,
		&is.ProductPageID,
		&is.ShopID,
		&is.IssueType,
		&severity,
		&status,
		&is.Title,
		&is.Description,
		&evidence,
		&is.OccurrenceCount,
		&is.FirstDetectedAt,
		&is.LastDetectedAt,
		&is.AcknowledgedAt,
		&is.ResolvedAt,
		&is.AIConfirmed,
		&is.AIConfidence,
		&is.AIReasoning,
		&is.AIExplanation,
		&is.AISuggestedFix,
		&is.AIVerifiedAt,
	)
	if err != nil {
		return nil, err
	}
	is.Severity = schemas.Severity(severity)
	is.Status = schemas.IssueStatus(status)
	is.Evidence = json.RawMessage(evidence)
	return &is, nil
}

func evidenceOrEmpty(e json.RawMessage) json.RawMessage {
	if len(e) == 0 || string(e) == "null" {
		return json.RawMessage("{}")
	}
	return e
}

// -- Scans & Pages --

const (
	sqlInsertScan = `INSERT INTO scans (id, product_page_id, shop_id, mode, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	sqlFinishScan = `UPDATE scans SET status = $2, error_reason = $3, error_message = $4, screenshot_key = $5,
		page_status = $6, partial_load = $7, load_duration_ms = $8, technologies = $9, results = $10, completed_at = $11
		WHERE id = $1`
	sqlGetScan = `SELECT id, product_page_id, shop_id, mode, status, error_reason, error_message, screenshot_key,
		page_status, partial_load, load_duration_ms, technologies, results, started_at, completed_at
		FROM scans WHERE id = $1`
	sqlUpsertPage = `INSERT INTO product_pages (id, shop_id, url, title) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET shop_id = EXCLUDED.shop_id, url = EXCLUDED.url, title = EXCLUDED.title`
	sqlGetPage          = `SELECT id, shop_id, url, title, status, last_scanned_at FROM product_pages WHERE id = $1`
	sqlUpdatePageStatus = `UPDATE product_pages SET status = $2, last_scanned_at = $3 WHERE id = $1`
)

func (s *Store) CreateScan(ctx context.Context, scan *schemas.Scan) error {
	_, err := s.pool.Exec(ctx, sqlInsertScan,
		scan.ID, scan.ProductPageID, scan.ShopID, string(scan.Mode), string(scan.Status), scan.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert scan: %w", err)
	}
	return nil
}

func (s *Store) FinishScan(ctx context.Context, scan *schemas.Scan) error {
	technologies, err := json.Marshal(nonNil(scan.Technologies))
	if err != nil {
		return fmt.Errorf("failed to marshal technologies: %w", err)
	}
	results, err := json.Marshal(nonNil(scan.Results))
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sqlFinishScan,
		scan.ID,
		string(scan.Status),
		scan.ErrorReason,
		scan.ErrorMessage,
		scan.ScreenshotKey,
		string(scan.PageStatus),
		scan.PartialLoad,
		scan.LoadDuration.Milliseconds(),
		json.RawMessage(technologies),
		json.RawMessage(results),
		scan.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scan %s: %w", scan.ID, schemas.ErrNotFound)
	}
	return nil
}

func (s *Store) GetScan(ctx context.Context, scanID string) (*schemas.Scan, error) {
	var (
		scan                      schemas.Scan
		mode, status, pageStatus  string
		loadMillis                int64
		technologies, resultsBlob []byte
	)
	err := s.pool.QueryRow(ctx, sqlGetScan, scanID).Scan(
		&scan.ID,
		&scan.ProductPageID,
		&scan.ShopID,
		&mode,
		&status,
		&scan.ErrorReason,
		&scan.ErrorMessage,
		&scan.ScreenshotKey,
		&pageStatus,
		&scan.PartialLoad,
		&loadMillis,
		&technologies,
		&resultsBlob,
		&scan.StartedAt,
		&scan.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scan %s: %w", scanID, schemas.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scan: %w", err)
	}
	scan.Mode = schemas.ScanMode(mode)
	scan.Status = schemas.ScanStatus(status)
	scan.PageStatus = schemas.PageStatus(pageStatus)
	scan.LoadDuration = time.Duration(loadMillis) * time.Millisecond
	if len(technologies) > 0 {
		if err := json.Unmarshal(technologies, &scan.Technologies); err != nil {
			return nil, fmt.Errorf("failed to decode scan technologies: %w", err)
		}
	}
	if len(resultsBlob) > 0 {
		if err := json.Unmarshal(resultsBlob, &scan.Results); err != nil {
			return nil, fmt.Errorf("failed to decode scan results: %w", err)
		}
	}
	return &scan, nil
}

func (s *Store) UpsertPage(ctx context.Context, page *schemas.ProductPage) error {
	if _, err := s.pool.Exec(ctx, sqlUpsertPage, page.ID, page.ShopID, page.URL, page.Title); err != nil {
		return fmt.Errorf("failed to upsert page: %w", err)
	}
	return nil
}

func (s *Store) GetPage(ctx context.Context, pageID string) (*schemas.ProductPage, error) {
	var (
		p      schemas.ProductPage
		status string
	)
	err := s.pool.QueryRow(ctx, sqlGetPage, pageID).Scan(&p.ID, &p.ShopID, &p.URL, &p.Title, &status, &p.LastScannedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("page %s: %w", pageID, schemas.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query page: %w", err)
	}
	p.Status = schemas.PageStatus(status)
	return &p, nil
}

func (s *Store) UpdatePageStatus(ctx context.Context, pageID string, status schemas.PageStatus, scannedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, sqlUpdatePageStatus, pageID, string(status), scannedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to update page status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("page %s: %w", pageID, schemas.ErrNotFound)
	}
	return nil
}

// -- Alerts --

const (
	sqlClaimAlert = `INSERT INTO alert_records (id, shop_id, issue_id, channel, sent_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (shop_id, issue_id, channel) DO NOTHING`
	sqlReleaseAlert = `DELETE FROM alert_records WHERE shop_id = $1 AND issue_id = $2 AND channel = $3`
)

func (s *Store) ClaimAlert(ctx context.Context, rec *schemas.AlertRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, sqlClaimAlert, rec.ID, rec.ShopID, rec.IssueID, rec.Channel, rec.SentAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim alert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseAlert(ctx context.Context, shopID, issueID, channel string) error {
	if _, err := s.pool.Exec(ctx, sqlReleaseAlert, shopID, issueID, channel); err != nil {
		return fmt.Errorf("failed to release alert: %w", err)
	}
	return nil
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
