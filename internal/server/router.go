// Package server exposes the scan engine and issue store over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/engine"
	"github.com/xkilldash9x/pdpwatch/internal/issues"
)

// ScanQueue accepts scan jobs and reports engine state.
type ScanQueue interface {
	Submit(ctx context.Context, job schemas.ScanJob) error
	Stats() engine.Stats
}

// Acknowledger moves an open issue to acknowledged.
type Acknowledger interface {
	Acknowledge(ctx context.Context, issueID string) (*schemas.Issue, error)
}

// errBadRequest marks client errors.
var errBadRequest = errors.New("bad request")

type Router struct {
	queue       ScanQueue
	repo        schemas.Repository
	ack         Acknowledger
	defaultMode schemas.ScanMode
	logger      *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(queue ScanQueue, repo schemas.Repository, ack Acknowledger, defaultMode schemas.ScanMode, allowedOrigins []string, logger *zap.Logger) http.Handler {
	r := &Router{queue: queue, repo: repo, ack: ack, defaultMode: defaultMode, logger: logger.Named("http")}
	if r.defaultMode == "" {
		r.defaultMode = schemas.ScanQuick
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	mux.Get("/health", r.wrap(r.handleHealth))
	mux.Route("/v1", func(rt chi.Router) {
		rt.Post("/scans", r.wrap(r.handleSubmitScan))
		rt.Get("/scans/{id}", r.wrap(r.handleGetScan))
		rt.Get("/pages/{id}/issues", r.wrap(r.handleListIssues))
		rt.Post("/issues/{id}/acknowledge", r.wrap(r.handleAcknowledge))
	})
	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, errBadRequest):
			status = http.StatusBadRequest
		case errors.Is(err, schemas.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, schemas.ErrInvalidTransition):
			status = http.StatusConflict
		case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrNotRunning):
			status = http.StatusServiceUnavailable
		}
		if status == http.StatusInternalServerError {
			r.logger.Error("Request failed.",
				zap.String("path", req.URL.Path),
				zap.String("request_id", middleware.GetReqID(req.Context())),
				zap.Error(err))
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /health
func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "engine": r.queue.Stats()})
	return nil
}

type submitScanRequest struct {
	PageID string `json:"page_id"`
	ShopID string `json:"shop_id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Mode   string `json:"mode"`
}

type submitScanResponse struct {
	ScanID string `json:"scan_id"`
	PageID string `json:"page_id"`
	Mode   string `json:"mode"`
	Status string `json:"status"`
}

// POST /v1/scans
// Body: {"shop_id": "...", "url": "...", "page_id": "(optional)", "mode": "quick|deep"}
func (r *Router) handleSubmitScan(w http.ResponseWriter, req *http.Request) error {
	var body submitScanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64<<10)).Decode(&body); err != nil {
		return fmt.Errorf("%w: invalid json: %v", errBadRequest, err)
	}
	if body.ShopID == "" {
		return fmt.Errorf("%w: shop_id is required", errBadRequest)
	}
	u, err := url.Parse(strings.TrimSpace(body.URL))
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: url must be an absolute http(s) url", errBadRequest)
	}
	mode := r.defaultMode
	switch schemas.ScanMode(body.Mode) {
	case "":
	case schemas.ScanQuick, schemas.ScanDeep:
		mode = schemas.ScanMode(body.Mode)
	default:
		return fmt.Errorf("%w: mode must be quick or deep", errBadRequest)
	}
	pageID := body.PageID
	if pageID == "" {
		pageID = PageIDFor(body.ShopID, u.String())
	}

	job := schemas.ScanJob{
		ScanID:      uuid.NewString(),
		Page:        schemas.ProductPage{ID: pageID, ShopID: body.ShopID, URL: u.String(), Title: body.Title},
		Mode:        mode,
		SubmittedAt: time.Now().UTC(),
	}
	if err := r.queue.Submit(req.Context(), job); err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, submitScanResponse{ScanID: job.ScanID, PageID: pageID, Mode: string(mode), Status: "queued"})
	return nil
}

// PageIDFor derives a stable page ID from the shop and page URL.
func PageIDFor(shopID, pageURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(shopID+"|"+pageURL)).String()
}

// GET /v1/scans/{id}
func (r *Router) handleGetScan(w http.ResponseWriter, req *http.Request) error {
	scan, err := r.repo.GetScan(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, scan)
	return nil
}

type pageIssuesResponse struct {
	Page    *schemas.ProductPage     `json:"page"`
	Issues  []schemas.Issue          `json:"issues"`
	Summary map[schemas.Severity]int `json:"summary"`
}

// GET /v1/pages/{id}/issues?status=active|all
func (r *Router) handleListIssues(w http.ResponseWriter, req *http.Request) error {
	pageID := chi.URLParam(req, "id")
	page, err := r.repo.GetPage(req.Context(), pageID)
	if err != nil {
		return err
	}

	var list []schemas.Issue
	switch req.URL.Query().Get("status") {
	case "", "active":
		list, err = r.repo.ListActiveIssues(req.Context(), pageID)
	case "all":
		list, err = r.repo.ListIssues(req.Context(), pageID)
	default:
		return fmt.Errorf("%w: status must be active or all", errBadRequest)
	}
	if err != nil {
		return err
	}
	if list == nil {
		list = []schemas.Issue{}
	}
	writeJSON(w, http.StatusOK, pageIssuesResponse{Page: page, Issues: list, Summary: issues.CountBySeverity(list)})
	return nil
}

// POST /v1/issues/{id}/acknowledge
func (r *Router) handleAcknowledge(w http.ResponseWriter, req *http.Request) error {
	issue, err := r.ack.Acknowledge(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, issue)
	return nil
}
