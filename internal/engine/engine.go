package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
	"github.com/xkilldash9x/pdpwatch/internal/pipeline"
)

var (
	// ErrQueueFull is returned by Submit when the job queue has no room.
	ErrQueueFull = errors.New("scan queue is full")
	// ErrNotRunning is returned by Submit before Start or after Stop.
	ErrNotRunning = errors.New("scan engine is not running")
)

// -- Interfaces for Dependency Inversion --

// Runner executes one scan. A nil session asks the runner to open its own.
type Runner interface {
	Run(ctx context.Context, job schemas.ScanJob, session schemas.PageSession) (*pipeline.Result, error)
}

// Stats are cumulative engine counters.
type Stats struct {
	Queued    int   `json:"queued"`
	Running   bool  `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Errored   int64 `json:"errored"`
}

// Engine runs scan jobs on a fixed pool of workers. Each job is guarded by a
// per-page lock so the same page is never scanned twice at once.
type Engine struct {
	cfg      config.EngineConfig
	lockTTL  time.Duration
	runner   Runner
	sessions schemas.SessionFactory
	locker   schemas.PageLocker
	logger   *zap.Logger

	// stateLock guards jobs and isRunning against Submit racing Stop.
	stateLock sync.RWMutex
	isRunning bool
	jobs      chan schemas.ScanJob
	wg        *sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	errored   atomic.Int64
}

// New creates an engine. sessions is only used when share_sessions is on;
// locker may be nil to disable page locking.
func New(cfg config.EngineConfig, runner Runner, sessions schemas.SessionFactory, locker schemas.PageLocker, lockTTL time.Duration, logger *zap.Logger) (*Engine, error) {
	if runner == nil {
		return nil, errors.New("runner cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.ShareSessions && sessions == nil {
		return nil, errors.New("share_sessions requires a session factory")
	}
	if lockTTL <= 0 {
		lockTTL = 4 * time.Minute
	}
	return &Engine{
		cfg:      cfg,
		lockTTL:  lockTTL,
		runner:   runner,
		sessions: sessions,
		locker:   locker,
		logger:   logger.With(zap.String("component", "scan_engine")),
	}, nil
}

// Start launches the worker pool. Workers exit when ctx is cancelled or when
// Stop drains the queue.
func (e *Engine) Start(ctx context.Context) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if e.isRunning {
		e.logger.Warn("Engine.Start called, but engine is already running.")
		return
	}

	concurrency := e.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	queueSize := e.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	e.jobs = make(chan schemas.ScanJob, queueSize)
	e.wg = &sync.WaitGroup{}
	e.isRunning = true

	e.logger.Info("Starting scan engine worker pool",
		zap.Int("concurrency", concurrency),
		zap.Int("queue_size", queueSize),
		zap.Bool("share_sessions", e.cfg.ShareSessions),
	)
	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		jobs := e.jobs
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runWorker(ctx, workerID, jobs)
		}()
	}
}

// Submit enqueues a job without blocking.
func (e *Engine) Submit(_ context.Context, job schemas.ScanJob) error {
	if err := validateJob(job); err != nil {
		return err
	}
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	if !e.isRunning {
		return ErrNotRunning
	}
	select {
	case e.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for workers to finish the jobs already queued.
func (e *Engine) Stop() {
	e.stateLock.Lock()
	if !e.isRunning {
		e.stateLock.Unlock()
		return
	}
	e.isRunning = false
	close(e.jobs)
	wg := e.wg
	e.stateLock.Unlock()

	e.logger.Info("Stopping scan engine... waiting for workers to finish.")
	wg.Wait()
	e.logger.Info("Scan engine stopped gracefully.")
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.stateLock.RLock()
	queued := 0
	if e.isRunning {
		queued = len(e.jobs)
	}
	running := e.isRunning
	e.stateLock.RUnlock()
	return Stats{
		Queued:    queued,
		Running:   running,
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		Skipped:   e.skipped.Load(),
		Errored:   e.errored.Load(),
	}
}

func validateJob(job schemas.ScanJob) error {
	if job.Page.ID == "" {
		return errors.New("scan job has no page id")
	}
	u, err := url.Parse(job.Page.URL)
	if err != nil {
		return fmt.Errorf("invalid page url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("page url %q is not absolute", job.Page.URL)
	}
	return nil
}

// worker holds per-goroutine state.
type worker struct {
	id     int
	logger *zap.Logger
	shared schemas.PageSession
}

func (e *Engine) runWorker(ctx context.Context, workerID int, jobs <-chan schemas.ScanJob) {
	w := &worker{id: workerID, logger: e.logger.With(zap.Int("worker_id", workerID))}
	w.logger.Debug("Worker goroutine started")
	defer e.closeShared(w)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker shutting down immediately.", zap.Error(ctx.Err()))
			return
		case job, ok := <-jobs:
			if !ok {
				w.logger.Debug("Job queue closed and drained, worker shutting down gracefully.")
				return
			}
			e.process(ctx, w, job)
		}
	}
}

func (e *Engine) process(ctx context.Context, w *worker, job schemas.ScanJob) {
	logger := w.logger.With(zap.String("page_id", job.Page.ID), zap.String("scan_id", job.ScanID))
	if ctx.Err() != nil {
		logger.Warn("Context cancelled before scan started", zap.Error(ctx.Err()))
		return
	}

	if e.locker != nil {
		release, ok, err := e.locker.TryLock(ctx, job.Page.ID, e.lockTTL)
		switch {
		case err != nil:
			logger.Warn("Error obtaining page lock; proceeding without lock", zap.Error(err))
		case !ok:
			logger.Info("Page is already being scanned elsewhere, skipping job")
			e.skipped.Add(1)
			return
		default:
			defer release()
		}
	}

	session, err := e.sessionFor(ctx, w)
	if err != nil {
		logger.Error("Failed to prepare shared browser session", zap.Error(err))
		e.errored.Add(1)
		return
	}

	res, err := e.runner.Run(ctx, job, session)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Scan was cancelled", zap.Error(err))
		} else {
			logger.Error("Scan failed with unexpected error", zap.Error(err))
		}
		e.errored.Add(1)
		return
	}
	if res.Failed() {
		e.failed.Add(1)
		if res.Scan.ErrorReason == pipeline.ReasonSessionError || res.Scan.ErrorReason == string(schemas.NavConnection) {
			// The shared browser may be gone; start fresh on the next job.
			e.closeShared(w)
		}
		return
	}
	e.completed.Add(1)
}

// sessionFor returns the worker's shared session, opening it on first use.
// It returns nil when sessions are not shared.
func (e *Engine) sessionFor(ctx context.Context, w *worker) (schemas.PageSession, error) {
	if !e.cfg.ShareSessions {
		return nil, nil
	}
	if w.shared != nil && w.shared.Started() {
		return w.shared, nil
	}
	e.closeShared(w)
	s, err := e.sessions.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	w.shared = s
	return s, nil
}

func (e *Engine) closeShared(w *worker) {
	if w.shared == nil {
		return
	}
	if err := w.shared.Close(); err != nil {
		w.logger.Warn("Failed to close shared browser session", zap.Error(err))
	}
	w.shared = nil
}
