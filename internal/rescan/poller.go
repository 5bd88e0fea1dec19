package rescan

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// Submitter accepts scan jobs.
type Submitter interface {
	Submit(ctx context.Context, job schemas.ScanJob) error
}

// PageSource looks pages up by ID.
type PageSource interface {
	GetPage(ctx context.Context, pageID string) (*schemas.ProductPage, error)
}

// Poller periodically drains due rescans into the scan engine.
type Poller struct {
	queue    Queue
	pages    PageSource
	submit   Submitter
	mode     schemas.ScanMode
	interval time.Duration
	batch    int
	logger   *zap.Logger
	now      func() time.Time
}

func NewPoller(queue Queue, pages PageSource, submit Submitter, mode schemas.ScanMode, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		queue:    queue,
		pages:    pages,
		submit:   submit,
		mode:     mode,
		interval: interval,
		batch:    50,
		logger:   logger.Named("rescan_poller"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("Rescan poll failed.", zap.Error(err))
			}
		}
	}
}

// PollOnce submits every due page and returns how many were submitted. Pages
// the engine refuses are put back for the next interval.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	now := p.now()
	ids, err := p.queue.Due(ctx, now, p.batch)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, id := range ids {
		page, err := p.pages.GetPage(ctx, id)
		if errors.Is(err, schemas.ErrNotFound) {
			p.logger.Debug("Dropping rescan for unknown page.", zap.String("page_id", id))
			continue
		}
		if err != nil {
			p.requeue(ctx, id, now)
			return submitted, err
		}

		job := schemas.ScanJob{ScanID: uuid.NewString(), Page: *page, Mode: p.mode, SubmittedAt: now}
		if err := p.submit.Submit(ctx, job); err != nil {
			p.logger.Warn("Engine refused rescan, requeueing.", zap.String("page_id", id), zap.Error(err))
			p.requeue(ctx, id, now)
			continue
		}
		submitted++
	}
	if submitted > 0 {
		p.logger.Info("Submitted due rescans.", zap.Int("count", submitted))
	}
	return submitted, nil
}

func (p *Poller) requeue(ctx context.Context, pageID string, now time.Time) {
	if err := p.queue.Schedule(context.WithoutCancel(ctx), pageID, now.Add(p.interval)); err != nil {
		p.logger.Error("Failed to requeue rescan.", zap.String("page_id", pageID), zap.Error(err))
	}
}
