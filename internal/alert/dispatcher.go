package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
)

// Dispatcher fans gated issues out to every configured channel. A claim in
// the AlertRepository is taken before delivery and released if delivery
// fails, so each (shop, issue, channel) is delivered at most once.
type Dispatcher struct {
	repo       schemas.AlertRepository
	deliverers map[string]Deliverer
	channels   []string
	logger     *zap.Logger
	now        func() time.Time
}

// NewDispatcher creates a dispatcher over the given deliverers.
func NewDispatcher(repo schemas.AlertRepository, logger *zap.Logger, deliverers ...Deliverer) *Dispatcher {
	d := &Dispatcher{
		repo:       repo,
		deliverers: make(map[string]Deliverer, len(deliverers)),
		logger:     logger.Named("alert_dispatcher"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, dl := range deliverers {
		if _, dup := d.deliverers[dl.Channel()]; dup {
			continue
		}
		d.deliverers[dl.Channel()] = dl
		d.channels = append(d.channels, dl.Channel())
	}
	sort.Strings(d.channels)
	return d
}

// NewFromConfig builds the deliverers named in cfg.Channels.
func NewFromConfig(cfg config.AlertsConfig, repo schemas.AlertRepository, logger *zap.Logger) (*Dispatcher, error) {
	var deliverers []Deliverer
	for _, ch := range cfg.Channels {
		switch ch {
		case ChannelLog:
			deliverers = append(deliverers, NewLogDeliverer(logger))
		case ChannelWebhook:
			if cfg.WebhookURL == "" {
				return nil, fmt.Errorf("alert channel %q requires alerts.webhook_url", ch)
			}
			deliverers = append(deliverers, NewWebhookDeliverer(cfg.WebhookURL, cfg.WebhookTimeout))
		default:
			return nil, fmt.Errorf("unknown alert channel %q", ch)
		}
	}
	return NewDispatcher(repo, logger, deliverers...), nil
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	return append([]string(nil), d.channels...)
}

// Dispatch gates each issue and notifies every channel for those that pass.
// It returns the alerts actually sent during this call. Delivery failures on
// one issue or channel do not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, shopID string, issues []schemas.Issue) ([]schemas.AlertRecord, error) {
	var sent []schemas.AlertRecord
	var errs []error
	for _, issue := range issues {
		if _, ok := GateReason(issue); !ok {
			continue
		}
		for _, ch := range d.channels {
			rec, delivered, err := d.Notify(ctx, shopID, issue, ch)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if delivered {
				sent = append(sent, *rec)
			}
		}
	}
	return sent, errors.Join(errs...)
}

// Notify delivers one issue over one channel unless that triple was already
// notified. delivered is false when an earlier claim exists.
func (d *Dispatcher) Notify(ctx context.Context, shopID string, issue schemas.Issue, channel string) (rec *schemas.AlertRecord, delivered bool, err error) {
	dl, ok := d.deliverers[channel]
	if !ok {
		return nil, false, fmt.Errorf("alert channel %q is not configured", channel)
	}

	reason, _ := GateReason(issue)
	rec = &schemas.AlertRecord{
		ID:      uuid.NewString(),
		ShopID:  shopID,
		IssueID: issue.ID,
		Channel: channel,
		SentAt:  d.now(),
	}
	claimed, err := d.repo.ClaimAlert(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim alert for issue %s on %s: %w", issue.ID, channel, err)
	}
	if !claimed {
		d.logger.Debug("Alert already sent, skipping.", zap.String("issue_id", issue.ID), zap.String("channel", channel))
		return nil, false, nil
	}

	n := Notification{ShopID: shopID, Reason: reason, Issue: issue, SentAt: rec.SentAt}
	if err := dl.Deliver(ctx, n); err != nil {
		// The claim is released even when ctx is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := d.repo.ReleaseAlert(releaseCtx, shopID, issue.ID, channel); rerr != nil {
			d.logger.Error("Failed to release alert claim after delivery failure.",
				zap.String("issue_id", issue.ID), zap.String("channel", channel), zap.Error(rerr))
		}
		return nil, false, fmt.Errorf("failed to deliver alert for issue %s on %s: %w", issue.ID, channel, err)
	}

	d.logger.Info("Alert delivered.",
		zap.String("shop_id", shopID),
		zap.String("issue_id", issue.ID),
		zap.String("channel", channel),
		zap.String("reason", reason),
	)
	return rec, true, nil
}
