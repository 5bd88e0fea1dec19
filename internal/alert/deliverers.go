package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// Channel names.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
)

// Notification is what a deliverer sends for one issue.
type Notification struct {
	ShopID string        `json:"shop_id"`
	Reason string        `json:"reason"`
	Issue  schemas.Issue `json:"issue"`
	SentAt time.Time     `json:"sent_at"`
}

// Deliverer sends notifications over one channel.
type Deliverer interface {
	Channel() string
	Deliver(ctx context.Context, n Notification) error
}

// LogDeliverer writes notifications to the structured log.
type LogDeliverer struct {
	logger *zap.Logger
}

func NewLogDeliverer(logger *zap.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger.Named("alerts")}
}

func (d *LogDeliverer) Channel() string { return ChannelLog }

func (d *LogDeliverer) Deliver(_ context.Context, n Notification) error {
	d.logger.Warn("Product page alert.",
		zap.String("shop_id", n.ShopID),
		zap.String("page_id", n.Issue.ProductPageID),
		zap.String("issue_id", n.Issue.ID),
		zap.String("issue_type", n.Issue.IssueType),
		zap.String("severity", string(n.Issue.Severity)),
		zap.Int("occurrences", n.Issue.OccurrenceCount),
		zap.String("reason", n.Reason),
		zap.String("title", n.Issue.Title),
	)
	return nil
}

// WebhookDeliverer POSTs the notification as JSON.
type WebhookDeliverer struct {
	url    string
	client *http.Client
}

func NewWebhookDeliverer(url string, timeout time.Duration) *WebhookDeliverer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDeliverer{url: url, client: &http.Client{Timeout: timeout}}
}

func (d *WebhookDeliverer) Channel() string { return ChannelWebhook }

func (d *WebhookDeliverer) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pdpwatch-alerts")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
