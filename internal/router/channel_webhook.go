package router

import (
	"context"
	"fmt"
	"time"

	"vigil-engine/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookChannel HTTP 推送通道
// POST 信封到订阅者的 Endpoint URL；2xx 视为 ack，其余视为 nack
// （重试由路由器统一做，这里不再叠加 resty 自身的重试）
type WebhookChannel struct {
	client *resty.Client
	logger *zap.Logger
}

// NewWebhookChannel 创建 Webhook 通道
func NewWebhookChannel(timeout time.Duration, logger *zap.Logger) *WebhookChannel {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")

	return &WebhookChannel{
		client: client,
		logger: logger,
	}
}

func (c *WebhookChannel) Name() string {
	return "webhook"
}

// Send 推送信封
func (c *WebhookChannel) Send(ctx context.Context, sub Subscription, env models.Envelope) error {
	if sub.Endpoint == "" {
		return fmt.Errorf("webhook subscription %s has no url", sub.ID)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(env).
		Post(sub.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to post to webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	c.logger.Debug("Envelope posted to webhook",
		zap.String("url", sub.Endpoint),
		zap.String("agent_id", env.AgentID),
		zap.Int("status", resp.StatusCode()),
	)
	return nil
}
