package router

import (
	"context"
	"encoding/json"
	"fmt"

	"vigil-engine/internal/models"
	"vigil-engine/pkg/mqtt"

	"go.uber.org/zap"
)

// MQTTChannel MQTT 投递通道
// 每个订阅者的 Endpoint 即发布主题（如 notify/parents/u-42）
type MQTTChannel struct {
	client *mqtt.Client
	qos    byte
	logger *zap.Logger
}

// NewMQTTChannel 创建 MQTT 投递通道
func NewMQTTChannel(client *mqtt.Client, qos byte, logger *zap.Logger) *MQTTChannel {
	return &MQTTChannel{
		client: client,
		qos:    qos,
		logger: logger,
	}
}

func (c *MQTTChannel) Name() string {
	return "mqtt"
}

// Send 发布信封到订阅者主题
func (c *MQTTChannel) Send(ctx context.Context, sub Subscription, env models.Envelope) error {
	if sub.Endpoint == "" {
		return fmt.Errorf("mqtt subscription %s has no topic", sub.ID)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := c.client.Publish(sub.Endpoint, c.qos, false, payload); err != nil {
		return err
	}

	c.logger.Debug("Envelope published to MQTT",
		zap.String("topic", sub.Endpoint),
		zap.String("agent_id", env.AgentID),
		zap.String("type", env.Type),
	)
	return nil
}
