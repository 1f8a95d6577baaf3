package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vigil-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscription 订阅注册
// 目标三选一：精确 agentId、agentType 过滤、收藏列表（favorites）
type Subscription struct {
	ID              string    `json:"id"`
	SubscriberID    string    `json:"subscriber_id"`
	SubscriberType  string    `json:"subscriber_type"` // parent / operator / passenger / dashboard
	TargetAgentID   string    `json:"target_agent_id,omitempty"`
	TargetAgentType string    `json:"target_agent_type,omitempty"`
	Favorites       []string  `json:"favorites,omitempty"`
	Channel         string    `json:"channel"`  // mqtt / websocket / webhook
	Endpoint        string    `json:"endpoint"` // 主题 / 客户端ID / URL
	Active          bool      `json:"active"`
	Degraded        bool      `json:"degraded"`
	CreatedAt       time.Time `json:"created_at"`
}

// Channel 投递通道适配器（SMS/push/仪表盘等外部协作方的边界）
// Send 返回 nil 视为 ack，返回错误视为 nack（触发有界重试）
type Channel interface {
	Name() string
	Send(ctx context.Context, sub Subscription, env models.Envelope) error
}

// StatusStore 订阅注册表的持久化（由仓库层实现；可为 nil）
type StatusStore interface {
	SaveSubscription(ctx context.Context, sub Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	MarkDegraded(ctx context.Context, id string) error
}

// PrivacyChecker 投递前的隐私裁决（由隐私控制器实现；可为 nil）
// 快照可能在慢订阅者队列里滞留，发送前必须重新裁决一次：
// 滞留期间隐私模式开启的快照不得出站（报警不受隐私抑制）
type PrivacyChecker interface {
	MayBroadcast(agentID string, now time.Time) bool
}

// Config 路由器配置
type Config struct {
	QueueSize   int           // 每订阅者出站队列上限，默认 64
	MaxAttempts int           // 投递重试上限，默认 5
	BackoffBase time.Duration // 重试退避基数，默认 500ms
	SendTimeout time.Duration // 单次投递超时，默认 10s
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// Router 订阅与扇出路由器
// 每个订阅者独立的有界队列 + 投递 goroutine：慢订阅者绝不阻塞其他订阅者，
// 也绝不阻塞摄入/状态机路径
type Router struct {
	config   Config
	channels map[string]Channel
	store    StatusStore
	privacy  PrivacyChecker
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]*subEntry

	wg      sync.WaitGroup
	stopped bool
}

// NewRouter 创建路由器
func NewRouter(config Config, channels []Channel, store StatusStore, privacy PrivacyChecker, logger *zap.Logger) *Router {
	config.applyDefaults()
	chanMap := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		chanMap[ch.Name()] = ch
	}
	return &Router{
		config:   config,
		channels: chanMap,
		store:    store,
		privacy:  privacy,
		logger:   logger,
		entries:  make(map[string]*subEntry),
	}
}

// Subscribe 注册订阅，返回订阅ID
func (r *Router) Subscribe(sub Subscription) (string, error) {
	if sub.SubscriberID == "" {
		return "", fmt.Errorf("subscriber_id is required")
	}
	if sub.TargetAgentID == "" && sub.TargetAgentType == "" && len(sub.Favorites) == 0 {
		return "", fmt.Errorf("subscription requires a target: agent id, agent type or favorites")
	}
	if _, ok := r.channels[sub.Channel]; !ok {
		return "", fmt.Errorf("unknown delivery channel %q", sub.Channel)
	}

	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	sub.Active = true
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	if r.store != nil {
		if err := r.store.SaveSubscription(context.Background(), sub); err != nil {
			return "", fmt.Errorf("failed to persist subscription: %w", err)
		}
	}

	r.attach(sub)

	r.logger.Info("Subscription registered",
		zap.String("subscription_id", sub.ID),
		zap.String("subscriber_id", sub.SubscriberID),
		zap.String("channel", sub.Channel),
	)
	return sub.ID, nil
}

// Restore 启动时恢复持久化的订阅（不重复落库）
func (r *Router) Restore(subs []Subscription) {
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		if _, ok := r.channels[sub.Channel]; !ok {
			r.logger.Warn("Skipping persisted subscription with unknown channel",
				zap.String("subscription_id", sub.ID),
				zap.String("channel", sub.Channel),
			)
			continue
		}
		r.attach(sub)
	}
}

func (r *Router) attach(sub Subscription) {
	entry := newSubEntry(sub, r.config.QueueSize)

	r.mu.Lock()
	r.entries[sub.ID] = entry
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runDelivery(entry)
	}()
}

// Unsubscribe 取消订阅
// 取消后不再接收新消息；已入队的消息允许排空（不追回）
func (r *Router) Unsubscribe(id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("subscription not found: %s", id)
	}
	entry.close()

	if r.store != nil {
		if err := r.store.DeleteSubscription(context.Background(), id); err != nil {
			r.logger.Error("Failed to delete persisted subscription",
				zap.String("subscription_id", id),
				zap.Error(err),
			)
		}
	}

	r.logger.Info("Subscription removed", zap.String("subscription_id", id))
	return nil
}

// Deliver 把一条快照/报警扇出给所有匹配的活跃订阅
// 入队是非阻塞的；投递异步进行，单订阅者的故障不影响其他订阅者
func (r *Router) Deliver(env models.Envelope) {
	r.mu.RLock()
	var matched []*subEntry
	for _, entry := range r.entries {
		if r.matches(entry.sub, env) {
			matched = append(matched, entry)
		}
	}
	r.mu.RUnlock()

	for _, entry := range matched {
		if dropped := entry.enqueue(env); dropped > 0 {
			r.logger.Warn("Outbound queue overflow, dropped oldest non-critical",
				zap.String("subscription_id", entry.sub.ID),
				zap.Int("dropped", dropped),
			)
		}
	}
}

// matches 订阅匹配：受众限定、目标匹配、订阅者类型过滤
func (r *Router) matches(sub Subscription, env models.Envelope) bool {
	// 升级通知限定受众
	if len(env.Audience) > 0 {
		found := false
		for _, target := range env.Audience {
			if sub.SubscriberID == target {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// 订阅者类型过滤
	if len(env.AllowedSubscriberTypes) > 0 {
		allowed := false
		for _, t := range env.AllowedSubscriberTypes {
			if sub.SubscriberType == t {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	// 精确目标总是匹配
	if sub.TargetAgentID == env.AgentID {
		return true
	}
	// notify_filtered=false 时过滤型订阅不接收快照
	if env.ExactTargetOnly {
		return false
	}
	if sub.TargetAgentType != "" && sub.TargetAgentType == env.AgentType {
		return true
	}
	for _, fav := range sub.Favorites {
		if fav == env.AgentID {
			return true
		}
	}
	return false
}

// runDelivery 单订阅者投递循环：FIFO 排空队列，保证同一 Agent 的
// 消息按非递减时间戳顺序送达
func (r *Router) runDelivery(entry *subEntry) {
	for {
		env, ok := entry.dequeue()
		if !ok {
			return
		}
		r.send(entry, env)
	}
}

// send 带退避的有界重试
// 非关键消息超限放弃；关键报警超限标记订阅 degraded 并上报运维（不静默）
func (r *Router) send(entry *subEntry, env models.Envelope) {
	ch := r.channels[entry.sub.Channel]

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		// 快照出站前重新咨询隐私裁决：入队/退避期间隐私状态可能已变化
		if env.Type == models.EnvelopeTypeSnapshot && r.privacy != nil &&
			!r.privacy.MayBroadcast(env.AgentID, time.Now()) {
			r.logger.Debug("Snapshot dropped before send, privacy suppressed",
				zap.String("subscription_id", entry.sub.ID),
				zap.String("agent_id", env.AgentID),
			)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.config.SendTimeout)
		err := ch.Send(ctx, entry.sub, env)
		cancel()
		if err == nil {
			return
		}
		lastErr = err

		if attempt < r.config.MaxAttempts {
			backoff := r.config.BackoffBase * time.Duration(1<<(attempt-1))
			time.Sleep(backoff)
		}
	}

	deliveryErr := &models.DeliveryError{
		SubscriptionID: entry.sub.ID,
		Attempts:       r.config.MaxAttempts,
		Err:            lastErr,
	}

	if env.IsCritical() {
		entry.markDegraded()
		if r.store != nil {
			if err := r.store.MarkDegraded(context.Background(), entry.sub.ID); err != nil {
				r.logger.Error("Failed to persist degraded status",
					zap.String("subscription_id", entry.sub.ID),
					zap.Error(err),
				)
			}
		}
		// 关键报警投递失败是运维可见故障，不静默重试到天荒地老
		r.logger.Error("Critical delivery failed, subscription degraded",
			zap.String("subscription_id", entry.sub.ID),
			zap.String("subscriber_id", entry.sub.SubscriberID),
			zap.Error(deliveryErr),
		)
		return
	}

	r.logger.Warn("Delivery failed, giving up",
		zap.String("subscription_id", entry.sub.ID),
		zap.Error(deliveryErr),
	)
}

// DegradedSubscriptions 当前降级的订阅（运维边界）
func (r *Router) DegradedSubscriptions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, entry := range r.entries {
		if entry.isDegraded() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stop 关闭所有订阅队列并等待投递 goroutine 退出
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	entries := make([]*subEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		entry.close()
	}
	r.wg.Wait()
}
