package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"vigil-engine/internal/alert"
	"vigil-engine/internal/broadcast"
	"vigil-engine/internal/config"
	"vigil-engine/internal/definition"
	"vigil-engine/internal/ingest"
	"vigil-engine/internal/models"
	"vigil-engine/internal/privacy"
	"vigil-engine/internal/repository"
	"vigil-engine/internal/router"
	"vigil-engine/internal/statemachine"
	"vigil-engine/pkg/redis"

	"go.uber.org/zap"
)

// EngineService 监控引擎服务
// 把摄取、状态机、广播、隐私、路由和报警串成一条流水线，
// 并对外提供查询与控制边界
type EngineService struct {
	config      *config.Config
	logger      *zap.Logger
	redisClient *redis.Client

	defs      *definition.Store
	engine    *statemachine.Engine
	privacy   *privacy.Controller
	router    *router.Router
	broadcast *broadcast.Evaluator
	alerts    *alert.Manager
	consumer  *ingest.Consumer

	subRepo *repository.SubscriptionRepository

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngineService 创建引擎服务并完成内部接线
func NewEngineService(
	cfg *config.Config,
	redisClient *redis.Client,
	alertRepo *repository.AlertRepository,
	subRepo *repository.SubscriptionRepository,
	channels []router.Channel,
	logger *zap.Logger,
) (*EngineService, error) {
	// 1. 加载 Agent 类型定义
	reg, err := definition.Load(cfg.Engine.DefinitionPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent type definitions: %w", err)
	}
	defs := definition.NewStore(reg)

	s := &EngineService{
		config:      cfg,
		logger:      logger,
		redisClient: redisClient,
		defs:        defs,
		subRepo:     subRepo,
	}

	// 2. 核心组件
	s.engine = statemachine.NewEngine(defs, logger)
	s.privacy = privacy.NewController(defs, s.agentPosition, logger)
	s.router = router.NewRouter(router.Config{
		QueueSize:   cfg.Engine.Router.QueueSize,
		MaxAttempts: cfg.Engine.Router.MaxAttempts,
	}, channels, subRepo, s.privacy, logger)
	s.broadcast = broadcast.NewEvaluator(defs, s.engine, s.privacy, s.router,
		cfg.Engine.BroadcastWorkers, logger)

	var alertStore alert.AlertStore
	if alertRepo != nil {
		alertStore = alertRepo
	}
	s.alerts = alert.NewManager(defs, s.router, alertStore,
		cfg.Engine.EscalationWorkers, logger)

	s.consumer = ingest.NewConsumer(redisClient, s.engine, defs, ingest.Config{
		Stream:        cfg.Engine.Ingest.Stream,
		ConsumerGroup: cfg.Engine.Ingest.ConsumerGroup,
		ConsumerName:  cfg.Engine.Ingest.ConsumerName,
		Workers:       cfg.Engine.Ingest.Workers,
		QueueSize:     cfg.Engine.Ingest.QueueSize,
	}, logger)

	// 3. 事件回调接线（必须在 Start 之前）
	s.engine.OnApplied(s.broadcast.Observe)
	s.engine.OnApplied(s.cacheSnapshot)
	s.engine.OnStateChanged(s.broadcast.OnStateChanged)
	s.engine.OnStateChanged(s.alerts.OnStateChanged)

	return s, nil
}

// Start 启动服务的全部后台循环
func (s *EngineService) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	// 1. 恢复持久化的订阅
	if s.subRepo != nil {
		subs, err := s.subRepo.ListActiveSubscriptions(ctx)
		if err != nil {
			return fmt.Errorf("failed to restore subscriptions: %w", err)
		}
		s.router.Restore(subs)
		s.logger.Info("Subscriptions restored", zap.Int("count", len(subs)))
	}

	// 2. 广播调度 / 升级定时器 / 失联清扫
	s.runLoop(func() { s.broadcast.Start(ctx) })
	s.runLoop(func() { s.alerts.Start(ctx) })
	sweep := time.Duration(s.config.Engine.StaleSweepInterval) * time.Second
	s.runLoop(func() { s.engine.RunStaleSweep(ctx, sweep) })

	// 3. 摄取消费者
	s.runLoop(func() {
		if err := s.consumer.Start(ctx); err != nil {
			s.logger.Error("Ingest consumer exited with error", zap.Error(err))
		}
	})

	s.logger.Info("Engine service started",
		zap.String("definitions", s.config.Engine.DefinitionPath),
		zap.String("stream", s.config.Engine.Ingest.Stream),
	)
	return nil
}

func (s *EngineService) runLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop 停止服务并等待后台循环退出
func (s *EngineService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.router.Stop()
	s.logger.Info("Engine service stopped")
}

// ============================================
// 查询与控制边界
// ============================================

// GetCurrentState 查询 Agent 当前快照
func (s *EngineService) GetCurrentState(agentID string) (models.AgentSnapshot, error) {
	return s.engine.Snapshot(agentID)
}

// GetOpenAlerts 查询未决报警
func (s *EngineService) GetOpenAlerts(filter alert.Filter) []models.Alert {
	return s.alerts.GetOpenAlerts(filter)
}

// AcknowledgeAlert 确认报警
func (s *EngineService) AcknowledgeAlert(alertID, by string) error {
	return s.alerts.Acknowledge(alertID, by)
}

// ResolveAlert 显式解决报警
func (s *EngineService) ResolveAlert(alertID string) error {
	return s.alerts.Resolve(alertID)
}

// RequestImmediateSnapshot 点播：立即广播一次，不打乱既有节奏
func (s *EngineService) RequestImmediateSnapshot(agentID string) error {
	return s.broadcast.TriggerNow(agentID)
}

// SetPrivacyMode 开关 Agent 的隐私模式
func (s *EngineService) SetPrivacyMode(agentID string, on bool) {
	s.privacy.SetPrivacyMode(agentID, on)
}

// SetBroadcastEnabled 开关 Agent 的周期广播（节奏保持，只抑制发送）
func (s *EngineService) SetBroadcastEnabled(agentID string, enabled bool) {
	s.broadcast.SetBroadcastEnabled(agentID, enabled)
}

// Subscribe 注册订阅
func (s *EngineService) Subscribe(sub router.Subscription) (string, error) {
	return s.router.Subscribe(sub)
}

// Unsubscribe 取消订阅
func (s *EngineService) Unsubscribe(id string) error {
	return s.router.Unsubscribe(id)
}

// Retire 退休 Agent：停状态机、停广播、撤升级定时器
func (s *EngineService) Retire(agentID string) error {
	if err := s.engine.Retire(agentID); err != nil {
		return err
	}
	s.broadcast.Cancel(agentID)
	s.alerts.CancelAgent(agentID)
	s.logger.Info("Agent retired", zap.String("agent_id", agentID))
	return nil
}

// Reload 热加载 Agent 类型定义，整体原子替换
func (s *EngineService) Reload() error {
	reg, err := definition.Load(s.config.Engine.DefinitionPath)
	if err != nil {
		return fmt.Errorf("failed to reload agent type definitions: %w", err)
	}
	s.defs.Swap(reg)
	s.logger.Info("Agent type definitions reloaded",
		zap.String("version", reg.Version),
		zap.Int("types", len(reg.Types)),
	)
	return nil
}

// ============================================
// 内部接线
// ============================================

// cacheSnapshot 每次指标应用后把最新快照写入 Redis 实时缓存
func (s *EngineService) cacheSnapshot(snap models.AgentSnapshot) {
	key := s.config.Engine.Cache.RealtimeKeyPrefix + snap.AgentID + s.config.Engine.Cache.RealtimeSuffix
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("Failed to marshal snapshot for cache",
			zap.String("agent_id", snap.AgentID),
			zap.Error(err),
		)
		return
	}

	ttl := time.Duration(s.config.Engine.Cache.RealtimeTTL) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.redisClient.Set(ctx, key, data, ttl).Err(); err != nil {
		// 缓存写失败不影响主流水线
		s.logger.Warn("Failed to cache realtime snapshot",
			zap.String("agent_id", snap.AgentID),
			zap.Error(err),
		)
	}
}

// agentPosition 从引擎当前快照取位置指标（供隐私地理围栏判定）
func (s *EngineService) agentPosition(agentID string) (lat, lon float64, ok bool) {
	snap, err := s.engine.Snapshot(agentID)
	if err != nil {
		return 0, 0, false
	}

	pc := s.defs.Current().Privacy
	latSample, hasLat := snap.Metrics[pc.LatMetric]
	lonSample, hasLon := snap.Metrics[pc.LonMetric]
	if !hasLat || !hasLon {
		return 0, 0, false
	}
	return latSample.Value, lonSample.Value, true
}
