package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vigil-engine/internal/definition"
	"vigil-engine/internal/models"
	"vigil-engine/internal/timerq"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deliverer 报警通知投递接口（由路由器实现）
type Deliverer interface {
	Deliver(env models.Envelope)
}

// AlertStore 报警历史持久化（由仓库层实现；可为 nil）
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	UpdateAlert(ctx context.Context, alert *models.Alert) error
}

// Filter 未决报警查询条件
type Filter struct {
	AgentID  string
	Kind     string
	Severity string
}

// Manager 报警与升级管理器
// 每个未确认的未决报警一个定时器条目，跑在共享定时器队列上
type Manager struct {
	defs   *definition.Store
	router Deliverer
	store  AlertStore
	logger *zap.Logger

	mu   sync.Mutex
	open map[string]*models.Alert // agentID|kind → 未关闭报警（去重不变式）
	byID map[string]*models.Alert

	esc *timerq.Queue
	now func() time.Time
}

// NewManager 创建报警管理器
func NewManager(defs *definition.Store, router Deliverer, store AlertStore, workers int, logger *zap.Logger) *Manager {
	m := &Manager{
		defs:   defs,
		router: router,
		store:  store,
		logger: logger,
		open:   make(map[string]*models.Alert),
		byID:   make(map[string]*models.Alert),
		now:    time.Now,
	}
	m.esc = timerq.New(workers, m.escalate)
	return m
}

// Start 运行升级定时器循环（阻塞直到 ctx 取消）
func (m *Manager) Start(ctx context.Context) {
	m.esc.Run(ctx)
}

func dedupKey(agentID, kind string) string {
	return agentID + "|" + kind
}

// OnStateChanged 状态机引擎的状态变化回调：
// 进入报警状态触发 RaiseOrUpdate，离开带 resolve_on_leave 的状态隐式解决
func (m *Manager) OnStateChanged(event models.StateChanged) {
	if event.From == event.To {
		return
	}
	def, ok := m.defs.Current().Type(event.AgentType)
	if !ok {
		return
	}

	for _, rule := range def.Alerting {
		if rule.EnterState == event.To {
			m.RaiseOrUpdate(event.AgentID, rule.Kind, rule.Severity)
		}
		if rule.ResolveOnLeave && rule.EnterState == event.From {
			m.resolveByKind(event.AgentID, rule.Kind)
		}
	}
}

// RaiseOrUpdate 触发或更新报警
// 去重：同一 (agentId, kind) 已有未关闭报警时只更新 lastRaisedAt，
// 不重启升级定时器、不产生重复记录（快速抖动不会制造报警风暴）
func (m *Manager) RaiseOrUpdate(agentID, kind, severity string) *models.Alert {
	now := m.now()

	m.mu.Lock()
	key := dedupKey(agentID, kind)
	if existing, ok := m.open[key]; ok {
		existing.LastRaisedAt = now
		snapshot := *existing
		m.mu.Unlock()

		m.persistUpdate(&snapshot)
		m.logger.Debug("Alert re-raised, deduplicated",
			zap.String("alert_id", snapshot.AlertID),
			zap.String("kind", kind),
		)
		return &snapshot
	}

	alert := &models.Alert{
		AlertID:       uuid.New().String(),
		AgentID:       agentID,
		Kind:          kind,
		Severity:      severity,
		State:         models.AlertStateOpen,
		FirstRaisedAt: now,
		LastRaisedAt:  now,
	}
	m.open[key] = alert
	m.byID[alert.AlertID] = alert
	snapshot := *alert
	m.mu.Unlock()

	m.logger.Info("Alert raised",
		zap.String("alert_id", alert.AlertID),
		zap.String("agent_id", agentID),
		zap.String("kind", kind),
		zap.String("severity", severity),
	)

	if m.store != nil {
		if err := m.store.CreateAlert(context.Background(), &snapshot); err != nil {
			m.logger.Error("Failed to persist alert",
				zap.String("alert_id", alert.AlertID),
				zap.Error(err),
			)
			// 持久化失败不中断报警流程
		}
	}

	// 首次触发即通知 Agent 的订阅者
	m.notify(&snapshot, nil)

	// 有升级策略的报警进入升级计时
	if tiers, ok := m.defs.Current().Escalation[kind]; ok && len(tiers) > 0 {
		m.esc.Schedule(alert.AlertID, now.Add(tiers[0].Delay))
	}

	return &snapshot
}

// Acknowledge 确认报警（任何梯级均可确认）
func (m *Manager) Acknowledge(alertID, by string) error {
	now := m.now()

	m.mu.Lock()
	alert, ok := m.byID[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alert not found: %s", alertID)
	}
	if alert.State == models.AlertStateResolved {
		m.mu.Unlock()
		return fmt.Errorf("alert %s is already resolved", alertID)
	}
	alert.State = models.AlertStateAcknowledged
	alert.AcknowledgedBy = &by
	alert.AcknowledgedAt = &now
	delete(m.open, dedupKey(alert.AgentID, alert.Kind))
	snapshot := *alert
	m.mu.Unlock()

	m.esc.Cancel(alertID)
	m.persistUpdate(&snapshot)

	m.logger.Info("Alert acknowledged",
		zap.String("alert_id", alertID),
		zap.String("by", by),
	)
	return nil
}

// Resolve 显式解决报警
func (m *Manager) Resolve(alertID string) error {
	m.mu.Lock()
	alert, ok := m.byID[alertID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alert not found: %s", alertID)
	}
	m.resolveLocked(alert)
	snapshot := *alert
	m.mu.Unlock()

	m.esc.Cancel(alertID)
	m.persistUpdate(&snapshot)

	m.logger.Info("Alert resolved", zap.String("alert_id", alertID))
	return nil
}

// resolveByKind Agent 回到非报警状态时的隐式解决
func (m *Manager) resolveByKind(agentID, kind string) {
	m.mu.Lock()
	alert, ok := m.open[dedupKey(agentID, kind)]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.resolveLocked(alert)
	snapshot := *alert
	m.mu.Unlock()

	m.esc.Cancel(snapshot.AlertID)
	m.persistUpdate(&snapshot)

	m.logger.Info("Alert implicitly resolved",
		zap.String("alert_id", snapshot.AlertID),
		zap.String("agent_id", agentID),
		zap.String("kind", kind),
	)
}

func (m *Manager) resolveLocked(alert *models.Alert) {
	now := m.now()
	alert.State = models.AlertStateResolved
	alert.ResolvedAt = &now
	delete(m.open, dedupKey(alert.AgentID, alert.Kind))
}

// CancelAgent 退休 Agent：确定性取消其所有升级定时器
func (m *Manager) CancelAgent(agentID string) {
	m.mu.Lock()
	var ids []string
	for _, alert := range m.open {
		if alert.AgentID == agentID {
			ids = append(ids, alert.AlertID)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.esc.Cancel(id)
	}
}

// GetOpenAlerts 查询未决报警（查询边界）
func (m *Manager) GetOpenAlerts(filter Filter) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Alert
	for _, alert := range m.open {
		if filter.AgentID != "" && alert.AgentID != filter.AgentID {
			continue
		}
		if filter.Kind != "" && alert.Kind != filter.Kind {
			continue
		}
		if filter.Severity != "" && alert.Severity != filter.Severity {
			continue
		}
		result = append(result, *alert)
	}
	return result
}

// escalate 升级定时器到期：未确认则推进一个梯级并通知其目标
// 末级按自身延迟无限重复 —— 关键报警永远不会被静默丢掉
func (m *Manager) escalate(alertID string) {
	m.mu.Lock()
	alert, ok := m.byID[alertID]
	if !ok || alert.IsClosed() {
		m.mu.Unlock()
		return
	}

	tiers, ok := m.defs.Current().Escalation[alert.Kind]
	if !ok || len(tiers) == 0 {
		m.mu.Unlock()
		return
	}

	// 严格逐级推进，封顶在末级
	if alert.EscalationTier < len(tiers) {
		alert.EscalationTier++
	}
	alert.State = models.AlertStateEscalated
	tier := tiers[alert.EscalationTier-1]
	snapshot := *alert
	m.mu.Unlock()

	m.logger.Warn("Alert escalated",
		zap.String("alert_id", alertID),
		zap.String("agent_id", snapshot.AgentID),
		zap.Int("tier", snapshot.EscalationTier),
		zap.Strings("targets", tier.Targets),
	)

	m.persistUpdate(&snapshot)
	m.notify(&snapshot, tier.Targets)

	// 未到末级时用下一级的延迟，末级用自身延迟重复
	next := tier.Delay
	if snapshot.EscalationTier < len(tiers) {
		next = tiers[snapshot.EscalationTier].Delay
	}
	m.esc.Schedule(alertID, m.now().Add(next))
}

// notify 通过路由器发出报警信封
func (m *Manager) notify(alert *models.Alert, audience []string) {
	m.router.Deliver(models.Envelope{
		AgentID:   alert.AgentID,
		Type:      models.EnvelopeTypeAlert,
		Payload:   *alert,
		Priority:  models.SeverityPriority(alert.Severity),
		Timestamp: m.now().Unix(),
		Audience:  audience,
	})
}

func (m *Manager) persistUpdate(alert *models.Alert) {
	if m.store == nil {
		return
	}
	if err := m.store.UpdateAlert(context.Background(), alert); err != nil {
		m.logger.Error("Failed to update persisted alert",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
	}
}
