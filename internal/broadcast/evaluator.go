package broadcast

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"vigil-engine/internal/definition"
	"vigil-engine/internal/models"
	"vigil-engine/internal/privacy"
	"vigil-engine/internal/statemachine"
	"vigil-engine/internal/timerq"

	"go.uber.org/zap"
)

// Deliverer 快照投递接口（由路由器实现）
type Deliverer interface {
	Deliver(env models.Envelope)
}

// agentSched Agent 当前的广播调度状态
type agentSched struct {
	interval time.Duration
	disabled bool
}

// Evaluator 广播规则评估器
// 状态/上下文变化时重算生效规则，间隔变化才重排定时器（自适应采样）
type Evaluator struct {
	defs    *definition.Store
	engine  *statemachine.Engine
	privacy *privacy.Controller
	router  Deliverer
	logger  *zap.Logger
	sched   *timerq.Queue

	mu    sync.Mutex
	state map[string]*agentSched
}

// NewEvaluator 创建广播评估器
func NewEvaluator(
	defs *definition.Store,
	engine *statemachine.Engine,
	privacyCtl *privacy.Controller,
	router Deliverer,
	workers int,
	logger *zap.Logger,
) *Evaluator {
	ev := &Evaluator{
		defs:    defs,
		engine:  engine,
		privacy: privacyCtl,
		router:  router,
		logger:  logger,
		state:   make(map[string]*agentSched),
	}
	ev.sched = timerq.New(workers, ev.fire)
	return ev
}

// Start 运行调度循环（阻塞直到 ctx 取消）
func (ev *Evaluator) Start(ctx context.Context) {
	ev.sched.Run(ctx)
}

// Observe 引擎每次应用读数后调用：未调度的 Agent 进入调度
func (ev *Evaluator) Observe(snap models.AgentSnapshot) {
	if snap.Retired {
		return
	}
	ev.mu.Lock()
	_, known := ev.state[snap.AgentID]
	ev.mu.Unlock()
	if !known {
		ev.reschedule(snap, true)
	}
}

// OnStateChanged 状态机引擎的状态/上下文变化回调
func (ev *Evaluator) OnStateChanged(event models.StateChanged) {
	snap, err := ev.engine.Snapshot(event.AgentID)
	if err != nil {
		return
	}
	ev.reschedule(snap, false)
}

// reschedule 重算生效规则；间隔变化（或首次）才重排定时器
func (ev *Evaluator) reschedule(snap models.AgentSnapshot, initial bool) {
	def, ok := ev.defs.Current().Type(snap.AgentType)
	if !ok {
		return
	}
	_, interval := resolveRule(def, snap)

	ev.mu.Lock()
	sched, known := ev.state[snap.AgentID]
	if !known {
		sched = &agentSched{}
		ev.state[snap.AgentID] = sched
	}
	changed := sched.interval != interval
	sched.interval = interval
	ev.mu.Unlock()

	if changed || initial {
		at := time.Now().Add(jitter(interval))
		ev.sched.Schedule(snap.AgentID, at)
		ev.logger.Debug("Broadcast interval rescheduled",
			zap.String("agent_id", snap.AgentID),
			zap.Duration("interval", interval),
		)
	}
}

// SetBroadcastEnabled 启停单个 Agent 的广播
// 停用时定时器照常运转（保持调度状态），只是不再发射快照
func (ev *Evaluator) SetBroadcastEnabled(agentID string, enabled bool) {
	ev.mu.Lock()
	sched, ok := ev.state[agentID]
	if !ok {
		sched = &agentSched{}
		ev.state[agentID] = sched
	}
	sched.disabled = !enabled
	ev.mu.Unlock()
}

// Cancel 取消 Agent 的广播调度（退休）
func (ev *Evaluator) Cancel(agentID string) {
	ev.sched.Cancel(agentID)
	ev.mu.Lock()
	delete(ev.state, agentID)
	ev.mu.Unlock()
}

// TriggerNow 立即快照（RequestImmediateSnapshot）：
// 绕过调度但不扰动既有节奏，隐私否决同样生效
func (ev *Evaluator) TriggerNow(agentID string) error {
	snap, err := ev.engine.Snapshot(agentID)
	if err != nil {
		return err
	}
	if snap.Retired {
		return fmt.Errorf("agent %s is retired", agentID)
	}
	if !ev.privacy.MayBroadcast(agentID, time.Now()) {
		return fmt.Errorf("broadcast vetoed by privacy policy for agent %s", agentID)
	}
	ev.emit(snap, false)
	return nil
}

// fire 定时器到期：重排下一次，再尝试发射
func (ev *Evaluator) fire(agentID string) {
	snap, err := ev.engine.Snapshot(agentID)
	if err != nil || snap.Retired {
		ev.Cancel(agentID)
		return
	}

	def, ok := ev.defs.Current().Type(snap.AgentType)
	if !ok {
		ev.Cancel(agentID)
		return
	}
	_, interval := resolveRule(def, snap)

	ev.mu.Lock()
	sched, known := ev.state[agentID]
	if !known {
		// Cancel 已删除调度状态（退休竞态）：不重排也不发射
		ev.mu.Unlock()
		return
	}
	sched.interval = interval
	disabled := sched.disabled
	ev.mu.Unlock()

	// 先排下一跳：抑制期间调度状态保持，解除后下一拍即恢复广播
	ev.sched.Schedule(agentID, time.Now().Add(jitter(interval)))

	// 重排与 Cancel 并发时撤掉刚排的定时器，退休后不再发射
	ev.mu.Lock()
	_, live := ev.state[agentID]
	ev.mu.Unlock()
	if !live {
		ev.sched.Cancel(agentID)
		return
	}

	if disabled {
		return
	}
	allowed, forced := ev.privacy.Decide(agentID, time.Now())
	if !allowed {
		ev.logger.Debug("Snapshot suppressed",
			zap.String("agent_id", agentID),
		)
		return
	}
	ev.emit(snap, forced)
}

// emit 构建并投递属性快照
func (ev *Evaluator) emit(snap models.AgentSnapshot, forced bool) {
	def, ok := ev.defs.Current().Type(snap.AgentType)
	if !ok {
		return
	}
	rule, _ := resolveRule(def, snap)

	properties := make(map[string]interface{})
	if len(rule.Properties) == 0 {
		for name, sample := range snap.Metrics {
			properties[name] = sample.Value
		}
	} else {
		for _, name := range rule.Properties {
			if sample, ok := snap.Metrics[name]; ok {
				properties[name] = sample.Value
			}
		}
	}

	now := time.Now()
	payload := models.PropertySnapshot{
		AgentID:    snap.AgentID,
		AgentType:  snap.AgentType,
		State:      snap.State,
		Properties: properties,
		Timestamp:  now.Unix(),
		Forced:     forced,
	}

	ev.router.Deliver(models.Envelope{
		AgentID:                snap.AgentID,
		AgentType:              snap.AgentType,
		Type:                   models.EnvelopeTypeSnapshot,
		Payload:                payload,
		Priority:               rule.Priority,
		Timestamp:              now.Unix(),
		AllowedSubscriberTypes: rule.SubscriberTypes,
		ExactTargetOnly:        !rule.NotifyFiltered,
	})
	ev.privacy.MarkEmitted(snap.AgentID, now)
}

// resolveRule 自上而下匹配广播规则，首个匹配生效；无匹配用兜底间隔
func resolveRule(def *definition.TypeDefinition, snap models.AgentSnapshot) (definition.BroadcastRule, time.Duration) {
	ctx := make(map[string]struct{}, len(snap.Context))
	for _, c := range snap.Context {
		ctx[c] = struct{}{}
	}

	for _, rule := range def.Broadcast.Rules {
		if rule.State != "" && rule.State != snap.State {
			continue
		}
		matched := true
		for _, flag := range rule.Context {
			if _, ok := ctx[flag]; !ok {
				matched = false
				break
			}
		}
		if matched {
			return rule, rule.Interval
		}
	}

	// 兜底：默认间隔、全部属性、不限订阅者
	return definition.BroadcastRule{
		Interval:       def.Broadcast.DefaultInterval,
		Priority:       models.PriorityNormal,
		NotifyFiltered: true,
	}, def.Broadcast.DefaultInterval
}

// jitter 间隔加 ±10% 抖动，避免大量 Agent 同时换规则时的惊群重排
func jitter(interval time.Duration) time.Duration {
	if interval <= 0 {
		return interval
	}
	factor := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(interval) * factor)
}
