package statemachine

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"vigil-engine/internal/definition"
	"vigil-engine/internal/models"

	"go.uber.org/zap"
)

const shardCount = 16

// ErrAgentNotFound 查询了不存在的 Agent
var ErrAgentNotFound = fmt.Errorf("agent not found")

type shard struct {
	mu     sync.RWMutex
	agents map[string]*agent
}

// Engine 状态机引擎
// Agent 表按 agentId 哈希分 16 片；摄入按 agentId 分区保证单写者，
// 分片锁服务于横切读取（查询边界、过期扫描）
type Engine struct {
	defs   *definition.Store
	shards [shardCount]*shard
	logger *zap.Logger

	// onChange 状态变化订阅者（广播评估器、报警管理器）
	onChange []func(models.StateChanged)
	// onApplied 每次应用读数后的快照回调（实时缓存写入）
	onApplied []func(models.AgentSnapshot)
}

// NewEngine 创建状态机引擎
func NewEngine(defs *definition.Store, logger *zap.Logger) *Engine {
	e := &Engine{
		defs:   defs,
		logger: logger,
	}
	for i := range e.shards {
		e.shards[i] = &shard{
			agents: make(map[string]*agent),
		}
	}
	return e
}

// OnStateChanged 注册状态变化回调（启动前注册，不加锁）
func (e *Engine) OnStateChanged(fn func(models.StateChanged)) {
	e.onChange = append(e.onChange, fn)
}

// OnApplied 注册读数应用回调（启动前注册，不加锁）
func (e *Engine) OnApplied(fn func(models.AgentSnapshot)) {
	e.onApplied = append(e.onApplied, fn)
}

func (e *Engine) shardFor(agentID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return e.shards[h.Sum32()%shardCount]
}

// ApplyMetric 应用一条指标读数
// 未知 agentId 在类型的初始状态下创建新 Agent；未知 agentType 返回摄入错误；
// 重复 (agentId, metric, timestamp) 幂等丢弃
func (e *Engine) ApplyMetric(r models.MetricReading) (string, bool, error) {
	reg := e.defs.Current()
	def, ok := reg.Type(r.AgentType)
	if !ok {
		return "", false, &models.IngestError{Reason: fmt.Sprintf("unknown agent type %q", r.AgentType)}
	}

	sh := e.shardFor(r.AgentID)
	sh.mu.Lock()

	a, exists := sh.agents[r.AgentID]
	if !exists {
		a = &agent{
			id:             r.AgentID,
			typ:            r.AgentType,
			state:          def.InitialState,
			enteredStateAt: r.Timestamp,
			latest:         make(map[string]models.Sample),
			history:        make(map[string][]models.Sample),
			lastApplied:    make(map[string]int64),
			context:        make(map[string]struct{}),
			satisfiedSince: make(map[int]int64),
		}
		sh.agents[r.AgentID] = a
		e.logger.Info("Agent created",
			zap.String("agent_id", r.AgentID),
			zap.String("agent_type", r.AgentType),
			zap.String("state", def.InitialState),
		)
	}

	if a.retired {
		sh.mu.Unlock()
		e.logger.Debug("Dropping metric for retired agent",
			zap.String("agent_id", r.AgentID),
		)
		return a.state, false, nil
	}

	// 幂等：重复或乱序的旧样本直接丢弃
	if last, seen := a.lastApplied[r.Metric]; seen && r.Timestamp <= last {
		state := a.state
		sh.mu.Unlock()
		return state, false, nil
	}
	a.lastApplied[r.Metric] = r.Timestamp

	// 更新最新值和历史窗口
	sample := models.Sample{Value: r.Value, Timestamp: r.Timestamp}
	a.latest[r.Metric] = sample
	a.history[r.Metric] = append(a.history[r.Metric], sample)
	e.trimHistory(a, def, r.Timestamp)

	a.lastSeen = r.Timestamp
	a.stale = false

	// 重算派生上下文
	contextChanged := e.recomputeContext(a, def, r.Timestamp)

	// 评估当前状态的迁移（声明顺序，首个满足滞回的迁移生效）
	from := a.state
	changed := e.evaluateTransitions(a, def, r.Timestamp)

	var event models.StateChanged
	if changed || contextChanged {
		event = models.StateChanged{
			AgentID:        a.id,
			AgentType:      a.typ,
			From:           from,
			To:             a.state,
			Timestamp:      r.Timestamp,
			ContextChanged: contextChanged,
		}
	}
	newState := a.state
	snap := a.snapshot()
	sh.mu.Unlock()

	if changed {
		e.logger.Info("Agent state changed",
			zap.String("agent_id", event.AgentID),
			zap.String("from", event.From),
			zap.String("to", event.To),
		)
	}
	if changed || contextChanged {
		for _, fn := range e.onChange {
			fn(event)
		}
	}
	for _, fn := range e.onApplied {
		fn(snap)
	}

	return newState, changed, nil
}

// trimHistory 裁剪超出类型最大窗口的历史样本（至少保留最新一条）
func (e *Engine) trimHistory(a *agent, def *definition.TypeDefinition, now int64) {
	if def.MaxWindow <= 0 {
		// 没有任何窗口化守卫，只保留最新样本
		for name := range a.history {
			h := a.history[name]
			a.history[name] = h[len(h)-1:]
		}
		return
	}
	// 多保留一个窗口外的样本，保证窗口覆盖判断成立
	cutoff := now - int64(def.MaxWindow/time.Second)
	for name, h := range a.history {
		idx := 0
		for idx < len(h)-1 && h[idx+1].Timestamp <= cutoff {
			idx++
		}
		if idx > 0 {
			a.history[name] = h[idx:]
		}
	}
}

// recomputeContext 重算上下文标志集，返回是否有变化
func (e *Engine) recomputeContext(a *agent, def *definition.TypeDefinition, now int64) bool {
	changed := false
	for _, rule := range def.ContextRules {
		active := rule.Guard.Eval(a, now)
		_, was := a.context[rule.Name]
		if active && !was {
			a.context[rule.Name] = struct{}{}
			changed = true
		} else if !active && was {
			delete(a.context, rule.Name)
			changed = true
		}
	}
	return changed
}

// evaluateTransitions 评估迁移；守卫必须在当前状态内持续满足 hold 时长才生效
func (e *Engine) evaluateTransitions(a *agent, def *definition.TypeDefinition, now int64) bool {
	for _, tr := range def.Transitions[a.state] {
		if !tr.Guard.Eval(a, now) {
			delete(a.satisfiedSince, tr.Index)
			continue
		}
		if tr.Hold > 0 {
			since, tracking := a.satisfiedSince[tr.Index]
			if !tracking {
				a.satisfiedSince[tr.Index] = now
				continue
			}
			if now-since < int64(tr.Hold/time.Second) {
				continue
			}
		}
		e.transitionTo(a, tr.To, now)
		return true
	}
	return false
}

// transitionTo 执行迁移；进入新状态后清空滞回跟踪
func (e *Engine) transitionTo(a *agent, to string, now int64) {
	a.state = to
	a.enteredStateAt = now
	a.satisfiedSince = make(map[int]int64)
}

// Snapshot 查询边界：当前状态快照
func (e *Engine) Snapshot(agentID string) (models.AgentSnapshot, error) {
	sh := e.shardFor(agentID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	a, ok := sh.agents[agentID]
	if !ok {
		return models.AgentSnapshot{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a.snapshot(), nil
}

// Retire 退休 Agent：不再接受指标；记录保留，不删除
// 广播与升级定时器的取消由服务层编排
func (e *Engine) Retire(agentID string) error {
	sh := e.shardFor(agentID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	a.retired = true
	e.logger.Info("Agent retired", zap.String("agent_id", agentID))
	return nil
}

// RunStaleSweep 周期性过期扫描：超时未收到指标的 Agent 标记 stale，
// 类型定义了 offline_state 的迁移过去并发布状态变化
func (e *Engine) RunStaleSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepStale(time.Now().Unix())
		}
	}
}

// SweepStale 执行一轮过期扫描
func (e *Engine) SweepStale(now int64) {
	reg := e.defs.Current()

	var events []models.StateChanged
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, a := range sh.agents {
			if a.retired || a.stale {
				continue
			}
			def, ok := reg.Type(a.typ)
			if !ok || def.StaleTimeout <= 0 {
				continue
			}
			if now-a.lastSeen < int64(def.StaleTimeout/time.Second) {
				continue
			}

			a.stale = true
			e.logger.Warn("Agent is stale",
				zap.String("agent_id", a.id),
				zap.Int64("last_seen", a.lastSeen),
			)
			if def.OfflineState != "" && a.state != def.OfflineState {
				from := a.state
				e.transitionTo(a, def.OfflineState, now)
				events = append(events, models.StateChanged{
					AgentID:   a.id,
					AgentType: a.typ,
					From:      from,
					To:        a.state,
					Timestamp: now,
				})
			}
		}
		sh.mu.Unlock()
	}

	for _, ev := range events {
		for _, fn := range e.onChange {
			fn(ev)
		}
	}
}
