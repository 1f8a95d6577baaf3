package statemachine

import (
	"sort"

	"vigil-engine/internal/models"
)

// agent 单个 Agent 的内部运行时状态
// 所有权归状态机引擎：只能通过已应用的迁移变更；只标记 retired，不删除
type agent struct {
	id  string
	typ string

	state          string
	enteredStateAt int64

	// latest 每个指标的最新样本
	latest map[string]models.Sample
	// history 每个指标的尾部窗口样本（按时间升序，用于 sustained/hold 评估）
	history map[string][]models.Sample
	// lastApplied 每个指标最后应用的时间戳（重复元组幂等丢弃）
	lastApplied map[string]int64

	// context 派生上下文标志集（如 approaching_stop）
	context map[string]struct{}

	// satisfiedSince 迁移守卫开始持续满足的时刻（滞回窗口跟踪）
	// 进入新状态时整体清空
	satisfiedSince map[int]int64

	lastSeen int64
	stale    bool
	retired  bool
}

// Latest 实现 definition.MetricView
func (a *agent) Latest(name string) (models.Sample, bool) {
	s, ok := a.latest[name]
	return s, ok
}

// History 实现 definition.MetricView
func (a *agent) History(name string) []models.Sample {
	return a.history[name]
}

// contextSlice 排序后的上下文标志（快照用）
func (a *agent) contextSlice() []string {
	if len(a.context) == 0 {
		return nil
	}
	out := make([]string, 0, len(a.context))
	for name := range a.context {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// snapshot 拷贝出一份对外快照（脱离分片锁后安全使用）
func (a *agent) snapshot() models.AgentSnapshot {
	metrics := make(map[string]models.Sample, len(a.latest))
	for name, s := range a.latest {
		metrics[name] = s
	}
	return models.AgentSnapshot{
		AgentID:   a.id,
		AgentType: a.typ,
		State:     a.state,
		Context:   a.contextSlice(),
		Metrics:   metrics,
		Stale:     a.stale,
		Retired:   a.retired,
		LastSeen:  a.lastSeen,
	}
}
