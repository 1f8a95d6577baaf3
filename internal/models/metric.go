package models

// MetricReading 归一化后的指标读数（摄入边界的统一元组）
type MetricReading struct {
	AgentID   string  `json:"agent_id"`
	AgentType string  `json:"agent_type"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"` // Unix 秒（UTC）
}

// Sample 单个指标样本（用于滞回窗口评估）
type Sample struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

// AgentSnapshot Agent 当前状态快照（查询边界和实时缓存使用）
type AgentSnapshot struct {
	AgentID   string             `json:"agent_id"`
	AgentType string             `json:"agent_type"`
	State     string             `json:"state"`
	Context   []string           `json:"context,omitempty"`
	Metrics   map[string]Sample  `json:"metrics"`
	Stale     bool               `json:"stale"`
	Retired   bool               `json:"retired"`
	LastSeen  int64              `json:"last_seen"`
}

// StateChanged 状态变化事件（状态机引擎发布）
type StateChanged struct {
	AgentID        string `json:"agent_id"`
	AgentType      string `json:"agent_type"`
	From           string `json:"from"`
	To             string `json:"to"`
	Timestamp      int64  `json:"timestamp"`
	ContextChanged bool   `json:"context_changed"`
}
