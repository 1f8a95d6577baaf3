package models

// 投递优先级
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// 信封消息类型
const (
	EnvelopeTypeSnapshot = "snapshot"
	EnvelopeTypeAlert    = "alert"
)

// PropertySnapshot 广播属性快照（按广播规则裁剪的属性子集）
type PropertySnapshot struct {
	AgentID    string                 `json:"agent_id"`
	AgentType  string                 `json:"agent_type"`
	State      string                 `json:"state"`
	Properties map[string]interface{} `json:"properties"`
	Timestamp  int64                  `json:"timestamp"`
	Forced     bool                   `json:"forced,omitempty"` // max_silence 强制恢复的快照
}

// Envelope 投递信封（投递边界的稳定模式）
type Envelope struct {
	AgentID   string      `json:"agent_id"`
	AgentType string      `json:"agent_type,omitempty"`
	Type      string      `json:"type"` // snapshot | alert
	Payload   interface{} `json:"payload"`
	Priority  string      `json:"priority"`
	Timestamp int64       `json:"timestamp"`

	// AllowedSubscriberTypes 为空表示不限制订阅者类型
	AllowedSubscriberTypes []string `json:"allowed_subscriber_types,omitempty"`
	// ExactTargetOnly 为 true 时只投递给精确订阅该 Agent 的订阅
	// （广播规则 notify_filtered=false 的语义）
	ExactTargetOnly bool `json:"-"`
	// Audience 非空时只投递给指定的订阅者ID（升级通知的 notify_targets）
	Audience []string `json:"-"`
}

// IsCritical 是否为关键优先级（关键投递不允许丢弃）
func (e *Envelope) IsCritical() bool {
	return e.Priority == PriorityCritical
}
