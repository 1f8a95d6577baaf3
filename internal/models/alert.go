package models

import "time"

// 报警级别（从低到高）
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityAlert    = "alert"
	SeverityCritical = "critical"
)

// 报警生命周期状态
const (
	AlertStateOpen         = "open"
	AlertStateAcknowledged = "acknowledged"
	AlertStateEscalated    = "escalated"
	AlertStateResolved     = "resolved"
)

// Alert 报警记录
// 去重不变式：同一 (agent_id, kind) 同时最多一条未关闭的报警
type Alert struct {
	AlertID        string     `json:"alert_id"`
	AgentID        string     `json:"agent_id"`
	Kind           string     `json:"kind"`
	Severity       string     `json:"severity"`
	State          string     `json:"state"`
	EscalationTier int        `json:"escalation_tier"`
	FirstRaisedAt  time.Time  `json:"first_raised_at"`
	LastRaisedAt   time.Time  `json:"last_raised_at"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// IsClosed 报警是否已关闭（已确认或已解决）
func (a *Alert) IsClosed() bool {
	return a.State == AlertStateAcknowledged || a.State == AlertStateResolved
}

// SeverityPriority 报警级别对应的投递优先级
func SeverityPriority(severity string) string {
	switch severity {
	case SeverityCritical:
		return PriorityCritical
	case SeverityAlert:
		return PriorityHigh
	case SeverityWarning:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
