package definition

import (
	"sync/atomic"
	"time"
)

// Registry 编译后的定义集（不可变，热加载时整体替换）
type Registry struct {
	Version    string
	Types      map[string]*TypeDefinition
	Escalation map[string][]EscalationTier
	Privacy    PrivacyConfig
}

// TypeDefinition 单个 Agent 类型的定义
type TypeDefinition struct {
	Name         string
	InitialState string
	States       map[string]struct{}
	StaleTimeout time.Duration
	// OfflineState 非空时，过期的 Agent 会被迁移到该状态
	OfflineState string
	// Transitions 按出发状态分组，保持声明顺序（首个满足的迁移生效）
	Transitions  map[string][]*Transition
	ContextRules []ContextRule
	Broadcast    BroadcastConfig
	Alerting     []AlertingRule
	// MaxWindow 所有 sustained/hold 窗口中的最大值（指标历史保留期）
	MaxWindow time.Duration
}

// Transition 状态迁移：(from, guard, to, hold)
// hold 为滞回窗口：守卫必须在当前状态内持续满足 hold 时长才生效
type Transition struct {
	From  string
	To    string
	Guard Guard
	Hold  time.Duration
	Index int
}

// ContextRule 上下文派生规则（如 approaching_stop、on_highway）
type ContextRule struct {
	Name  string
	Guard Guard
}

// BroadcastConfig 广播规则集（自上而下求值，首个匹配生效）
type BroadcastConfig struct {
	// DefaultInterval 无规则匹配时的兜底间隔（加载时校验必须存在）
	DefaultInterval time.Duration
	Rules           []BroadcastRule
}

// BroadcastRule 单条广播规则
type BroadcastRule struct {
	// State 非空时要求 Agent 处于该状态
	State string
	// Context 要求全部置位的上下文标志
	Context  []string
	Interval time.Duration
	Priority string
	// NotifyFiltered 为 false 时快照只投递给精确订阅该 Agent 的订阅
	NotifyFiltered bool
	// Properties 快照携带的属性子集；为空表示全部指标
	Properties []string
	// SubscriberTypes 允许接收的订阅者类型；为空表示不限制
	SubscriberTypes []string
}

// AlertingRule 报警规则：进入指定状态时触发
type AlertingRule struct {
	EnterState string
	Kind       string
	Severity   string
	// ResolveOnLeave 离开该状态时隐式解决同类报警
	ResolveOnLeave bool
}

// EscalationTier 升级梯级
type EscalationTier struct {
	Tier    int
	Delay   time.Duration
	Targets []string
}

// PrivacyConfig 隐私策略配置
type PrivacyConfig struct {
	// MaxSilence 静默上限：超过后强制恢复广播（覆盖隐私模式的安全不变式）
	MaxSilence time.Duration
	Zones      []Zone
	// LatMetric / LonMetric 位置指标名（默认 lat / lon）
	LatMetric string
	LonMetric string
}

// Zone 地理围栏禁播区
type Zone struct {
	Name    string
	Polygon []Point
}

// Point 经纬度点
type Point struct {
	Lat float64
	Lon float64
}

// Type 按名称查找类型定义
func (r *Registry) Type(name string) (*TypeDefinition, bool) {
	def, ok := r.Types[name]
	return def, ok
}

// Store 定义集的原子容器
// 热加载在摄入批次之间整体替换，评估过程中读到的永远是一个一致版本
type Store struct {
	current atomic.Value // *Registry
}

// NewStore 创建定义集容器
func NewStore(reg *Registry) *Store {
	s := &Store{}
	s.current.Store(reg)
	return s
}

// Current 当前生效的定义集
func (s *Store) Current() *Registry {
	return s.current.Load().(*Registry)
}

// Swap 原子替换定义集（热加载）
func (s *Store) Swap(reg *Registry) {
	s.current.Store(reg)
}
