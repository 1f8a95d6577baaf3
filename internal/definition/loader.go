package definition

import (
	"fmt"
	"os"
	"time"

	"vigil-engine/internal/models"

	"gopkg.in/yaml.v3"
)

// ============================================
// YAML 定义文件结构
// ============================================

type fileSpec struct {
	Version    string                `yaml:"version"`
	AgentTypes []agentTypeSpec       `yaml:"agent_types"`
	Escalation map[string][]tierSpec `yaml:"escalation"`
	Privacy    privacySpec           `yaml:"privacy"`
}

type agentTypeSpec struct {
	Type                string            `yaml:"type"`
	InitialState        string            `yaml:"initial_state"`
	States              []string          `yaml:"states"`
	StaleTimeoutSeconds int               `yaml:"stale_timeout_seconds"`
	OfflineState        string            `yaml:"offline_state"`
	Transitions         []transitionSpec  `yaml:"transitions"`
	ContextRules        []contextRuleSpec `yaml:"context_rules"`
	Broadcast           broadcastSpec     `yaml:"broadcast"`
	Alerting            []alertingSpec    `yaml:"alerting"`
}

type transitionSpec struct {
	From        string    `yaml:"from"`
	To          string    `yaml:"to"`
	When        guardSpec `yaml:"when"`
	HoldSeconds int       `yaml:"hold_seconds"`
}

type contextRuleSpec struct {
	Name string    `yaml:"name"`
	When guardSpec `yaml:"when"`
}

type guardSpec struct {
	Metric    string         `yaml:"metric"`
	Op        string         `yaml:"op"`
	Value     float64        `yaml:"value"`
	All       []guardSpec    `yaml:"all"`
	Any       []guardSpec    `yaml:"any"`
	Not       *guardSpec     `yaml:"not"`
	Sustained *sustainedSpec `yaml:"sustained"`
}

type sustainedSpec struct {
	ForSeconds int       `yaml:"for_seconds"`
	Cond       guardSpec `yaml:"cond"`
}

type broadcastSpec struct {
	DefaultIntervalSeconds int                 `yaml:"default_interval_seconds"`
	Rules                  []broadcastRuleSpec `yaml:"rules"`
}

type broadcastRuleSpec struct {
	State           string   `yaml:"state"`
	Context         []string `yaml:"context"`
	IntervalSeconds int      `yaml:"interval_seconds"`
	Priority        string   `yaml:"priority"`
	NotifyFiltered  bool     `yaml:"notify_filtered"`
	Properties      []string `yaml:"properties"`
	SubscriberTypes []string `yaml:"subscriber_types"`
}

type alertingSpec struct {
	EnterState     string `yaml:"enter_state"`
	Kind           string `yaml:"kind"`
	Severity       string `yaml:"severity"`
	ResolveOnLeave bool   `yaml:"resolve_on_leave"`
}

type tierSpec struct {
	Tier         int      `yaml:"tier"`
	DelaySeconds int      `yaml:"delay_seconds"`
	Targets      []string `yaml:"targets"`
}

type privacySpec struct {
	MaxSilenceMinutes int        `yaml:"max_silence_minutes"`
	LatMetric         string     `yaml:"lat_metric"`
	LonMetric         string     `yaml:"lon_metric"`
	Zones             []zoneSpec `yaml:"zones"`
}

type zoneSpec struct {
	Name    string      `yaml:"name"`
	Polygon [][]float64 `yaml:"polygon"` // [[lat, lon], ...]
}

// ============================================
// 加载与编译
// ============================================

// Load 从 YAML 文件加载并编译定义集
// 所有校验错误都是 *models.ConfigurationError，在加载时快速失败，运行时不再校验
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return Parse(data)
}

// Parse 从 YAML 字节编译定义集
func Parse(data []byte) (*Registry, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, models.NewConfigurationError("", "invalid yaml: %v", err)
	}

	if len(spec.AgentTypes) == 0 {
		return nil, models.NewConfigurationError("agent_types", "at least one agent type is required")
	}

	reg := &Registry{
		Version:    spec.Version,
		Types:      make(map[string]*TypeDefinition),
		Escalation: make(map[string][]EscalationTier),
	}

	for _, ts := range spec.AgentTypes {
		def, err := compileType(ts)
		if err != nil {
			return nil, err
		}
		if _, exists := reg.Types[def.Name]; exists {
			return nil, models.NewConfigurationError("agent_types", "duplicate agent type %q", def.Name)
		}
		reg.Types[def.Name] = def
	}

	for kind, tiers := range spec.Escalation {
		compiled, err := compileEscalation(kind, tiers)
		if err != nil {
			return nil, err
		}
		reg.Escalation[kind] = compiled
	}

	privacy, err := compilePrivacy(spec.Privacy)
	if err != nil {
		return nil, err
	}
	reg.Privacy = privacy

	return reg, nil
}

func compileType(ts agentTypeSpec) (*TypeDefinition, error) {
	section := fmt.Sprintf("agent_types[%s]", ts.Type)

	if ts.Type == "" {
		return nil, models.NewConfigurationError("agent_types", "agent type name is required")
	}
	if len(ts.States) == 0 {
		return nil, models.NewConfigurationError(section, "at least one state is required")
	}

	states := make(map[string]struct{}, len(ts.States))
	for _, s := range ts.States {
		if _, dup := states[s]; dup {
			return nil, models.NewConfigurationError(section, "duplicate state %q", s)
		}
		states[s] = struct{}{}
	}

	if ts.InitialState == "" {
		return nil, models.NewConfigurationError(section, "initial_state is required")
	}
	if _, ok := states[ts.InitialState]; !ok {
		return nil, models.NewConfigurationError(section, "initial_state %q is not a declared state", ts.InitialState)
	}
	if ts.OfflineState != "" {
		if _, ok := states[ts.OfflineState]; !ok {
			return nil, models.NewConfigurationError(section, "offline_state %q is not a declared state", ts.OfflineState)
		}
	}

	def := &TypeDefinition{
		Name:         ts.Type,
		InitialState: ts.InitialState,
		States:       states,
		StaleTimeout: time.Duration(ts.StaleTimeoutSeconds) * time.Second,
		OfflineState: ts.OfflineState,
		Transitions:  make(map[string][]*Transition),
	}

	for i, trs := range ts.Transitions {
		tsection := fmt.Sprintf("%s.transitions[%d]", section, i)
		if _, ok := states[trs.From]; !ok {
			return nil, models.NewConfigurationError(tsection, "unknown from state %q", trs.From)
		}
		if _, ok := states[trs.To]; !ok {
			return nil, models.NewConfigurationError(tsection, "unknown to state %q", trs.To)
		}
		if trs.HoldSeconds < 0 {
			return nil, models.NewConfigurationError(tsection, "hold_seconds must not be negative")
		}
		guard, maxWindow, err := compileGuard(tsection+".when", trs.When)
		if err != nil {
			return nil, err
		}
		hold := time.Duration(trs.HoldSeconds) * time.Second
		if hold > maxWindow {
			maxWindow = hold
		}
		if maxWindow > def.MaxWindow {
			def.MaxWindow = maxWindow
		}
		def.Transitions[trs.From] = append(def.Transitions[trs.From], &Transition{
			From:  trs.From,
			To:    trs.To,
			Guard: guard,
			Hold:  hold,
			Index: i,
		})
	}

	contextNames := make(map[string]struct{})
	for i, crs := range ts.ContextRules {
		csection := fmt.Sprintf("%s.context_rules[%d]", section, i)
		if crs.Name == "" {
			return nil, models.NewConfigurationError(csection, "context rule name is required")
		}
		if _, dup := contextNames[crs.Name]; dup {
			return nil, models.NewConfigurationError(csection, "duplicate context rule %q", crs.Name)
		}
		contextNames[crs.Name] = struct{}{}
		guard, maxWindow, err := compileGuard(csection+".when", crs.When)
		if err != nil {
			return nil, err
		}
		if maxWindow > def.MaxWindow {
			def.MaxWindow = maxWindow
		}
		def.ContextRules = append(def.ContextRules, ContextRule{Name: crs.Name, Guard: guard})
	}

	// 无兜底间隔的广播规则集是启动期配置错误
	if ts.Broadcast.DefaultIntervalSeconds <= 0 {
		return nil, models.NewConfigurationError(section+".broadcast", "default_interval_seconds is required and must be positive")
	}
	def.Broadcast.DefaultInterval = time.Duration(ts.Broadcast.DefaultIntervalSeconds) * time.Second
	for i, brs := range ts.Broadcast.Rules {
		bsection := fmt.Sprintf("%s.broadcast.rules[%d]", section, i)
		if brs.IntervalSeconds <= 0 {
			return nil, models.NewConfigurationError(bsection, "interval_seconds must be positive")
		}
		if brs.State != "" {
			if _, ok := states[brs.State]; !ok {
				return nil, models.NewConfigurationError(bsection, "unknown state %q", brs.State)
			}
		}
		for _, c := range brs.Context {
			if _, ok := contextNames[c]; !ok {
				return nil, models.NewConfigurationError(bsection, "unknown context flag %q", c)
			}
		}
		priority := brs.Priority
		if priority == "" {
			priority = models.PriorityNormal
		}
		if !validPriority(priority) {
			return nil, models.NewConfigurationError(bsection, "unknown priority %q", priority)
		}
		def.Broadcast.Rules = append(def.Broadcast.Rules, BroadcastRule{
			State:           brs.State,
			Context:         brs.Context,
			Interval:        time.Duration(brs.IntervalSeconds) * time.Second,
			Priority:        priority,
			NotifyFiltered:  brs.NotifyFiltered,
			Properties:      brs.Properties,
			SubscriberTypes: brs.SubscriberTypes,
		})
	}

	for i, als := range ts.Alerting {
		asection := fmt.Sprintf("%s.alerting[%d]", section, i)
		if _, ok := states[als.EnterState]; !ok {
			return nil, models.NewConfigurationError(asection, "unknown enter_state %q", als.EnterState)
		}
		if als.Kind == "" {
			return nil, models.NewConfigurationError(asection, "kind is required")
		}
		if !validSeverity(als.Severity) {
			return nil, models.NewConfigurationError(asection, "unknown severity %q", als.Severity)
		}
		def.Alerting = append(def.Alerting, AlertingRule{
			EnterState:     als.EnterState,
			Kind:           als.Kind,
			Severity:       als.Severity,
			ResolveOnLeave: als.ResolveOnLeave,
		})
	}

	return def, nil
}

// compileGuard 编译守卫表达式；返回表达式引用的最大 sustained 窗口
func compileGuard(section string, gs guardSpec) (Guard, time.Duration, error) {
	kinds := 0
	if gs.Metric != "" {
		kinds++
	}
	if len(gs.All) > 0 {
		kinds++
	}
	if len(gs.Any) > 0 {
		kinds++
	}
	if gs.Not != nil {
		kinds++
	}
	if gs.Sustained != nil {
		kinds++
	}
	if kinds != 1 {
		return nil, 0, models.NewConfigurationError(section, "guard must be exactly one of metric/all/any/not/sustained")
	}

	switch {
	case gs.Metric != "":
		if !validOp(gs.Op) {
			return nil, 0, models.NewConfigurationError(section, "unknown operator %q", gs.Op)
		}
		return &Condition{Metric: gs.Metric, Op: gs.Op, Value: gs.Value}, 0, nil

	case len(gs.All) > 0:
		var guards []Guard
		var maxWindow time.Duration
		for i, sub := range gs.All {
			g, w, err := compileGuard(fmt.Sprintf("%s.all[%d]", section, i), sub)
			if err != nil {
				return nil, 0, err
			}
			if w > maxWindow {
				maxWindow = w
			}
			guards = append(guards, g)
		}
		return &All{Guards: guards}, maxWindow, nil

	case len(gs.Any) > 0:
		var guards []Guard
		var maxWindow time.Duration
		for i, sub := range gs.Any {
			g, w, err := compileGuard(fmt.Sprintf("%s.any[%d]", section, i), sub)
			if err != nil {
				return nil, 0, err
			}
			if w > maxWindow {
				maxWindow = w
			}
			guards = append(guards, g)
		}
		return &Any{Guards: guards}, maxWindow, nil

	case gs.Not != nil:
		g, w, err := compileGuard(section+".not", *gs.Not)
		if err != nil {
			return nil, 0, err
		}
		return &Not{Guard: g}, w, nil

	default: // sustained
		if gs.Sustained.ForSeconds <= 0 {
			return nil, 0, models.NewConfigurationError(section+".sustained", "for_seconds must be positive")
		}
		// sustained 只支持叶子条件：逐样本回放复合表达式需要对齐
		// 多个指标的采样时刻，窗口语义会变得不可解释
		inner := gs.Sustained.Cond
		if inner.Metric == "" || inner.All != nil || inner.Any != nil || inner.Not != nil || inner.Sustained != nil {
			return nil, 0, models.NewConfigurationError(section+".sustained", "sustained condition must be a plain metric comparison")
		}
		if !validOp(inner.Op) {
			return nil, 0, models.NewConfigurationError(section+".sustained", "unknown operator %q", inner.Op)
		}
		window := time.Duration(gs.Sustained.ForSeconds) * time.Second
		return &Sustained{
			For:  window,
			Cond: &Condition{Metric: inner.Metric, Op: inner.Op, Value: inner.Value},
		}, window, nil
	}
}

func compileEscalation(kind string, tiers []tierSpec) ([]EscalationTier, error) {
	section := fmt.Sprintf("escalation[%s]", kind)
	if len(tiers) == 0 {
		return nil, models.NewConfigurationError(section, "at least one tier is required")
	}

	compiled := make([]EscalationTier, 0, len(tiers))
	for i, t := range tiers {
		// 梯级编号必须从 1 开始连续递增（单调性在加载时锁定）
		if t.Tier != i+1 {
			return nil, models.NewConfigurationError(section, "tier numbering must be contiguous starting at 1, got %d at position %d", t.Tier, i)
		}
		if t.DelaySeconds <= 0 {
			return nil, models.NewConfigurationError(section, "tier %d delay_seconds must be positive", t.Tier)
		}
		if len(t.Targets) == 0 {
			return nil, models.NewConfigurationError(section, "tier %d requires at least one notify target", t.Tier)
		}
		compiled = append(compiled, EscalationTier{
			Tier:    t.Tier,
			Delay:   time.Duration(t.DelaySeconds) * time.Second,
			Targets: t.Targets,
		})
	}
	return compiled, nil
}

func compilePrivacy(ps privacySpec) (PrivacyConfig, error) {
	cfg := PrivacyConfig{
		MaxSilence: time.Duration(ps.MaxSilenceMinutes) * time.Minute,
		LatMetric:  ps.LatMetric,
		LonMetric:  ps.LonMetric,
	}
	if cfg.LatMetric == "" {
		cfg.LatMetric = "lat"
	}
	if cfg.LonMetric == "" {
		cfg.LonMetric = "lon"
	}
	if ps.MaxSilenceMinutes < 0 {
		return cfg, models.NewConfigurationError("privacy", "max_silence_minutes must not be negative")
	}

	for i, zs := range ps.Zones {
		section := fmt.Sprintf("privacy.zones[%d]", i)
		if len(zs.Polygon) < 3 {
			return cfg, models.NewConfigurationError(section, "polygon requires at least 3 vertices")
		}
		zone := Zone{Name: zs.Name}
		for j, pt := range zs.Polygon {
			if len(pt) != 2 {
				return cfg, models.NewConfigurationError(section, "polygon vertex %d must be [lat, lon]", j)
			}
			zone.Polygon = append(zone.Polygon, Point{Lat: pt[0], Lon: pt[1]})
		}
		cfg.Zones = append(cfg.Zones, zone)
	}
	return cfg, nil
}

func validOp(op string) bool {
	switch op {
	case OpGreaterThan, OpGreaterThanEqual, OpLessThan, OpLessThanEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityCritical:
		return true
	}
	return false
}

func validSeverity(s string) bool {
	switch s {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityAlert, models.SeverityCritical:
		return true
	}
	return false
}
