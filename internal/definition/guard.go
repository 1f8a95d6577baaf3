package definition

import (
	"time"

	"vigil-engine/internal/models"
)

// MetricView 守卫表达式求值时读取指标的视图（由状态机引擎实现）
type MetricView interface {
	// Latest 最新样本
	Latest(name string) (models.Sample, bool)
	// History 尾部窗口内的样本（按时间升序）
	History(name string) []models.Sample
}

// Guard 守卫表达式 AST 节点
// 类型化求值，绝不执行动态代码；缺失指标一律求值为 false（保守：缺数据不迁移）
type Guard interface {
	Eval(view MetricView, now int64) bool
}

// 比较操作符
const (
	OpGreaterThan      = "gt"
	OpGreaterThanEqual = "ge"
	OpLessThan         = "lt"
	OpLessThanEqual    = "le"
	OpEqual            = "eq"
	OpNotEqual         = "ne"
)

// Condition 叶子条件：对指标最新值的比较
type Condition struct {
	Metric string
	Op     string
	Value  float64
}

// holds 判断单个样本值是否满足比较
func (c *Condition) holds(v float64) bool {
	switch c.Op {
	case OpGreaterThan:
		return v > c.Value
	case OpGreaterThanEqual:
		return v >= c.Value
	case OpLessThan:
		return v < c.Value
	case OpLessThanEqual:
		return v <= c.Value
	case OpEqual:
		return v == c.Value
	case OpNotEqual:
		return v != c.Value
	default:
		// 未知操作符在加载时已拒绝
		return false
	}
}

// Eval 对最新样本求值；指标缺失返回 false
func (c *Condition) Eval(view MetricView, now int64) bool {
	sample, ok := view.Latest(c.Metric)
	if !ok {
		return false
	}
	return c.holds(sample.Value)
}

// All 逻辑与
type All struct {
	Guards []Guard
}

func (a *All) Eval(view MetricView, now int64) bool {
	for _, g := range a.Guards {
		if !g.Eval(view, now) {
			return false
		}
	}
	return true
}

// Any 逻辑或
type Any struct {
	Guards []Guard
}

func (a *Any) Eval(view MetricView, now int64) bool {
	for _, g := range a.Guards {
		if g.Eval(view, now) {
			return true
		}
	}
	return false
}

// Not 逻辑非
type Not struct {
	Guard Guard
}

func (n *Not) Eval(view MetricView, now int64) bool {
	return !n.Guard.Eval(view, now)
}

// Sustained 持续条件组合子：窗口内每个样本都满足内层条件才为真
// 窗口必须被完整覆盖（最老的留存样本不晚于窗口起点），否则为 false —
// 刚上线的 Agent 不会因为数据不足而误触发
type Sustained struct {
	For  time.Duration
	Cond *Condition
}

func (s *Sustained) Eval(view MetricView, now int64) bool {
	samples := view.History(s.Cond.Metric)
	if len(samples) == 0 {
		return false
	}

	cutoff := now - int64(s.For/time.Second)
	covered := false
	for _, sample := range samples {
		if sample.Timestamp <= cutoff {
			covered = true
		}
		if sample.Timestamp >= cutoff && !s.Cond.holds(sample.Value) {
			return false
		}
	}
	return covered
}
