package privacy

import (
	"sync"
	"time"

	"vigil-engine/internal/definition"

	"go.uber.org/zap"
)

// PositionFunc 读取 Agent 最新位置（由状态机引擎提供）
type PositionFunc func(agentID string) (lat, lon float64, ok bool)

// Controller 隐私与策略控制器
// 广播评估器发射前、路由器扇出前都要咨询 MayBroadcast
type Controller struct {
	defs     *definition.Store
	position PositionFunc
	logger   *zap.Logger

	mu          sync.Mutex
	privacyOn   map[string]bool
	lastEmitted map[string]time.Time
}

// NewController 创建隐私控制器
func NewController(defs *definition.Store, position PositionFunc, logger *zap.Logger) *Controller {
	return &Controller{
		defs:        defs,
		position:    position,
		logger:      logger,
		privacyOn:   make(map[string]bool),
		lastEmitted: make(map[string]time.Time),
	}
}

// SetPrivacyMode 切换隐私模式（查询边界）
func (c *Controller) SetPrivacyMode(agentID string, on bool) {
	c.mu.Lock()
	c.privacyOn[agentID] = on
	c.mu.Unlock()

	c.logger.Info("Privacy mode changed",
		zap.String("agent_id", agentID),
		zap.Bool("on", on),
	)
}

// MayBroadcast 是否允许广播
func (c *Controller) MayBroadcast(agentID string, now time.Time) bool {
	allowed, _ := c.Decide(agentID, now)
	return allowed
}

// Decide 广播裁决
// 隐私模式开启或位于禁播围栏内时禁止；但静默超过 max_silence 上限后
// 强制恢复（forced=true）—— Agent 永远不能永久失联（安全不变式）
func (c *Controller) Decide(agentID string, now time.Time) (allowed bool, forced bool) {
	privacy := c.defs.Current().Privacy

	c.mu.Lock()
	on := c.privacyOn[agentID]
	ref, seen := c.lastEmitted[agentID]
	if !seen {
		// 首次咨询即静默计时起点
		c.lastEmitted[agentID] = now
		ref = now
	}
	c.mu.Unlock()

	suppressed := on
	if !suppressed && len(privacy.Zones) > 0 && c.position != nil {
		if lat, lon, ok := c.position(agentID); ok {
			suppressed = inAnyZone(privacy.Zones, lat, lon)
		}
	}
	if !suppressed {
		return true, false
	}

	if privacy.MaxSilence > 0 && now.Sub(ref) >= privacy.MaxSilence {
		c.logger.Warn("Max silence exceeded, forcing broadcast",
			zap.String("agent_id", agentID),
			zap.Duration("silence", now.Sub(ref)),
		)
		return true, true
	}
	return false, false
}

// MarkEmitted 记录一次成功发射（重置静默计时）
func (c *Controller) MarkEmitted(agentID string, now time.Time) {
	c.mu.Lock()
	c.lastEmitted[agentID] = now
	c.mu.Unlock()
}

// inAnyZone 位置是否落在任一禁播围栏内
func inAnyZone(zones []definition.Zone, lat, lon float64) bool {
	for _, z := range zones {
		if pointInPolygon(z.Polygon, lat, lon) {
			return true
		}
	}
	return false
}

// pointInPolygon 射线法点在多边形内判断
func pointInPolygon(polygon []definition.Point, lat, lon float64) bool {
	inside := false
	n := len(polygon)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := polygon[i], polygon[j]
		if (pi.Lon > lon) != (pj.Lon > lon) &&
			lat < (pj.Lat-pi.Lat)*(lon-pi.Lon)/(pj.Lon-pi.Lon)+pi.Lat {
			inside = !inside
		}
	}
	return inside
}
