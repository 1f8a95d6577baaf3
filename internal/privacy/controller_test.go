package privacy

import (
	"testing"
	"time"

	"vigil-engine/internal/definition"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStore(t *testing.T, maxSilence time.Duration, zones []definition.Zone) *definition.Store {
	t.Helper()
	reg := &definition.Registry{
		Types: map[string]*definition.TypeDefinition{},
		Privacy: definition.PrivacyConfig{
			MaxSilence: maxSilence,
			Zones:      zones,
			LatMetric:  "lat",
			LonMetric:  "lon",
		},
	}
	return definition.NewStore(reg)
}

func square(lat0, lon0, lat1, lon1 float64) []definition.Point {
	return []definition.Point{
		{Lat: lat0, Lon: lon0},
		{Lat: lat0, Lon: lon1},
		{Lat: lat1, Lon: lon1},
		{Lat: lat1, Lon: lon0},
	}
}

func TestPointInPolygon(t *testing.T) {
	poly := square(31.0, 121.0, 31.1, 121.1)

	assert.True(t, pointInPolygon(poly, 31.05, 121.05))
	assert.False(t, pointInPolygon(poly, 31.2, 121.05))
	assert.False(t, pointInPolygon(poly, 31.05, 121.2))
	assert.False(t, pointInPolygon(poly, 30.0, 120.0))
}

func TestDecide_DefaultAllowed(t *testing.T) {
	c := NewController(testStore(t, 30*time.Minute, nil), nil, zap.NewNop())

	allowed, forced := c.Decide("a1", time.Now())
	assert.True(t, allowed)
	assert.False(t, forced)
}

func TestDecide_PrivacyModeSuppresses(t *testing.T) {
	c := NewController(testStore(t, 30*time.Minute, nil), nil, zap.NewNop())

	c.SetPrivacyMode("a1", true)
	allowed, forced := c.Decide("a1", time.Now())
	assert.False(t, allowed)
	assert.False(t, forced)

	c.SetPrivacyMode("a1", false)
	allowed, _ = c.Decide("a1", time.Now())
	assert.True(t, allowed)
}

func TestDecide_GeofenceSuppresses(t *testing.T) {
	zones := []definition.Zone{{Name: "ward", Polygon: square(31.0, 121.0, 31.1, 121.1)}}
	pos := func(agentID string) (float64, float64, bool) {
		return 31.05, 121.05, true
	}
	c := NewController(testStore(t, 30*time.Minute, zones), pos, zap.NewNop())

	allowed, _ := c.Decide("a1", time.Now())
	assert.False(t, allowed)
}

func TestDecide_OutsideGeofenceAllowed(t *testing.T) {
	zones := []definition.Zone{{Name: "ward", Polygon: square(31.0, 121.0, 31.1, 121.1)}}
	pos := func(agentID string) (float64, float64, bool) {
		return 32.0, 122.0, true
	}
	c := NewController(testStore(t, 30*time.Minute, zones), pos, zap.NewNop())

	allowed, _ := c.Decide("a1", time.Now())
	assert.True(t, allowed)
}

func TestDecide_MaxSilenceForcesBroadcast(t *testing.T) {
	c := NewController(testStore(t, 30*time.Minute, nil), nil, zap.NewNop())
	c.SetPrivacyMode("a1", true)

	start := time.Now()
	allowed, forced := c.Decide("a1", start)
	require.False(t, allowed)
	require.False(t, forced)

	// 静默未满上限
	allowed, forced = c.Decide("a1", start.Add(29*time.Minute))
	assert.False(t, allowed)
	assert.False(t, forced)

	// 静默满 30 分钟：强制恢复
	allowed, forced = c.Decide("a1", start.Add(30*time.Minute))
	assert.True(t, allowed)
	assert.True(t, forced)

	// 发射后静默计时重置
	c.MarkEmitted("a1", start.Add(30*time.Minute))
	allowed, forced = c.Decide("a1", start.Add(31*time.Minute))
	assert.False(t, allowed)
	assert.False(t, forced)
}
