package statemachine

import (
	"testing"

	"vigil-engine/internal/definition"
	"vigil-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSpec = `
version: "1"
agent_types:
  - type: monitor
    initial_state: normal
    states: [normal, elevated, critical, offline]
    stale_timeout_seconds: 120
    offline_state: offline
    transitions:
      - from: normal
        to: elevated
        when:
          metric: temperature
          op: gt
          value: 37.5
        hold_seconds: 600
      - from: elevated
        to: critical
        when:
          metric: temperature
          op: gt
          value: 39.0
      - from: elevated
        to: normal
        when:
          metric: temperature
          op: le
          value: 37.0
      - from: offline
        to: normal
        when:
          metric: temperature
          op: gt
          value: 0
    context_rules:
      - name: low_battery
        when:
          metric: battery
          op: lt
          value: 20
    broadcast:
      default_interval_seconds: 60
  - type: sensor
    initial_state: ok
    states: [ok, hot]
    transitions:
      - from: ok
        to: hot
        when:
          sustained:
            for_seconds: 1800
            cond:
              metric: temperature
              op: gt
              value: 35.0
    broadcast:
      default_interval_seconds: 60
`

func newTestEngine(t *testing.T) *Engine {
	reg, err := definition.Parse([]byte(testSpec))
	require.NoError(t, err)
	return NewEngine(definition.NewStore(reg), zap.NewNop())
}

func reading(agentID, agentType, metric string, value float64, ts int64) models.MetricReading {
	return models.MetricReading{
		AgentID:   agentID,
		AgentType: agentType,
		Metric:    metric,
		Value:     value,
		Timestamp: ts,
	}
}

func TestApplyMetric_CreatesAgentAtInitialState(t *testing.T) {
	e := newTestEngine(t)

	state, changed, err := e.ApplyMetric(reading("a1", "monitor", "temperature", 36.5, 1000))
	require.NoError(t, err)
	assert.Equal(t, "normal", state)
	assert.False(t, changed)

	snap, err := e.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, "normal", snap.State)
	assert.Equal(t, 36.5, snap.Metrics["temperature"].Value)
}

func TestApplyMetric_UnknownAgentType(t *testing.T) {
	e := newTestEngine(t)

	_, _, err := e.ApplyMetric(reading("a1", "toaster", "temperature", 36.5, 1000))
	require.Error(t, err)
	var ingestErr *models.IngestError
	assert.ErrorAs(t, err, &ingestErr)
}

func TestApplyMetric_DuplicateReadingIsIdempotent(t *testing.T) {
	e := newTestEngine(t)

	applied := 0
	e.OnApplied(func(models.AgentSnapshot) { applied++ })

	_, _, err := e.ApplyMetric(reading("a1", "monitor", "temperature", 36.5, 1000))
	require.NoError(t, err)
	_, _, err = e.ApplyMetric(reading("a1", "monitor", "temperature", 40.0, 1000))
	require.NoError(t, err)
	_, _, err = e.ApplyMetric(reading("a1", "monitor", "temperature", 40.0, 900))
	require.NoError(t, err)

	// 重复与乱序旧样本被丢弃，只应用了第一条
	assert.Equal(t, 1, applied)
	snap, err := e.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, 36.5, snap.Metrics["temperature"].Value)
}

func TestApplyMetric_HoldDelaysTransition(t *testing.T) {
	e := newTestEngine(t)

	// t=1000 越过阈值，hold 600 秒内不迁移
	state, changed, err := e.ApplyMetric(reading("a1", "monitor", "temperature", 38.0, 1000))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "normal", state)

	// t=1300 仍在 hold 期内
	state, changed, err = e.ApplyMetric(reading("a1", "monitor", "temperature", 38.2, 1300))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "normal", state)

	// t=1600 满 600 秒，迁移生效
	state, changed, err = e.ApplyMetric(reading("a1", "monitor", "temperature", 38.1, 1600))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "elevated", state)
}

func TestApplyMetric_HoldResetsWhenGuardBreaks(t *testing.T) {
	e := newTestEngine(t)

	_, _, err := e.ApplyMetric(reading("a1", "monitor", "temperature", 38.0, 1000))
	require.NoError(t, err)

	// t=1300 跌回阈值之下，hold 计时清零
	_, _, err = e.ApplyMetric(reading("a1", "monitor", "temperature", 37.0, 1300))
	require.NoError(t, err)

	// t=1400 重新越过阈值，t=1700 还差 300 秒
	_, _, err = e.ApplyMetric(reading("a1", "monitor", "temperature", 38.0, 1400))
	require.NoError(t, err)
	state, changed, err := e.ApplyMetric(reading("a1", "monitor", "temperature", 38.0, 1700))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "normal", state)

	// t=2000 满 600 秒
	state, changed, err = e.ApplyMetric(reading("a1", "monitor", "temperature", 38.0, 2000))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "elevated", state)
}

func TestApplyMetric_SustainedTransitionFiresOnce(t *testing.T) {
	e := newTestEngine(t)

	var changes []models.StateChanged
	e.OnStateChanged(func(ev models.StateChanged) {
		if ev.From != ev.To {
			changes = append(changes, ev)
		}
	})

	// 30 分钟内每 5 分钟一条高温读数
	base := int64(10000)
	for i := int64(0); i <= 6; i++ {
		_, _, err := e.ApplyMetric(reading("s1", "sensor", "temperature", 36.0, base+i*300))
		require.NoError(t, err)
	}

	require.Len(t, changes, 1)
	assert.Equal(t, "ok", changes[0].From)
	assert.Equal(t, "hot", changes[0].To)
	assert.Equal(t, base+6*300, changes[0].Timestamp)
}

func TestApplyMetric_SingleSpikeDoesNotFireSustained(t *testing.T) {
	e := newTestEngine(t)

	_, changed, err := e.ApplyMetric(reading("s1", "sensor", "temperature", 36.0, 1000))
	require.NoError(t, err)
	assert.False(t, changed)

	// 5 分钟后退烧：窗口中有不满足的样本
	state, changed, err := e.ApplyMetric(reading("s1", "sensor", "temperature", 34.0, 1300))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "ok", state)
}

func TestApplyMetric_ContextChangeEmitsEvent(t *testing.T) {
	e := newTestEngine(t)

	var events []models.StateChanged
	e.OnStateChanged(func(ev models.StateChanged) { events = append(events, ev) })

	_, _, err := e.ApplyMetric(reading("a1", "monitor", "battery", 50, 1000))
	require.NoError(t, err)
	assert.Empty(t, events)

	_, _, err = e.ApplyMetric(reading("a1", "monitor", "battery", 10, 1100))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].ContextChanged)
	assert.Equal(t, events[0].From, events[0].To)

	snap, err := e.Snapshot("a1")
	require.NoError(t, err)
	assert.Contains(t, snap.Context, "low_battery")
}

func TestSnapshot_UnknownAgent(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Snapshot("ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRetire_DropsSubsequentReadings(t *testing.T) {
	e := newTestEngine(t)

	_, _, err := e.ApplyMetric(reading("a1", "monitor", "temperature", 36.5, 1000))
	require.NoError(t, err)
	require.NoError(t, e.Retire("a1"))

	_, changed, err := e.ApplyMetric(reading("a1", "monitor", "temperature", 40.0, 2000))
	require.NoError(t, err)
	assert.False(t, changed)

	snap, err := e.Snapshot("a1")
	require.NoError(t, err)
	assert.True(t, snap.Retired)
	assert.Equal(t, 36.5, snap.Metrics["temperature"].Value)
}

func TestSweepStale_TransitionsToOfflineState(t *testing.T) {
	e := newTestEngine(t)

	var events []models.StateChanged
	e.OnStateChanged(func(ev models.StateChanged) { events = append(events, ev) })

	_, _, err := e.ApplyMetric(reading("a1", "monitor", "temperature", 36.5, 1000))
	require.NoError(t, err)

	// 未超时的扫描不做任何事
	e.SweepStale(1100)
	assert.Empty(t, events)

	e.SweepStale(1200)
	require.Len(t, events, 1)
	assert.Equal(t, "normal", events[0].From)
	assert.Equal(t, "offline", events[0].To)

	snap, err := e.Snapshot("a1")
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Equal(t, "offline", snap.State)

	// 新读数让 Agent 回归
	state, changed, err := e.ApplyMetric(reading("a1", "monitor", "temperature", 36.5, 1300))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "normal", state)
}
