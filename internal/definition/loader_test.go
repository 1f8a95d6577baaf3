package definition

import (
	"testing"
	"time"

	"vigil-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSpec = `
version: "1"
agent_types:
  - type: patient_monitor
    initial_state: normal
    states: [normal, elevated, offline]
    stale_timeout_seconds: 120
    offline_state: offline
    transitions:
      - from: normal
        to: elevated
        when:
          sustained:
            for_seconds: 1800
            cond:
              metric: temperature
              op: gt
              value: 37.5
      - from: elevated
        to: normal
        when:
          metric: temperature
          op: le
          value: 37.0
        hold_seconds: 600
    context_rules:
      - name: low_battery
        when:
          metric: battery
          op: lt
          value: 20
    broadcast:
      default_interval_seconds: 60
      rules:
        - state: elevated
          interval_seconds: 15
          priority: high
          notify_filtered: true
          properties: [temperature]
    alerting:
      - enter_state: elevated
        kind: fever
        severity: warning
        resolve_on_leave: true
escalation:
  fever:
    - tier: 1
      delay_seconds: 120
      targets: [nurse]
    - tier: 2
      delay_seconds: 300
      targets: [doctor]
privacy:
  max_silence_minutes: 30
  zones:
    - name: ward
      polygon:
        - [31.0, 121.0]
        - [31.0, 121.1]
        - [31.1, 121.1]
`

func TestParse_ValidSpec(t *testing.T) {
	reg, err := Parse([]byte(validSpec))
	require.NoError(t, err)

	def, ok := reg.Type("patient_monitor")
	require.True(t, ok)
	assert.Equal(t, "normal", def.InitialState)
	assert.Equal(t, 120*time.Second, def.StaleTimeout)
	assert.Equal(t, "offline", def.OfflineState)
	assert.Len(t, def.Transitions["normal"], 1)
	assert.Len(t, def.Transitions["elevated"], 1)
	assert.Equal(t, 600*time.Second, def.Transitions["elevated"][0].Hold)

	// 最大窗口取 sustained 窗口与 hold 的最大值
	assert.Equal(t, 1800*time.Second, def.MaxWindow)

	assert.Equal(t, 60*time.Second, def.Broadcast.DefaultInterval)
	require.Len(t, def.Broadcast.Rules, 1)
	assert.Equal(t, 15*time.Second, def.Broadcast.Rules[0].Interval)
	assert.Equal(t, models.PriorityHigh, def.Broadcast.Rules[0].Priority)

	require.Len(t, def.Alerting, 1)
	assert.Equal(t, "fever", def.Alerting[0].Kind)

	tiers := reg.Escalation["fever"]
	require.Len(t, tiers, 2)
	assert.Equal(t, 120*time.Second, tiers[0].Delay)
	assert.Equal(t, []string{"doctor"}, tiers[1].Targets)

	assert.Equal(t, 30*time.Minute, reg.Privacy.MaxSilence)
	assert.Equal(t, "lat", reg.Privacy.LatMetric)
	require.Len(t, reg.Privacy.Zones, 1)
	assert.Len(t, reg.Privacy.Zones[0].Polygon, 3)
}

func TestParse_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "no agent types",
			yaml: `version: "1"`,
		},
		{
			name: "unknown initial state",
			yaml: `
agent_types:
  - type: t
    initial_state: missing
    states: [a]
    broadcast:
      default_interval_seconds: 10
`,
		},
		{
			name: "unknown transition target",
			yaml: `
agent_types:
  - type: t
    initial_state: a
    states: [a]
    transitions:
      - from: a
        to: b
        when:
          metric: m
          op: gt
          value: 1
    broadcast:
      default_interval_seconds: 10
`,
		},
		{
			name: "guard with two kinds",
			yaml: `
agent_types:
  - type: t
    initial_state: a
    states: [a, b]
    transitions:
      - from: a
        to: b
        when:
          metric: m
          op: gt
          value: 1
          all:
            - metric: n
              op: lt
              value: 2
    broadcast:
      default_interval_seconds: 10
`,
		},
		{
			name: "sustained over compound condition",
			yaml: `
agent_types:
  - type: t
    initial_state: a
    states: [a, b]
    transitions:
      - from: a
        to: b
        when:
          sustained:
            for_seconds: 60
            cond:
              any:
                - metric: m
                  op: gt
                  value: 1
    broadcast:
      default_interval_seconds: 10
`,
		},
		{
			name: "missing default broadcast interval",
			yaml: `
agent_types:
  - type: t
    initial_state: a
    states: [a]
`,
		},
		{
			name: "non-contiguous escalation tiers",
			yaml: `
agent_types:
  - type: t
    initial_state: a
    states: [a]
    broadcast:
      default_interval_seconds: 10
escalation:
  k:
    - tier: 1
      delay_seconds: 60
      targets: [x]
    - tier: 3
      delay_seconds: 60
      targets: [y]
`,
		},
		{
			name: "degenerate privacy polygon",
			yaml: `
agent_types:
  - type: t
    initial_state: a
    states: [a]
    broadcast:
      default_interval_seconds: 10
privacy:
  zones:
    - name: z
      polygon:
        - [1.0, 2.0]
        - [1.0, 3.0]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			var cfgErr *models.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestStore_SwapIsAtomic(t *testing.T) {
	reg, err := Parse([]byte(validSpec))
	require.NoError(t, err)

	store := NewStore(reg)
	assert.Same(t, reg, store.Current())

	reg2, err := Parse([]byte(validSpec))
	require.NoError(t, err)
	reg2.Version = "2"
	store.Swap(reg2)
	assert.Equal(t, "2", store.Current().Version)
}
