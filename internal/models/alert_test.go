package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityPriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, SeverityPriority(SeverityCritical))
	assert.Equal(t, PriorityHigh, SeverityPriority(SeverityAlert))
	assert.Equal(t, PriorityNormal, SeverityPriority(SeverityWarning))
	assert.Equal(t, PriorityLow, SeverityPriority(SeverityInfo))
	assert.Equal(t, PriorityLow, SeverityPriority("unknown"))
}

func TestAlertIsClosed(t *testing.T) {
	assert.False(t, (&Alert{State: AlertStateOpen}).IsClosed())
	assert.False(t, (&Alert{State: AlertStateEscalated}).IsClosed())
	assert.True(t, (&Alert{State: AlertStateAcknowledged}).IsClosed())
	assert.True(t, (&Alert{State: AlertStateResolved}).IsClosed())
}

func TestEnvelopeIsCritical(t *testing.T) {
	assert.True(t, (&Envelope{Priority: PriorityCritical}).IsCritical())
	assert.False(t, (&Envelope{Priority: PriorityHigh}).IsCritical())
}
