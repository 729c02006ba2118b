package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncidentFingerprintOrderIndependent(t *testing.T) {
	a := IncidentFingerprint([]string{"x", "y", "z"})
	b := IncidentFingerprint([]string{"z", "x", "y"})
	assert.Equal(t, a, b)

	c := IncidentFingerprint([]string{"x", "y"})
	assert.NotEqual(t, a, c)
}

func TestNewCorrelatedIncidentDefaults(t *testing.T) {
	inc := NewCorrelatedIncident([]string{"a", "b"})
	assert.NotEmpty(t, inc.ID)
	assert.Equal(t, IncidentStatusOpen, inc.Status)
	assert.Equal(t, IncidentFingerprint([]string{"b", "a"}), inc.Fingerprint)
}

func TestValidIncidentStatus(t *testing.T) {
	assert.True(t, ValidIncidentStatus(IncidentStatusOpen))
	assert.True(t, ValidIncidentStatus(IncidentStatusAcknowledged))
	assert.True(t, ValidIncidentStatus(IncidentStatusClosed))
	assert.False(t, ValidIncidentStatus("resolved"))
	assert.False(t, ValidIncidentStatus(""))
}
