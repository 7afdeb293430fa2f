package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadinessNotReadyUntilAllCriticalComponentsHealthy(t *testing.T) {
	for _, name := range criticalComponents {
		RegisterComponent(name, false, "starting up")
	}

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)

	for _, name := range criticalComponents {
		RegisterComponent(name, true, "")
	}

	readiness = GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
}

func TestHealthUnhealthyWhenAnyComponentFails(t *testing.T) {
	RegisterComponent("registry", true, "")
	RegisterComponent("listener", false, "accept loop stopped")

	health := GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Contains(t, health.Components["listener"], "unhealthy")
}
