package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogicMonitorAllowedEdge(t *testing.T) {
	m := NewLogicMonitor()
	m.Configure("proc", "idle", "starting")
	m.Configure("proc", "starting", "running")

	require.NoError(t, m.Transition("proc", "starting"))
	require.NoError(t, m.Transition("proc", "running"))

	state, ok := m.State("proc")
	require.True(t, ok)
	assert.Equal(t, "running", state)
}

func TestLogicMonitorRejectsUnconfiguredEdge(t *testing.T) {
	m := NewLogicMonitor()
	m.Configure("proc", "idle", "starting")

	err := m.Transition("proc", "running")
	assert.Error(t, err)
}

func TestLogicMonitorFailedIsTerminal(t *testing.T) {
	m := NewLogicMonitor()
	m.Configure("proc", "idle", "starting")
	m.Fail("proc")

	err := m.Transition("proc", "starting")
	assert.Error(t, err)
}
