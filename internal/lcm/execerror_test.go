package lcm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecErrorLogLatestReturnsMostRecentPerProc(t *testing.T) {
	log := NewExecErrorLog(4)
	log.Push(NewExecutionError("watchdogd", DomainLauncher, 1))
	log.Push(NewExecutionError("logmgr", DomainReaper, 2))
	log.Push(NewExecutionError("watchdogd", DomainHealthMonitor, 3))

	ee, ok := log.Latest("watchdogd")
	require.True(t, ok)
	assert.Equal(t, DomainHealthMonitor, ee.Domain)
	assert.Equal(t, int32(3), ee.Code)
}

func TestExecErrorLogUnknownProcNotFound(t *testing.T) {
	log := NewExecErrorLog(4)
	_, ok := log.Latest("nonexistent")
	assert.False(t, ok)
}

func TestExecErrorLogEvictsOldestBeyondCapacity(t *testing.T) {
	log := NewExecErrorLog(2)
	log.Push(NewExecutionError("a", DomainLauncher, 1))
	log.Push(NewExecutionError("b", DomainLauncher, 2))
	log.Push(NewExecutionError("c", DomainLauncher, 3))

	_, ok := log.Latest("a")
	assert.False(t, ok)
	_, ok = log.Latest("c")
	assert.True(t, ok)
}
