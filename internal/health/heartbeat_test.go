package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatMonitorSweepDetectsTimeout(t *testing.T) {
	h := NewHeartbeatMonitor()
	h.Configure("watchdogd", 10)

	time.Sleep(30 * time.Millisecond)
	breached := h.Sweep()
	assert.Contains(t, breached, "watchdogd")
}

func TestHeartbeatMonitorBeatResetsTimer(t *testing.T) {
	h := NewHeartbeatMonitor()
	h.Configure("watchdogd", 50)

	time.Sleep(20 * time.Millisecond)
	h.Beat("watchdogd")
	time.Sleep(20 * time.Millisecond)

	breached := h.Sweep()
	assert.NotContains(t, breached, "watchdogd")
}
