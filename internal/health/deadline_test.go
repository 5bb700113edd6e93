package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadlineMonitorWithinBounds(t *testing.T) {
	var breaches []BreachReason
	m := NewDeadlineMonitor(func(tag string, reason BreachReason) {
		breaches = append(breaches, reason)
	})
	m.Configure("cycle", Bounds{MinMS: 0, MaxMS: 200})

	h := m.Start("cycle")
	require.NoError(t, m.Stop(h))
	assert.Empty(t, breaches)
}

func TestDeadlineMonitorTooLate(t *testing.T) {
	var breaches []BreachReason
	m := NewDeadlineMonitor(func(tag string, reason BreachReason) {
		breaches = append(breaches, reason)
	})
	m.Configure("cycle", Bounds{MinMS: 0, MaxMS: 5})

	h := m.Start("cycle")
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Stop(h))

	require.Len(t, breaches, 1)
	assert.Equal(t, BreachTooLate, breaches[0])
}

func TestDeadlineMonitorTooEarly(t *testing.T) {
	var breaches []BreachReason
	m := NewDeadlineMonitor(func(tag string, reason BreachReason) {
		breaches = append(breaches, reason)
	})
	m.Configure("cycle", Bounds{MinMS: 50, MaxMS: 1000})

	h := m.Start("cycle")
	require.NoError(t, m.Stop(h))

	require.Len(t, breaches, 1)
	assert.Equal(t, BreachTooEarly, breaches[0])
}

func TestDeadlineMonitorUnknownHandle(t *testing.T) {
	m := NewDeadlineMonitor(nil)
	err := m.Stop(Handle(999))
	assert.Error(t, err)
}
