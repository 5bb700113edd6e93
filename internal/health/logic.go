package health

import (
	"fmt"
	"sync"
)

// LogicMonitor enforces a per-tag state machine: once a tag has a current
// state, only configured (from, to) edges are accepted, and "failed" (once
// reached) is terminal (component C10, spec.md §4.10). A tag with no current
// state yet accepts any first transition.
//
// Grounded on original_source/.../health_monitor.cpp's edge table,
// generalized the same way internal/lcm/lattice.go generalizes the group
// graph's own lattice: a map of allowed successor states per current
// state, with one reserved sink state ("failed") that no configured edge
// may leave.
type LogicMonitor struct {
	mu     sync.Mutex
	edges  map[string]map[string]bool // tag -> "from|to" edge -> allowed
	states map[string]string          // tag -> current state
}

const failedState = "failed"

// NewLogicMonitor returns an empty LogicMonitor.
func NewLogicMonitor() *LogicMonitor {
	return &LogicMonitor{
		edges:  make(map[string]map[string]bool),
		states: make(map[string]string),
	}
}

// Configure declares one allowed (from, to) edge for tag, and initializes
// tag's current state to from if tag has no current state yet.
func (l *LogicMonitor) Configure(tag, from, to string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.edges[tag] == nil {
		l.edges[tag] = make(map[string]bool)
	}
	l.edges[tag][from+"|"+to] = true
	if _, ok := l.states[tag]; !ok {
		l.states[tag] = from
	}
}

// Transition attempts to move tag from its current state to `to`. Fails if
// the edge was never configured, or if tag is already in the terminal
// "failed" state. If tag has no current state (never configured and never
// transitioned), `to` is accepted as its first state without an edge check.
func (l *LogicMonitor) Transition(tag, to string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.states[tag]
	if !ok {
		l.states[tag] = to
		return nil
	}
	if cur == failedState {
		return fmt.Errorf("health: tag %q is in terminal failed state", tag)
	}
	if !l.edges[tag][cur+"|"+to] {
		return fmt.Errorf("health: tag %q has no configured edge %s -> %s", tag, cur, to)
	}
	l.states[tag] = to
	return nil
}

// Fail unconditionally drives tag to the terminal failed state, used when
// another monitor (deadline, heartbeat) detects a breach attributable to
// tag.
func (l *LogicMonitor) Fail(tag string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[tag] = failedState
}

// State returns tag's current state.
func (l *LogicMonitor) State(tag string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[tag]
	return s, ok
}
