package lcm

import "sync"

// StateNotifier is the internal process-state observer API (SPEC_FULL.md
// §C.2), grounded on original_source's processstatenotifier.cpp: rather
// than the health monitor polling each node's state, nodes publish their
// running, terminating, terminated and failed transitions (not starting or
// idle) and the health monitor (and the event sink) subscribe.
//
// Grounded on redis/client.go's connection-wrapper shape (a thin struct
// wrapping a mutex-guarded subscriber list) generalized from "one Redis
// pubsub connection" to "any number of in-process subscribers".
type StateNotifier struct {
	mu   sync.RWMutex
	subs []func(proc string, state NodeState)
}

// NewStateNotifier returns an empty StateNotifier.
func NewStateNotifier() *StateNotifier {
	return &StateNotifier{}
}

// Subscribe registers fn to be called on every Publish. Subscriptions are
// permanent for the process's lifetime; spec.md's components never
// unsubscribe mid-run.
func (n *StateNotifier) Subscribe(fn func(proc string, state NodeState)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

// Publish fans a state transition out to every subscriber synchronously.
// Subscribers (the health monitor's logic monitor, the event sink) must not
// block: the caller is a worker-pool thread mid DoWork, and a blocked
// subscriber stalls process supervision itself.
func (n *StateNotifier) Publish(proc string, state NodeState) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, fn := range n.subs {
		fn(proc, state)
	}
}
