package lcm

import "sync/atomic"

// GraphState is the single-enum lattice a process group's graph moves
// through during a transition round (spec.md §4.5):
//
//	success -> in_transition -> {cancelled, aborting} -> undefined_state -> in_transition
//
// undefined_state is not terminal: the group manager's recovery sweep (or a
// freshly queued SetState request) starts a new round straight out of it,
// per spec.md §4.8-step-3.
//
// Grounded on process_manager2.go's mainloop state flags (a handful of bools
// guarding re-entrancy), collapsed here into the one CAS-guarded enum the
// spec's Design Notes (§9) call for in place of the original's scattered
// flags.
type GraphState int32

const (
	StateSuccess GraphState = iota
	StateInTransition
	StateCancelled
	StateAborting
	StateUndefined
)

func (s GraphState) String() string {
	switch s {
	case StateSuccess:
		return "success"
	case StateInTransition:
		return "in_transition"
	case StateCancelled:
		return "cancelled"
	case StateAborting:
		return "aborting"
	case StateUndefined:
		return "undefined_state"
	default:
		return "unknown"
	}
}

// LatticeState holds one atomically-updated GraphState plus the CAS-based
// transition helpers spec.md §4.5 calls for. Zero value starts at
// StateSuccess (a freshly constructed group has nothing to do yet).
type LatticeState struct {
	v atomic.Int32
}

// NewLatticeState returns a LatticeState initialized to StateSuccess.
func NewLatticeState() *LatticeState {
	l := &LatticeState{}
	l.v.Store(int32(StateSuccess))
	return l
}

// Load returns the current state.
func (l *LatticeState) Load() GraphState {
	return GraphState(l.v.Load())
}

// validEdges enumerates the lattice's allowed transitions. Any (from, to)
// pair not listed here is rejected by CAS, by construction: CompareAndSwap
// only succeeds if `from` matches the live value, and callers only ever
// request edges present in this table.
var validEdges = map[GraphState][]GraphState{
	StateSuccess:      {StateInTransition},
	StateInTransition: {StateCancelled, StateAborting, StateSuccess, StateUndefined},
	StateCancelled:    {StateUndefined},
	StateAborting:     {StateUndefined},
	StateUndefined:    {StateInTransition},
}

// TryTransition attempts a CAS from `from` to `to`, rejecting edges absent
// from validEdges even if the CAS would otherwise succeed (belt-and-braces:
// it also protects against a future edge being wired in by accident without
// updating the table).
func (l *LatticeState) TryTransition(from, to GraphState) bool {
	allowed := false
	for _, e := range validEdges[from] {
		if e == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	return l.v.CompareAndSwap(int32(from), int32(to))
}

// ForceUndefined unconditionally drives the lattice to StateUndefined, used
// by the group manager when a shutdown budget (spec.md §6.5) is exceeded
// and the round must be abandoned regardless of its current state.
func (l *LatticeState) ForceUndefined() {
	l.v.Store(int32(StateUndefined))
}
