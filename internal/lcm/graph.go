package lcm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase selects which direction a graph round is driving a node set: up
// (dependencies before dependents, for start) or down (dependents before
// dependencies, for stop), per spec.md §4.5.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseStop
)

// SetStateOutcome is the terminal result of one transition round, delivered
// asynchronously to the group's currently registered owner (spec.md §4.7,
// §6.3's response-code table).
type SetStateOutcome int

const (
	OutcomeSuccess SetStateOutcome = iota
	OutcomeCancelled
	OutcomeFailed
	OutcomeFailedUnexpectedTerminationOnEnter
	OutcomeFailedUnexpectedTermination
	OutcomeAlreadyInState
	OutcomeTransitionToSameState
	OutcomeInvalidArguments
)

func (o SetStateOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SetStateSuccess"
	case OutcomeCancelled:
		return "SetStateCancelled"
	case OutcomeFailed:
		return "Failed"
	case OutcomeFailedUnexpectedTerminationOnEnter:
		return "FailedUnexpectedTerminationOnEnter"
	case OutcomeFailedUnexpectedTermination:
		return "FailedUnexpectedTermination"
	case OutcomeAlreadyInState:
		return "AlreadyInState"
	case OutcomeTransitionToSameState:
		return "TransitionToSameState"
	case OutcomeInvalidArguments:
		return "InvalidArguments"
	default:
		return "unknown"
	}
}

// GraphNode is the subset of ProcessNode (C6) the graph executor drives.
type GraphNode interface {
	Runnable
	Name() string
	Dependencies() []string // start-dependencies: names that must be running before this one starts

	// SetTarget tells the node what this round wants of it before it is
	// (possibly) enqueued: running=true to start it, running=false to stop
	// it. A node whose current state already matches its target does
	// nothing when DoWork runs.
	SetTarget(running bool)

	// Satisfied reports whether the node has reached its last-set target,
	// or has permanently failed (Failed()) and can no longer make progress
	// either way.
	Satisfied() bool
	// Failed reports a permanent, terminal failure this round (spec.md
	// §4.6); the graph aborts the round rather than treating it as
	// satisfied.
	Failed() bool
	LastError() *ExecutionError

	IsRunning() bool
	IsStopped() bool // idle, terminated, or permanently failed
}

// Graph is the per-group dependency-executor (component C5): one DAG of
// GraphNodes, a LatticeState guarding re-entrancy, a table of named States
// (spec.md §3.4), and a round-robin enqueue loop that drives a round's
// stop phase (members to be removed) then start phase (members to be
// added) in dependency order.
//
// Grounded on process_manager2.go's mainloop (poll for ready work, enqueue
// onto the worker pool, wait for completions) and scheduler.go's min-heap
// idiom, reused here as a simple ready-set recomputation each round instead
// of a heap, since the node count per group is small and readiness is a
// boolean predicate (dependencies satisfied) rather than a time ordering.
// No heap is used anywhere in this package; node.go retries a failed start
// immediately, with no cooldown.
type Graph struct {
	log   *zap.Logger
	name  string
	state *LatticeState
	queue *JobQueue

	mu     sync.Mutex
	nodes  map[string]GraphNode
	// edges[a] = nodes that depend on a (successors); used for the stop
	// phase, which must drive dependents down before their dependencies.
	edges map[string][]string
	// started tracks nodes already handed to the worker pool this round.
	started map[string]bool

	states map[string][]string // state name -> member process names

	currentState string // last state this graph successfully settled at
	inFlight     string // target state of the round currently in progress, "" if none

	errLog    *ExecErrorLog
	onOutcome func(SetStateOutcome, *ExecutionError)
}

// NewGraph constructs an empty Graph for one process group.
func NewGraph(log *zap.Logger, name string, queue *JobQueue) *Graph {
	return &Graph{
		log:          log.Named("graph").With(zap.String("group", name)),
		name:         name,
		state:        NewLatticeState(),
		queue:        queue,
		nodes:        make(map[string]GraphNode),
		edges:        make(map[string][]string),
		started:      make(map[string]bool),
		states:       make(map[string][]string),
		currentState: StateNameOff,
	}
}

// AddNode registers a node and its reverse-dependency edges. Must be called
// before the graph's first transition; the graph shape is fixed once
// configuration load completes (spec.md §3: configuration is loaded once at
// boot).
func (g *Graph) AddNode(n GraphNode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[n.Name()] = n
	for _, dep := range n.Dependencies() {
		g.edges[dep] = append(g.edges[dep], n.Name())
	}
}

// AddState registers a named state's membership set (spec.md §3.4).
func (g *Graph) AddState(name string, members []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[name] = members
}

// SetErrorLog wires the log a failed node's execution error is pushed to,
// retrievable later via the control channel's GetExecutionError action.
func (g *Graph) SetErrorLog(l *ExecErrorLog) { g.errLog = l }

// SetOutcomeHandler registers the callback invoked once per settled round
// with that round's outcome (spec.md §4.7's async response to SetState).
func (g *Graph) SetOutcomeHandler(fn func(SetStateOutcome, *ExecutionError)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onOutcome = fn
}

// State returns the graph's current lattice state.
func (g *Graph) State() GraphState { return g.state.Load() }

// HasState reports whether name is a configured state of this group.
func (g *Graph) HasState(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.states[name]
	return ok
}

// CurrentStateName returns the name of the state this graph last settled
// at (spec.md §3.4's "current state").
func (g *Graph) CurrentStateName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentState
}

// InFlightTarget returns the target state name of the round currently in
// progress, or "" if the graph isn't mid-transition.
func (g *Graph) InFlightTarget() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// StartTransition begins a round driving the graph to targetState's member
// set, per spec.md §4.5. It requires the lattice to currently be at
// StateSuccess or StateUndefined (the only two states a new round may start
// from); concurrent callers racing to start a round all attempt the same
// CAS and exactly one wins.
func (g *Graph) StartTransition(ctx context.Context, targetState string) error {
	g.mu.Lock()
	members, known := g.states[targetState]
	g.mu.Unlock()
	if !known {
		return fmt.Errorf("graph %s: unknown state %q", g.name, targetState)
	}

	cur := g.state.Load()
	if cur != StateSuccess && cur != StateUndefined {
		return fmt.Errorf("graph %s: cannot start transition from %s", g.name, cur)
	}
	if !g.state.TryTransition(cur, StateInTransition) {
		return fmt.Errorf("graph %s: lost the race to start a transition", g.name)
	}

	g.mu.Lock()
	g.started = make(map[string]bool)
	g.inFlight = targetState
	g.mu.Unlock()

	g.log.Info("transition started", zap.String("target_state", targetState))
	go g.drive(ctx, targetState, members)
	return nil
}

// drive runs one full round: stop every currently-up node that isn't a
// member of targetState's set, then start every member not already up
// (spec.md §4.5 steps 3-5), landing the lattice on StateSuccess and
// delivering OutcomeSuccess. A node's permanent failure aborts the round;
// cancellation lands it at StateUndefined with OutcomeCancelled.
func (g *Graph) drive(ctx context.Context, targetState string, members []string) {
	requested := make(map[string]bool, len(members))
	for _, m := range members {
		requested[m] = true
	}

	stopNodes := g.nodesNeedingStop(requested)
	for _, n := range stopNodes {
		n.SetTarget(false)
	}
	if len(stopNodes) > 0 {
		if !g.runPhase(ctx, PhaseStop, stopNodes) {
			return
		}
	}

	startNodes := g.nodesNeedingStart(requested)
	for _, n := range startNodes {
		n.SetTarget(true)
	}
	if !g.runPhase(ctx, PhaseStart, startNodes) {
		return
	}

	g.mu.Lock()
	g.currentState = targetState
	g.inFlight = ""
	g.mu.Unlock()

	if !g.state.TryTransition(StateInTransition, StateSuccess) {
		return
	}
	g.log.Info("transition complete", zap.String("state", targetState))
	g.deliver(OutcomeSuccess, nil)
}

// nodesNeedingStop returns every node not a member of requested that is
// currently up (not idle, terminated, or permanently failed).
func (g *Graph) nodesNeedingStop(requested map[string]bool) []GraphNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []GraphNode
	for name, n := range g.nodes {
		if !requested[name] && !n.IsStopped() {
			out = append(out, n)
		}
	}
	return out
}

// nodesNeedingStart returns every member of requested not already running.
func (g *Graph) nodesNeedingStart(requested map[string]bool) []GraphNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []GraphNode
	for name, n := range g.nodes {
		if requested[name] && !n.IsRunning() {
			out = append(out, n)
		}
	}
	return out
}

// runPhase drives exactly the nodes in set through phase until every one of
// them is satisfied. Returns true if the phase completed normally; false if
// the round was cancelled or aborted, in which case the lattice has already
// been landed and the outcome already delivered — drive must return
// immediately without starting the next phase.
func (g *Graph) runPhase(ctx context.Context, phase Phase, set []GraphNode) bool {
	const pollInterval = 5 * time.Millisecond

	inSet := make(map[string]bool, len(set))
	for _, n := range set {
		inSet[n.Name()] = true
	}

	for {
		select {
		case <-ctx.Done():
			g.settleCancelled()
			return false
		default:
		}
		if g.state.Load() != StateInTransition {
			// Settled already by an external Cancel()/Abort() call.
			return false
		}

		if failed := g.firstFailed(set); failed != nil {
			g.settleFailed(failed)
			return false
		}

		ready := g.readySet(phase, set, inSet)
		if len(ready) == 0 {
			if g.allSatisfied(set) {
				return true
			}
			if g.anyInFlight(set) {
				select {
				case <-ctx.Done():
					continue
				case <-time.After(pollInterval):
				}
				continue
			}
			g.settleAborted()
			return false
		}

		var wg sync.WaitGroup
		for _, n := range ready {
			wg.Add(1)
			node := n
			go func() {
				defer wg.Done()
				stillInFlight := func() bool {
					return g.state.Load() == StateInTransition && ctx.Err() == nil
				}
				if err := g.queue.EnqueueRetry(node, stillInFlight); err != nil {
					g.log.Warn("enqueue abandoned", zap.String("node", node.Name()), zap.Error(err))
				}
			}()
		}
		wg.Wait()
	}
}

// firstFailed returns the first permanently-failed node in set, if any.
func (g *Graph) firstFailed(set []GraphNode) GraphNode {
	for _, n := range set {
		if n.Failed() {
			return n
		}
	}
	return nil
}

func (g *Graph) settleCancelled() {
	g.mu.Lock()
	g.inFlight = ""
	g.mu.Unlock()
	g.state.TryTransition(StateInTransition, StateCancelled)
	g.state.TryTransition(StateCancelled, StateUndefined)
	g.log.Info("transition cancelled")
	g.deliver(OutcomeCancelled, nil)
}

func (g *Graph) settleAborted() {
	g.mu.Lock()
	g.inFlight = ""
	g.mu.Unlock()
	g.state.TryTransition(StateInTransition, StateAborting)
	g.state.TryTransition(StateAborting, StateUndefined)
	g.log.Warn("transition aborted: unsatisfiable ready set")
	g.deliver(OutcomeFailed, nil)
}

func (g *Graph) settleFailed(n GraphNode) {
	g.mu.Lock()
	g.inFlight = ""
	g.mu.Unlock()
	g.state.TryTransition(StateInTransition, StateAborting)
	g.state.TryTransition(StateAborting, StateUndefined)

	execErr := n.LastError()
	g.log.Warn("transition aborted: node failed", zap.String("node", n.Name()))
	if execErr != nil && g.errLog != nil {
		g.errLog.Push(execErr)
	}
	g.deliver(OutcomeFailedUnexpectedTerminationOnEnter, execErr)
}

// ReportUnexpectedTermination is called (outside any round) when a member
// process that was already running crashes after its group had already
// settled at StateSuccess (spec.md §4.6's "crash after ready" case, as
// opposed to a crash during the start phase itself, which runPhase's
// firstFailed handles). It drives the group straight to undefined_state and
// delivers OutcomeFailedUnexpectedTermination to the current owner; the
// group manager's recovery sweep picks it back up from there.
func (g *Graph) ReportUnexpectedTermination(execErr *ExecutionError) {
	if !g.state.TryTransition(StateSuccess, StateAborting) {
		return
	}
	g.state.TryTransition(StateAborting, StateUndefined)
	if execErr != nil && g.errLog != nil {
		g.errLog.Push(execErr)
	}
	g.log.Warn("unexpected termination after settle", zap.Any("execution_error", execErr))
	g.deliver(OutcomeFailedUnexpectedTermination, execErr)
}

func (g *Graph) deliver(outcome SetStateOutcome, execErr *ExecutionError) {
	g.mu.Lock()
	fn := g.onOutcome
	g.mu.Unlock()
	if fn != nil {
		fn(outcome, execErr)
	}
}

// anyInFlight reports whether some node in set has been started this round
// but has not yet reported itself satisfied.
func (g *Graph) anyInFlight(set []GraphNode) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range set {
		if g.started[n.Name()] && !n.Satisfied() {
			return true
		}
	}
	return false
}

// readySet returns nodes in set not yet satisfied whose phase-relevant
// predecessors are all up (running, for PhaseStart) or down (stopped, for
// PhaseStop) — predecessors are checked against their live state, not
// restricted to set, since a start-dependency may already be running from
// a prior round untouched by this one.
func (g *Graph) readySet(phase Phase, set []GraphNode, inSet map[string]bool) []GraphNode {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []GraphNode
	for _, n := range set {
		name := n.Name()
		if n.Satisfied() || g.started[name] {
			continue
		}
		allDone := true
		for _, p := range g.predecessors(name, phase) {
			pn, ok := g.nodes[p]
			if !ok {
				continue
			}
			if phase == PhaseStart {
				if !pn.IsRunning() {
					allDone = false
					break
				}
			} else if !pn.IsStopped() {
				allDone = false
				break
			}
		}
		if allDone {
			g.started[name] = true
			ready = append(ready, n)
		}
	}
	return ready
}

func (g *Graph) predecessors(name string, phase Phase) []string {
	if phase == PhaseStart {
		return g.nodes[name].Dependencies()
	}
	return g.edges[name]
}

func (g *Graph) allSatisfied(set []GraphNode) bool {
	for _, n := range set {
		if !n.Satisfied() {
			return false
		}
	}
	return true
}

// Cancel requests the current round land at StateUndefined with
// OutcomeCancelled rather than running to completion. A no-op if the graph
// isn't mid-transition.
func (g *Graph) Cancel() {
	if g.state.Load() != StateInTransition {
		return
	}
	g.settleCancelled()
}

// Abort forces the current round to StateAborting/StateUndefined, used by
// the diagnostics debug override (spec.md §6.5).
func (g *Graph) Abort() {
	if g.state.Load() != StateInTransition {
		return
	}
	g.settleAborted()
}
