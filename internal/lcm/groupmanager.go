package lcm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// GroupManager is the process group manager (component C8): the top-level
// loop that owns every Graph, drains the control channel, asynchronously
// delivers each round's outcome to its owning requester, auto-recovers
// undefined-state groups, and drives an orderly or forceful shutdown on
// request.
//
// Grounded on process_manager2.go's mainloop/Add/Remove/UpdateLimits: a
// single goroutine owning all mutation, woken by either new work or a
// fallback poll interval, generalized here from "HTTP request queue" to
// "control channel + recovery sweep". go.uber.org/multierr aggregates the
// independent forceful-kill errors a shutdown can produce across groups,
// the same role it plays nowhere in the teacher directly but is already a
// transitive sibling of zap's error-handling idioms — adopted here because
// spec.md §6.5's shutdown step ("best-effort forceful kill of every
// remaining node, collecting but not stopping on individual failures") is
// exactly multierr.Combine's use case.
type GroupManager struct {
	log *zap.Logger

	control *ControlChannel
	groups  map[string]*Graph

	recoverInterval time.Duration

	cancelDrain      time.Duration
	transitionBudget time.Duration

	// runCtx is the long-lived context handed to every StartTransition
	// call this manager issues outside of the daemon's own boot sequence
	// (control-driven SetState, auto Recovery injection). Set once Run
	// starts; round lifetime is bounded by the lattice/abort machinery,
	// not by cancelling this context.
	runCtx context.Context
}

// NewGroupManager constructs a GroupManager over the given control channel
// and graphs keyed by group name, and wires each graph's outcome handler to
// deliver back through control to whichever request currently owns it.
func NewGroupManager(log *zap.Logger, control *ControlChannel, groups map[string]*Graph) *GroupManager {
	m := &GroupManager{
		log:              log.Named("groupmanager"),
		control:          control,
		groups:           groups,
		recoverInterval:  100 * time.Millisecond,
		cancelDrain:      2 * time.Second,
		transitionBudget: 1 * time.Second,
		runCtx:           context.Background(),
	}
	for name, g := range groups {
		groupName := name
		g.SetOutcomeHandler(func(outcome SetStateOutcome, execErr *ExecutionError) {
			m.deliverOutcome(groupName, outcome, execErr)
		})
	}
	return m
}

// Run is the manager's main loop: wakes on either a control-channel request
// or the 100ms fallback poll (spec.md §4.8), handles the request if any,
// then sweeps every group for StateUndefined, starting whichever transition
// is due next (a superseding SetState request, or else the configured
// Recovery state).
func (m *GroupManager) Run(ctx context.Context) {
	m.runCtx = ctx

	ticker := time.NewTicker(m.recoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.control.WakeManager():
			m.drainControl()
			m.recoverSweep()
		case <-ticker.C:
			m.recoverSweep()
		}
	}
}

func (m *GroupManager) drainControl() {
	for {
		req, ok := m.control.Recv()
		if !ok {
			return
		}
		if req.Action == ActionSetState {
			m.handleSetState(req)
			continue
		}
		resp := m.control.Handle(req)
		m.control.Reply(resp)
	}
}

// handleSetState implements spec.md §4.7/§6.3: SetState is not answered
// synchronously. Unknown group/state and the AlreadyInState idempotence
// fast-path reply immediately; otherwise the request becomes the group's
// new owner, and either starts a round directly (graph currently settled)
// or cancels the in-flight round first and queues itself to start once
// the graph lands back at undefined_state (spec.md §4.8 step 1: "a new
// SetState request cancels whichever round is currently in flight for that
// group"). The eventual reply travels through deliverOutcome instead.
func (m *GroupManager) handleSetState(req *ControlRequest) {
	g, ok := m.groups[req.Group]
	if !ok {
		m.control.Reply(&ControlResponse{ID: req.ID, Outcome: OutcomeInvalidArguments, Err: fmt.Errorf("control: unknown group %q", req.Group)})
		return
	}
	if !g.HasState(req.TargetState) {
		m.control.Reply(&ControlResponse{ID: req.ID, Outcome: OutcomeInvalidArguments, Err: fmt.Errorf("control: group %q has no state %q", req.Group, req.TargetState)})
		return
	}

	if g.State() == StateSuccess && g.CurrentStateName() == req.TargetState {
		m.control.Reply(&ControlResponse{ID: req.ID, Outcome: OutcomeAlreadyInState})
		return
	}

	if g.State() == StateInTransition {
		if g.InFlightTarget() == req.TargetState {
			m.control.Reply(&ControlResponse{ID: req.ID, Outcome: OutcomeTransitionToSameState})
			return
		}
		m.control.SetOwner(req.Group, req)
		m.control.SetPendingTarget(req.Group, req.TargetState)
		g.Cancel()
		return
	}

	m.control.SetOwner(req.Group, req)
	if err := g.StartTransition(m.runCtx, req.TargetState); err != nil {
		m.control.Reply(&ControlResponse{ID: req.ID, Outcome: OutcomeInvalidArguments, Err: err})
	}
}

// deliverOutcome is a Graph's outcome handler: it looks up group's current
// owner (the most recent SetState requester for group; ownership is never
// cleared, so an auto-injected Recovery round reports to whoever last
// requested a state) and, if present, replies to it with outcome (spec.md
// §4.7's async response to SetState).
func (m *GroupManager) deliverOutcome(group string, outcome SetStateOutcome, execErr *ExecutionError) {
	req, ok := m.control.Owner(group)
	if !ok {
		m.log.Info("transition settled with no owner to notify", zap.String("group", group), zap.Stringer("outcome", outcome))
		return
	}
	m.control.Reply(&ControlResponse{ID: req.ID, Outcome: outcome, ExecutionErr: execErr})
}

// recoverSweep implements spec.md §4.5/§4.8-step-3: a group sitting at
// undefined_state either has a superseding request queued (started
// immediately, with ownership already assigned by handleSetState) or has
// none, in which case the manager auto-injects a transition to the group's
// configured Recovery state.
func (m *GroupManager) recoverSweep() {
	for name, g := range m.groups {
		if g.State() != StateUndefined {
			continue
		}
		if target, ok := m.control.TakePendingTarget(name); ok {
			if err := g.StartTransition(m.runCtx, target); err != nil {
				m.log.Warn("queued transition could not start", zap.String("group", name), zap.Error(err))
			}
			continue
		}
		if err := g.StartTransition(m.runCtx, StateNameRecovery); err != nil {
			m.log.Warn("recovery transition could not start", zap.String("group", name), zap.Error(err))
			continue
		}
		m.log.Info("group recovering from undefined_state", zap.String("group", name))
	}
}

// Shutdown drives every group to its Off state, honoring the shutdown
// budgets spec.md §6.5 describes: a fixed wait of cancelDrain (shorter only
// if ctx ends first) for any in-flight round to notice cancellation and
// drain its retry loops, then up to
// transitionBudget for the stop round itself to complete, after which
// remaining nodes are killed forcefully. Errors from individual forceful
// kills are aggregated via multierr rather than aborting the sweep.
func (m *GroupManager) Shutdown(ctx context.Context) error {
	for _, g := range m.groups {
		g.Cancel()
	}

	drainCtx, cancelDrain := context.WithTimeout(ctx, m.cancelDrain)
	defer cancelDrain()
	<-drainCtx.Done()

	var errs error
	for name, g := range m.groups {
		stopCtx, cancel := context.WithTimeout(ctx, m.transitionBudget)
		if err := g.StartTransition(stopCtx, StateNameOff); err != nil {
			m.log.Warn("group stop transition could not start", zap.String("group", name), zap.Error(err))
		}
		m.awaitTerminal(stopCtx, g)
		cancel()

		if g.State() != StateSuccess {
			m.log.Warn("group did not reach success on shutdown; forcing", zap.String("group", name))
			errs = multierr.Append(errs, m.forceKillGroup(g))
		}
	}
	return errs
}

// awaitTerminal polls g's lattice state until it leaves StateInTransition
// or ctx expires, whichever comes first — avoiding a blind sleep for the
// common case where the stop round finishes well inside its budget.
func (m *GroupManager) awaitTerminal(ctx context.Context, g *Graph) {
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()
	for {
		if g.State() != StateInTransition {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		}
	}
}

func (m *GroupManager) forceKillGroup(g *Graph) error {
	var errs error
	g.mu.Lock()
	nodes := make([]GraphNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	g.mu.Unlock()

	for _, n := range nodes {
		if pn, ok := n.(*ProcessNode); ok {
			pn.mu.Lock()
			res := pn.result
			pn.mu.Unlock()
			if res != nil {
				if err := res.Terminate(true); err != nil {
					errs = multierr.Append(errs, err)
				}
			}
		}
	}
	g.state.ForceUndefined()
	return errs
}
