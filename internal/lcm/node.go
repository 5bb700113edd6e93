package lcm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NodeState is a ProcessNode's own lifecycle state machine (spec.md §4.6):
// idle -> starting -> running -> terminating -> terminated. The one step
// back within a round is a failed start attempt with restarts remaining,
// which returns the node to idle before the next attempt. A node left
// terminated by an earlier round starts again from terminated.
type NodeState int32

const (
	NodeIdle NodeState = iota
	NodeStarting
	NodeRunning
	NodeTerminating
	NodeTerminated
	NodeFailedUnexpectedTerminationOnEnter
	NodeFailedUnexpectedTermination
)

func (s NodeState) String() string {
	switch s {
	case NodeIdle:
		return "idle"
	case NodeStarting:
		return "starting"
	case NodeRunning:
		return "running"
	case NodeTerminating:
		return "terminating"
	case NodeTerminated:
		return "terminated"
	case NodeFailedUnexpectedTerminationOnEnter:
		return "failed_unexpected_termination_on_enter"
	case NodeFailedUnexpectedTermination:
		return "failed_unexpected_termination"
	default:
		return "unknown"
	}
}

// ProcessNode is the process info node (component C6): one configured
// process's runtime state, wrapping a Launcher-managed OS process and
// exposing the GraphNode surface the dependency executor (C5) drives.
//
// Grounded on process.go's full Start/Ready/Enter/Done/Close lifecycle,
// generalized from "HTTP-triggered remux worker" to "graph-driven
// supervised process": the restart-attempt counting and the
// FailedUnexpectedTerminationOnEnter/FailedUnexpectedTermination split
// (spec.md §4.6's two distinct crash-during-startup vs. crash-after-ready
// outcomes) are grounded on original_source's process_info_node.cpp
// entry/running distinction.
type ProcessNode struct {
	log *zap.Logger
	cfg *ProcessConfig

	launcher *Launcher
	pidMap   *PIDMap
	notifier *StateNotifier

	// onCrash is called, outside of any lock, whenever a member process
	// that was already NodeRunning exits unexpectedly after the node's
	// round has already reported it satisfied — i.e. a post-settle crash
	// (spec.md §4.6), as opposed to a crash during the start phase itself,
	// which the node surfaces to the graph via Failed()/LastError() instead.
	// Wired by main.go to the owning Graph's ReportUnexpectedTermination.
	onCrash func(*ExecutionError)

	mu      sync.Mutex
	state   NodeState
	target  bool // desired running state set by the graph for the in-flight round
	attempt int
	result  *LaunchResult
	deps    []string
	lastErr *ExecutionError

	readyCh chan struct{}
}

// NewProcessNode constructs a ProcessNode for cfg.
func NewProcessNode(log *zap.Logger, cfg *ProcessConfig, deps []string, launcher *Launcher, pidMap *PIDMap, notifier *StateNotifier) *ProcessNode {
	return &ProcessNode{
		log:      log.Named("node").With(zap.String("proc", cfg.Name)),
		cfg:      cfg,
		deps:     deps,
		launcher: launcher,
		pidMap:   pidMap,
		notifier: notifier,
	}
}

func (n *ProcessNode) Name() string           { return n.cfg.Name }
func (n *ProcessNode) Dependencies() []string { return n.deps }

// SetCrashHandler wires fn to be called on a post-settle unexpected
// termination (spec.md §4.6). Must be called before the node's graph ever
// starts a round; not safe to change concurrently with DoWork.
func (n *ProcessNode) SetCrashHandler(fn func(*ExecutionError)) {
	n.onCrash = fn
}

// SetTarget records what this round wants of the node: true to start it,
// false to stop it. Read by DoWork once the graph enqueues the node.
func (n *ProcessNode) SetTarget(running bool) {
	n.mu.Lock()
	n.target = running
	n.mu.Unlock()
}

// Satisfied reports whether the node has reached its last-set target, or
// has permanently failed and can make no further progress either way.
func (n *ProcessNode) Satisfied() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isFailedTerminal() {
		return true
	}
	if n.target {
		return n.state == NodeRunning
	}
	return n.state == NodeTerminated || n.state == NodeIdle
}

// Failed reports a permanent, terminal failure this round: the graph must
// abort rather than treat this as satisfied (spec.md §4.6, §8.1's
// single-delivery invariant).
func (n *ProcessNode) Failed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == NodeFailedUnexpectedTerminationOnEnter
}

// LastError returns the execution error attached to the node's most recent
// failure, if any.
func (n *ProcessNode) LastError() *ExecutionError {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastErr
}

// IsRunning reports whether the node is currently NodeRunning.
func (n *ProcessNode) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == NodeRunning
}

// IsStopped reports whether the node is idle, terminated, or permanently
// failed — i.e. not occupying a process slot.
func (n *ProcessNode) IsStopped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == NodeIdle || n.state == NodeTerminated || n.isFailedTerminal()
}

func (n *ProcessNode) isFailedTerminal() bool {
	return n.state == NodeFailedUnexpectedTerminationOnEnter || n.state == NodeFailedUnexpectedTermination
}

// DoWork drives the node one step toward its last-set target: start it if
// idle or terminated and wanted running, or terminate it if running and
// wanted stopped.
// Called by a JobQueue worker (component C2); must not block past
// startup/termination timeouts (spec.md §4.6).
func (n *ProcessNode) DoWork(ctx context.Context) {
	n.mu.Lock()
	state, target := n.state, n.target
	n.mu.Unlock()

	switch {
	case (state == NodeIdle || state == NodeTerminated) && target:
		n.start(ctx)
	case state == NodeRunning && !target:
		n.terminate(ctx)
	default:
	}
}

// start attempts to launch the process, retrying per spec.md §4.6: "on
// startup failure with restart attempts remaining, decrement the counter,
// tear down, loop." cfg.RestartAttempts is the number of retries allowed
// after the first attempt fails, so a configured value of 2 permits up to
// three total attempts before the node settles into
// NodeFailedUnexpectedTerminationOnEnter.
func (n *ProcessNode) start(ctx context.Context) {
	remaining := n.cfg.RestartAttempts
	for {
		ok := n.attemptStart(ctx)
		if ok {
			return
		}
		if ctx.Err() != nil || remaining <= 0 {
			n.setState(NodeFailedUnexpectedTerminationOnEnter)
			n.notifier.Publish(n.cfg.Name, NodeFailedUnexpectedTerminationOnEnter)
			return
		}
		remaining--
		n.log.Warn("startup failed, restarting", zap.Int("attempts_remaining", remaining))
		n.setState(NodeIdle)
	}
}

// attemptStart runs exactly one launch attempt, returning true if the
// process reached NodeRunning.
func (n *ProcessNode) attemptStart(ctx context.Context) bool {
	n.setState(NodeStarting)
	n.mu.Lock()
	n.attempt++
	n.mu.Unlock()

	if err := n.launcher.AcquirePreflight(ctx); err != nil {
		n.recordFailure(DomainLauncher, 0)
		return false
	}
	res, err := n.launcher.Start(n.cfg)
	n.launcher.ReleasePreflight()
	if err != nil {
		n.log.Error("start failed", zap.Error(err))
		n.recordFailure(DomainLauncher, n.cfg.ExecErrorCode)
		return false
	}

	if err := n.launcher.AcquireOnflight(ctx); err != nil {
		_ = res.Terminate(true)
		n.recordFailure(DomainLauncher, 0)
		return false
	}

	result, prior, regErr := n.pidMap.RegisterIfNotReaped(res.PID, res)
	if regErr != nil {
		n.log.Error("pidmap anomaly on register; assuming reaped", zap.Error(regErr))
		result = AlreadyReaped
	}
	switch result {
	case AlreadyReaped:
		n.launcher.ReleaseOnflight()
		n.log.Warn("process reaped before registration", zap.Int32("status", prior))
		n.recordFailure(DomainReaper, n.cfg.ExecErrorCode)
		return false
	case Full:
		n.launcher.ReleaseOnflight()
		_ = res.Terminate(true)
		n.recordFailure(DomainLauncher, 0)
		return false
	}

	n.mu.Lock()
	n.result = res
	n.readyCh = make(chan struct{})
	n.mu.Unlock()

	startupTimeout := time.Duration(n.cfg.StartupTimeout) * time.Millisecond
	if startupTimeout <= 0 {
		startupTimeout = 5 * time.Second
	}

	go n.awaitExit(res)

	if n.cfg.Comms == CommsNone {
		// Non-reporting process: readiness is "launched", per the
		// Reporting-process glossary entry's contrapositive.
		n.setState(NodeRunning)
		n.notifier.Publish(n.cfg.Name, NodeRunning)
		return true
	}

	select {
	case <-res.Comms.sendSync:
		res.Comms.replySync <- struct{}{}
		n.setState(NodeRunning)
		n.notifier.Publish(n.cfg.Name, NodeRunning)
		return true
	case <-time.After(startupTimeout):
		n.log.Warn("startup timed out waiting for comms handshake")
		_ = res.Terminate(true)
		n.recordFailure(DomainLauncher, n.cfg.ExecErrorCode)
		n.notifier.Publish(n.cfg.Name, NodeFailedUnexpectedTerminationOnEnter)
		return false
	case <-ctx.Done():
		_ = res.Terminate(true)
		n.recordFailure(DomainLauncher, 0)
		return false
	}
}

// recordFailure stashes the execution error this attempt produced without
// yet committing the node to its terminal failed state — start() decides
// whether to retry or settle.
func (n *ProcessNode) recordFailure(domain ExecErrorDomain, code int32) {
	n.mu.Lock()
	n.lastErr = NewExecutionError(n.cfg.Name, domain, code)
	n.mu.Unlock()
}

// awaitExit blocks until the reaper notifies res, then transitions the node
// to its post-exit terminal state unless the node itself initiated the
// termination (in which case terminate() owns the transition). A crash
// while NodeRunning after the node had already been reported satisfied is a
// post-settle failure (spec.md §4.6); it is reported to the owning graph
// via onCrash rather than failing the in-flight round, since by definition
// no round is in flight for an already-running node outside its own start.
func (n *ProcessNode) awaitExit(res *LaunchResult) {
	<-res.Done()
	n.launcher.ReleaseOnflight()

	n.mu.Lock()
	prior := n.state
	switch n.state {
	case NodeTerminating:
		n.state = NodeTerminated
		n.notifyLocked(NodeTerminated)
	case NodeStarting, NodeRunning:
		n.state = NodeFailedUnexpectedTermination
		n.lastErr = NewExecutionError(n.cfg.Name, DomainReaper, n.cfg.ExecErrorCode)
		n.notifyLocked(NodeFailedUnexpectedTermination)
	}
	execErr := n.lastErr
	n.mu.Unlock()

	if prior == NodeRunning && n.onCrash != nil {
		n.onCrash(execErr)
	}
}

func (n *ProcessNode) terminate(ctx context.Context) {
	n.mu.Lock()
	res := n.result
	n.state = NodeTerminating
	n.mu.Unlock()
	n.notifier.Publish(n.cfg.Name, NodeTerminating)

	if res == nil {
		n.setState(NodeTerminated)
		return
	}

	termTimeout := time.Duration(n.cfg.TerminateTimeout) * time.Millisecond
	if termTimeout <= 0 {
		termTimeout = 2 * time.Second
	}

	_ = res.Terminate(false)
	select {
	case <-res.Done():
	case <-time.After(termTimeout):
		n.log.Warn("graceful terminate timed out, killing")
		_ = res.Terminate(true)
		<-res.Done()
	case <-ctx.Done():
		_ = res.Terminate(true)
	}
}

// NotifyReaped satisfies the Node interface PIDMap expects; ProcessNode
// itself is never registered directly (LaunchResult is), so this is a no-op
// that only lets ProcessNode be held behind the same Node interface.
func (n *ProcessNode) NotifyReaped(status int32) {}

func (n *ProcessNode) setState(s NodeState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

func (n *ProcessNode) notifyLocked(s NodeState) {
	n.notifier.Publish(n.cfg.Name, s)
}

// State returns the node's current state (diagnostics/testing).
func (n *ProcessNode) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Attempt returns the number of start attempts made so far over the node's
// lifetime; the counter is not reset between rounds.
func (n *ProcessNode) Attempt() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempt
}
