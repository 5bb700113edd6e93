package health

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Supervisor is the health monitor supervisor (component C12): it runs a
// fixed-period cycle that sweeps the heartbeat monitor, kicks the
// watchdog, and emits a recovery request for every tag whose heartbeat has
// expired. Only heartbeat expiry triggers recovery: an attached
// DeadlineMonitor is not consulted by the cycle, and logic-monitor
// rejections are only logged. It also times its own cycle and flags
// overruns (SPEC_FULL.md §C.4, grounded on original_source/.../CycleTimer.cpp
// and CycleTimeValidator.cpp): a sweep that takes longer than the fixed
// overrun budget (overrunWarn, 400ms, independent of the cycle period) is
// logged and skips that cycle's watchdog kick.
type Supervisor struct {
	log *zap.Logger

	cyclePeriod time.Duration
	overrunWarn time.Duration

	deadline  *DeadlineMonitor
	logic     *LogicMonitor
	heartbeat *HeartbeatMonitor
	watchdog  *Watchdog

	onRecoveryRequest func(tag string, reason string)
	suppressRecovery  bool // set by the signal handler path, SPEC_FULL.md §C.3
}

// Builder assembles a Supervisor (spec.md §4.12 calls for a builder
// pattern where the teacher's process manager used a flat constructor;
// generalized here because a Supervisor has more optional parts — a
// watchdog is not always present on every target — than the teacher's
// NewProcessManager2 needed to express).
type Builder struct {
	s *Supervisor
}

// NewBuilder starts a Builder with required defaults.
func NewBuilder(log *zap.Logger) *Builder {
	return &Builder{s: &Supervisor{
		log:         log.Named("health-supervisor"),
		cyclePeriod: 500 * time.Millisecond,
		overrunWarn: 400 * time.Millisecond,
		logic:       NewLogicMonitor(),
		heartbeat:   NewHeartbeatMonitor(),
	}}
}

// WithCyclePeriod overrides the default 500ms cycle.
func (b *Builder) WithCyclePeriod(d time.Duration) *Builder {
	b.s.cyclePeriod = d
	return b
}

// WithDeadlineMonitor attaches a DeadlineMonitor.
func (b *Builder) WithDeadlineMonitor(d *DeadlineMonitor) *Builder {
	b.s.deadline = d
	return b
}

// WithWatchdog attaches a hardware watchdog to kick each cycle.
func (b *Builder) WithWatchdog(w *Watchdog) *Builder {
	b.s.watchdog = w
	return b
}

// WithRecoveryHandler sets the callback invoked when a monitor reports a
// breach that should trigger process-group recovery (spec.md §4.12: the
// supervisor "requests recovery of the affected group" rather than acting
// on the process tree directly).
func (b *Builder) WithRecoveryHandler(fn func(tag string, reason string)) *Builder {
	b.s.onRecoveryRequest = fn
	return b
}

// Build returns the assembled Supervisor.
func (b *Builder) Build() *Supervisor {
	return b.s
}

// Logic returns the supervisor's LogicMonitor, for wiring node state
// transitions into it.
func (s *Supervisor) Logic() *LogicMonitor { return s.logic }

// Heartbeat returns the supervisor's HeartbeatMonitor.
func (s *Supervisor) Heartbeat() *HeartbeatMonitor { return s.heartbeat }

// SuppressRecovery toggles recovery-request emission, used by the daemon's
// signal handler (SPEC_FULL.md §C.3): during a requested graceful shutdown,
// the health monitor must not fight the shutdown by requesting restarts for
// processes the group manager is deliberately stopping.
func (s *Supervisor) SuppressRecovery(suppress bool) {
	s.suppressRecovery = suppress
}

// Run executes the supervisor's cycle loop until ctx is cancelled. If a
// watchdog is attached, it is armed on entry and kicked once per on-time
// cycle; a cycle overrun skips that cycle's kick, since a supervisor too
// slow to finish its own sweep is exactly the condition the watchdog exists
// to catch.
func (s *Supervisor) Run(ctx context.Context) {
	if s.watchdog != nil {
		if err := s.watchdog.Arm(); err != nil {
			s.log.Error("watchdog arm failed", zap.Error(err))
		}
	}

	ticker := time.NewTicker(s.cyclePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.watchdog != nil {
				_ = s.watchdog.Close()
			}
			return
		case <-ticker.C:
			s.runCycle()
		}
	}
}

func (s *Supervisor) runCycle() {
	start := time.Now()

	for _, tag := range s.heartbeat.Sweep() {
		s.logic.Fail(tag)
		s.requestRecovery(tag, "heartbeat_timeout")
	}

	elapsed := time.Since(start)
	if elapsed > s.overrunWarn {
		s.log.Warn("supervisor cycle overrun", zap.Duration("elapsed", elapsed), zap.Duration("budget", s.overrunWarn))
		return
	}

	if s.watchdog != nil {
		if err := s.watchdog.Kick(); err != nil {
			s.log.Error("watchdog kick failed", zap.Error(err))
		}
	}
}

func (s *Supervisor) requestRecovery(tag, reason string) {
	if s.suppressRecovery || s.onRecoveryRequest == nil {
		return
	}
	s.onRecoveryRequest(tag, reason)
}

// NotifyNodeState feeds a process-node state transition into the logic
// monitor, keyed by the process's Identifier-derived tag. Wired from
// internal/lcm's StateNotifier (SPEC_FULL.md §C.2).
func (s *Supervisor) NotifyNodeState(tag, state string) {
	if err := s.logic.Transition(tag, state); err != nil {
		s.log.Debug("logic monitor rejected transition", zap.String("tag", tag), zap.Error(err))
	}
}
