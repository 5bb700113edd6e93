//go:build linux

package lcm

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Reaper is the OS reaper thread (component C4): a single goroutine blocked
// in wait4(-1, ...), collecting the exit status of any child regardless of
// which graph it belongs to, and handing it to the PIDMap.
//
// Grounded on process.go's Wait()/supervise(), generalized from "wait on my
// one child" to "wait on any child" per spec.md §4.4: a single reaper
// thread, not one per process, since wait4(-1,...) already multiplexes
// across the whole process tree and spawning N blocking waiters would just
// race on the same signal.
type Reaper struct {
	log    *zap.Logger
	pidMap *PIDMap

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewReaper constructs a Reaper bound to pidMap.
func NewReaper(log *zap.Logger, pidMap *PIDMap) *Reaper {
	return &Reaper{
		log:    log.Named("reaper"),
		pidMap: pidMap,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the reaper goroutine.
func (r *Reaper) Start() {
	go r.loop()
}

// Stop requests the reaper goroutine exit and waits for it to do so.
// wait4 is interrupted by reaping a sentinel "stop" child is not available
// without a real pid, so shutdown instead relies on the daemon having
// already reaped every real child; the loop notices the stop request on its
// next wakeup (ECHILD, or a real exit) and returns.
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Reaper) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		var ws unix.WaitStatus
		var ru unix.Rusage
		pid, err := unix.Wait4(-1, &ws, 0, &ru)
		switch err {
		case nil:
			r.handleExit(int32(pid), &ws)
		case unix.ECHILD:
			// No children currently exist to wait on. Rather than spin,
			// park briefly; a new child registers before this reaper needs
			// to see it again because the launcher always calls
			// RegisterIfNotReaped before the child can exit on any
			// reasonably slow fork+exec path, and if it races, the
			// AlreadyReaped/ReportInserted dance in PIDMap makes the
			// ordering irrelevant.
			select {
			case <-r.stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		case unix.EINTR:
			continue
		default:
			r.log.Error("wait4 failed", zap.Error(err))
			select {
			case <-r.stop:
				return
			default:
			}
			continue
		}
	}
}

func (r *Reaper) handleExit(pid int32, ws *unix.WaitStatus) {
	status := encodeWaitStatus(ws)
	log := r.log.With(zap.Int32("pid", pid), zap.Int32("status", status))

	result, node, err := r.pidMap.ReportReaped(pid, status)
	if err != nil {
		log.Error("pidmap anomaly on reap", zap.Error(err))
		return
	}
	switch result {
	case Consumed:
		log.Debug("reaped, notifying owning node")
		node.NotifyReaped(status)
	case ReportInserted:
		log.Debug("reaped before launcher registration; status recorded")
	case ReportFull:
		log.Error("pidmap at capacity, dropping reaped status")
	}
}

// encodeWaitStatus packs a WaitStatus into the int32 status word the rest
// of the package treats as opaque (spec.md §4.1 passes "the raw wait(2)
// status" through unexamined until the node's do_work interprets it).
func encodeWaitStatus(ws *unix.WaitStatus) int32 {
	return int32(*ws)
}
