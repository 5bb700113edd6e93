//go:build linux

package lcm

import (
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// schedPriorityBounds returns the valid priority range for a scheduling
// policy, mirroring sched_get_priority_min/max(2).
func schedPriorityBounds(policy int) (int, int) {
	min, err := unix.SchedGetPriorityMin(policy)
	if err != nil {
		min = 1
	}
	max, err := unix.SchedGetPriorityMax(policy)
	if err != nil {
		max = 99
	}
	return min, max
}

// schedParam mirrors the kernel's struct sched_param (a single int field);
// x/sys/unix doesn't expose sched_setscheduler(2) directly (unlike
// SchedGetPriorityMin/Max and SchedSetaffinity), so this is a thin raw
// syscall, in the same spirit as process.go's direct use of
// syscall.SysProcAttr fields for things os/exec doesn't wrap either.
type schedParam struct {
	priority int32
}

func schedSetScheduler(pid, policy, priority int) error {
	param := schedParam{priority: int32(priority)}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER,
		uintptr(pid), uintptr(policy), uintptr(unsafe.Pointer(&param)))
	if errno != 0 {
		return errno
	}
	return nil
}

// applyRlimits sets the resource limits configured for a process, skipping
// any field left at its zero value (meaning "inherit the daemon's own
// limit", per spec.md §3.2).
func applyRlimits(pid int32, lim ResourceLimits, log *zap.Logger) {
	set := func(name string, resource int, cur, max uint64) {
		if cur == 0 {
			return
		}
		rl := unix.Rlimit{Cur: cur, Max: max}
		if err := unix.Prlimit(int(pid), resource, &rl, nil); err != nil {
			log.Warn("setrlimit failed", zap.String("limit", name), zap.Error(err))
		}
	}
	set("AS", unix.RLIMIT_AS, lim.AddressSpace, lim.AddressSpace)
	set("STACK", unix.RLIMIT_STACK, lim.Stack, lim.Stack)
	set("CPU", unix.RLIMIT_CPU, lim.CPUTime, lim.CPUTime)
	set("DATA", unix.RLIMIT_DATA, lim.Data, lim.Data)
}
