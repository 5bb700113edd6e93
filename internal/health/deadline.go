// Package health implements the health-monitoring subsystem: per-tag
// deadline, logic, and heartbeat monitors feeding a supervisor that kicks a
// hardware watchdog (components C9-C12).
package health

import (
	"fmt"
	"sync"
	"time"
)

// Handle identifies one open deadline interval, returned by Start and
// required by Stop — spec.md §4.9's "handle-based start/stop" so a tag can
// have multiple concurrently-open intervals without them being confused.
type Handle uint64

// DeadlineMonitor tracks, per tag, that a Stop for a previously Start'd
// interval arrives within [MinMS, MaxMS] of the Start, both bounds
// inclusive (component C9, spec.md §4.9).
//
// Grounded on original_source/.../deadline_monitor.cpp: a tag-keyed table
// of open intervals plus min/max bounds, generalized to Go with a
// monotonic time.Time per interval instead of a raw timestamp counter.
type DeadlineMonitor struct {
	mu      sync.Mutex
	bounds  map[string]Bounds
	open    map[Handle]openInterval
	nextID  Handle
	onBreach func(tag string, reason BreachReason)
}

// Bounds is a tag's configured [min, max] interval in milliseconds.
type Bounds struct {
	MinMS int64
	MaxMS int64
}

type openInterval struct {
	tag     string
	startAt time.Time
}

// BreachReason distinguishes the two ways a deadline can be violated.
type BreachReason int

const (
	BreachTooEarly BreachReason = iota
	BreachTooLate
)

func (r BreachReason) String() string {
	if r == BreachTooEarly {
		return "too_early"
	}
	return "too_late"
}

// NewDeadlineMonitor returns an empty DeadlineMonitor. onBreach is invoked
// (synchronously, on the calling goroutine) whenever Stop observes an
// interval outside its configured bounds; it must not block.
func NewDeadlineMonitor(onBreach func(tag string, reason BreachReason)) *DeadlineMonitor {
	return &DeadlineMonitor{
		bounds: make(map[string]Bounds),
		open:   make(map[Handle]openInterval),
		onBreach: onBreach,
	}
}

// Configure sets tag's bounds. Must be called before any Start/Stop for
// that tag; configuration is fixed at boot per spec.md §3.
func (d *DeadlineMonitor) Configure(tag string, b Bounds) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bounds[tag] = b
}

// Start opens a new interval for tag and returns its Handle.
func (d *DeadlineMonitor) Start(tag string) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	h := d.nextID
	d.open[h] = openInterval{tag: tag, startAt: time.Now()}
	return h
}

// Stop closes the interval identified by h, checking it against tag's
// configured bounds and invoking onBreach if violated. Returns an error if
// h is unknown (already stopped, or never started).
func (d *DeadlineMonitor) Stop(h Handle) error {
	d.mu.Lock()
	iv, ok := d.open[h]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("health: unknown deadline handle %d", h)
	}
	delete(d.open, h)
	bounds, hasBounds := d.bounds[iv.tag]
	d.mu.Unlock()

	if !hasBounds {
		return nil
	}
	elapsed := time.Since(iv.startAt).Milliseconds()
	if elapsed < bounds.MinMS {
		if d.onBreach != nil {
			d.onBreach(iv.tag, BreachTooEarly)
		}
	} else if bounds.MaxMS > 0 && elapsed > bounds.MaxMS {
		if d.onBreach != nil {
			d.onBreach(iv.tag, BreachTooLate)
		}
	}
	return nil
}

// OpenCount returns the number of currently open intervals (diagnostics).
func (d *DeadlineMonitor) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}
