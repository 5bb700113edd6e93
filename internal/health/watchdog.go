package health

import (
	"errors"
	"sync"
)

// WatchdogState is the hardware watchdog's own small state machine
// (SPEC_FULL.md §C.5): closed -> armed -> fired. Once fired, the only way
// out is a process restart (a new Watchdog instance) — there is no
// software reset from fired, matching a real watchdog device that, once it
// has decided to bite, requires the reboot it is about to cause.
type WatchdogState int32

const (
	WatchdogClosed WatchdogState = iota
	WatchdogArmed
	WatchdogFired
)

func (s WatchdogState) String() string {
	switch s {
	case WatchdogClosed:
		return "closed"
	case WatchdogArmed:
		return "armed"
	case WatchdogFired:
		return "fired"
	default:
		return "unknown"
	}
}

// ErrWatchdogFired is returned by Kick/Close once the watchdog has fired.
var ErrWatchdogFired = errors.New("watchdog: already fired, device requires reboot")

// Device is the hardware/OS-level watchdog interface a Watchdog drives.
// Grounded on original_source/.../WatchdogImpl.cpp's thin ioctl wrapper;
// other_examples' launchlib RSSWatchdog shows the same
// open/kick/close-as-an-interface split for a software analog.
type Device interface {
	Open() error
	Kick() error
	Close() error
}

// Watchdog wraps a Device with the closed/armed/fired state machine
// (component C12's kick target).
type Watchdog struct {
	mu     sync.Mutex
	state  WatchdogState
	device Device
}

// NewWatchdog constructs a closed Watchdog over device.
func NewWatchdog(device Device) *Watchdog {
	return &Watchdog{device: device}
}

// Arm opens the underlying device and transitions closed -> armed. Calling
// Arm twice is a no-op.
func (w *Watchdog) Arm() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WatchdogClosed {
		return nil
	}
	if err := w.device.Open(); err != nil {
		return err
	}
	w.state = WatchdogArmed
	return nil
}

// Kick pets the watchdog. If the device reports an error, the watchdog
// transitions to fired and every subsequent Kick/Close fails until the
// process restarts.
func (w *Watchdog) Kick() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case WatchdogFired:
		return ErrWatchdogFired
	case WatchdogClosed:
		return errors.New("watchdog: not armed")
	}
	if err := w.device.Kick(); err != nil {
		w.state = WatchdogFired
		return err
	}
	return nil
}

// Close gracefully closes the device, leaving the watchdog closed. If the
// watchdog has already fired, Close returns ErrWatchdogFired without touching
// the device.
func (w *Watchdog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == WatchdogFired {
		return ErrWatchdogFired
	}
	err := w.device.Close()
	w.state = WatchdogClosed
	return err
}

// State returns the watchdog's current state.
func (w *Watchdog) State() WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}
