//go:build linux

package health

import (
	"os"

	"golang.org/x/sys/unix"
)

// Linux watchdog ioctl constants (linux/watchdog.h). x/sys/unix doesn't
// wrap these (they're device-specific, not general syscalls), so the magic
// numbers are reproduced directly, same as WatchdogImpl.cpp does against
// the kernel header.
const (
	wdiocKeepalive = 0x80045705
)

// LinuxDevice drives /dev/watchdog via its keepalive ioctl.
type LinuxDevice struct {
	path string
	f    *os.File
}

// NewLinuxDevice returns a Device for the watchdog character device at
// path (typically "/dev/watchdog").
func NewLinuxDevice(path string) *LinuxDevice {
	return &LinuxDevice{path: path}
}

func (d *LinuxDevice) Open() error {
	f, err := os.OpenFile(d.path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	d.f = f
	return nil
}

func (d *LinuxDevice) Kick() error {
	if d.f == nil {
		return os.ErrClosed
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), wdiocKeepalive, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *LinuxDevice) Close() error {
	if d.f == nil {
		return nil
	}
	// Writing "V" before close requests a clean disarm rather than letting
	// the kernel's magic-close policy decide whether to leave it running.
	_, _ = d.f.WriteString("V")
	err := d.f.Close()
	d.f = nil
	return err
}
