//go:build linux

package ioctl

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Do issues req on fd with arg, restarting on EINTR.
func Do(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}
