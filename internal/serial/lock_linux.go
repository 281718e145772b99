//go:build linux

package serial

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// lockDevice takes a non-blocking flock(2) on the device node and returns the
// matching unlock. Nodes that cannot be opened are left for the driver to
// report; only a held lock is an error.
func lockDevice(name string) (func(), error) {
	fd, err := unix.Open(name, unix.O_RDONLY|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return func() {}, nil
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: locked by another process", ErrBusy)
		}
		return nil, fmt.Errorf("flock %s: %w", name, err)
	}
	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = unix.Close(fd)
	}, nil
}
