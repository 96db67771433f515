//go:build linux

package aio

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// EventNotifier is a level-triggered, cross-thread signal, backed by an
// eventfd. It is readable (see FD) while set.
type EventNotifier struct {
	fd int
}

// NewEventNotifier creates a notifier, initially set if active is true.
func NewEventNotifier(active bool) (*EventNotifier, error) {
	var initval uint
	if active {
		initval = 1
	}
	fd, err := unix.Eventfd(initval, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &EventNotifier{fd: fd}, nil
}

// FD returns the descriptor to watch for readability, e.g. via
// Loop.SetFDHandler.
func (n *EventNotifier) FD() int { return n.fd }

// Set signals the notifier. Safe to call from any goroutine.
func (n *EventNotifier) Set() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(n.fd, buf[:])
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			// counter saturated, which means it is already set
			return nil
		default:
			return err
		}
	}
}

// TestAndClear clears the notifier, reporting whether it was set.
func (n *EventNotifier) TestAndClear() bool {
	var buf [8]byte
	for {
		_, err := unix.Read(n.fd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err == nil
	}
}

// Close releases the underlying descriptor.
func (n *EventNotifier) Close() error {
	return unix.Close(n.fd)
}
