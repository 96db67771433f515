//go:build unix && !linux

package aio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// EventNotifier is a level-triggered, cross-thread signal, backed by a
// non-blocking self-pipe. It is readable (see FD) while set.
type EventNotifier struct {
	rfd int
	wfd int
}

// NewEventNotifier creates a notifier, initially set if active is true.
func NewEventNotifier(active bool) (*EventNotifier, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	cleanup := func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			cleanup()
			return nil, err
		}
	}
	n := &EventNotifier{rfd: fds[0], wfd: fds[1]}
	if active {
		if err := n.Set(); err != nil {
			cleanup()
			return nil, err
		}
	}
	return n, nil
}

// FD returns the descriptor to watch for readability, e.g. via
// Loop.SetFDHandler.
func (n *EventNotifier) FD() int { return n.rfd }

// Set signals the notifier. Safe to call from any goroutine.
func (n *EventNotifier) Set() error {
	buf := [1]byte{1}
	for {
		_, err := unix.Write(n.wfd, buf[:])
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			// pipe full, which means it is already set
			return nil
		default:
			return err
		}
	}
}

// TestAndClear drains the pipe, reporting whether it was set.
func (n *EventNotifier) TestAndClear() bool {
	var (
		buf     [512]byte
		cleared bool
	)
	for {
		c, err := unix.Read(n.rfd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || c <= 0 {
			return cleared
		}
		cleared = true
	}
}

// Close releases both ends of the pipe.
func (n *EventNotifier) Close() error {
	return errors.Join(unix.Close(n.rfd), unix.Close(n.wfd))
}
