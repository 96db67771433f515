//go:build unix

package aio

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// pollMonitor waits using poll(2), rebuilding the descriptor array from the
// registry on every wait. The arrays are reused across waits; a monitor is
// only ever waited on by the dispatcher.
type pollMonitor struct {
	loop  *Loop
	pfds  []unix.PollFd
	nodes []*handler
}

func newBaseMonitor(l *Loop) fdMonitor {
	return &pollMonitor{loop: l}
}

func (m *pollMonitor) name() string { return backendPoll }

func (m *pollMonitor) update(old, new *handler) error { return nil }

func (m *pollMonitor) close() error { return nil }

func (m *pollMonitor) wait(ready []*handler, timeout time.Duration) ([]*handler, error) {
	nodes := m.loop.registry.snapshot(m.nodes[:0], m.loop.externalDisabled())
	pfds := m.pfds[:0]
	for _, h := range nodes {
		pfds = append(pfds, unix.PollFd{Fd: int32(h.fd), Events: toPollEvents(h.events)})
	}
	defer func() {
		clear(nodes)
		m.nodes = nodes[:0]
		m.pfds = pfds[:0]
	}()

	n, err := unix.Poll(pfds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ready, nil
		}
		return ready, err
	}
	for i := 0; n > 0 && i < len(pfds); i++ {
		if pfds[i].Revents == 0 {
			continue
		}
		n--
		h := nodes[i]
		h.revents.Store(uint32(fromPollEvents(pfds[i].Revents)))
		ready = append(ready, h)
	}
	return ready, nil
}

func toPollEvents(events IOEvents) int16 {
	var v int16
	if events&EventRead != 0 {
		v |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		v |= unix.POLLOUT
	}
	return v
}

func fromPollEvents(revents int16) IOEvents {
	var v IOEvents
	if revents&(unix.POLLIN|unix.POLLPRI) != 0 {
		v |= EventRead
	}
	if revents&unix.POLLOUT != 0 {
		v |= EventWrite
	}
	if revents&unix.POLLHUP != 0 {
		v |= EventHangup
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		v |= EventError
	}
	return v
}
