//go:build linux

package aio

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// epollMonitor maintains a kernel readiness set, incrementally updated on
// every registration change.
type epollMonitor struct {
	loop     *Loop
	fallback *pollMonitor
	events   [128]unix.EpollEvent
	epfd     int
}

func newEpollMonitor(l *Loop) (*epollMonitor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollMonitor{
		loop:     l,
		epfd:     epfd,
		fallback: &pollMonitor{loop: l},
	}, nil
}

func (m *epollMonitor) name() string { return backendEpoll }

func (m *epollMonitor) update(old, new *handler) error {
	switch {
	case new == nil:
		err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, old.fd, nil)
		if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
			// closed before being removed, which also removes it from the set
			err = nil
		}
		return err
	case old == nil:
		return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, new.fd, toEpollEvent(new))
	default:
		err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, new.fd, toEpollEvent(new))
		if errors.Is(err, unix.ENOENT) {
			err = unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, new.fd, toEpollEvent(new))
		}
		return err
	}
}

func (m *epollMonitor) close() error {
	return unix.Close(m.epfd)
}

func (m *epollMonitor) wait(ready []*handler, timeout time.Duration) ([]*handler, error) {
	if m.loop.externalDisabled() {
		// the set can't exclude external handlers
		return m.fallback.wait(ready, timeout)
	}

	n, err := unix.EpollWait(m.epfd, m.events[:], timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ready, nil
		}
		return ready, err
	}

	r := &m.loop.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range n {
		ev := &m.events[i]
		h := r.live[int(ev.Fd)]
		if h == nil {
			continue
		}
		h.revents.Store(uint32(fromEpollEvents(ev.Events)))
		ready = append(ready, h)
	}
	return ready, nil
}

func toEpollEvent(h *handler) *unix.EpollEvent {
	var events uint32
	if h.events&EventRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLERR
	}
	if h.events&EventWrite != 0 {
		events |= unix.EPOLLOUT | unix.EPOLLERR
	}
	return &unix.EpollEvent{Events: events, Fd: int32(h.fd)}
}

func fromEpollEvents(events uint32) IOEvents {
	var v IOEvents
	if events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		v |= EventRead
	}
	if events&unix.EPOLLOUT != 0 {
		v |= EventWrite
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		v |= EventHangup
	}
	if events&unix.EPOLLERR != 0 {
		v |= EventError
	}
	return v
}
