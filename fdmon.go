package aio

import (
	"errors"
	"time"
)

// errEpollUnsupported is returned by newEpollMonitor where epoll is not
// available.
var errEpollUnsupported = errors.New("aio: epoll is not supported on this platform")

// fdMonitor is a readiness backend.
type fdMonitor interface {
	name() string

	// update applies a registration change, old and/or new may be nil.
	// Called with the registry lock held.
	update(old, new *handler) error

	// wait blocks for up to timeout (negative means indefinitely, zero
	// means don't block), storing the ready conditions on each handler's
	// revents, and appending them to ready.
	// It never invokes callbacks.
	wait(ready []*handler, timeout time.Duration) ([]*handler, error)

	// close releases any resources. Called by the dispatcher, once the
	// monitor is no longer in use.
	close() error
}

// maybeUpgradeLocked switches to epoll once the number of live handlers
// reaches the threshold. Failing to create the epoll set is treated as the
// capability being absent, and is not retried.
func (r *handlerRegistry) maybeUpgradeLocked(l *Loop) {
	if r.epollDisabled || r.monitor.name() != backendPoll {
		return
	}
	switch l.opts.backend {
	case BackendPoll:
		return
	case BackendAuto:
		if len(r.live) < l.opts.epollThreshold {
			return
		}
	}

	m, err := newEpollMonitor(l)
	if err == nil {
		for _, h := range r.list {
			if h.deleted.Load() {
				continue
			}
			if err = m.update(nil, h); err != nil {
				_ = m.close()
				break
			}
		}
	}
	if err != nil {
		r.epollDisabled = true
		if !errors.Is(err, errEpollUnsupported) {
			l.logger.Warning().
				Str("component", logComponentBackend).
				Err(err).
				Log("aio: epoll unavailable, continuing with poll")
		}
		return
	}

	r.retired = append(r.retired, r.monitor)
	r.monitor = m
	l.logger.Debug().
		Str("component", logComponentBackend).
		Int("handlers", len(r.live)).
		Log("aio: switched to epoll")
}

// degradeLocked handles a failed incremental update, switching back to the
// base backend for the remainder of the loop's life. The previous monitor is
// closed by the dispatcher, as it may be in use by a concurrent wait.
func (r *handlerRegistry) degradeLocked(l *Loop, err error) {
	name := r.monitor.name()
	if name == backendPoll || name == backendWait {
		// the base backends don't fail updates, but don't retry either way
		l.logger.Warning().
			Str("component", logComponentBackend).
			Str("backend", name).
			Err(err).
			Log("aio: backend update failed")
		return
	}
	r.epollDisabled = true
	r.retired = append(r.retired, r.monitor)
	r.monitor = newBaseMonitor(l)
	if l.metrics != nil {
		l.metrics.EpollFallbacks.Add(1)
	}
	l.logger.Warning().
		Str("component", logComponentBackend).
		Str("backend", name).
		Err(err).
		Log("aio: backend update failed, falling back to poll")
}

// backendName returns the name of the active backend.
func (l *Loop) backendName() string {
	l.registry.mu.Lock()
	defer l.registry.mu.Unlock()
	return l.registry.monitor.name()
}

const (
	backendPoll  = "poll"
	backendEpoll = "epoll"
	backendWait  = "wait"
)

// timeoutMillis converts a timeout to milliseconds, rounding up, so that a
// timer is never run early. Negative means indefinitely.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := (timeout + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		return 1<<31 - 1
	}
	return int(ms)
}
