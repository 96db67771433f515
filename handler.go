package aio

import (
	"sync"
	"sync/atomic"
)

// IOEvents is a set of readiness conditions.
type IOEvents uint32

const (
	// EventRead indicates the source is readable.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the source is writable.
	EventWrite
	// EventError indicates an error condition.
	EventError
	// EventHangup indicates the peer hung up.
	EventHangup
)

const (
	readEvents  = EventRead | EventHangup | EventError
	writeEvents = EventWrite | EventError
)

type (
	// IOHandler is invoked by the dispatching goroutine when a watched source
	// becomes ready.
	IOHandler func()

	// IOPollHandler is used by adaptive polling, and must report whether the
	// source is ready, without blocking. See WithPollParams.
	IOPollHandler func() bool

	// EventNotifierHandler is invoked when an EventNotifier is set.
	EventNotifierHandler func(n *EventNotifier)

	// EventNotifierPoll is the EventNotifier equivalent of IOPollHandler.
	EventNotifierPoll func(n *EventNotifier) bool
)

// handler is a registered source. Apart from deleted and revents, a handler
// is immutable once inserted; registering the same key again replaces it.
type handler struct {
	read     IOHandler
	write    IOHandler
	poll     IOPollHandler
	fd       int
	events   IOEvents
	revents  atomic.Uint32
	deleted  atomic.Bool
	external bool
	// internal marks the loop's own notifier, which never counts as progress
	internal bool
}

// handlerRegistry is the set of watched sources of a Loop. It may be
// mutated from any goroutine. While it is being walked, removed entries are
// only tombstoned, then unlinked once the walking depth returns to zero.
type handlerRegistry struct {
	mu         sync.Mutex
	live       map[int]*handler
	list       []*handler
	monitor    fdMonitor
	retired    []fdMonitor
	walking    int
	tombstones int
	// epollDisabled is set after an epoll failure, and is never cleared
	epollDisabled bool
}

// SetFDHandler registers, updates or removes (all callbacks nil) the
// handler for fd. On Windows fd is a waitable handle, for which only read is
// meaningful.
//
// The external flag marks handlers belonging to clients which are gated by
// DisableExternal. The poll callback is optional, see WithPollParams.
// Removing an unknown fd is a no-op.
func (l *Loop) SetFDHandler(fd int, external bool, read, write IOHandler, poll IOPollHandler) {
	var node *handler
	if read != nil || write != nil || poll != nil {
		node = &handler{
			fd:       fd,
			read:     read,
			write:    write,
			poll:     poll,
			external: external,
		}
		if read != nil {
			node.events |= readEvents
		}
		if write != nil {
			node.events |= writeEvents
		}
	}
	l.registry.set(l, fd, node)
	l.Notify()
}

// SetEventNotifier registers, updates or removes (onSignal nil) a handler
// for the notifier. The callbacks receive the notifier, and are responsible
// for clearing it.
func (l *Loop) SetEventNotifier(n *EventNotifier, external bool, onSignal EventNotifierHandler, poll EventNotifierPoll) {
	var (
		read IOHandler
		p    IOPollHandler
	)
	if onSignal != nil {
		read = func() { onSignal(n) }
	}
	if poll != nil {
		p = func() bool { return poll(n) }
	}
	if read == nil {
		// a poll callback alone is not a registration
		p = nil
	}
	l.SetFDHandler(n.FD(), external, read, nil, p)
}

// set replaces the live handler for fd with node, or removes it if node is
// nil.
func (r *handlerRegistry) set(l *Loop, fd int, node *handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.live[fd]
	if old == nil && node == nil {
		return
	}

	if old != nil {
		r.removeLocked(old)
	}
	if node != nil {
		r.list = append(r.list, node)
		r.live[fd] = node
	}

	if err := r.monitor.update(old, node); err != nil {
		r.degradeLocked(l, err)
	} else if node != nil && old == nil {
		r.maybeUpgradeLocked(l)
	}
}

// removeLocked tombstones or unlinks h, which must be live.
func (r *handlerRegistry) removeLocked(h *handler) {
	delete(r.live, h.fd)
	h.deleted.Store(true)
	h.revents.Store(0)
	if r.walking > 0 {
		r.tombstones++
		return
	}
	for i, v := range r.list {
		if v == h {
			copy(r.list[i:], r.list[i+1:])
			r.list[len(r.list)-1] = nil
			r.list = r.list[:len(r.list)-1]
			break
		}
	}
}

// enter starts a walk, returning the monitor to wait with. Monitors retired
// since the last walk are closed.
func (r *handlerRegistry) enter(l *Loop) fdMonitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.walking++
	for i, m := range r.retired {
		if err := m.close(); err != nil {
			l.logger.Warning().
				Str("component", logComponentBackend).
				Str("backend", m.name()).
				Err(err).
				Log("aio: failed to close retired backend")
		}
		r.retired[i] = nil
	}
	r.retired = r.retired[:0]
	return r.monitor
}

// leave ends a walk, unlinking tombstones once no walk remains.
func (r *handlerRegistry) leave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.walking--
	if r.walking != 0 || r.tombstones == 0 {
		return
	}
	list := r.list[:0]
	for _, h := range r.list {
		if !h.deleted.Load() {
			list = append(list, h)
		}
	}
	clear(r.list[len(list):])
	r.list = list
	r.tombstones = 0
}

// snapshot appends the handlers that should be waited on to dst.
func (r *handlerRegistry) snapshot(dst []*handler, externalDisabled bool) []*handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.list {
		if h.deleted.Load() || (externalDisabled && h.external) || h.events == 0 {
			continue
		}
		dst = append(dst, h)
	}
	return dst
}

// lookup returns the live handler for fd, if any.
func (r *handlerRegistry) lookup(fd int) *handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[fd]
}

// liveCount returns the number of live handlers.
func (r *handlerRegistry) liveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// pollable reports whether every live handler supports adaptive polling,
// appending them to dst.
func (r *handlerRegistry) pollable(dst []*handler, externalDisabled bool) ([]*handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.list {
		if h.deleted.Load() || (externalDisabled && h.external) {
			continue
		}
		if h.poll == nil {
			return dst, false
		}
		dst = append(dst, h)
	}
	return dst, len(dst) != 0
}

// walkDepth returns the current walking depth.
func (r *handlerRegistry) walkDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.walking
}

// size returns the number of linked handlers, including tombstones.
func (r *handlerRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}
