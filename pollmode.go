package aio

import (
	"time"
)

// pollInitialNs is the first busy polling window, once polling starts to
// pay off.
const pollInitialNs = 4000

// pollState is the adaptive busy polling window. Only accessed by the
// dispatcher.
type pollState struct {
	ns     int64
	maxNs  int64
	grow   int64
	shrink int64
}

// tryPollMode busy polls the handlers' poll callbacks, for up to the
// current window (bounded by timeout), returning true if any became ready,
// in which case the wait must not block. Polling only happens if every
// handler supports it.
func (l *Loop) tryPollMode(ready []*handler, s *pollScratch, timeout *time.Duration) ([]*handler, bool) {
	if l.pollMode.maxNs == 0 {
		return ready, false
	}
	window := time.Duration(l.pollMode.ns)
	if *timeout >= 0 && *timeout < window {
		window = *timeout
	}
	if window <= 0 {
		return ready, false
	}

	nodes, ok := l.registry.pollable(s.nodes[:0], l.externalDisabled())
	defer func() {
		clear(nodes)
		s.nodes = nodes[:0]
	}()
	if !ok {
		return ready, false
	}

	deadline := time.Now().Add(window)
	for {
		var found bool
		for _, h := range nodes {
			if h.deleted.Load() || !l.pollOnce(h) {
				continue
			}
			h.revents.Store(uint32(EventRead))
			ready = append(ready, h)
			found = true
		}
		if found {
			*timeout = 0
			return ready, true
		}
		if !time.Now().Before(deadline) {
			return ready, false
		}
	}
}

func (l *Loop) pollOnce(h *handler) (ready bool) {
	l.safeCall(logComponentLoop, func() { ready = h.poll() })
	return ready
}

// adjustPollTime adapts the polling window to the time a cycle spent
// waiting.
func (l *Loop) adjustPollTime(blocked time.Duration) {
	p := &l.pollMode
	if p.maxNs == 0 {
		return
	}
	ns := int64(blocked)
	switch {
	case ns <= p.ns:
		// polling would have caught it
	case ns > p.maxNs:
		if p.shrink != 0 {
			p.ns /= p.shrink
		} else {
			p.ns = 0
		}
	case p.ns < p.maxNs:
		grow := p.grow
		if grow == 0 {
			grow = 2
		}
		if p.ns != 0 {
			p.ns *= grow
		} else {
			p.ns = pollInitialNs
		}
		if p.ns > p.maxNs {
			p.ns = p.maxNs
		}
	}
	l.pollWindow.Store(p.ns)
}

// PollWindow returns the current adaptive busy polling window.
func (l *Loop) PollWindow() time.Duration {
	return time.Duration(l.pollWindow.Load())
}
