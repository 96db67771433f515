package aio

import (
	"time"
)

// Poll runs one cycle of the loop: it waits for registered sources to become
// ready (only if blocking, and for no longer than the nearest timer), then
// dispatches their callbacks, followed by scheduled bottom halves (drained
// until quiescent) and expired timers.
//
// Returns true if any callback other than the loop's own wake-up ran.
// Blocking with nothing registered, scheduled or armed blocks until Notify.
//
// Poll may be called from any goroutine, but only one dispatches at a time.
// A callback may call Poll recursively, e.g. to wait for a completion. If the
// caller holds the ownership lock (see Acquire), it is released while
// blocked.
func (l *Loop) Poll(blocking bool) (progress bool) {
	if !l.dispatchMu.TryLock() {
		// lock order is dispatchMu then ownerMu
		held := l.ownerMu.unlockAll()
		l.dispatchMu.Lock()
		l.ownerMu.relock(held)
	}
	defer l.dispatchMu.Unlock()

	if l.state.Load() == StateTerminated {
		return false
	}

	s := l.scratchAt(l.pollDepth)
	l.pollDepth++
	defer func() { l.pollDepth-- }()

	mon := l.registry.enter(l)

	// notifyMe must be visible before any of the state the timeout is
	// computed from is read
	if blocking {
		l.notifyMe.Add(2)
	}

	var timeout time.Duration
	if blocking {
		timeout = l.computeTimeout()
	}

	start := time.Now()
	ready, polled := l.tryPollMode(s.ready[:0], s, &timeout)
	if !polled {
		var held int
		if blocking {
			held = l.ownerMu.unlockAll()
		}
		sleeping := timeout != 0 && l.isLoopThread() && l.state.TryTransition(StateRunning, StateSleeping)

		var err error
		ready, err = mon.wait(ready, timeout)

		if sleeping {
			l.state.TryTransition(StateSleeping, StateRunning)
		}
		l.ownerMu.relock(held)
		if err != nil {
			l.logBackendError(mon.name(), err)
		}
	}

	if blocking {
		l.notifyMe.Add(-2)
	}
	l.notifyAccept()
	l.adjustPollTime(time.Since(start))

	progress = l.dispatchHandlers(ready)
	clear(ready)
	s.ready = ready[:0]
	l.registry.leave()

	if l.bhPoll() {
		progress = true
	}
	if l.runTimers() {
		progress = true
	}

	if m := l.metrics; m != nil {
		m.Polls.Add(1)
		if progress {
			m.ProgressPolls.Add(1)
		}
	}
	return progress
}

// scratchAt returns the scratch buffers for a nesting depth.
func (l *Loop) scratchAt(depth int) *pollScratch {
	for len(l.scratch) <= depth {
		l.scratch = append(l.scratch, new(pollScratch))
	}
	return l.scratch[depth]
}

// dispatchHandlers invokes the callbacks of ready handlers, in the order the
// backend reported them. Each handler's pending events are consumed before
// its callbacks run, and the deleted flag is checked before each one.
func (l *Loop) dispatchHandlers(ready []*handler) (progress bool) {
	for _, h := range ready {
		revents := IOEvents(h.revents.Swap(0)) & h.events
		if revents == 0 {
			continue
		}

		if revents&readEvents != 0 && h.read != nil && !h.deleted.Load() && l.nodeCheck(h) {
			l.safeCall(logComponentLoop, h.read)
			if !h.internal {
				progress = true
				l.countDispatch()
			}
		}

		if revents&writeEvents != 0 && h.write != nil && !h.deleted.Load() && l.nodeCheck(h) {
			l.safeCall(logComponentLoop, h.write)
			progress = true
			l.countDispatch()
		}
	}
	return progress
}

func (l *Loop) countDispatch() {
	if l.metrics != nil {
		l.metrics.Dispatches.Add(1)
	}
}

// computeTimeout returns how long Poll may block: zero if a bottom half is
// scheduled, bounded by idle bottom halves and the nearest timer, otherwise
// indefinitely (negative).
func (l *Loop) computeTimeout() time.Duration {
	timeout := time.Duration(-1)
	if scheduled, idleOnly := l.bhTimeout(); scheduled {
		if !idleOnly {
			return 0
		}
		timeout = idleBHTimeout
	}
	if d, ok := l.timers.deadline(); ok && (timeout < 0 || d < timeout) {
		timeout = d
	}
	return timeout
}
