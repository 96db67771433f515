package aio

// Notify forces a concurrent or subsequent blocking wait in Poll to return,
// so that it re-evaluates registrations, bottom halves and timers. Safe to
// call from any goroutine.
//
// The notifier is only set while a Poll is (or is about to be) blocking, as
// indicated by notifyMe. Otherwise the dispatcher is guaranteed to observe
// the caller's prior changes before it next blocks. Both sides use
// sequentially consistent atomics, so either Notify observes notifyMe, or the
// dispatcher observes the change.
func (l *Loop) Notify() {
	if !l.opts.conservativeNotify && l.notifyMe.Load() == 0 {
		if l.metrics != nil {
			l.metrics.WakeupsSkipped.Add(1)
		}
		return
	}
	l.kick()
}

// kick unconditionally sets the notifier.
func (l *Loop) kick() {
	l.notifierMu.RLock()
	defer l.notifierMu.RUnlock()
	if l.notifierClosed {
		return
	}
	if err := l.notifier.Set(); err != nil {
		l.logger.Err().
			Limit().
			Str("component", logComponentLoop).
			Err(err).
			Log("aio: failed to set notifier")
	}
	// published after the set, so notifyAccept never misses a pending set
	l.notified.Store(true)
	if l.metrics != nil {
		l.metrics.Wakeups.Add(1)
	}
}

// notifyAccept consumes a pending wake-up, after every wait, so that it
// does not cut the next wait short.
func (l *Loop) notifyAccept() {
	if l.notified.Swap(false) {
		l.notifierMu.RLock()
		defer l.notifierMu.RUnlock()
		if l.notifierClosed {
			return
		}
		l.notifier.TestAndClear()
	}
}

// notifierRead is the read callback of the loop's own notifier.
func (l *Loop) notifierRead() {
	l.notifier.TestAndClear()
}

// notifierPoll is the adaptive polling callback of the loop's own notifier.
func (l *Loop) notifierPoll() bool {
	return l.notified.Load()
}
