package aio

import (
	"fmt"
)

// Logging categories, emitted as the "component" field.
const (
	logComponentLoop    = "loop"
	logComponentBackend = "backend"
	logComponentBH      = "bh"
	logComponentTimer   = "timer"
	logComponentPool    = "threadpool"
)

// logAllowed applies the loop's own rate limits (see WithLogRateLimits) to
// the given category.
func (l *Loop) logAllowed(category string) bool {
	if l.logLimiter == nil {
		return true
	}
	_, ok := l.logLimiter.Allow(category)
	return ok
}

// logPanic records a recovered panic. Panicking callbacks are reported
// through the rate limiters, as a misbehaving handler tends to panic on every
// cycle.
func (l *Loop) logPanic(component string, r any) {
	b := l.logger.Err()
	if !b.Enabled() {
		return
	}
	if !l.logAllowed(component + ".panic") {
		b.Release()
		return
	}
	b.Limit().
		Str("component", component).
		Str("panic", fmt.Sprint(r)).
		Log("aio: recovered panic in callback")
}

// logBackendError records a failed readiness wait, which is treated as if
// nothing became ready.
func (l *Loop) logBackendError(backend string, err error) {
	b := l.logger.Warning()
	if !b.Enabled() {
		return
	}
	if !l.logAllowed(logComponentBackend + "." + backend) {
		b.Release()
		return
	}
	b.Limit().
		Str("component", logComponentBackend).
		Str("backend", backend).
		Err(err).
		Log("aio: readiness wait failed")
}

// safeCall invokes fn, recovering and logging any panic. Returns false if fn
// panicked.
func (l *Loop) safeCall(component string, fn func()) (ok bool) {
	defer func() {
		if !ok {
			if r := recover(); r != nil {
				l.logPanic(component, r)
			}
		}
	}()
	fn()
	return true
}
