package aio

import (
	"sync/atomic"
	"time"
)

// BH flags.
const (
	// bhPending means the BH is on the loop's queue
	bhPending uint32 = 1 << iota
	// bhScheduled means the callback should run when dequeued
	bhScheduled
	// bhOneshot means the BH is discarded after it runs
	bhOneshot
	// bhDeleted means the BH is discarded when dequeued, without running
	bhDeleted
	// bhIdle means the BH doesn't count as progress, and only bounds the
	// loop's wait rather than preventing it
	bhIdle
)

// bhPollBudget bounds the rounds of a single drain, as bottom halves may
// schedule each other indefinitely. Leftovers keep the next wait at zero.
const bhPollBudget = 1024

// idleBHTimeout bounds the wait while only idle bottom halves are scheduled.
const idleBHTimeout = 10 * time.Millisecond

// BH is a bottom half: a deferred callback, run by the dispatcher of its loop,
// once per schedule. Schedule may be called from any goroutine.
type BH struct {
	loop  *Loop
	cb    func()
	guard *ReentrancyGuard
	flags atomic.Uint32
}

// ReentrancyGuard detects a bottom half running while its owner is already
// engaged (e.g. handling I/O), which is reported at debug level.
type ReentrancyGuard struct {
	engaged atomic.Bool
}

// Engage marks the owner as engaged, returning the previous value, which must
// be passed to Restore.
func (g *ReentrancyGuard) Engage() (wasEngaged bool) {
	return g.engaged.Swap(true)
}

// Restore reverts a previous Engage.
func (g *ReentrancyGuard) Restore(wasEngaged bool) {
	g.engaged.Store(wasEngaged)
}

// Engaged reports whether the owner is engaged.
func (g *ReentrancyGuard) Engaged() bool {
	return g.engaged.Load()
}

// NewBH creates a bottom half for cb. It does nothing until scheduled.
func (l *Loop) NewBH(cb func()) *BH {
	return &BH{loop: l, cb: cb}
}

// NewGuardedBH is NewBH, with a ReentrancyGuard engaged for the duration of
// each callback.
func (l *Loop) NewGuardedBH(cb func(), guard *ReentrancyGuard) *BH {
	return &BH{loop: l, cb: cb, guard: guard}
}

// ScheduleOneshot runs cb once, on the next dispatch pass.
func (l *Loop) ScheduleOneshot(cb func()) {
	b := &BH{loop: l, cb: cb}
	b.enqueue(bhScheduled | bhOneshot)
}

// Schedule runs the callback on the next dispatch pass. Scheduling a BH that
// is already scheduled has no effect.
func (b *BH) Schedule() {
	b.enqueue(bhScheduled)
}

// ScheduleIdle is Schedule, except the callback may be deferred for up to
// 10ms, while the loop is otherwise idle.
func (b *BH) ScheduleIdle() {
	b.enqueue(bhScheduled | bhIdle)
}

// Cancel unschedules the BH. It stays queued until the next pass, but will
// not run unless scheduled again.
func (b *BH) Cancel() {
	b.flags.And(^bhScheduled)
}

// Delete cancels the BH, permanently. It must not be used afterwards.
func (b *BH) Delete() {
	b.flags.Or(bhDeleted)
}

// Scheduled reports whether the BH will run on the next pass.
func (b *BH) Scheduled() bool {
	return b.flags.Load()&(bhScheduled|bhDeleted) == bhScheduled
}

func (b *BH) enqueue(flags uint32) {
	l := b.loop
	if old := b.flags.Or(bhPending | flags); old&bhPending == 0 {
		l.bhMu.Lock()
		l.bhQueue.Push(b)
		l.bhMu.Unlock()
	}
	l.Notify()
}

// bhPoll drains the BH queue, until no further non-idle callbacks run, or the
// budget runs out. BHs scheduled by callbacks run in the same pass. Each round
// covers the BHs queued when it started, popped one at a time, so a nested
// Poll from a callback sees the rest of the round.
func (l *Loop) bhPoll() (progress bool) {
	for range bhPollBudget {
		l.bhMu.Lock()
		n := l.bhQueue.Len()
		l.bhMu.Unlock()

		var ran bool
		for ; n > 0; n-- {
			l.bhMu.Lock()
			b, ok := l.bhQueue.Pop()
			l.bhMu.Unlock()
			if !ok {
				break
			}
			flags := b.flags.And(^(bhPending | bhScheduled | bhIdle))
			if flags&(bhScheduled|bhDeleted) != bhScheduled {
				continue
			}
			if flags&bhIdle == 0 {
				ran = true
			}
			l.callBH(b)
		}

		if !ran {
			break
		}
		progress = true
	}
	return progress
}

func (l *Loop) callBH(b *BH) {
	if g := b.guard; g != nil {
		wasEngaged := g.Engage()
		if wasEngaged {
			l.logger.Debug().
				Str("component", logComponentBH).
				Log("aio: bottom half entered while its owner is engaged")
		}
		defer g.Restore(wasEngaged)
	}
	l.safeCall(logComponentBH, b.cb)
	if l.metrics != nil {
		l.metrics.BottomHalves.Add(1)
	}
}

// bhTimeout reports whether any BH is scheduled, and if so, whether they are
// all idle.
func (l *Loop) bhTimeout() (scheduled, idleOnly bool) {
	l.bhMu.Lock()
	defer l.bhMu.Unlock()
	idleOnly = true
	l.bhQueue.Each(func(b *BH) bool {
		flags := b.flags.Load()
		if flags&(bhScheduled|bhDeleted) != bhScheduled {
			return true
		}
		scheduled = true
		if flags&bhIdle == 0 {
			idleOnly = false
			return false
		}
		return true
	})
	return scheduled, idleOnly
}
