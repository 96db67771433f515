package aio

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// ClockType selects the clock a Timer is scheduled against.
type ClockType int

const (
	// ClockRealtime is a monotonic clock, in nanoseconds since the loop was
	// created.
	ClockRealtime ClockType = iota
	// ClockVirtual only advances while enabled, see Loop.SetClockEnabled.
	// It starts enabled.
	ClockVirtual

	clockCount
)

// String returns a human-readable representation of the clock type.
func (c ClockType) String() string {
	switch c {
	case ClockRealtime:
		return "realtime"
	case ClockVirtual:
		return "virtual"
	default:
		return fmt.Sprintf("ClockType(%d)", int(c))
	}
}

// Timer runs a callback on its loop's dispatcher, once the clock reaches the
// expire time. Timers are one-shot, and may be re-armed from their callback.
type Timer struct {
	loop   *Loop
	cb     func()
	expire int64
	clock  ClockType
	// index in the heap, -1 if not pending
	index int
}

// timerHeap is a min-heap of timers, by expire time
type timerHeap []*Timer

// Implement heap.Interface for timerHeap
func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].expire < h[j].expire }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerListGroup holds the timers of a loop, one heap per clock.
type timerListGroup struct {
	anchor         time.Time
	virtualFrom    time.Time
	lists          [clockCount]timerHeap
	virtualNs      int64
	mu             sync.Mutex
	virtualEnabled bool
}

func (g *timerListGroup) init() {
	g.anchor = time.Now()
	g.virtualFrom = g.anchor
	g.virtualEnabled = true
}

func (g *timerListGroup) nowLocked(clock ClockType) int64 {
	switch clock {
	case ClockVirtual:
		if !g.virtualEnabled {
			return g.virtualNs
		}
		return g.virtualNs + int64(time.Since(g.virtualFrom))
	default:
		return int64(time.Since(g.anchor))
	}
}

func (g *timerListGroup) enabledLocked(clock ClockType) bool {
	return clock != ClockVirtual || g.virtualEnabled
}

// deadline returns the time until the earliest timer of any enabled clock.
func (g *timerListGroup) deadline() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var (
		soonest time.Duration
		ok      bool
	)
	for clock := range clockCount {
		h := g.lists[clock]
		if len(h) == 0 || !g.enabledLocked(clock) {
			continue
		}
		d := time.Duration(h[0].expire - g.nowLocked(clock))
		if d < 0 {
			d = 0
		}
		if !ok || d < soonest {
			soonest, ok = d, true
		}
	}
	return soonest, ok
}

// runTimers invokes the callbacks of all expired timers.
func (l *Loop) runTimers() (progress bool) {
	g := &l.timers
	for clock := range clockCount {
		g.mu.Lock()
		if !g.enabledLocked(clock) {
			g.mu.Unlock()
			continue
		}
		now := g.nowLocked(clock)
		g.mu.Unlock()

		for {
			g.mu.Lock()
			h := &g.lists[clock]
			if h.Len() == 0 || (*h)[0].expire > now {
				g.mu.Unlock()
				break
			}
			t := heap.Pop(h).(*Timer)
			g.mu.Unlock()

			l.safeCall(logComponentTimer, t.cb)
			progress = true
			if l.metrics != nil {
				l.metrics.Timers.Add(1)
			}
		}
	}
	return progress
}

// NewTimer creates a timer against the given clock. It does nothing until
// armed with Mod or ModIn.
func (l *Loop) NewTimer(clock ClockType, cb func()) *Timer {
	if clock < 0 || clock >= clockCount {
		panic(fmt.Sprintf("aio: invalid clock type: %v", clock))
	}
	return &Timer{loop: l, clock: clock, cb: cb, index: -1}
}

// ClockNs returns the current time of clock, in nanoseconds.
func (l *Loop) ClockNs(clock ClockType) int64 {
	l.timers.mu.Lock()
	defer l.timers.mu.Unlock()
	return l.timers.nowLocked(clock)
}

// SetClockEnabled starts or stops ClockVirtual. Timers against a stopped
// clock never expire. Other clocks are always enabled.
func (l *Loop) SetClockEnabled(clock ClockType, enabled bool) {
	if clock != ClockVirtual {
		return
	}
	g := &l.timers
	g.mu.Lock()
	if g.virtualEnabled == enabled {
		g.mu.Unlock()
		return
	}
	if enabled {
		g.virtualFrom = time.Now()
	} else {
		g.virtualNs += int64(time.Since(g.virtualFrom))
	}
	g.virtualEnabled = enabled
	g.mu.Unlock()
	if enabled {
		l.Notify()
	}
}

// Mod arms (or re-arms) the timer to expire at expireNs, against its clock.
func (t *Timer) Mod(expireNs int64) {
	g := &t.loop.timers
	g.mu.Lock()
	h := &g.lists[t.clock]
	if t.index >= 0 {
		heap.Remove(h, t.index)
	}
	t.expire = expireNs
	heap.Push(h, t)
	earliest := t.index == 0
	g.mu.Unlock()
	if earliest {
		t.loop.Notify()
	}
}

// ModIn arms (or re-arms) the timer to expire d from now.
func (t *Timer) ModIn(d time.Duration) {
	t.Mod(t.loop.ClockNs(t.clock) + int64(d))
}

// Del disarms the timer.
func (t *Timer) Del() {
	g := &t.loop.timers
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&g.lists[t.clock], t.index)
	}
}

// Pending reports whether the timer is armed.
func (t *Timer) Pending() bool {
	g := &t.loop.timers
	g.mu.Lock()
	defer g.mu.Unlock()
	return t.index >= 0
}

// ExpireTime returns the expire time, or -1 if the timer is not armed.
func (t *Timer) ExpireTime() int64 {
	g := &t.loop.timers
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.index < 0 {
		return -1
	}
	return t.expire
}
