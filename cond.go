package aio

import (
	"slices"
	"sync"
	"time"
)

// timedCond is a condition variable supporting a timed wait. Waiters are
// woken in FIFO order. All methods must be called with L held.
type timedCond struct {
	L       sync.Locker
	waiters []chan struct{}
}

// Wait releases L, and waits for a Signal or Broadcast, or until timeout
// elapses (if positive), re-acquiring L before returning. Returns false on
// timeout.
func (c *timedCond) Wait(timeout time.Duration) bool {
	ch := make(chan struct{}, 1)
	c.waiters = append(c.waiters, ch)
	c.L.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	var signaled bool
	select {
	case <-ch:
		signaled = true
	case <-expired:
	}

	c.L.Lock()
	if !signaled {
		if i := slices.Index(c.waiters, ch); i >= 0 {
			c.waiters = slices.Delete(c.waiters, i, i+1)
		} else {
			// signaled after the timer fired, don't lose the wake-up
			<-ch
			signaled = true
		}
	}
	return signaled
}

// Signal wakes the longest waiting waiter, if any.
func (c *timedCond) Signal() {
	if len(c.waiters) == 0 {
		return
	}
	ch := c.waiters[0]
	c.waiters[0] = nil
	c.waiters = c.waiters[1:]
	ch <- struct{}{}
}

// Broadcast wakes all waiters.
func (c *timedCond) Broadcast() {
	for _, ch := range c.waiters {
		ch <- struct{}{}
	}
	clear(c.waiters)
	c.waiters = c.waiters[:0]
}
