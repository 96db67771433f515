package aio

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestBH_runsOncePerSchedule(t *testing.T) {
	l := newTestLoop(t)

	var calls int
	b := l.NewBH(func() { calls++ })

	b.Schedule()
	b.Schedule()
	assert.True(t, b.Scheduled())

	assert.True(t, l.Poll(false))
	assert.Equal(t, 1, calls)
	assert.False(t, b.Scheduled())

	assert.False(t, l.Poll(false))
	assert.Equal(t, 1, calls)

	b.Schedule()
	assert.True(t, l.Poll(false))
	assert.Equal(t, 2, calls)
}

func TestBH_scheduledFromCallbacksRunInSamePass(t *testing.T) {
	l := newTestLoop(t)

	const n = 16
	var (
		order []int
		bhs   [n]*BH
	)
	for i := range n {
		bhs[i] = l.NewBH(func() { order = append(order, i) })
	}

	var third, second, first *BH
	third = l.NewBH(func() { order = append(order, 300) })
	second = l.NewBH(func() {
		order = append(order, 200)
		third.Schedule()
	})
	first = l.NewBH(func() {
		order = append(order, 100)
		second.Schedule()
	})

	for _, b := range bhs {
		b.Schedule()
	}
	first.Schedule()

	require.True(t, l.Poll(false))

	expected := make([]int, 0, n+3)
	for i := range n {
		expected = append(expected, i)
	}
	expected = append(expected, 100, 200, 300)
	assert.Equal(t, expected, order)

	assert.False(t, l.Poll(false))
}

func TestBH_nestedPollRunsBHQueuedBehind(t *testing.T) {
	l := newTestLoop(t)

	var (
		order      []string
		siblingRan bool
	)
	sibling := l.NewBH(func() {
		order = append(order, "sibling")
		siblingRan = true
	})
	waiter := l.NewBH(func() {
		order = append(order, "waiter")
		for !siblingRan {
			l.Poll(true)
		}
		order = append(order, "waiter done")
	})
	waiter.Schedule()
	sibling.Schedule()

	finished := make(chan bool, 1)
	go func() { finished <- l.Poll(false) }()
	select {
	case progress := <-finished:
		assert.True(t, progress)
	case <-time.After(5 * time.Second):
		t.Fatal("nested poll never ran the bottom half queued behind its caller")
	}

	assert.Equal(t, []string{"waiter", "sibling", "waiter done"}, order)
	assert.False(t, l.Poll(false))
}

func TestBH_cancel(t *testing.T) {
	l := newTestLoop(t)

	var calls int
	b := l.NewBH(func() { calls++ })
	b.Schedule()
	b.Cancel()
	assert.False(t, b.Scheduled())

	assert.False(t, l.Poll(false))
	assert.Equal(t, 0, calls)

	// still usable
	b.Schedule()
	assert.True(t, l.Poll(false))
	assert.Equal(t, 1, calls)
}

func TestBH_delete(t *testing.T) {
	l := newTestLoop(t)

	var calls int
	b := l.NewBH(func() { calls++ })
	b.Schedule()
	b.Delete()
	assert.False(t, b.Scheduled())

	assert.False(t, l.Poll(false))
	assert.Equal(t, 0, calls)
}

func TestScheduleOneshot(t *testing.T) {
	l := newTestLoop(t)

	var calls int
	l.ScheduleOneshot(func() { calls++ })

	assert.True(t, l.Poll(false))
	assert.False(t, l.Poll(false))
	assert.Equal(t, 1, calls)
}

func TestBH_idle(t *testing.T) {
	l := newTestLoop(t)

	var calls int
	b := l.NewBH(func() { calls++ })
	b.ScheduleIdle()

	scheduled, idleOnly := l.bhTimeout()
	assert.True(t, scheduled)
	assert.True(t, idleOnly)
	assert.Equal(t, idleBHTimeout, l.computeTimeout())

	assert.False(t, l.Poll(false), "idle bottom halves are not progress")
	assert.Equal(t, 1, calls)

	// a regular bottom half takes precedence
	l.NewBH(func() {}).Schedule()
	b.ScheduleIdle()
	scheduled, idleOnly = l.bhTimeout()
	assert.True(t, scheduled)
	assert.False(t, idleOnly)
	assert.Equal(t, time.Duration(0), l.computeTimeout())
}

func TestBH_idleBoundsBlockingPoll(t *testing.T) {
	l := newTestLoop(t)

	var calls int
	l.NewBH(func() { calls++ }).ScheduleIdle()

	start := time.Now()
	for calls == 0 {
		l.Poll(true)
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestComputeTimeout(t *testing.T) {
	l := newTestLoop(t)
	assert.Less(t, l.computeTimeout(), time.Duration(0), "nothing to wait for")

	b := l.NewBH(func() {})
	b.Schedule()
	assert.Equal(t, time.Duration(0), l.computeTimeout())
	b.Cancel()
	assert.Less(t, l.computeTimeout(), time.Duration(0))
}

func TestBH_selfReschedulingIsBounded(t *testing.T) {
	l := newTestLoop(t)

	var calls int
	var b *BH
	b = l.NewBH(func() {
		calls++
		b.Schedule()
	})
	b.Schedule()

	assert.True(t, l.Poll(false))
	assert.Equal(t, bhPollBudget, calls)
	assert.Equal(t, time.Duration(0), l.computeTimeout(), "leftovers must not block")

	b.Cancel()
	l.Poll(false)
	assert.Equal(t, bhPollBudget, calls)
}

func TestBH_guard(t *testing.T) {
	var buf syncBuffer
	l := newTestLoop(t, WithLogger(newBufferLogger(&buf)))

	var (
		guard   ReentrancyGuard
		engaged []bool
	)
	b := l.NewGuardedBH(func() {
		engaged = append(engaged, guard.Engaged())
	}, &guard)

	b.Schedule()
	l.Poll(false)
	assert.False(t, guard.Engaged())
	assert.NotContains(t, buf.String(), "owner is engaged")

	wasEngaged := guard.Engage()
	assert.False(t, wasEngaged)
	b.Schedule()
	l.Poll(false)
	assert.True(t, guard.Engaged(), "restored to the prior value")
	guard.Restore(wasEngaged)

	assert.Equal(t, []bool{true, true}, engaged)
	assert.Contains(t, buf.String(), "aio: bottom half entered while its owner is engaged")
}

func TestBH_concurrentSchedule(t *testing.T) {
	l := newTestLoop(t)

	const (
		goroutines = 8
		perG       = 100
	)
	var count atomic.Int64
	var g errgroup.Group
	for range goroutines {
		g.Go(func() error {
			for range perG {
				l.ScheduleOneshot(func() { count.Add(1) })
			}
			return nil
		})
	}

	pollUntil(t, l, func() bool { return count.Load() == goroutines*perG })
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(goroutines*perG), count.Load())
}

func TestBH_panicRecovered(t *testing.T) {
	l := newTestLoop(t)

	var after bool
	l.ScheduleOneshot(func() { panic("bottom half failure") })
	l.ScheduleOneshot(func() { after = true })

	assert.True(t, l.Poll(false))
	assert.True(t, after)
}
