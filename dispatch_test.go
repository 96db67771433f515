//go:build unix

package aio

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll_readHandler(t *testing.T) {
	l := newTestLoop(t, WithBackend(BackendPoll))
	r, w := newPipe(t)

	var calls int
	l.SetFDHandler(r, false, func() {
		calls++
		drain(r)
	}, nil, nil)

	if l.Poll(false) {
		t.Error("expected no progress with nothing readable")
	}

	writeByte(t, w)
	require.True(t, l.Poll(true))
	assert.Equal(t, 1, calls)

	assert.False(t, l.Poll(false), "data was consumed")
	assert.Equal(t, 1, calls)
}

func TestPoll_writeHandler(t *testing.T) {
	l := newTestLoop(t, WithBackend(BackendPoll))
	_, w := newPipe(t)

	var calls int
	l.SetFDHandler(w, false, nil, func() {
		calls++
		l.SetFDHandler(w, false, nil, nil, nil)
	}, nil)

	require.True(t, l.Poll(false))
	assert.Equal(t, 1, calls)
	assert.Nil(t, l.registry.lookup(w))
}

func TestPoll_reregisterWithinCallback(t *testing.T) {
	l := newTestLoop(t, WithBackend(BackendPoll))
	r, w := newPipe(t)

	var first, second int
	var secondHandler IOHandler = func() {
		second++
		drain(r)
	}
	l.SetFDHandler(r, false, func() {
		first++
		// replaces this handler, the replacement must wait for the next pass
		l.SetFDHandler(r, false, secondHandler, nil, nil)
	}, nil, nil)

	writeByte(t, w)
	require.True(t, l.Poll(false))
	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)
	assert.Equal(t, 2, l.registry.liveCount())

	require.True(t, l.Poll(false))
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestPoll_deregisterWithinCallback(t *testing.T) {
	l := newTestLoop(t, WithBackend(BackendPoll))
	r1, w1 := newPipe(t)
	r2, w2 := newPipe(t)

	initial := l.registry.size()

	var (
		calls1, calls2 int
		depth, size    int
	)
	l.SetFDHandler(r1, false, func() {
		calls1++
		l.SetFDHandler(r1, false, nil, nil, nil)
		l.SetFDHandler(r2, false, nil, nil, nil)
		depth = l.registry.walkDepth()
		size = l.registry.size()
	}, nil, nil)
	l.SetFDHandler(r2, false, func() {
		calls2++
	}, nil, nil)

	writeByte(t, w1)
	writeByte(t, w2)
	require.True(t, l.Poll(false))

	assert.Equal(t, 1, calls1)
	assert.Equal(t, 0, calls2, "removed before its turn")
	assert.Equal(t, 1, depth)
	assert.Equal(t, initial+2, size, "tombstones stay linked during the walk")

	assert.Equal(t, 0, l.registry.walkDepth())
	assert.Equal(t, initial, l.registry.size())
	assert.Nil(t, l.registry.lookup(r1))
	assert.Nil(t, l.registry.lookup(r2))

	assert.False(t, l.Poll(false))
}

func TestPoll_notifyOnlyIsNotProgress(t *testing.T) {
	l := newTestLoop(t, WithConservativeNotify(true))

	l.Notify()
	// doesn't block, as the notifier is set
	assert.False(t, l.Poll(true))
	assert.False(t, l.notified.Load())
}

func TestPoll_externalHandlersGated(t *testing.T) {
	l := newTestLoop(t, WithBackend(BackendPoll))
	r, w := newPipe(t)

	var calls int
	l.SetFDHandler(r, true, func() {
		calls++
		drain(r)
	}, nil, nil)
	writeByte(t, w)

	l.DisableExternal()
	l.DisableExternal()
	assert.False(t, l.Poll(false))
	l.EnableExternal()
	assert.False(t, l.Poll(false), "still disabled once")
	assert.Equal(t, 0, calls)

	l.EnableExternal()
	assert.True(t, l.Poll(false))
	assert.Equal(t, 1, calls)

	assert.Panics(t, l.EnableExternal)
}

func TestSetFDHandler_unknownRemovalIsNoop(t *testing.T) {
	l := newTestLoop(t)
	size := l.registry.size()
	l.SetFDHandler(1<<20, false, nil, nil, nil)
	assert.Equal(t, size, l.registry.size())
	assert.Equal(t, size, l.registry.liveCount())
}

func TestPoll_panickingHandlerRecovered(t *testing.T) {
	var buf syncBuffer
	l := newTestLoop(t, WithBackend(BackendPoll), WithLogger(newBufferLogger(&buf)))
	r, w := newPipe(t)

	l.SetFDHandler(r, false, func() {
		drain(r)
		panic("handler failure")
	}, nil, nil)
	writeByte(t, w)

	assert.True(t, l.Poll(false))
	assert.Contains(t, buf.String(), "handler failure")
	assert.Contains(t, buf.String(), "aio: recovered panic in callback")
}

func TestAcquire_excludesDispatch(t *testing.T) {
	l := newTestLoop(t)
	runTestLoop(t, l)

	require.Eventually(t, func() bool {
		return l.State() == StateSleeping
	}, 2*time.Second, time.Millisecond)

	l.Acquire()
	var ran atomic.Bool
	l.ScheduleOneshot(func() { ran.Store(true) })

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load(), "dispatched while the ownership lock was held")

	l.Release()
	require.Eventually(t, ran.Load, 2*time.Second, time.Millisecond)

	assert.Panics(t, l.Release)
}

func TestPoll_nestedFromCallback(t *testing.T) {
	l := newTestLoop(t, WithBackend(BackendPoll))
	r, w := newPipe(t)

	var inner, outer int
	l.SetFDHandler(r, false, func() {
		inner++
		drain(r)
	}, nil, nil)

	l.ScheduleOneshot(func() {
		outer++
		writeByte(t, w)
		for inner == 0 {
			l.Poll(true)
		}
	})

	require.True(t, l.Poll(false))
	assert.Equal(t, 1, outer)
	assert.Equal(t, 1, inner)
	assert.Equal(t, 0, l.pollDepth)
	assert.GreaterOrEqual(t, len(l.scratch), 2)
}
