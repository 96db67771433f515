package aio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-aio/internal/fifo"
)

// Coroutine is a function that can suspend itself (Yield), to be resumed
// later (Enter or Wake). It runs on its own goroutine, but strictly in
// lockstep with whichever goroutine entered it, which blocks until it
// yields or returns. Within the coroutine, locks owned by the entering
// goroutine (e.g. Acquire) are also owned by the coroutine.
type Coroutine struct {
	entry  func(co *Coroutine)
	home   atomic.Pointer[Loop]
	resume chan struct{}
	yield  chan struct{}
	// owner is the lock identity of the entering goroutine, while entered
	owner    atomic.Uint64
	panicVal any
	entered  atomic.Bool
	done     atomic.Bool
	started  bool
	panicked bool
	// wakeDeferred is a Wake that found the coroutine entered
	wakeDeferred atomic.Bool
}

// coroutines maps the goroutine ID of each running coroutine body to its
// Coroutine.
var coroutines sync.Map

func coroutineByGoroutine(id uint64) *Coroutine {
	if v, ok := coroutines.Load(id); ok {
		return v.(*Coroutine)
	}
	return nil
}

// currentCoroutine returns the coroutine the caller is running in, if any.
func currentCoroutine() *Coroutine {
	return coroutineByGoroutine(getGoroutineID())
}

// InCoroutine reports whether the caller is running in a coroutine.
func InCoroutine() bool {
	return currentCoroutine() != nil
}

// NewCoroutine creates a coroutine, which starts running entry on the first
// Enter.
func NewCoroutine(entry func(co *Coroutine)) *Coroutine {
	return &Coroutine{
		entry:  entry,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
}

// Enter runs the coroutine until it yields or returns, making l its home
// loop (see Wake). Entering a running or finished coroutine panics. A panic
// within the coroutine is re-raised by Enter.
func (co *Coroutine) Enter(l *Loop) {
	if !co.entered.CompareAndSwap(false, true) {
		panic(`aio: coroutine re-entered recursively`)
	}
	co.enterLocked(l)
}

// enterLocked is Enter, after the entered flag has been claimed.
func (co *Coroutine) enterLocked(l *Loop) {
	if co.done.Load() {
		co.entered.Store(false)
		panic(`aio: coroutine entered after it terminated`)
	}
	if l != nil {
		co.home.Store(l)
	}
	co.owner.Store(currentOwnerID())

	if !co.started {
		co.started = true
		go co.run()
	} else {
		co.resume <- struct{}{}
	}
	<-co.yield

	co.owner.Store(0)
	co.entered.Store(false)
	if co.wakeDeferred.Swap(false) {
		co.Wake()
	}

	if co.panicked {
		co.panicked = false
		panic(fmt.Sprintf("aio: coroutine panicked: %v", co.panicVal))
	}
}

// enterWoken enters co on behalf of Wake. If co is still entered elsewhere
// (it hasn't yielded yet, or its enterer hasn't returned) the wake-up is
// handed to that Enter, which re-issues it once it returns.
func (co *Coroutine) enterWoken(l *Loop) {
	for {
		if co.entered.CompareAndSwap(false, true) {
			co.enterLocked(l)
			return
		}
		co.wakeDeferred.Store(true)
		if co.entered.Load() {
			return
		}
		// the Enter already returned, retry unless it took the wake-up
		if !co.wakeDeferred.Swap(false) {
			return
		}
	}
}

func (co *Coroutine) run() {
	id := getGoroutineID()
	coroutines.Store(id, co)
	defer func() {
		if r := recover(); r != nil {
			co.panicVal = r
			co.panicked = true
		}
		coroutines.Delete(id)
		co.done.Store(true)
		co.yield <- struct{}{}
	}()
	co.entry(co)
}

// Yield suspends the coroutine, returning control to the goroutine that
// entered it. It must be called by the coroutine itself, and panics with
// ErrNotInCoroutine otherwise.
func (co *Coroutine) Yield() {
	if currentCoroutine() != co {
		panic(ErrNotInCoroutine)
	}
	co.yield <- struct{}{}
	<-co.resume
}

// Wake schedules the coroutine to be entered by the dispatcher of its home
// loop. If the coroutine is still running at that point, it is entered
// after it next yields.
func (co *Coroutine) Wake() {
	l := co.home.Load()
	if l == nil {
		panic(`aio: coroutine has no home loop`)
	}
	l.ScheduleOneshot(func() { co.enterWoken(l) })
}

// Done reports whether the coroutine has returned.
func (co *Coroutine) Done() bool {
	return co.done.Load() && !co.entered.Load()
}

// CoQueue is a FIFO of coroutines waiting for a condition.
type CoQueue struct {
	waiters fifo.Queue[*Coroutine]
	mu      sync.Mutex
}

// Wait suspends co until woken by Next or RestartAll. If lock is non-nil,
// it is released while waiting, and re-acquired before returning.
func (q *CoQueue) Wait(co *Coroutine, lock *CoMutex) {
	q.mu.Lock()
	q.waiters.Push(co)
	q.mu.Unlock()
	if lock != nil {
		lock.Unlock(co)
	}
	co.Yield()
	if lock != nil {
		lock.Lock(co)
	}
}

// Next wakes the longest waiting coroutine, returning false if there were
// none.
func (q *CoQueue) Next() bool {
	q.mu.Lock()
	co, ok := q.waiters.Pop()
	q.mu.Unlock()
	if ok {
		co.Wake()
	}
	return ok
}

// RestartAll wakes every waiting coroutine.
func (q *CoQueue) RestartAll() {
	for q.Next() {
	}
}

// Empty reports whether no coroutines are waiting.
func (q *CoQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiters.Len() == 0
}

// CoMutex is a mutex held by coroutines. Contended lockers yield, and are
// handed the lock in FIFO order.
type CoMutex struct {
	holder  *Coroutine
	waiters fifo.Queue[*Coroutine]
	mu      sync.Mutex
}

// Lock acquires the mutex on behalf of co, which must be the caller.
func (m *CoMutex) Lock(co *Coroutine) {
	m.mu.Lock()
	if m.holder == nil {
		m.holder = co
		m.mu.Unlock()
		return
	}
	m.waiters.Push(co)
	m.mu.Unlock()
	// ownership is handed over before we are woken
	co.Yield()
}

// Unlock releases the mutex, handing it to the next waiter, if any.
func (m *CoMutex) Unlock(co *Coroutine) {
	m.mu.Lock()
	if m.holder != co {
		m.mu.Unlock()
		panic(`aio: unlock of CoMutex not held by the coroutine`)
	}
	next, ok := m.waiters.Pop()
	if !ok {
		m.holder = nil
		m.mu.Unlock()
		return
	}
	m.holder = next
	m.mu.Unlock()
	next.Wake()
}

// Locked reports whether the mutex is held.
func (m *CoMutex) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder != nil
}
