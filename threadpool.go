package aio

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-aio/internal/fifo"
	"github.com/joeycumines/logiface"
)

type (
	// WorkFunc is run by a thread pool worker, and may block. The result is
	// opaque to the pool, and is truncated to 32 bits.
	WorkFunc func() int

	// CompletionFunc receives the result of a WorkFunc (or ResultCanceled),
	// invoked by the dispatcher of the pool's loop.
	CompletionFunc func(ret int)
)

// WorkState is the state of a WorkItem.
type WorkState uint32

const (
	// WorkQueued means the item is waiting for a worker.
	WorkQueued WorkState = iota
	// WorkActive means a worker is running the item.
	WorkActive
	// WorkDone means the item has a result, which may be ResultCanceled.
	WorkDone
)

// String returns a human-readable representation of the work state.
func (s WorkState) String() string {
	switch s {
	case WorkQueued:
		return "Queued"
	case WorkActive:
		return "Active"
	case WorkDone:
		return "Done"
	default:
		return fmt.Sprintf("WorkState(%d)", uint32(s))
	}
}

// WorkItem is a unit of work submitted to a ThreadPool. It is owned by the
// pool until its completion has been delivered.
type WorkItem struct {
	pool *ThreadPool
	fn   WorkFunc
	cb   CompletionFunc
	// outstanding list, guarded by pool.listMu
	prev *WorkItem
	next *WorkItem
	// status packs the state (high half) with the result (low half), so the
	// result is published by the same store as WorkDone
	status atomic.Uint64
}

func packWorkStatus(state WorkState, ret int) uint64 {
	return uint64(state)<<32 | uint64(uint32(int32(ret)))
}

func (w *WorkItem) load() (WorkState, int) {
	v := w.status.Load()
	return WorkState(v >> 32), int(int32(uint32(v)))
}

// State returns the current state of the item.
func (w *WorkItem) State() WorkState {
	state, _ := w.load()
	return state
}

// Cancel is shorthand for ThreadPool.Cancel.
func (w *WorkItem) Cancel() {
	w.pool.Cancel(w)
}

// PoolStats is a snapshot of a ThreadPool's counters.
type PoolStats struct {
	// Workers is the number of live workers, including those starting.
	Workers int
	// Idle is the number of workers waiting for work.
	Idle int
	// Starting is the number of workers not yet running.
	Starting int
	// Queued is the number of items waiting for a worker.
	Queued int
	// Outstanding is the number of items whose completion is yet to be
	// delivered.
	Outstanding int
	Min         int
	Max         int
}

// ThreadPool runs blocking work on a bounded, elastic set of worker
// goroutines, each locked to an OS thread. Completions are delivered by the
// dispatcher of the pool's loop, through a bottom half.
//
// Submission and cancellation are safe from any goroutine.
type ThreadPool struct { // betteralign:ignore
	loop         *Loop
	logger       *logiface.Logger[logiface.Event]
	metrics      *loopMetrics
	completionBH *BH

	mu sync.Mutex
	// requestCond wakes idle workers, each waiter is an idle worker
	requestCond   timedCond
	workerStopped sync.Cond
	pending       fifo.Queue[*WorkItem]
	// queued is the number of pending items still WorkQueued
	queued int
	cur    int
	// newThreads counts workers accounted for in cur, but not yet started
	newThreads int
	// pendingThreads counts started workers that have yet to run
	pendingThreads int
	min            int
	max            int
	idleTimeout    time.Duration
	stopped        bool

	listMu      sync.Mutex
	head        *WorkItem
	outstanding int
}

func newThreadPool(l *Loop) *ThreadPool {
	p := &ThreadPool{
		loop:        l,
		logger:      l.logger,
		metrics:     l.metrics,
		min:         l.opts.minWorkers,
		max:         l.opts.maxWorkers,
		idleTimeout: l.opts.workerIdleTimeout,
	}
	p.requestCond.L = &p.mu
	p.workerStopped.L = &p.mu
	p.completionBH = l.NewBH(p.complete)

	p.mu.Lock()
	for p.cur < p.min {
		p.spawnLocked()
	}
	p.mu.Unlock()

	return p
}

// Submit queues fn to run on a worker. The completion callback, if any, is
// invoked with the result by the loop's dispatcher. The returned item may be
// used to cancel fn before it starts.
func (p *ThreadPool) Submit(fn WorkFunc, cb CompletionFunc) *WorkItem {
	w := &WorkItem{pool: p, fn: fn, cb: cb}
	w.status.Store(packWorkStatus(WorkQueued, 0))

	p.listMu.Lock()
	w.next = p.head
	if p.head != nil {
		p.head.prev = w
	}
	p.head = w
	p.outstanding++
	p.listMu.Unlock()

	p.mu.Lock()
	if len(p.requestCond.waiters) == 0 && p.cur < p.max {
		p.spawnLocked()
	}
	p.pending.Push(w)
	p.queued++
	p.requestCond.Signal()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.WorkSubmitted.Add(1)
	}
	return w
}

// SubmitDetached queues fn, discarding its result.
func (p *ThreadPool) SubmitDetached(fn WorkFunc) {
	p.Submit(fn, nil)
}

// SubmitCo queues fn, suspending the calling coroutine until the result has
// been delivered, then returns it. It must be called by co itself, and
// panics with ErrNotInCoroutine otherwise.
func (p *ThreadPool) SubmitCo(co *Coroutine, fn WorkFunc) int {
	if co == nil || currentCoroutine() != co {
		panic(ErrNotInCoroutine)
	}
	ret := resultInProgress
	p.Submit(fn, func(r int) {
		ret = r
		co.Wake()
	})
	co.Yield()
	return ret
}

// Cancel prevents w from running, if it hasn't started, in which case its
// completion is delivered with ResultCanceled. Otherwise it is a no-op, and
// the completion is delivered with the real result.
func (p *ThreadPool) Cancel(w *WorkItem) {
	if w == nil || w.pool != p {
		return
	}
	p.mu.Lock()
	if w.State() != WorkQueued {
		p.mu.Unlock()
		return
	}
	// left in the FIFO, for workers to skip
	p.queued--
	w.status.Store(packWorkStatus(WorkDone, ResultCanceled))
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.WorkCanceled.Add(1)
	}
	p.completionBH.Schedule()
}

// UpdateParams changes the worker bounds, immediately starting workers up to
// minWorkers, and waking idle workers above maxWorkers so that they exit.
func (p *ThreadPool) UpdateParams(minWorkers, maxWorkers int) error {
	if minWorkers < 0 || maxWorkers < 1 || minWorkers > maxWorkers {
		return fmt.Errorf("aio: invalid thread pool limits: min=%d max=%d", minWorkers, maxWorkers)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrLoopTerminated
	}

	p.min = minWorkers
	p.max = maxWorkers
	for i := p.cur; i < p.min; i++ {
		p.spawnLocked()
	}
	for i := p.cur; i > p.max; i-- {
		p.requestCond.Signal()
	}
	return nil
}

// Stats returns a snapshot of the pool's counters.
func (p *ThreadPool) Stats() PoolStats {
	p.listMu.Lock()
	outstanding := p.outstanding
	p.listMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Workers:     p.cur,
		Idle:        len(p.requestCond.waiters),
		Starting:    p.newThreads + p.pendingThreads,
		Queued:      p.queued,
		Outstanding: outstanding,
		Min:         p.min,
		Max:         p.max,
	}
}

// Shutdown stops all workers, blocking until they have exited. All
// submitted work must have been delivered, otherwise Shutdown panics with
// ErrOutstandingWork.
//
// Shutdown is called when the loop is finalized.
func (p *ThreadPool) Shutdown() {
	if p.hasOutstanding() {
		panic(ErrOutstandingWork)
	}

	p.mu.Lock()
	// drop workers that haven't been started
	p.cur -= p.newThreads
	p.newThreads = 0
	p.stopped = true
	p.min = 0
	p.max = 0
	p.requestCond.Broadcast()
	for p.cur > 0 {
		p.workerStopped.Wait()
	}
	p.mu.Unlock()

	p.completionBH.Delete()
}

func (p *ThreadPool) hasOutstanding() bool {
	p.listMu.Lock()
	defer p.listMu.Unlock()
	return p.outstanding != 0
}

// spawnLocked accounts for a new worker, starting it unless another worker
// is starting, in which case that worker will start it.
func (p *ThreadPool) spawnLocked() {
	p.cur++
	p.newThreads++
	if p.pendingThreads == 0 {
		p.startLocked()
	}
}

func (p *ThreadPool) startLocked() {
	if p.newThreads == 0 {
		return
	}
	p.newThreads--
	p.pendingThreads++
	go p.worker()
}

func (p *ThreadPool) worker() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.mu.Lock()
	p.pendingThreads--
	p.startLocked()

	for p.cur <= p.max {
		if p.queued == 0 {
			signaled := p.requestCond.Wait(p.idleTimeout)
			if !signaled && p.queued == 0 && p.cur > p.min {
				break
			}
			// re-check the bounds before picking up work
			continue
		}

		w := p.popLocked()
		w.status.Store(packWorkStatus(WorkActive, 0))
		p.mu.Unlock()

		ret := p.run(w)
		w.status.Store(packWorkStatus(WorkDone, ret))
		p.completionBH.Schedule()

		p.mu.Lock()
	}

	p.cur--
	p.workerStopped.Signal()
	// hand on the wake-up, in case it was meant for a worker that stays
	p.requestCond.Signal()
	p.logger.Trace().
		Str("component", logComponentPool).
		Int("workers", p.cur).
		Log("aio: worker exited")
	p.mu.Unlock()
}

// popLocked returns the oldest queued item, skipping canceled ones. There
// must be a queued item.
func (p *ThreadPool) popLocked() *WorkItem {
	for {
		w, ok := p.pending.Pop()
		if !ok {
			panic(`aio: thread pool queue out of sync`)
		}
		if w.State() == WorkQueued {
			p.queued--
			return w
		}
	}
}

func (p *ThreadPool) run(w *WorkItem) (ret int) {
	var start time.Time
	if p.metrics != nil {
		start = time.Now()
	}
	defer func() {
		if r := recover(); r != nil {
			p.loop.logPanic(logComponentPool, r)
			ret = ResultPanicked
		}
		if p.metrics != nil {
			p.metrics.WorkLatency.Record(time.Since(start))
		}
	}()
	return w.fn()
}

// complete is the completion bottom half.
func (p *ThreadPool) complete() {
	for p.completeOne() {
	}
}

// completeOne delivers one finished item, returning false if there are none.
// It reschedules the bottom half while the callback runs, in case the
// callback waits on another completion via a nested Poll.
func (p *ThreadPool) completeOne() bool {
	p.listMu.Lock()
	w := p.head
	for w != nil && w.State() != WorkDone {
		w = w.next
	}
	if w == nil {
		p.listMu.Unlock()
		return false
	}
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		p.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	}
	w.prev, w.next = nil, nil
	p.outstanding--
	p.listMu.Unlock()

	_, ret := w.load()
	if p.metrics != nil && ret != ResultCanceled {
		p.metrics.WorkCompleted.Add(1)
	}
	if w.cb != nil {
		p.completionBH.Schedule()
		p.loop.safeCall(logComponentPool, func() { w.cb(ret) })
		p.completionBH.Cancel()
	}
	return true
}
