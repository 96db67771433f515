package aio

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-aio/internal/fifo"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// shutdownDrainPasses bounds the non-blocking passes a graceful shutdown
// makes, once the loop has stopped.
const shutdownDrainPasses = 1024

// Loop is an event loop: a registry of watched sources, bottom halves and
// timers, dispatched by whichever goroutine drives Poll (typically Run), plus
// a lazily created ThreadPool whose completions are delivered by the same
// dispatcher.
//
// Only one goroutine dispatches at a time. Poll may be called recursively
// from within callbacks, e.g. to wait synchronously for a completion. Every
// other method is safe to call from any goroutine.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	registry handlerRegistry
	timers   timerListGroup

	opts       *loopOptions
	logger     *logiface.Logger[logiface.Event]
	logLimiter *catrate.Limiter
	metrics    *loopMetrics
	state      *FastState

	notifier *EventNotifier
	// notifierMu guards notifier against being closed while set
	notifierMu     sync.RWMutex
	notifierClosed bool

	// notifyMe is non-zero while a Poll may block
	notifyMe atomic.Int32
	notified atomic.Bool

	externalDisableCnt atomic.Int32

	// ownerMu is the ownership lock, see Acquire
	ownerMu recMutex
	// dispatchMu admits a single dispatcher
	dispatchMu recMutex

	// per-nesting-depth scratch buffers, guarded by dispatchMu
	scratch    []*pollScratch
	pollDepth  int
	pollMode   pollState
	pollWindow atomic.Int64

	bhMu    sync.Mutex
	bhQueue fifo.Queue[*BH]

	poolMu sync.Mutex
	pool   *ThreadPool

	loopGoroutineID atomic.Uint64
	graceful        atomic.Bool
	stopOnce        sync.Once
	finalizeOnce    sync.Once

	// Loop termination signaling
	loopDone chan struct{}
}

// pollScratch holds the buffers of one nesting level of Poll.
type pollScratch struct {
	ready []*handler
	nodes []*handler
}

// New creates a new loop. The loop may be driven by Run, or directly via
// Poll.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	notifier, err := NewEventNotifier(false)
	if err != nil {
		return nil, fmt.Errorf("aio: failed to create notifier: %w", err)
	}

	l := &Loop{
		opts:       cfg,
		logger:     cfg.logger,
		logLimiter: cfg.logLimiter,
		state:      NewFastState(),
		notifier:   notifier,
		pollMode: pollState{
			maxNs:  cfg.pollMaxNs,
			grow:   cfg.pollGrow,
			shrink: cfg.pollShrink,
		},
		loopDone: make(chan struct{}),
	}
	if cfg.metricsEnabled {
		l.metrics = new(loopMetrics)
	}
	l.ownerMu.init()
	l.dispatchMu.init()
	l.timers.init()
	l.registry.live = make(map[int]*handler)
	l.registry.monitor = newBaseMonitor(l)

	// also upgrades to epoll, if requested
	l.registry.set(l, notifier.FD(), &handler{
		fd:       notifier.FD(),
		read:     l.notifierRead,
		poll:     l.notifierPoll,
		events:   readEvents,
		internal: true,
	})

	return l, nil
}

// Run drives Poll, blocking until the loop terminates, via Shutdown, Close,
// or ctx being canceled. The ownership lock (see Acquire) is held while
// dispatching.
//
// Run locks the calling goroutine to its OS thread.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	// Close loopDone when run exits to signal completion to Shutdown waiters
	defer close(l.loopDone)

	return l.run(ctx)
}

// run is the main loop goroutine.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// Start context watcher goroutine to wake loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.kick()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		if err := ctx.Err(); err != nil {
			l.beginTermination()
			l.shutdown(false)
			return err
		}

		if s := l.state.Load(); s == StateTerminating || s == StateTerminated {
			l.shutdown(l.graceful.Load())
			return nil
		}

		l.Acquire()
		l.Poll(true)
		l.Release()
	}
}

// beginTermination moves a running loop to StateTerminating.
func (l *Loop) beginTermination() {
	for {
		current := l.state.Load()
		if current == StateTerminating || current == StateTerminated {
			return
		}
		if l.state.TryTransition(current, StateTerminating) {
			return
		}
	}
}

// Shutdown gracefully stops the loop: Run returns after dispatching
// everything that is ready, and outstanding thread pool work has been
// delivered. Blocks until that completes or ctx expires, except when called
// by the dispatcher itself, in which case it returns immediately.
//
// A loop that was never Run is finalized by the caller.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	if result == nil && l.state.Load() != StateTerminated && !l.isLoopThread() {
		return ErrLoopTerminated
	}
	return result
}

// shutdownImpl contains the actual Shutdown implementation.
func (l *Loop) shutdownImpl(ctx context.Context) error {
	l.graceful.Store(true)
	for {
		currentState := l.state.Load()
		if currentState == StateTerminated || currentState == StateTerminating {
			return ErrLoopTerminated
		}

		if l.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				// in case Poll is being driven directly
				l.kick()
				l.shutdown(true)
				return nil
			}
			l.kick()
			break
		}
	}

	if l.isLoopThread() {
		return nil
	}

	// Wait for termination via channel, NOT polling
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop without draining it. It does not wait for Run to
// return. Outstanding thread pool work is still delivered before the pool is
// torn down.
func (l *Loop) Close() error {
	for {
		currentState := l.state.Load()
		if currentState == StateTerminated || currentState == StateTerminating {
			return ErrLoopTerminated
		}

		if l.state.TryTransition(currentState, StateTerminating) {
			if currentState == StateAwake {
				l.kick()
				l.shutdown(false)
				return nil
			}
			l.kick()
			return nil
		}
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// shutdown performs the shutdown sequence.
func (l *Loop) shutdown(graceful bool) {
	if graceful {
		for i := 0; i < shutdownDrainPasses && l.Poll(false); i++ {
		}
	}
	l.finalize()
}

// finalize tears the loop down, once.
func (l *Loop) finalize() {
	l.finalizeOnce.Do(func() {
		// completions must be delivered before the pool can be freed
		if pool := l.threadPool(); pool != nil {
			for pool.hasOutstanding() {
				l.Poll(true)
			}
		}

		l.dispatchMu.Lock()
		defer l.dispatchMu.Unlock()

		if pool := l.threadPool(); pool != nil {
			pool.Shutdown()
		}

		l.registry.set(l, l.notifier.FD(), nil)

		r := &l.registry
		r.mu.Lock()
		monitors := append(r.retired, r.monitor)
		r.retired = nil
		r.monitor = closedMonitor{}
		r.mu.Unlock()
		for _, m := range monitors {
			if err := m.close(); err != nil {
				l.logger.Warning().
					Str("component", logComponentBackend).
					Str("backend", m.name()).
					Err(err).
					Log("aio: failed to close backend")
			}
		}

		l.notifierMu.Lock()
		l.notifierClosed = true
		err := l.notifier.Close()
		l.notifierMu.Unlock()
		if err != nil {
			l.logger.Warning().
				Str("component", logComponentLoop).
				Err(err).
				Log("aio: failed to close notifier")
		}

		l.state.Store(StateTerminated)
	})
}

// Acquire takes the loop's ownership lock, which is held by Run while it is
// dispatching, and released by Poll while it blocks. The lock is recursive.
// It excludes the dispatcher, allowing the caller to manipulate state that
// callbacks also access.
func (l *Loop) Acquire() {
	l.ownerMu.Lock()
}

// Release releases the ownership lock, see Acquire. Panics if the caller
// doesn't hold it.
func (l *Loop) Release() {
	if !l.ownerMu.heldByCurrent() {
		panic(`aio: release of ownership lock not held by the caller`)
	}
	l.ownerMu.Unlock()
}

// DisableExternal stops dispatching (and waiting on) handlers registered as
// external, until a matching EnableExternal. Calls nest.
func (l *Loop) DisableExternal() {
	l.externalDisableCnt.Add(1)
	// kick the loop so it stops waiting on external handlers
	l.Notify()
}

// EnableExternal reverts a DisableExternal.
func (l *Loop) EnableExternal() {
	old := l.externalDisableCnt.Add(-1) + 1
	if old <= 0 {
		l.externalDisableCnt.Add(1)
		panic(`aio: unbalanced EnableExternal`)
	}
	if old == 1 {
		l.Notify()
	}
}

func (l *Loop) externalDisabled() bool {
	return l.externalDisableCnt.Load() != 0
}

// nodeCheck reports whether h may be dispatched.
func (l *Loop) nodeCheck(h *handler) bool {
	return !h.external || !l.externalDisabled()
}

// ThreadPool returns the loop's thread pool, creating it on first use. The
// pool must not be used after the loop has terminated.
func (l *Loop) ThreadPool() *ThreadPool {
	l.poolMu.Lock()
	defer l.poolMu.Unlock()
	if l.pool == nil {
		l.pool = newThreadPool(l)
	}
	return l.pool
}

func (l *Loop) threadPool() *ThreadPool {
	l.poolMu.Lock()
	defer l.poolMu.Unlock()
	return l.pool
}

// isLoopThread checks if we're on the goroutine running Run (or a coroutine
// it entered).
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return currentOwnerID() == loopID
}

// closedMonitor replaces the backend of a finalized loop.
type closedMonitor struct{}

func (closedMonitor) name() string                   { return "closed" }
func (closedMonitor) update(old, new *handler) error { return nil }
func (closedMonitor) close() error                   { return nil }

func (closedMonitor) wait(ready []*handler, timeout time.Duration) ([]*handler, error) {
	if timeout > 0 {
		time.Sleep(timeout)
	}
	return ready, nil
}
