package aio

import (
	"errors"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("aio: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("aio: loop has been terminated")

	// ErrReentrantRun is returned when Run() is called from within the loop itself.
	ErrReentrantRun = errors.New("aio: cannot call Run() from within the loop")

	// ErrNotInCoroutine is the panic value used when a coroutine-only
	// operation is called from outside the coroutine.
	ErrNotInCoroutine = errors.New("aio: not executing inside the coroutine")

	// ErrOutstandingWork is the panic value used when a thread pool is shut
	// down while submitted work has not been delivered.
	ErrOutstandingWork = errors.New("aio: thread pool has outstanding work")
)

// Results delivered to a CompletionFunc by the pool itself, rather than by
// the submitted WorkFunc. They follow the negative errno convention.
const (
	// ResultCanceled is delivered for work cancelled before it started
	// (negative ECANCELED).
	ResultCanceled = -125

	// ResultPanicked is delivered for work whose function panicked
	// (negative ENOTRECOVERABLE).
	ResultPanicked = -131

	// resultInProgress is the placeholder result of a SubmitCo call that
	// has not completed (negative EINPROGRESS).
	resultInProgress = -115
)
