// Package aio provides an event loop for multiplexed I/O readiness, with
// bottom halves, timers, and a thread pool for offloading blocking work.
//
// # Architecture
//
// A [Loop] owns a registry of watched sources ([Loop.SetFDHandler],
// [Loop.SetEventNotifier]), a queue of bottom halves ([BH]), per-clock
// [Timer] heaps, and a lazily created [ThreadPool]. A single goroutine at a
// time drives [Loop.Poll], which waits for readiness, then dispatches ready
// handlers, then drains bottom halves, then runs expired timers. [Loop.Run]
// drives Poll until the loop is shut down.
//
// Registration, scheduling and submission are safe from any goroutine. A
// change made while the dispatcher is blocked wakes it through the loop's
// [EventNotifier] (see [Loop.Notify]), a write which is skipped whenever the
// dispatcher is known not to be blocking.
//
// Handlers may deregister themselves (or others) from within callbacks, and
// callbacks may call Poll recursively, e.g. to wait synchronously for a
// thread pool completion.
//
// # Platform Support
//
// Readiness is waited on using:
//   - Linux: poll(2), upgraded to epoll once enough handlers are registered
//     (see [WithBackend], [WithEpollThreshold]), falling back to poll(2) for
//     good if epoll fails
//   - Other Unix systems: poll(2)
//   - Windows: WaitForMultipleObjects, on up to 64 event handles
//
// # Thread Pool
//
// Work submitted via [ThreadPool.Submit] runs on a worker goroutine locked
// to an OS thread. Results are delivered to completion callbacks by the
// loop's dispatcher. Work may be canceled until a worker picks it up. The
// number of workers floats between configurable bounds, see
// [ThreadPool.UpdateParams]. [ThreadPool.SubmitCo] integrates with
// [Coroutine].
//
// # Usage
//
//	loop, err := aio.New(aio.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go loop.Run(ctx)
//
//	loop.ThreadPool().Submit(func() int {
//	    return doBlockingWork()
//	}, func(ret int) {
//	    // runs on the loop
//	})
package aio
