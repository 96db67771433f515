// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package aio

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// BackendKind selects the readiness backend of a Loop.
type BackendKind int

const (
	// BackendAuto starts with poll(2), upgrading to epoll (Linux only) once
	// the number of watched handles reaches the epoll threshold.
	BackendAuto BackendKind = iota
	// BackendPoll always uses poll(2).
	BackendPoll
	// BackendEpoll upgrades to epoll immediately (Linux only), falling back
	// to poll(2) if that fails.
	BackendEpoll
)

// String returns a human-readable representation of the backend kind.
func (k BackendKind) String() string {
	switch k {
	case BackendAuto:
		return "auto"
	case BackendPoll:
		return "poll"
	case BackendEpoll:
		return "epoll"
	default:
		return fmt.Sprintf("BackendKind(%d)", int(k))
	}
}

const (
	// DefaultEpollThreshold is the number of watched handles at which
	// BackendAuto switches to epoll.
	DefaultEpollThreshold = 64

	// DefaultMaxWorkers is the default upper bound of thread pool workers.
	DefaultMaxWorkers = 64

	// DefaultWorkerIdleTimeout is how long an idle worker waits for work
	// before exiting (if above the minimum).
	DefaultWorkerIdleTimeout = 10 * time.Second
)

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger             *logiface.Logger[logiface.Event]
	logLimiter         *catrate.Limiter
	backend            BackendKind
	epollThreshold     int
	minWorkers         int
	maxWorkers         int
	workerIdleTimeout  time.Duration
	pollMaxNs          int64
	pollGrow           int64
	pollShrink         int64
	conservativeNotify bool
	metricsEnabled     bool
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger attaches a structured logger to the Loop, used to report
// degraded backends, recovered panics and thread pool events.
// A nil logger disables logging (the default).
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLogRateLimits limits how often each category of repetitive error
// (recovered callback panics, failed readiness waits) is logged, e.g.
// map[time.Duration]int{time.Second: 5, time.Minute: 20}. The rates must be
// positive, with counts increasing with their durations.
//
// This is independent of any category rate limits configured on the logger
// itself, which also apply.
func WithLogRateLimits(rates map[time.Duration]int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) (err error) {
		if len(rates) == 0 {
			opts.logLimiter = nil
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("aio: invalid log rate limits: %v", r)
			}
		}()
		opts.logLimiter = catrate.NewLimiter(rates)
		return nil
	}}
}

// WithBackend selects the readiness backend. Ignored on Windows, which always
// waits on event handles.
func WithBackend(kind BackendKind) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		switch kind {
		case BackendAuto, BackendPoll, BackendEpoll:
		default:
			return fmt.Errorf("aio: invalid backend: %v", kind)
		}
		opts.backend = kind
		return nil
	}}
}

// WithEpollThreshold sets the number of watched handles at which BackendAuto
// upgrades to epoll.
func WithEpollThreshold(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n < 0 {
			return fmt.Errorf("aio: invalid epoll threshold: %d", n)
		}
		opts.epollThreshold = n
		return nil
	}}
}

// WithThreadPoolLimits sets the initial worker bounds of the Loop's thread
// pool. See also ThreadPool.UpdateParams.
func WithThreadPoolLimits(minWorkers, maxWorkers int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if minWorkers < 0 || maxWorkers < 1 || minWorkers > maxWorkers {
			return fmt.Errorf("aio: invalid thread pool limits: min=%d max=%d", minWorkers, maxWorkers)
		}
		opts.minWorkers = minWorkers
		opts.maxWorkers = maxWorkers
		return nil
	}}
}

// WithWorkerIdleTimeout sets how long an idle thread pool worker waits for
// work before exiting, while the pool is above its minimum.
func WithWorkerIdleTimeout(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if d <= 0 {
			return fmt.Errorf("aio: invalid worker idle timeout: %v", d)
		}
		opts.workerIdleTimeout = d
		return nil
	}}
}

// WithPollParams enables adaptive busy polling, up to maxNs nanoseconds per
// cycle, see Loop.Poll. A grow or shrink of 0 selects the default (grow by 2,
// shrink to 0). Busy polling is disabled when maxNs is 0 (the default).
func WithPollParams(maxNs, grow, shrink int64) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if maxNs < 0 || grow < 0 || shrink < 0 {
			return fmt.Errorf("aio: invalid poll params: max=%d grow=%d shrink=%d", maxNs, grow, shrink)
		}
		opts.pollMaxNs = maxNs
		opts.pollGrow = grow
		opts.pollShrink = shrink
		return nil
	}}
}

// WithConservativeNotify disables the wake-skip optimization, so that every
// Notify sets the loop's event notifier, even when the loop is known not to
// be blocked.
func WithConservativeNotify(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.conservativeNotify = enabled
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop and its thread
// pool. When enabled, metrics can be accessed via Loop.Metrics().
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		backend:           BackendAuto,
		epollThreshold:    DefaultEpollThreshold,
		maxWorkers:        DefaultMaxWorkers,
		workerIdleTimeout: DefaultWorkerIdleTimeout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
