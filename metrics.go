package aio

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a snapshot of runtime statistics, see Loop.Metrics.
//
// Example:
//
//	loop, _ := New(WithMetrics(true))
//	go loop.Run(ctx)
//	stats := loop.Metrics()
//	fmt.Printf("polls: %d, work P99: %v\n", stats.Polls, stats.WorkLatency.P99)
type Metrics struct {
	// Backend is the name of the active readiness backend.
	Backend string

	// WorkLatency is the distribution of thread pool work execution times.
	WorkLatency LatencySnapshot

	// Polls counts dispatch passes, and ProgressPolls those which reported
	// progress.
	Polls         uint64
	ProgressPolls uint64

	// Dispatches counts handler callbacks, excluding the loop's own notifier.
	Dispatches uint64

	// BottomHalves and Timers count callbacks run.
	BottomHalves uint64
	Timers       uint64

	// Wakeups counts notifier writes, and WakeupsSkipped the notifications
	// which didn't need one.
	Wakeups        uint64
	WakeupsSkipped uint64

	// EpollFallbacks counts switches from epoll back to poll.
	EpollFallbacks uint64

	// Thread pool work items.
	WorkSubmitted uint64
	WorkCompleted uint64
	WorkCanceled  uint64
}

// LatencySnapshot is a latency distribution, computed from recent samples.
type LatencySnapshot struct {
	P50   time.Duration
	P90   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

// loopMetrics is the live counterpart of Metrics.
type loopMetrics struct {
	WorkLatency    LatencyMetrics
	Polls          atomic.Uint64
	ProgressPolls  atomic.Uint64
	Dispatches     atomic.Uint64
	BottomHalves   atomic.Uint64
	Timers         atomic.Uint64
	Wakeups        atomic.Uint64
	WakeupsSkipped atomic.Uint64
	EpollFallbacks atomic.Uint64
	WorkSubmitted  atomic.Uint64
	WorkCompleted  atomic.Uint64
	WorkCanceled   atomic.Uint64
}

// Metrics returns a snapshot of the loop's statistics. The zero value is
// returned unless the loop was created WithMetrics(true).
func (l *Loop) Metrics() Metrics {
	m := l.metrics
	if m == nil {
		return Metrics{}
	}
	return Metrics{
		Backend:        l.backendName(),
		WorkLatency:    m.WorkLatency.Sample(),
		Polls:          m.Polls.Load(),
		ProgressPolls:  m.ProgressPolls.Load(),
		Dispatches:     m.Dispatches.Load(),
		BottomHalves:   m.BottomHalves.Load(),
		Timers:         m.Timers.Load(),
		Wakeups:        m.Wakeups.Load(),
		WakeupsSkipped: m.WakeupsSkipped.Load(),
		EpollFallbacks: m.EpollFallbacks.Load(),
		WorkSubmitted:  m.WorkSubmitted.Load(),
		WorkCompleted:  m.WorkCompleted.Load(),
		WorkCanceled:   m.WorkCanceled.Load(),
	}
}

// LatencyMetrics tracks a rolling window of latency samples.
type LatencyMetrics struct {
	samples     [sampleSize]time.Duration
	sum         time.Duration
	sampleIdx   int
	sampleCount int
	mu          sync.Mutex
}

// sampleSize is the maximum number of latency samples to retain.
const sampleSize = 1000

// Record records a latency sample.
func (l *LatencyMetrics) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// If buffer is full, subtract the old sample that we're replacing
	if l.sampleCount >= sampleSize {
		l.sum -= l.samples[l.sampleIdx]
	}

	l.samples[l.sampleIdx] = duration
	l.sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample computes percentiles from the retained samples.
func (l *LatencyMetrics) Sample() LatencySnapshot {
	l.mu.Lock()
	count := l.sampleCount
	sorted := make([]time.Duration, count)
	copy(sorted, l.samples[:count])
	sum := l.sum
	l.mu.Unlock()

	if count == 0 {
		return LatencySnapshot{}
	}
	slices.Sort(sorted)
	return LatencySnapshot{
		P50:   sorted[percentileIndex(count, 50)],
		P90:   sorted[percentileIndex(count, 90)],
		P95:   sorted[percentileIndex(count, 95)],
		P99:   sorted[percentileIndex(count, 99)],
		Max:   sorted[count-1],
		Mean:  sum / time.Duration(count),
		Count: count,
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}
