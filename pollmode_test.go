package aio

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustPollTime(t *testing.T) {
	for _, tc := range [...]struct {
		name    string
		state   pollState
		blocked time.Duration
		want    int64
	}{
		{name: "disabled", state: pollState{}, blocked: time.Millisecond, want: 0},
		{name: "start", state: pollState{maxNs: 1e6}, blocked: 500 * time.Microsecond, want: pollInitialNs},
		{name: "caught by polling", state: pollState{ns: 8000, maxNs: 1e6}, blocked: 2 * time.Microsecond, want: 8000},
		{name: "grow default", state: pollState{ns: 4000, maxNs: 1e6}, blocked: 10 * time.Microsecond, want: 8000},
		{name: "grow custom", state: pollState{ns: 4000, maxNs: 1e6, grow: 4}, blocked: 10 * time.Microsecond, want: 16000},
		{name: "grow capped", state: pollState{ns: 600000, maxNs: 1e6}, blocked: 900 * time.Microsecond, want: 1e6},
		{name: "shrink to zero", state: pollState{ns: 8000, maxNs: 1e6}, blocked: 2 * time.Millisecond, want: 0},
		{name: "shrink custom", state: pollState{ns: 8000, maxNs: 1e6, shrink: 2}, blocked: 2 * time.Millisecond, want: 4000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := &Loop{pollMode: tc.state}
			l.adjustPollTime(tc.blocked)
			assert.Equal(t, tc.want, l.pollMode.ns)
			if tc.state.maxNs != 0 {
				assert.Equal(t, time.Duration(tc.want), l.PollWindow())
			}
		})
	}
}

func TestPoll_busyPolling(t *testing.T) {
	l := newTestLoop(t, WithPollParams(int64(100*time.Millisecond), 0, 0))

	n, err := NewEventNotifier(false)
	require.NoError(t, err)
	defer n.Close()

	var (
		ready  atomic.Bool
		polled atomic.Int32
		calls  int
	)
	l.SetEventNotifier(n, false, func(*EventNotifier) {
		calls++
		ready.Store(false)
	}, func(*EventNotifier) bool {
		polled.Add(1)
		return ready.Load()
	})

	l.pollMode.ns = int64(100 * time.Millisecond)
	ready.Store(true)

	// the notifier itself was never set, only the poll callback reports it
	require.True(t, l.Poll(true))
	assert.Equal(t, 1, calls)
	assert.GreaterOrEqual(t, polled.Load(), int32(1))
	assert.False(t, n.TestAndClear())
}

func TestPoll_busyPollingNeedsEveryHandler(t *testing.T) {
	l := newTestLoop(t, WithPollParams(int64(time.Millisecond), 0, 0))

	n1, err := NewEventNotifier(false)
	require.NoError(t, err)
	defer n1.Close()
	n2, err := NewEventNotifier(false)
	require.NoError(t, err)
	defer n2.Close()

	l.SetEventNotifier(n1, false, func(*EventNotifier) {}, func(*EventNotifier) bool { return true })
	l.SetEventNotifier(n2, false, func(n *EventNotifier) { n.TestAndClear() }, nil)

	var s pollScratch
	timeout := time.Duration(-1)
	l.pollMode.ns = int64(time.Millisecond)
	ready, polled := l.tryPollMode(nil, &s, &timeout)
	assert.False(t, polled)
	assert.Empty(t, ready)
	assert.Equal(t, time.Duration(-1), timeout)
}
