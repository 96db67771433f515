package aio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsDisabled(t *testing.T) {
	l := newTestLoop(t)

	l.ScheduleOneshot(func() {})
	l.Poll(false)

	if m := l.Metrics(); m != (Metrics{}) {
		t.Errorf("Metrics should be the zero value when not enabled, got %+v", m)
	}
}

func TestMetricsCounters(t *testing.T) {
	l := newTestLoop(t, WithMetrics(true))

	n, err := NewEventNotifier(true)
	require.NoError(t, err)
	defer n.Close()
	l.SetEventNotifier(n, false, func(n *EventNotifier) { n.TestAndClear() }, nil)

	l.ScheduleOneshot(func() {})
	l.NewTimer(ClockRealtime, func() {}).ModIn(0)

	require.True(t, l.Poll(false))
	assert.False(t, l.Poll(false))

	m := l.Metrics()
	assert.NotEmpty(t, m.Backend)
	assert.Equal(t, uint64(2), m.Polls)
	assert.Equal(t, uint64(1), m.ProgressPolls)
	assert.Equal(t, uint64(1), m.Dispatches)
	assert.Equal(t, uint64(1), m.BottomHalves)
	assert.Equal(t, uint64(1), m.Timers)
}

func TestLatencyMetrics(t *testing.T) {
	var lm LatencyMetrics
	assert.Equal(t, LatencySnapshot{}, lm.Sample())

	for i := 1; i <= 100; i++ {
		lm.Record(time.Duration(i) * time.Millisecond)
	}
	s := lm.Sample()
	assert.Equal(t, 100, s.Count)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 91*time.Millisecond, s.P90)
	assert.Equal(t, 100*time.Millisecond, s.P99)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Mean)
}

func TestLatencyMetrics_rollingWindow(t *testing.T) {
	var lm LatencyMetrics
	for range sampleSize {
		lm.Record(time.Hour)
	}
	for range sampleSize {
		lm.Record(time.Millisecond)
	}
	s := lm.Sample()
	assert.Equal(t, sampleSize, s.Count)
	assert.Equal(t, time.Millisecond, s.Max)
	assert.Equal(t, time.Millisecond, s.Mean)
}

func TestPercentileIndex(t *testing.T) {
	assert.Equal(t, 0, percentileIndex(1, 99))
	assert.Equal(t, 5, percentileIndex(10, 50))
	assert.Equal(t, 9, percentileIndex(10, 100))
}
