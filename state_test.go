package aio

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestLoopState_String(t *testing.T) {
	for state, want := range map[LoopState]string{
		StateAwake:       "Awake",
		StateRunning:     "Running",
		StateSleeping:    "Sleeping",
		StateTerminating: "Terminating",
		StateTerminated:  "Terminated",
		LoopState(99):    "Unknown",
	} {
		assert.Equal(t, want, state.String())
	}
}

func TestFastState_transitions(t *testing.T) {
	s := NewFastState()
	assert.Equal(t, StateAwake, s.Load())
	assert.False(t, s.IsRunning())

	assert.True(t, s.TryTransition(StateAwake, StateRunning))
	assert.False(t, s.TryTransition(StateAwake, StateRunning))
	assert.True(t, s.IsRunning())

	assert.True(t, s.TryTransition(StateRunning, StateSleeping))
	assert.True(t, s.IsRunning())

	assert.True(t, s.TryTransition(StateSleeping, StateTerminating))
	assert.False(t, s.IsRunning())
	assert.False(t, s.IsTerminal())

	s.Store(StateTerminated)
	assert.True(t, s.IsTerminal())
}

func TestFastState_padding(t *testing.T) {
	var s FastState
	assert.Equal(t, uintptr(sizeOfAtomicUint64), unsafe.Sizeof(s.v))
	assert.Equal(t, uintptr(sizeOfCacheLine), unsafe.Offsetof(s.v))
	assert.Equal(t, uintptr(2*sizeOfCacheLine), unsafe.Sizeof(s))
}
