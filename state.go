package aio

import (
	"sync/atomic"
)

// LoopState represents the current state of the loop.
//
// State Machine:
//
//	StateAwake (0) → StateRunning (3)          [Run()]
//	StateRunning (3) → StateSleeping (2)       [Poll() blocking wait, via CAS]
//	StateSleeping (2) → StateRunning (3)       [Poll() wake, via CAS]
//	StateRunning/Sleeping → StateTerminating (4) [Shutdown(), Close(), ctx]
//	StateAwake (0) → StateTerminated (1)       [Shutdown(), Close() before Run()]
//	StateTerminating (4) → StateTerminated (1) [Run() exit]
//	StateTerminated (1) → (terminal)
//
// A loop driven directly through Poll, without Run, stays in StateAwake.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but Run has not started.
	StateAwake LoopState = 0
	// StateTerminated indicates the loop has been stopped and finalized.
	StateTerminated LoopState = 1
	// StateSleeping indicates Run's loop is blocked in the readiness wait.
	StateSleeping LoopState = 2
	// StateRunning indicates Run's loop is actively dispatching.
	StateRunning LoopState = 3
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state machine with cache-line padding.
type FastState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte                      // Cache line padding (before value) //nolint:unused
	v atomic.Uint64                              // State value
	_ [sizeOfCacheLine - sizeOfAtomicUint64]byte // Pad to complete cache line //nolint:unused
}

// These constants are verified via unit tests.
const (
	// sizeOfCacheLine is 128 to satisfy both x86-64 (64) and Apple Silicon (128).
	sizeOfCacheLine = 128

	// sizeOfAtomicUint64 is the size of an atomic.Uint64 variable.
	sizeOfAtomicUint64 = 8
)

// NewFastState creates a new state machine in the Awake state.
func NewFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state atomically.
func (s *FastState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state, without transition validation.
// Only use it for irreversible states (Terminated).
func (s *FastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsTerminal returns true if the current state is terminal (Terminated).
func (s *FastState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

// IsRunning returns true if Run is currently driving the loop.
func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}
