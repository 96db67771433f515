package aio

import (
	"sync"

	"github.com/joeycumines/goroutineid"
)

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	if id := goroutineid.Fast(); id != -1 {
		return uint64(id)
	}
	return uint64(goroutineid.Slow(make([]byte, 64)))
}

// currentOwnerID identifies the caller for the purposes of lock ownership.
// A coroutine body runs on its own goroutine, but in lockstep with the
// goroutine that entered it, so it assumes that goroutine's identity.
func currentOwnerID() uint64 {
	id := getGoroutineID()
	if co := coroutineByGoroutine(id); co != nil {
		if owner := co.owner.Load(); owner != 0 {
			return owner
		}
	}
	return id
}

// recMutex is a recursive mutex, owned by a goroutine (or coroutine, see
// currentOwnerID). The zero value is not usable, see init.
type recMutex struct {
	cond  sync.Cond
	mu    sync.Mutex
	owner uint64
	depth int
}

func (m *recMutex) init() {
	m.cond.L = &m.mu
}

func (m *recMutex) Lock() {
	m.lockAs(currentOwnerID(), 1)
}

// TryLock acquires the mutex if it is free or already held by the caller.
func (m *recMutex) TryLock() bool {
	id := currentOwnerID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth != 0 && m.owner != id {
		return false
	}
	m.owner = id
	m.depth++
	return true
}

func (m *recMutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 {
		panic(`aio: unlock of unlocked recursive mutex`)
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.cond.Signal()
	}
}

// unlockAll fully releases the mutex if it is held by the caller, returning
// the depth that must be passed to relock. Returns 0 if the caller is not the
// owner.
func (m *recMutex) unlockAll() int {
	id := currentOwnerID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 || m.owner != id {
		return 0
	}
	depth := m.depth
	m.depth = 0
	m.owner = 0
	m.cond.Signal()
	return depth
}

// relock restores a depth returned by unlockAll.
func (m *recMutex) relock(depth int) {
	if depth > 0 {
		m.lockAs(currentOwnerID(), depth)
	}
}

func (m *recMutex) lockAs(id uint64, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.depth != 0 && m.owner != id {
		m.cond.Wait()
	}
	m.owner = id
	m.depth += depth
}

// heldByCurrent reports whether the caller owns the mutex.
func (m *recMutex) heldByCurrent() bool {
	id := currentOwnerID()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth != 0 && m.owner == id
}
