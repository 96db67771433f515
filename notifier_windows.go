//go:build windows

package aio

import (
	"golang.org/x/sys/windows"
)

// EventNotifier is a level-triggered, cross-thread signal, backed by a
// manual-reset event object.
type EventNotifier struct {
	h windows.Handle
}

// NewEventNotifier creates a notifier, initially set if active is true.
func NewEventNotifier(active bool) (*EventNotifier, error) {
	var initial uint32
	if active {
		initial = 1
	}
	h, err := windows.CreateEvent(nil, 1, initial, nil)
	if err != nil {
		return nil, err
	}
	return &EventNotifier{h: h}, nil
}

// FD returns the event handle, as accepted by Loop.SetFDHandler.
func (n *EventNotifier) FD() int { return int(n.h) }

// Set signals the notifier. Safe to call from any goroutine.
func (n *EventNotifier) Set() error {
	return windows.SetEvent(n.h)
}

// TestAndClear resets the event, reporting whether it was set.
func (n *EventNotifier) TestAndClear() bool {
	ev, err := windows.WaitForSingleObject(n.h, 0)
	if err != nil || ev != windows.WAIT_OBJECT_0 {
		return false
	}
	_ = windows.ResetEvent(n.h)
	return true
}

// Close releases the event handle.
func (n *EventNotifier) Close() error {
	return windows.CloseHandle(n.h)
}
