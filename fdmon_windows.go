//go:build windows

package aio

import (
	"time"

	"golang.org/x/sys/windows"
)

// maximumWaitObjects is the limit on handles per WaitForMultipleObjects call.
const maximumWaitObjects = 64

// waitMonitor waits on event handles. Only the read callback of a handler is
// meaningful, invoked when the handle is signaled.
type waitMonitor struct {
	loop    *Loop
	handles []windows.Handle
	nodes   []*handler
}

func newBaseMonitor(l *Loop) fdMonitor {
	return &waitMonitor{loop: l}
}

func (m *waitMonitor) name() string { return backendWait }

func (m *waitMonitor) update(old, new *handler) error { return nil }

func (m *waitMonitor) close() error { return nil }

func (m *waitMonitor) wait(ready []*handler, timeout time.Duration) ([]*handler, error) {
	nodes := m.loop.registry.snapshot(m.nodes[:0], m.loop.externalDisabled())
	if len(nodes) > maximumWaitObjects {
		m.loop.logger.Warning().
			Limit().
			Str("component", logComponentBackend).
			Int("handles", len(nodes)).
			Log("aio: too many handles, ignoring the excess")
		nodes = nodes[:maximumWaitObjects]
	}
	handles := m.handles[:0]
	for _, h := range nodes {
		handles = append(handles, windows.Handle(h.fd))
	}
	allNodes, allHandles := nodes, handles
	defer func() {
		clear(allNodes)
		m.nodes = allNodes[:0]
		m.handles = allHandles[:0]
	}()

	if len(handles) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return ready, nil
	}

	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(timeoutMillis(timeout))
	}

	// each call reports at most one signaled handle, so keep going with a
	// zero timeout, minus the handles already reported
	for len(handles) != 0 {
		ev, err := windows.WaitForMultipleObjects(handles, false, ms)
		if err != nil {
			return ready, err
		}
		if ev == uint32(windows.WAIT_TIMEOUT) || ev >= windows.WAIT_OBJECT_0+uint32(len(handles)) {
			break
		}
		i := int(ev - windows.WAIT_OBJECT_0)
		h := nodes[i]
		h.revents.Store(uint32(EventRead))
		ready = append(ready, h)

		last := len(handles) - 1
		handles[i], nodes[i] = handles[last], nodes[last]
		handles, nodes = handles[:last], nodes[:last]
		ms = 0
	}
	return ready, nil
}
