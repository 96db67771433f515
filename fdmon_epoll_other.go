//go:build !linux

package aio

type epollMonitor struct {
	fdMonitor
}

func newEpollMonitor(*Loop) (*epollMonitor, error) {
	return nil, errEpollUnsupported
}
