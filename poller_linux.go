//go:build linux

package netreactor

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// connected sockets are edge-triggered, the sweep covers what that misses
	socketEpollEvents = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLPRI | unix.EPOLLRDHUP | unix.EPOLLET
	// listeners are level-triggered
	acceptorEpollEvents = unix.EPOLLIN | unix.EPOLLRDHUP
)

var errPollerClosed = errors.New("netreactor: poller closed")

// epollPoller manages readiness registration using epoll.
type epollPoller struct {
	buf    []unix.EpollEvent
	epfd   int
	closed atomic.Bool
}

func newPlatformPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newSystemError("epoll_create1", err)
	}
	return &epollPoller{epfd: epfd}, nil
}

func (p *epollPoller) Add(fd int, token uint32, capability Capability) error {
	if p.closed.Load() {
		return errPollerClosed
	}
	ev := unix.EpollEvent{
		Events: epollEventsFor(capability),
		Fd:     int32(fd),
		Pad:    int32(token),
	}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	if errors.Is(err, unix.EEXIST) {
		// number reused while the previous file was still in the interest set
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	if err != nil {
		return newSystemError("epoll_ctl", err)
	}
	return nil
}

func (p *epollPoller) Delete(fd int) error {
	if p.closed.Load() {
		return errPollerClosed
	}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	switch {
	case err == nil, errors.Is(err, unix.ENOENT), errors.Is(err, unix.EBADF):
		// the kernel drops closed files from the interest set by itself
		return nil
	default:
		return newSystemError("epoll_ctl", err)
	}
}

func (p *epollPoller) Wait(events []pollEvent, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, errPollerClosed
	}
	if cap(p.buf) < len(events) {
		p.buf = make([]unix.EpollEvent, len(events))
	}
	buf := p.buf[:len(events)]

	n, err := unix.EpollWait(p.epfd, buf, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, newSystemError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		events[i] = pollEvent{
			fd:     int(buf[i].Fd),
			token:  uint32(buf[i].Pad),
			events: epollToEvents(buf[i].Events),
		}
	}
	return n, nil
}

func (p *epollPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(p.epfd)
}

func epollEventsFor(capability Capability) uint32 {
	if capability == CapabilityAcceptor {
		return acceptorEpollEvents
	}
	return socketEpollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
