//go:build linux

package tickloop

import (
	"golang.org/x/sys/unix"
)

// ioEvents represents the type of I/O events to monitor.
type ioEvents uint32

const (
	// eventRead indicates the file descriptor is ready for reading.
	eventRead ioEvents = 1 << iota
	// eventWrite indicates the file descriptor is ready for writing.
	eventWrite
	// eventError indicates an error condition on the file descriptor.
	eventError
	// eventHangup indicates the peer closed its end of the connection.
	eventHangup
)

// poller manages I/O event registration using epoll (Linux). It is owned by
// a single pollBackend and touched only from the loop goroutine.
type poller struct {
	epfd     int
	eventBuf [128]unix.EpollEvent
	closed   bool
}

// init initializes the epoll instance.
func (p *poller) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	return nil
}

// close closes the epoll instance.
func (p *poller) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}

// handle returns the underlying epoll file descriptor.
func (p *poller) handle() any {
	return p.epfd
}

// add registers fd for the given events.
func (p *poller) add(fd int, events ioEvents) error {
	if p.closed {
		return ErrBackendClosed
	}
	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

// mod updates the events monitored for fd.
func (p *poller) mod(fd int, events ioEvents) error {
	if p.closed {
		return ErrBackendClosed
	}
	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// del removes fd from monitoring. Errors are ignored; the fd may already be
// closed by the user.
func (p *poller) del(fd int) {
	if p.closed {
		return
	}
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait polls once, invoking fn for each ready fd. A negative timeoutMs blocks
// indefinitely. EINTR is treated as an empty poll.
func (p *poller) wait(timeoutMs int, fn func(fd int, events ioEvents)) error {
	if p.closed {
		return ErrBackendClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 {
			continue
		}
		fn(fd, epollToEvents(p.eventBuf[i].Events))
	}
	return nil
}

// eventsToEpoll converts ioEvents to epoll event flags.
func eventsToEpoll(events ioEvents) uint32 {
	var epollEvents uint32
	if events&eventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&eventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to ioEvents.
func epollToEvents(epollEvents uint32) ioEvents {
	var events ioEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= eventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= eventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= eventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= eventHangup
	}
	return events
}
