//go:build darwin

package tickloop

import (
	"golang.org/x/sys/unix"
)

// ioEvents represents the type of I/O events to monitor.
type ioEvents uint32

const (
	eventRead ioEvents = 1 << iota
	eventWrite
	eventError
	eventHangup
)

// poller manages I/O event registration using kqueue (Darwin). It is owned
// by a single pollBackend and touched only from the loop goroutine.
type poller struct {
	kq       int
	eventBuf [128]unix.Kevent_t
	closed   bool
}

// init initializes the kqueue instance.
func (p *poller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	return nil
}

// close closes the kqueue instance.
func (p *poller) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.kq)
}

// handle returns the underlying kqueue file descriptor.
func (p *poller) handle() any {
	return p.kq
}

// add registers fd for the given events.
func (p *poller) add(fd int, events ioEvents) error {
	if p.closed {
		return ErrBackendClosed
	}
	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	_, err := unix.Kevent(p.kq, kevents, nil, nil)
	return err
}

// mod updates the events monitored for fd by re-adding filters; EV_ADD on an
// existing (fd, filter) pair updates it in place, so only removed filters
// need an explicit delete.
func (p *poller) mod(fd int, events ioEvents) error {
	if p.closed {
		return ErrBackendClosed
	}
	del := eventsToKevents(fd, (eventRead|eventWrite)&^events, unix.EV_DELETE)
	if len(del) > 0 {
		_, _ = unix.Kevent(p.kq, del, nil, nil) // filter may not exist
	}
	add := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(add) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, add, nil, nil)
	return err
}

// del removes fd from monitoring. Errors are ignored; the fd may already be
// closed by the user.
func (p *poller) del(fd int) {
	if p.closed {
		return
	}
	kevents := eventsToKevents(fd, eventRead|eventWrite, unix.EV_DELETE)
	_, _ = unix.Kevent(p.kq, kevents, nil, nil)
}

// wait polls once, invoking fn for each ready fd. A negative timeoutMs blocks
// indefinitely. EINTR is treated as an empty poll.
func (p *poller) wait(timeoutMs int, fn func(fd int, events ioEvents)) error {
	if p.closed {
		return ErrBackendClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	for i := 0; i < n; i++ {
		kev := &p.eventBuf[i]
		fn(int(kev.Ident), keventToEvents(kev))
	}
	return nil
}

// eventsToKevents converts ioEvents to kqueue kevent structures.
func eventsToKevents(fd int, events ioEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&eventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&eventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

// keventToEvents converts a kqueue kevent to ioEvents.
func keventToEvents(kev *unix.Kevent_t) ioEvents {
	var events ioEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= eventRead
	case unix.EVFILT_WRITE:
		events |= eventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= eventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= eventHangup
	}
	return events
}
