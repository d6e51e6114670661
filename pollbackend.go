//go:build linux || darwin

package tickloop

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// pollBackend is the default Backend: a platform poller (epoll on Linux,
// kqueue on Darwin) for stream readiness, an eventfd/self-pipe for external
// wake-up, and os/signal for process signals. Signal delivery is forwarded
// onto the wake fd so a blocking Dispatch observes it promptly.
//
// All methods except Wakeup are called only from the owning loop's goroutine.
type pollBackend struct {
	sink Sink

	p poller

	wakeRead  int
	wakeWrite int
	wakeBuf   [8]byte

	// Stream watches by fd. regEvents mirrors what the poller currently has
	// registered for each fd.
	readers   map[int]map[CallbackID]struct{}
	writers   map[int]map[CallbackID]struct{}
	regEvents map[int]ioEvents

	// Signal watches by signal number.
	sigWatch map[syscall.Signal]map[CallbackID]struct{}
	sigCh    chan os.Signal
	sigDone  chan struct{}
	sigOnce  sync.Once

	// sigPending holds signals observed by the forwarder goroutine, coalesced
	// per signal number, awaiting delivery from Dispatch.
	sigMu      sync.Mutex
	sigPending []syscall.Signal

	wakePending atomic.Uint32
	closed      atomic.Bool
}

// NewPollBackend creates the platform-native poll backend.
func NewPollBackend() (Backend, error) {
	b := &pollBackend{
		readers:   make(map[int]map[CallbackID]struct{}),
		writers:   make(map[int]map[CallbackID]struct{}),
		regEvents: make(map[int]ioEvents),
		sigWatch:  make(map[syscall.Signal]map[CallbackID]struct{}),
		sigCh:     make(chan os.Signal, 128),
		sigDone:   make(chan struct{}),
	}

	if err := b.p.init(); err != nil {
		return nil, err
	}

	wakeRead, wakeWrite, err := createWakeFd()
	if err != nil {
		_ = b.p.close()
		return nil, err
	}
	b.wakeRead = wakeRead
	b.wakeWrite = wakeWrite

	if err := b.p.add(wakeRead, eventRead); err != nil {
		_ = b.p.close()
		_ = closeFD(wakeRead)
		if wakeWrite != wakeRead {
			_ = closeFD(wakeWrite)
		}
		return nil, err
	}

	return b, nil
}

// String returns the backend name.
func (b *pollBackend) String() string { return "poll" }

// SupportsSignals implements SignalCapable.
func (b *pollBackend) SupportsSignals() bool { return true }

// Bind implements Backend.
func (b *pollBackend) Bind(sink Sink) { b.sink = sink }

// Handle implements Backend; it returns the poller's file descriptor.
func (b *pollBackend) Handle() any { return b.p.handle() }

// Activate implements Backend.
func (b *pollBackend) Activate(watches []Watch) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	for _, w := range watches {
		switch w.Kind {
		case KindReadable:
			set := b.readers[w.FD]
			if set == nil {
				set = make(map[CallbackID]struct{})
				b.readers[w.FD] = set
			}
			set[w.ID] = struct{}{}
			if err := b.syncFD(w.FD); err != nil {
				return err
			}
		case KindWritable:
			set := b.writers[w.FD]
			if set == nil {
				set = make(map[CallbackID]struct{})
				b.writers[w.FD] = set
			}
			set[w.ID] = struct{}{}
			if err := b.syncFD(w.FD); err != nil {
				return err
			}
		case KindSignal:
			b.watchSignal(w.Signal, w.ID)
		case KindDefer, KindDelay, KindRepeat:
			// Nothing to observe: defers are due next tick by construction,
			// and timer expiration is covered by the Dispatch timeout.
		}
	}
	return nil
}

// Deactivate implements Backend.
func (b *pollBackend) Deactivate(w Watch) {
	if b.closed.Load() {
		return
	}
	switch w.Kind {
	case KindReadable:
		if set := b.readers[w.FD]; set != nil {
			delete(set, w.ID)
			if len(set) == 0 {
				delete(b.readers, w.FD)
			}
			_ = b.syncFD(w.FD)
		}
	case KindWritable:
		if set := b.writers[w.FD]; set != nil {
			delete(set, w.ID)
			if len(set) == 0 {
				delete(b.writers, w.FD)
			}
			_ = b.syncFD(w.FD)
		}
	case KindSignal:
		if set := b.sigWatch[w.Signal]; set != nil {
			delete(set, w.ID)
			if len(set) == 0 {
				delete(b.sigWatch, w.Signal)
				signal.Reset(os.Signal(w.Signal))
			}
		}
	case KindDefer, KindDelay, KindRepeat:
	}
}

// syncFD reconciles the poller registration for fd with the current reader
// and writer sets.
func (b *pollBackend) syncFD(fd int) error {
	var desired ioEvents
	if len(b.readers[fd]) > 0 {
		desired |= eventRead
	}
	if len(b.writers[fd]) > 0 {
		desired |= eventWrite
	}

	current := b.regEvents[fd]
	if desired == current {
		return nil
	}

	switch {
	case current == 0:
		if err := b.p.add(fd, desired); err != nil {
			return err
		}
	case desired == 0:
		b.p.del(fd)
		delete(b.regEvents, fd)
		return nil
	default:
		if err := b.p.mod(fd, desired); err != nil {
			return err
		}
	}
	b.regEvents[fd] = desired
	return nil
}

// watchSignal begins observing sig for the given watch id, starting the
// forwarder goroutine on first use.
func (b *pollBackend) watchSignal(sig syscall.Signal, id CallbackID) {
	set := b.sigWatch[sig]
	if set == nil {
		set = make(map[CallbackID]struct{})
		b.sigWatch[sig] = set
		signal.Notify(b.sigCh, os.Signal(sig))
	}
	set[id] = struct{}{}

	b.sigOnce.Do(func() {
		go b.forwardSignals()
	})
}

// forwardSignals moves delivered signals into sigPending and wakes the loop.
// Runs on its own goroutine for the lifetime of the backend.
func (b *pollBackend) forwardSignals() {
	for {
		select {
		case s := <-b.sigCh:
			sig, ok := s.(syscall.Signal)
			if !ok {
				continue
			}
			b.sigMu.Lock()
			found := false
			for _, p := range b.sigPending {
				if p == sig {
					found = true
					break
				}
			}
			if !found {
				b.sigPending = append(b.sigPending, sig)
			}
			b.sigMu.Unlock()
			b.Wakeup()
		case <-b.sigDone:
			return
		}
	}
}

// takePendingSignals returns and clears the coalesced pending signal set.
func (b *pollBackend) takePendingSignals() []syscall.Signal {
	b.sigMu.Lock()
	defer b.sigMu.Unlock()
	if len(b.sigPending) == 0 {
		return nil
	}
	out := b.sigPending
	b.sigPending = nil
	return out
}

// Dispatch implements Backend.
func (b *pollBackend) Dispatch(timeout time.Duration) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}

	timeoutMs := -1
	switch {
	case timeout == 0:
		timeoutMs = 0
	case timeout > 0:
		timeoutMs = int(timeout.Milliseconds())
		// Round sub-millisecond timeouts up so we never fire early.
		if timeoutMs == 0 {
			timeoutMs = 1
		}
	}

	// Signals delivered before this dispatch must not block behind the poll.
	b.sigMu.Lock()
	if len(b.sigPending) > 0 {
		timeoutMs = 0
	}
	b.sigMu.Unlock()

	type streamEvent struct {
		id CallbackID
		fd int
	}
	var ready []streamEvent
	seen := make(map[CallbackID]struct{})

	err := b.p.wait(timeoutMs, func(fd int, events ioEvents) {
		if fd == b.wakeRead {
			b.drainWake()
			return
		}
		if events&(eventRead|eventError|eventHangup) != 0 {
			for id := range b.readers[fd] {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					ready = append(ready, streamEvent{id, fd})
				}
			}
		}
		if events&(eventWrite|eventError|eventHangup) != 0 {
			for id := range b.writers[fd] {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					ready = append(ready, streamEvent{id, fd})
				}
			}
		}
	})
	if err != nil {
		return err
	}

	for _, ev := range ready {
		b.sink.StreamReady(ev.id, ev.fd)
	}

	for _, sig := range b.takePendingSignals() {
		// Snapshot ids: the sink may deactivate watches mid-delivery.
		set := b.sigWatch[sig]
		ids := make([]CallbackID, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		for _, id := range ids {
			b.sink.SignalReady(id, sig)
		}
	}

	return nil
}

// Wakeup implements Backend. Safe to call from any goroutine.
func (b *pollBackend) Wakeup() {
	if b.closed.Load() {
		return
	}
	if b.wakePending.CompareAndSwap(0, 1) {
		buf := [8]byte{1} // eventfd counter increment; arbitrary bytes for the pipe
		if _, err := writeFD(b.wakeWrite, buf[:]); err != nil {
			b.wakePending.Store(0)
		}
	}
}

// drainWake empties the wake fd.
func (b *pollBackend) drainWake() {
	for {
		if _, err := readFD(b.wakeRead, b.wakeBuf[:]); err != nil {
			break
		}
	}
	b.wakePending.Store(0)
}

// Close implements Backend.
func (b *pollBackend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	signal.Stop(b.sigCh)
	close(b.sigDone)
	err := b.p.close()
	_ = closeFD(b.wakeRead)
	if b.wakeWrite != b.wakeRead {
		_ = closeFD(b.wakeWrite)
	}
	return err
}
