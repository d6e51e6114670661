package tickloop

import (
	"sync"

	"github.com/petermattis/goid"
)

// suspensionState tracks where a Suspension is in its park/resume cycle.
type suspensionState uint8

const (
	// suspensionIdle: not suspended; Resume and Throw are invalid.
	suspensionIdle suspensionState = iota
	// suspensionParked: the bound context is suspended, awaiting resolution.
	suspensionParked
	// suspensionResolved: Resume or Throw accepted; Suspend has not yet
	// returned the result.
	suspensionResolved
)

// Suspension pairs one cooperative execution context with a loop, letting
// imperative code park across ticks and be resumed with a value or error
// from within callbacks.
//
// A Suspension is bound at creation to the calling goroutine; Suspend must
// be called from that goroutine. Suspending while the loop is idle drives
// the loop on the caller's goroutine until resolution (the "main" context);
// suspending while the loop is being driven elsewhere parks the caller until
// the loop reaches a safe point after resolution. Either way, if the loop
// runs out of referenced work before a resume arrives, Suspend fails with
// [DeadlockError].
//
// Resume and Throw are safe from any goroutine, though they are typically
// called from loop callbacks.
type Suspension struct {
	loop *Loop
	gid  int64

	mu    sync.Mutex
	state suspensionState
	value any
	err   error
	ch    chan struct{}
}

// NewSuspension implements Driver: it returns a Suspension bound to the
// calling goroutine.
func (l *Loop) NewSuspension() *Suspension {
	return &Suspension{loop: l, gid: goid.Get()}
}

// Suspend parks the bound context until Resume or Throw is called, and
// returns the resumed value or error. A Suspension can be suspended any
// number of times, sequentially.
func (s *Suspension) Suspend() (any, error) {
	if goid.Get() != s.gid {
		return nil, &InvalidStateError{
			Message: "tickloop: suspension suspended outside the context it is bound to",
		}
	}
	if s.loop.isLoopGoroutine() {
		return nil, &InvalidStateError{
			Message: "tickloop: cannot suspend from within a callback",
		}
	}

	s.mu.Lock()
	if s.state != suspensionIdle {
		s.mu.Unlock()
		return nil, &InvalidStateError{Message: "tickloop: suspension already suspended"}
	}
	s.state = suspensionParked
	s.value, s.err = nil, nil

	if s.loop.IsRunning() {
		// The loop is being driven by another goroutine: park until it
		// releases us at a safe point.
		ch := make(chan struct{})
		s.ch = ch
		s.mu.Unlock()
		s.loop.parkSuspension(s)
		<-ch
		return s.take()
	}
	s.mu.Unlock()

	// Main context: drive the loop on this goroutine until resolution.
	if err := s.loop.drive(s); err != nil {
		s.mu.Lock()
		if s.state == suspensionParked {
			s.state = suspensionIdle
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()
		// Resolved before the run unwound; the run error propagates out of
		// whichever Run/Suspend observes it next, not here.
	}
	return s.take()
}

// Resume schedules the suspended context to continue with value at the next
// safe point. Fails with InvalidStateError unless the context is currently
// parked.
func (s *Suspension) Resume(value any) error {
	return s.resolve(value, nil)
}

// Throw schedules the suspended context to fail with err at the next safe
// point. Fails with InvalidStateError unless the context is currently
// parked.
func (s *Suspension) Throw(err error) error {
	return s.resolve(nil, err)
}

func (s *Suspension) resolve(value any, err error) error {
	s.mu.Lock()
	if s.state != suspensionParked {
		s.mu.Unlock()
		return &InvalidStateError{Message: "tickloop: suspension is not suspended"}
	}
	s.state = suspensionResolved
	s.value, s.err = value, err
	s.mu.Unlock()

	s.loop.requestInterrupt()
	return nil
}

// take consumes the resolution, resetting the suspension for reuse. A
// consume without resolution means the loop drained first: deadlock.
func (s *Suspension) take() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != suspensionResolved {
		s.state = suspensionIdle
		s.ch = nil
		return nil, &DeadlockError{}
	}
	value, err := s.value, s.err
	s.state = suspensionIdle
	s.value, s.err = nil, nil
	s.ch = nil
	return value, err
}

// isResolved reports whether a resume or throw is pending delivery.
func (s *Suspension) isResolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == suspensionResolved
}

// fail resolves a still-parked suspension with err. No-op if already
// resolved.
func (s *Suspension) fail(err error) {
	s.mu.Lock()
	if s.state == suspensionParked {
		s.state = suspensionResolved
		s.err = err
	}
	s.mu.Unlock()
}

// release unparks a channel-parked suspension.
func (s *Suspension) release() {
	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}
