package tickloop

import (
	"syscall"
	"time"
)

// Watch is the backend-facing descriptor of an activated callback. Backends
// observe readiness for the described resource and report events through the
// bound Sink; they never decide callback state.
type Watch struct {
	ID     CallbackID
	Kind   Kind
	FD     int
	Signal syscall.Signal
}

// Sink receives readiness events from a Backend. The loop implements Sink;
// every delivery re-enters the loop's dispatch entry point, which checks the
// callback's current state before invoking it and drains microtasks after.
type Sink interface {
	// StreamReady reports that the watch id is ready on fd.
	StreamReady(id CallbackID, fd int)

	// SignalReady reports that signal sig was delivered for watch id.
	SignalReady(id CallbackID, sig syscall.Signal)
}

// Backend is the pluggable OS readiness probe consumed by a [Loop]. One
// backend instance belongs to exactly one loop and is only touched from the
// loop goroutine, with the exception of Wakeup, which may be called from any
// goroutine.
//
// Backends must coalesce events for the same watch within one Dispatch call.
// Activation descriptors for KindDefer, KindDelay, and KindRepeat are handed
// to Activate for uniformity but need no observation; timer wake-up is
// covered by the Dispatch timeout.
type Backend interface {
	// Bind installs the event sink. Called exactly once, before any other
	// method, by the loop taking ownership of the backend.
	Bind(sink Sink)

	// Activate begins observing readiness or expiration for each watch.
	// Called at most once per tick, with the callbacks that activated this
	// tick; not called on a tick with no activations.
	Activate(watches []Watch) error

	// Deactivate stops observing a single watch. Called on disable, cancel,
	// and after a one-shot callback fires. Must be idempotent.
	Deactivate(w Watch)

	// Dispatch polls once and delivers pending events to the sink. A negative
	// timeout blocks until an event or an external wake; zero polls without
	// blocking; positive blocks for at most the given duration.
	Dispatch(timeout time.Duration) error

	// Wakeup interrupts a blocking Dispatch from any goroutine. When no
	// Dispatch is blocked, the poll backend keeps the wake pending, so the
	// next Dispatch returns without waiting.
	Wakeup()

	// Handle returns the opaque backend-specific handle (e.g. the epoll file
	// descriptor). May be nil.
	Handle() any

	// Close releases backend resources. The backend rejects further use.
	Close() error
}

// SignalCapable is implemented by backends that can observe process signals.
// A backend that does not implement it (or reports false) causes OnSignal to
// fail with UnsupportedFeatureError.
type SignalCapable interface {
	SupportsSignals() bool
}
