package tickloop

import (
	"syscall"
	"time"
)

// Driver is the event loop contract consumed by the package-level accessor.
// [Loop] is the standard implementation; a transient placeholder driver is
// installed while [SetDriver] swaps the process-wide instance.
//
// Unless documented otherwise, driver methods must only be called from the
// loop goroutine or while the loop is not running. Queue and Stop are safe
// from any goroutine.
type Driver interface {
	// Queue appends a microtask: fn runs at the next phase boundary, before
	// any callback kind. Microtasks cannot be disabled or cancelled.
	Queue(fn func())

	// Defer registers a callback that fires once at the start of the next
	// tick. The returned id is invalidated before the callback runs.
	Defer(fn CallbackFunc) CallbackID

	// Delay registers a callback that fires once after delay has elapsed.
	// A negative delay is treated as zero. The id is invalidated before the
	// callback runs.
	Delay(delay time.Duration, fn CallbackFunc) CallbackID

	// Repeat registers a callback that fires every interval. The next
	// expiration is re-armed to now+interval after each invocation returns,
	// so missed intervals do not stack.
	Repeat(interval time.Duration, fn CallbackFunc) CallbackID

	// OnReadable registers a callback invoked whenever fd is readable.
	OnReadable(fd int, fn StreamFunc) CallbackID

	// OnWritable registers a callback invoked whenever fd is writable.
	OnWritable(fd int, fn StreamFunc) CallbackID

	// OnSignal registers a callback invoked whenever sig is delivered.
	// Fails with UnsupportedFeatureError if the backend cannot observe
	// signals. Registering the same signal on multiple drivers within one
	// process is undefined behavior.
	OnSignal(sig syscall.Signal, fn SignalFunc) (CallbackID, error)

	// Enable re-enables a disabled callback. The callback activates at the
	// next tick boundary and is never dispatched in the tick that enabled it.
	Enable(id CallbackID) error

	// Disable suspends a callback, effective immediately: a callback
	// disabled mid-tick does not fire in that tick even if already due.
	// Idempotent and silent on unknown ids.
	Disable(id CallbackID)

	// Cancel invalidates a callback, effective immediately. The id is never
	// reused. Idempotent and silent on unknown ids.
	Cancel(id CallbackID)

	// Reference marks the callback as keeping the loop alive (the default).
	Reference(id CallbackID) error

	// Unreference marks the callback as not keeping the loop alive. It still
	// fires while enabled.
	Unreference(id CallbackID) error

	// SetErrorHandler installs the handler for errors raised by callbacks
	// and microtasks, returning the previous handler. With no handler
	// installed, an error stops the loop and propagates out of Run.
	SetErrorHandler(h ErrorHandler) ErrorHandler

	// Info returns a snapshot of the registered callback counts.
	Info() Info

	// Run dispatches ticks until no enabled referenced callbacks remain and
	// the microtask queue is empty, Stop is called, or an error goes
	// uncaught. Re-entrant calls fail with InvalidStateError.
	Run() error

	// Stop requests that Run return at the end of the current tick. Safe
	// from any goroutine.
	Stop()

	// IsRunning reports whether Run (or a suspension drive) is in progress.
	IsRunning() bool

	// Now returns the loop's monotonic clock in seconds. During a tick it
	// returns the tick's cached time.
	Now() float64

	// Handle returns the backend-specific handle; may be nil.
	Handle() any

	// NewSuspension creates a Suspension bound to the calling goroutine.
	NewSuspension() *Suspension
}

// KindCounts is the per-kind breakdown reported by [Driver.Info].
type KindCounts struct {
	Enabled  int `json:"enabled"`
	Disabled int `json:"disabled"`
}

// WatcherCounts is the liveness breakdown of enabled callbacks reported by
// [Driver.Info].
type WatcherCounts struct {
	Referenced   int `json:"referenced"`
	Unreferenced int `json:"unreferenced"`
}

// Info is a snapshot of a driver's registered callbacks. Cancelled callbacks
// are not counted.
type Info struct {
	Defer           KindCounts    `json:"defer"`
	Delay           KindCounts    `json:"delay"`
	Repeat          KindCounts    `json:"repeat"`
	OnReadable      KindCounts    `json:"on_readable"`
	OnWritable      KindCounts    `json:"on_writable"`
	OnSignal        KindCounts    `json:"on_signal"`
	EnabledWatchers WatcherCounts `json:"enabled_watchers"`
	Running         bool          `json:"running"`
}
