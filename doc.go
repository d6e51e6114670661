// Package tickloop provides a single-threaded, cooperatively-scheduled event
// loop: callbacks registered for deferral, timers, I/O readiness, and process
// signals are dispatched by a [Loop] in a strict per-tick order, and
// imperative code can park and resume across ticks via [Suspension].
//
// # Architecture
//
// The package is built around a [Loop] core that owns a callback registry, a
// FIFO microtask queue, and a pluggable [Backend] readiness probe. One tick of
// the loop consists of ordered phases: microtask drain, activation of newly
// enabled callbacks, defer dispatch, expired timer dispatch, and a single
// backend dispatch for I/O readiness and signals. Microtasks are drained
// between every callback invocation.
//
// Callbacks are identified by an opaque [CallbackID] and move through a small
// state machine: enabled/disabled and referenced/unreferenced are orthogonal
// flags, and cancellation is terminal. Only enabled, referenced callbacks keep
// [Loop.Run] alive; unreferenced callbacks still fire but do not prevent the
// loop from returning once nothing referenced remains.
//
// # Platform Support
//
// I/O readiness is implemented with platform-native mechanisms:
//   - Linux: epoll (with eventfd wake-up)
//   - macOS: kqueue (with self-pipe wake-up)
//
// Process signals are observed via os/signal and delivered through the same
// dispatch phase as I/O readiness.
//
// # Execution Model
//
// All user callbacks run on the goroutine that called [Loop.Run] (or that is
// driving the loop through [Suspension.Suspend]); no two callbacks ever run
// concurrently. The only cross-goroutine entry points are [Loop.Queue],
// [Loop.Stop], and [Suspension.Resume]/[Suspension.Throw], which wake the
// loop if it is blocked in the backend.
//
// # Usage
//
//	loop, err := tickloop.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	loop.Delay(100*time.Millisecond, func(id tickloop.CallbackID) {
//	    fmt.Println("fired after 100ms")
//	})
//
//	if err := loop.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
// A process-wide default loop is available through the package-level facade
// ([Defer], [Delay], [Repeat], [OnReadable], [OnSignal], [Run], ...), which
// lazily constructs a driver chosen via TICKLOOP_DRIVER / TICKLOOP_CONFIG.
//
// # Error Types
//
// Operations surface typed errors: [InvalidCallbackError] for unknown or
// cancelled ids, [InvalidStateError] for misuse such as re-entrant
// [Loop.Run], [UnsupportedFeatureError] when a backend lacks a capability,
// [DeadlockError] when a suspension can never be resumed, and [PanicError]
// wrapping panics recovered from user callbacks. All implement the standard
// error interface and support [errors.Is]/[errors.As] matching.
package tickloop
