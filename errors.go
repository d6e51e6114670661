// Package tickloop error types with cause chain support.
package tickloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopRunning is returned when an operation requires a quiescent loop
	// but the loop is currently running.
	ErrLoopRunning = errors.New("tickloop: loop is already running")

	// ErrBackendClosed is returned by backend operations after Close.
	ErrBackendClosed = errors.New("tickloop: backend closed")
)

// InvalidCallbackError indicates an operation referenced an unknown or
// cancelled callback id. Returned by Enable, Reference, and Unreference;
// Disable and Cancel are idempotent and never return it.
type InvalidCallbackError struct {
	ID CallbackID
}

// Error implements the error interface.
func (e *InvalidCallbackError) Error() string {
	return fmt.Sprintf("tickloop: unknown or cancelled callback %q", string(e.ID))
}

// Is implements type-based matching: any two InvalidCallbackError values
// match regardless of id.
func (e *InvalidCallbackError) Is(target error) bool {
	var t *InvalidCallbackError
	return errors.As(target, &t)
}

// InvalidStateError indicates an operation was attempted in a state that
// forbids it: re-entrant Run, swapping a running driver, resuming a
// suspension that is not parked, and similar misuse.
type InvalidStateError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	if e.Message == "" {
		return "tickloop: invalid state"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *InvalidStateError) Unwrap() error {
	return e.Cause
}

// UnsupportedFeatureError indicates the configured backend cannot provide a
// requested capability, e.g. signal handling.
type UnsupportedFeatureError struct {
	Feature string
	Backend string
}

// Error implements the error interface.
func (e *UnsupportedFeatureError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("tickloop: backend does not support %s", e.Feature)
	}
	return fmt.Sprintf("tickloop: backend %q does not support %s", e.Backend, e.Feature)
}

// DeadlockError indicates a suspension would block forever: the loop ran out
// of referenced callbacks before the suspension was resumed.
type DeadlockError struct {
	Message string
}

// Error implements the error interface.
func (e *DeadlockError) Error() string {
	if e.Message == "" {
		return "tickloop: event loop terminated without resuming the current suspension"
	}
	return e.Message
}

// PanicError wraps a panic recovered from a user callback or microtask.
// It is the value routed to the loop's error handler.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("tickloop: callback panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain. If the panic value is not an error (e.g. a string
// or other type), returns nil.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
