// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tickloop

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// The process-wide default driver, constructed lazily by Get.
var processDriver struct {
	sync.Mutex
	driver Driver
}

// Get returns the process-wide driver, lazily constructing it via the
// environment-configured factory (see Config). Construction failure panics:
// there is no useful recovery from an unusable default driver.
func Get() Driver {
	processDriver.Lock()
	defer processDriver.Unlock()
	if processDriver.driver == nil {
		d, err := newConfiguredDriver()
		if err != nil {
			panic(err)
		}
		processDriver.driver = d
	}
	return processDriver.driver
}

// SetDriver replaces the process-wide driver, failing with
// InvalidStateError while the current driver is running. During the swap a
// placeholder driver that rejects all use is installed and a reclamation
// pass runs, so callbacks holding references to the old driver cannot
// re-enter it during finalization.
func SetDriver(d Driver) error {
	if d == nil {
		return &InvalidStateError{Message: "tickloop: cannot install a nil driver"}
	}
	processDriver.Lock()
	defer processDriver.Unlock()
	if cur := processDriver.driver; cur != nil && cur.IsRunning() {
		return &InvalidStateError{
			Message: "tickloop: cannot swap the driver while it is running",
			Cause:   ErrLoopRunning,
		}
	}
	processDriver.driver = panicDriver{}
	runtime.GC()
	processDriver.driver = d
	return nil
}

// --- facade ---

// Queue appends a microtask to the process-wide driver. See [Driver.Queue].
func Queue(fn func()) { Get().Queue(fn) }

// Defer registers a callback on the process-wide driver that fires once at
// the start of the next tick. See [Driver.Defer].
func Defer(fn CallbackFunc) CallbackID { return Get().Defer(fn) }

// Delay registers a one-shot timer callback on the process-wide driver. See
// [Driver.Delay].
func Delay(delay time.Duration, fn CallbackFunc) CallbackID { return Get().Delay(delay, fn) }

// Repeat registers a repeating timer callback on the process-wide driver.
// See [Driver.Repeat].
func Repeat(interval time.Duration, fn CallbackFunc) CallbackID { return Get().Repeat(interval, fn) }

// OnReadable registers a readability callback on the process-wide driver.
// See [Driver.OnReadable].
func OnReadable(fd int, fn StreamFunc) CallbackID { return Get().OnReadable(fd, fn) }

// OnWritable registers a writability callback on the process-wide driver.
// See [Driver.OnWritable].
func OnWritable(fd int, fn StreamFunc) CallbackID { return Get().OnWritable(fd, fn) }

// OnSignal registers a signal callback on the process-wide driver. See
// [Driver.OnSignal].
func OnSignal(sig syscall.Signal, fn SignalFunc) (CallbackID, error) {
	return Get().OnSignal(sig, fn)
}

// Enable re-enables a disabled callback. See [Driver.Enable].
func Enable(id CallbackID) error { return Get().Enable(id) }

// Disable suspends a callback. See [Driver.Disable].
func Disable(id CallbackID) { Get().Disable(id) }

// Cancel invalidates a callback. See [Driver.Cancel].
func Cancel(id CallbackID) { Get().Cancel(id) }

// Reference marks a callback as keeping the loop alive. See
// [Driver.Reference].
func Reference(id CallbackID) error { return Get().Reference(id) }

// Unreference marks a callback as not keeping the loop alive. See
// [Driver.Unreference].
func Unreference(id CallbackID) error { return Get().Unreference(id) }

// SetErrorHandler installs the error handler on the process-wide driver,
// returning the previous handler. See [Driver.SetErrorHandler].
func SetErrorHandler(h ErrorHandler) ErrorHandler { return Get().SetErrorHandler(h) }

// GetInfo returns a snapshot of the process-wide driver's callback counts.
func GetInfo() Info { return Get().Info() }

// Run dispatches ticks on the process-wide driver until it drains or stops.
// See [Driver.Run].
func Run() error { return Get().Run() }

// Stop requests that the process-wide driver's Run return. See
// [Driver.Stop].
func Stop() { Get().Stop() }

// Now returns the process-wide driver's monotonic clock in seconds.
func Now() float64 { return Get().Now() }

// NewSuspension returns a Suspension on the process-wide driver, bound to
// the calling goroutine ("main" when called before handing control to the
// loop).
func NewSuspension() *Suspension { return Get().NewSuspension() }

// --- swap placeholder ---

// panicDriver is installed transiently while SetDriver swaps the
// process-wide driver. Every operation except IsRunning (which reports
// false) fails fatally: user code must not re-enter the loop mid-swap.
type panicDriver struct{}

func (panicDriver) reject() {
	panic(&InvalidStateError{Message: "tickloop: driver is being swapped"})
}

func (d panicDriver) Queue(func())                  { d.reject() }
func (d panicDriver) Defer(CallbackFunc) CallbackID { d.reject(); return "" }
func (d panicDriver) Delay(time.Duration, CallbackFunc) CallbackID {
	d.reject()
	return ""
}
func (d panicDriver) Repeat(time.Duration, CallbackFunc) CallbackID {
	d.reject()
	return ""
}
func (d panicDriver) OnReadable(int, StreamFunc) CallbackID { d.reject(); return "" }
func (d panicDriver) OnWritable(int, StreamFunc) CallbackID { d.reject(); return "" }
func (d panicDriver) OnSignal(syscall.Signal, SignalFunc) (CallbackID, error) {
	d.reject()
	return "", nil
}
func (d panicDriver) Enable(CallbackID) error      { d.reject(); return nil }
func (d panicDriver) Disable(CallbackID)           { d.reject() }
func (d panicDriver) Cancel(CallbackID)            { d.reject() }
func (d panicDriver) Reference(CallbackID) error   { d.reject(); return nil }
func (d panicDriver) Unreference(CallbackID) error { d.reject(); return nil }
func (d panicDriver) SetErrorHandler(ErrorHandler) ErrorHandler {
	d.reject()
	return nil
}
func (d panicDriver) Info() Info                 { d.reject(); return Info{} }
func (d panicDriver) Run() error                 { d.reject(); return nil }
func (d panicDriver) Stop()                      { d.reject() }
func (panicDriver) IsRunning() bool              { return false }
func (d panicDriver) Now() float64               { d.reject(); return 0 }
func (d panicDriver) Handle() any                { d.reject(); return nil }
func (d panicDriver) NewSuspension() *Suspension { d.reject(); return nil }
