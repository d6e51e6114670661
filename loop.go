package tickloop

import (
	"container/heap"
	"math"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
	"github.com/petermattis/goid"
)

var loopIDCounter atomic.Uint64

// timerEntry is a heap entry for an activated Delay or Repeat callback.
// Entries are invalidated lazily: gen must match the callback's current gen
// or the entry is stale and skipped on pop.
type timerEntry struct {
	cb  *callback
	exp float64
	gen uint64
}

// timerHeap is a min-heap of timer entries, ordered by expiration then
// enablement order.
type timerHeap []timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].exp != h[j].exp {
		return h[i].exp < h[j].exp
	}
	return h[i].cb.seq < h[j].cb.seq
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timerEntry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Loop is the standard [Driver] implementation: a single-threaded,
// cooperatively-scheduled callback dispatcher over a pluggable [Backend].
//
// All methods must be called from the goroutine running the loop (or while
// the loop is not running), with these exceptions, which are safe from any
// goroutine: Queue, Stop, IsRunning, and the Suspension resume operations.
type Loop struct {
	// Prevent copying
	_ [0]func()

	backend Backend
	clock   Clock
	logger  *logiface.Logger[logiface.Event]
	metrics *loopMetrics

	registry   *cbRegistry
	microtasks *microtaskQueue

	// enableQueue holds callbacks enabled since the last tick boundary,
	// FIFO. Activation happens at the start of the next tick, so a callback
	// is never dispatched in the tick that enabled it.
	enableQueue *queue.Queue

	// deferQueue holds activated defers due this tick.
	deferQueue []*callback

	timers      timerHeap
	repeatStash []timerEntry

	// enabledRefCount counts callbacks that are enabled and referenced. The
	// run loop exits when it reaches zero with no pending microtasks.
	enabledRefCount int

	errorHandler ErrorHandler

	// fatalErr carries an uncaught error raised inside a backend dispatch
	// back to the tick.
	fatalErr error

	id        uint64
	seq       uint64
	tickCount uint64
	nowCache  float64

	running       atomic.Bool
	stopRequested atomic.Bool
	interrupted   atomic.Bool
	loopGoroutine atomic.Int64

	parkedMu sync.Mutex
	parked   []*Suspension
}

// compile-time interface checks
var (
	_ Driver = (*Loop)(nil)
	_ Sink   = (*Loop)(nil)
)

// New creates an event loop. Without options it uses the platform poll
// backend and an anchored monotonic clock.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	backend := cfg.backend
	if backend == nil {
		backend, err = NewPollBackend()
		if err != nil {
			return nil, err
		}
	}

	clock := cfg.clock
	if clock == nil {
		clock = newAnchoredClock()
	}

	l := &Loop{
		id:          loopIDCounter.Add(1),
		backend:     backend,
		clock:       clock,
		logger:      cfg.logger,
		registry:    newCBRegistry(),
		microtasks:  newMicrotaskQueue(),
		enableQueue: queue.New(),
	}
	if cfg.metricsEnabled {
		l.metrics = newLoopMetrics()
	}

	backend.Bind(l)

	l.logger.Debug().
		Uint64("loop_id", l.id).
		Stringer("backend", stringerOf(backend)).
		Log("loop created")

	return l, nil
}

// --- registration ---

// register initializes the common fields of a fresh callback record and
// queues it for activation at the next tick boundary.
func (l *Loop) register(cb *callback) CallbackID {
	cb.id = l.registry.newID()
	cb.enabled = true
	cb.referenced = true
	l.registry.add(cb)
	l.enabledRefCount++
	l.queueEnable(cb)
	return cb.id
}

// queueEnable records the enablement order and (for timers) the expiration,
// then queues the callback for activation.
func (l *Loop) queueEnable(cb *callback) {
	l.seq++
	cb.seq = l.seq
	if cb.kind == KindDelay || cb.kind == KindRepeat {
		cb.expiration = l.Now() + cb.interval
	}
	l.enableQueue.Add(cb)
}

// Queue implements Driver. Safe from any goroutine; wakes the loop if it is
// blocked in the backend.
func (l *Loop) Queue(fn func()) {
	l.microtasks.push(fn)
	if l.running.Load() && goid.Get() != l.loopGoroutine.Load() {
		l.backend.Wakeup()
	}
}

// Defer implements Driver.
func (l *Loop) Defer(fn CallbackFunc) CallbackID {
	return l.register(&callback{kind: KindDefer, fn: fn})
}

// Delay implements Driver.
func (l *Loop) Delay(delay time.Duration, fn CallbackFunc) CallbackID {
	if delay < 0 {
		delay = 0
	}
	return l.register(&callback{kind: KindDelay, fn: fn, interval: delay.Seconds()})
}

// Repeat implements Driver.
func (l *Loop) Repeat(interval time.Duration, fn CallbackFunc) CallbackID {
	if interval < 0 {
		interval = 0
	}
	return l.register(&callback{kind: KindRepeat, fn: fn, interval: interval.Seconds()})
}

// OnReadable implements Driver.
func (l *Loop) OnReadable(fd int, fn StreamFunc) CallbackID {
	return l.register(&callback{kind: KindReadable, stream: fn, fd: fd})
}

// OnWritable implements Driver.
func (l *Loop) OnWritable(fd int, fn StreamFunc) CallbackID {
	return l.register(&callback{kind: KindWritable, stream: fn, fd: fd})
}

// OnSignal implements Driver.
func (l *Loop) OnSignal(sig syscall.Signal, fn SignalFunc) (CallbackID, error) {
	if sc, ok := l.backend.(SignalCapable); !ok || !sc.SupportsSignals() {
		return "", &UnsupportedFeatureError{
			Feature: "signal handling",
			Backend: stringerOf(l.backend).String(),
		}
	}
	return l.register(&callback{kind: KindSignal, signal: fn, sig: sig}), nil
}

// --- state mutation ---

// Enable implements Driver.
func (l *Loop) Enable(id CallbackID) error {
	cb, err := l.registry.get(id)
	if err != nil {
		return err
	}
	if cb.enabled {
		return nil
	}
	cb.enabled = true
	if cb.referenced {
		l.enabledRefCount++
	}
	l.queueEnable(cb)
	return nil
}

// Disable implements Driver.
func (l *Loop) Disable(id CallbackID) {
	cb := l.registry.lookup(id)
	if cb == nil || !cb.enabled {
		return
	}
	cb.enabled = false
	cb.gen++
	if cb.referenced {
		l.enabledRefCount--
	}
	if cb.activated {
		cb.activated = false
		l.backend.Deactivate(cb.watch())
	}
}

// Cancel implements Driver.
func (l *Loop) Cancel(id CallbackID) {
	cb := l.registry.lookup(id)
	if cb == nil {
		return
	}
	l.invalidate(cb)
}

// invalidate moves cb to its terminal state: removed from the registry and
// from any backend watch, its id burned. Pending due-list and heap entries
// are skipped via the cancelled flag and gen bump.
func (l *Loop) invalidate(cb *callback) {
	if cb.cancelled {
		return
	}
	cb.cancelled = true
	cb.gen++
	if cb.enabled && cb.referenced {
		l.enabledRefCount--
	}
	cb.enabled = false
	if cb.activated {
		cb.activated = false
		l.backend.Deactivate(cb.watch())
	}
	l.registry.remove(cb.id)
}

// Reference implements Driver.
func (l *Loop) Reference(id CallbackID) error {
	cb, err := l.registry.get(id)
	if err != nil {
		return err
	}
	if cb.referenced {
		return nil
	}
	cb.referenced = true
	if cb.enabled {
		l.enabledRefCount++
	}
	return nil
}

// Unreference implements Driver.
func (l *Loop) Unreference(id CallbackID) error {
	cb, err := l.registry.get(id)
	if err != nil {
		return err
	}
	if !cb.referenced {
		return nil
	}
	cb.referenced = false
	if cb.enabled {
		l.enabledRefCount--
	}
	return nil
}

// SetErrorHandler implements Driver.
func (l *Loop) SetErrorHandler(h ErrorHandler) ErrorHandler {
	prev := l.errorHandler
	l.errorHandler = h
	return prev
}

// Info implements Driver.
func (l *Loop) Info() Info {
	var info Info
	l.registry.each(func(cb *callback) {
		kc := info.kind(cb.kind)
		if cb.enabled {
			kc.Enabled++
			if cb.referenced {
				info.EnabledWatchers.Referenced++
			} else {
				info.EnabledWatchers.Unreferenced++
			}
		} else {
			kc.Disabled++
		}
	})
	info.Running = l.running.Load()
	return info
}

// kind returns the counts bucket for k.
func (i *Info) kind(k Kind) *KindCounts {
	switch k {
	case KindDefer:
		return &i.Defer
	case KindDelay:
		return &i.Delay
	case KindRepeat:
		return &i.Repeat
	case KindReadable:
		return &i.OnReadable
	case KindWritable:
		return &i.OnWritable
	case KindSignal:
		return &i.OnSignal
	default:
		panic("tickloop: unknown callback kind")
	}
}

// --- run loop ---

// Run implements Driver.
func (l *Loop) Run() error {
	return l.drive(nil)
}

// Stop implements Driver. Safe from any goroutine.
func (l *Loop) Stop() {
	l.stopRequested.Store(true)
	if l.running.Load() && goid.Get() != l.loopGoroutine.Load() {
		l.backend.Wakeup()
	}
}

// IsRunning implements Driver.
func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

// Now implements Driver. During a tick it returns the tick's cached time.
func (l *Loop) Now() float64 {
	if l.running.Load() && goid.Get() == l.loopGoroutine.Load() {
		return l.nowCache
	}
	return l.clock()
}

// Handle implements Driver.
func (l *Loop) Handle() any {
	return l.backend.Handle()
}

// Close releases the loop's backend resources. Fails with InvalidStateError
// while the loop is running; a closed loop must not be run again.
func (l *Loop) Close() error {
	if l.running.Load() {
		return &InvalidStateError{
			Message: "tickloop: cannot close a running loop",
			Cause:   ErrLoopRunning,
		}
	}
	return l.backend.Close()
}

// drive runs ticks until the loop drains, Stop is called, or an error goes
// uncaught. When s is non-nil (a suspension is driving the loop), drive also
// returns as soon as s resolves.
func (l *Loop) drive(s *Suspension) error {
	if !l.running.CompareAndSwap(false, true) {
		return &InvalidStateError{
			Message: "tickloop: loop is already running",
			Cause:   ErrLoopRunning,
		}
	}
	l.loopGoroutine.Store(goid.Get())
	l.stopRequested.Store(false)
	l.interrupted.Store(false)

	l.logger.Debug().Uint64("loop_id", l.id).Log("run started")

	var runErr error
	for {
		if err := l.tick(); err != nil {
			runErr = err
			break
		}
		if s != nil && s.isResolved() {
			break
		}
		l.unparkResolved()
		l.interrupted.Store(false)
		if l.stopRequested.Load() {
			break
		}
		if l.enabledRefCount == 0 && l.microtasks.empty() {
			break
		}
	}

	l.loopGoroutine.Store(0)
	l.running.Store(false)

	// Anything still parked can no longer be resumed by this run.
	l.failParked()

	l.logger.Debug().
		Uint64("loop_id", l.id).
		Uint64("ticks", l.tickCount).
		Err(runErr).
		Log("run finished")

	return runErr
}

// tick is a single iteration of the event loop: the strictly-ordered phases
// of microtask drain, activation, defer dispatch, expired timers, and
// backend dispatch.
func (l *Loop) tick() error {
	l.tickCount++
	l.nowCache = l.clock()

	var start time.Time
	if l.metrics != nil {
		start = time.Now()
	}

	if err := l.drainMicrotasks(); err != nil {
		return err
	}

	if err := l.activate(); err != nil {
		return err
	}

	if err := l.dispatchDefers(); err != nil {
		return err
	}

	l.nowCache = l.clock()
	if err := l.dispatchTimers(); err != nil {
		return err
	}

	if err := l.dispatchBackend(); err != nil {
		return err
	}

	if l.metrics != nil {
		l.metrics.observeTick(time.Since(start))
	}
	return nil
}

// drainMicrotasks runs queued microtasks to empty, FIFO. Microtasks may
// queue more microtasks, which run within the same drain; a microtask that
// perpetually re-queues starves the loop.
func (l *Loop) drainMicrotasks() error {
	for {
		fn := l.microtasks.pop()
		if fn == nil {
			return nil
		}
		if l.metrics != nil {
			l.metrics.microtasks.Add(1)
		}
		if err := l.guard(fn); err != nil {
			return err
		}
	}
}

// activate marks every callback enabled since the last tick boundary as
// activated, admits due defers and timers, and hands the batch to the
// backend.
func (l *Loop) activate() error {
	if l.enableQueue.Length() == 0 {
		return nil
	}

	var watches []Watch
	for l.enableQueue.Length() > 0 {
		cb := l.enableQueue.Remove().(*callback)
		if cb.cancelled || !cb.enabled || cb.activated {
			// Disabled or cancelled after enqueue, or a duplicate entry from
			// a disable/enable cycle within one tick.
			continue
		}
		cb.activated = true
		switch cb.kind {
		case KindDefer:
			l.deferQueue = append(l.deferQueue, cb)
		case KindDelay, KindRepeat:
			heap.Push(&l.timers, timerEntry{cb: cb, exp: cb.expiration, gen: cb.gen})
		case KindReadable, KindWritable, KindSignal:
		}
		watches = append(watches, cb.watch())
	}

	if len(watches) > 0 {
		if err := l.backend.Activate(watches); err != nil {
			l.logger.Err().Uint64("loop_id", l.id).Err(err).Log("backend activate failed")
			l.stopRequested.Store(true)
			return err
		}
	}
	return nil
}

// dispatchDefers fires every activated defer once, in enablement order,
// draining microtasks after each. Ids are invalidated before invocation.
func (l *Loop) dispatchDefers() error {
	if len(l.deferQueue) == 0 {
		return nil
	}
	q := l.deferQueue
	l.deferQueue = nil

	for i, cb := range q {
		if cb.cancelled || !cb.enabled || !cb.activated {
			continue
		}
		l.invalidate(cb)
		err := l.invokeFunc(cb, cb.fn)
		if err == nil {
			err = l.drainMicrotasks()
		}
		if err != nil {
			// Keep unfired defers due so a later run can still dispatch them.
			l.deferQueue = append(q[i+1:], l.deferQueue...)
			return err
		}
	}
	return nil
}

// dispatchTimers fires every expired Delay and due Repeat, ascending by
// expiration, draining microtasks between firings. Delay ids are
// invalidated before invocation; repeats are re-armed to now+interval after
// the call returns, and fire at most once per tick.
func (l *Loop) dispatchTimers() error {
	if l.timers.Len() == 0 {
		return nil
	}
	now := l.nowCache

	var err error
	for err == nil && l.timers.Len() > 0 {
		e := l.timers[0]
		if e.gen != e.cb.gen {
			heap.Pop(&l.timers)
			continue
		}
		if e.exp > now {
			break
		}
		heap.Pop(&l.timers)
		cb := e.cb

		if cb.kind == KindRepeat && cb.firedTick == l.tickCount {
			l.repeatStash = append(l.repeatStash, e)
			continue
		}

		switch cb.kind {
		case KindDelay:
			l.invalidate(cb)
			err = l.invokeFunc(cb, cb.fn)
		case KindRepeat:
			cb.firedTick = l.tickCount
			cb.gen++
			err = l.invokeFunc(cb, cb.fn)
			if !cb.cancelled && cb.enabled && cb.activated {
				cb.expiration = l.clock() + cb.interval
				heap.Push(&l.timers, timerEntry{cb: cb, exp: cb.expiration, gen: cb.gen})
			}
		default:
			panic("tickloop: non-timer callback in timer heap")
		}

		if err == nil {
			err = l.drainMicrotasks()
		}
	}

	for _, e := range l.repeatStash {
		heap.Push(&l.timers, e)
	}
	l.repeatStash = l.repeatStash[:0]
	return err
}

// dispatchBackend performs the tick's single backend dispatch. The dispatch
// blocks only when nothing is immediately runnable and the loop would not
// otherwise exit; a blocking dispatch is bounded by the next timer deadline.
func (l *Loop) dispatchBackend() error {
	blocking := l.enabledRefCount > 0 &&
		l.microtasks.empty() &&
		l.enableQueue.Length() == 0 &&
		len(l.deferQueue) == 0 &&
		!l.stopRequested.Load() &&
		!l.interrupted.Load()

	timeout := time.Duration(0)
	if blocking {
		timeout = -1
		if exp, ok := l.nextTimerDeadline(); ok {
			d := time.Duration(math.Ceil((exp - l.nowCache) * float64(time.Second)))
			if d < 0 {
				d = 0
			}
			timeout = d
		}
	}

	if err := l.backend.Dispatch(timeout); err != nil {
		l.logger.Err().Uint64("loop_id", l.id).Err(err).Log("backend dispatch failed")
		l.stopRequested.Store(true)
		return err
	}

	if err := l.fatalErr; err != nil {
		l.fatalErr = nil
		return err
	}

	return l.drainMicrotasks()
}

// nextTimerDeadline returns the earliest live timer expiration, pruning
// stale heap entries.
func (l *Loop) nextTimerDeadline() (float64, bool) {
	for l.timers.Len() > 0 {
		e := l.timers[0]
		if e.gen != e.cb.gen {
			heap.Pop(&l.timers)
			continue
		}
		return e.exp, true
	}
	return 0, false
}

// --- backend sink ---

// StreamReady implements Sink: the backend's dispatch entry point for
// readable/writable watches.
func (l *Loop) StreamReady(id CallbackID, fd int) {
	if l.fatalErr != nil {
		return
	}
	cb := l.registry.lookup(id)
	if cb == nil || cb.cancelled || !cb.enabled || !cb.activated || cb.stream == nil {
		return
	}
	if l.metrics != nil {
		l.metrics.dispatched[cb.kind].Add(1)
	}
	fn := cb.stream
	cbID := cb.id
	if err := l.guard(func() { fn(cbID, fd) }); err != nil {
		l.fatalErr = err
		return
	}
	if err := l.drainMicrotasks(); err != nil {
		l.fatalErr = err
	}
}

// SignalReady implements Sink: the backend's dispatch entry point for signal
// watches.
func (l *Loop) SignalReady(id CallbackID, sig syscall.Signal) {
	if l.fatalErr != nil {
		return
	}
	cb := l.registry.lookup(id)
	if cb == nil || cb.cancelled || !cb.enabled || !cb.activated || cb.signal == nil {
		return
	}
	if l.metrics != nil {
		l.metrics.dispatched[cb.kind].Add(1)
	}
	fn := cb.signal
	cbID := cb.id
	if err := l.guard(func() { fn(cbID, sig) }); err != nil {
		l.fatalErr = err
		return
	}
	if err := l.drainMicrotasks(); err != nil {
		l.fatalErr = err
	}
}

// --- invocation ---

// invokeFunc invokes a Defer/Delay/Repeat callable with panic recovery.
func (l *Loop) invokeFunc(cb *callback, fn CallbackFunc) error {
	if fn == nil {
		return nil
	}
	if l.metrics != nil {
		l.metrics.dispatched[cb.kind].Add(1)
	}
	id := cb.id
	return l.guard(func() { fn(id) })
}

// guard runs fn, converting a panic into a PanicError routed to the error
// handler.
func (l *Loop) guard(fn func()) error {
	if err := catchPanic(fn); err != nil {
		return l.raise(err)
	}
	return nil
}

// catchPanic runs fn, converting a recovered panic into a PanicError.
func catchPanic(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	fn()
	return nil
}

// raise routes err to the installed error handler. With no handler, or a
// handler that itself panics, the loop stops and the error propagates out
// of Run.
func (l *Loop) raise(err error) error {
	h := l.errorHandler
	if h == nil {
		l.logger.Err().Uint64("loop_id", l.id).Err(err).Log("uncaught error, stopping loop")
		l.stopRequested.Store(true)
		return err
	}
	if herr := catchPanic(func() { h(err) }); herr != nil {
		l.logger.Err().Uint64("loop_id", l.id).Err(herr).Log("error handler panicked, stopping loop")
		l.stopRequested.Store(true)
		return herr
	}
	return nil
}

// --- suspension support ---

// parkSuspension records a suspension parked against this loop. If the run
// observed by the caller exited before the park registered, the suspension
// is failed immediately rather than left unreachable.
func (l *Loop) parkSuspension(s *Suspension) {
	l.parkedMu.Lock()
	l.parked = append(l.parked, s)
	running := l.running.Load()
	l.parkedMu.Unlock()
	if !running {
		l.failParked()
	}
}

// unparkResolved releases parked suspensions that were resumed during the
// tick. Tick boundaries are the loop's safe points.
func (l *Loop) unparkResolved() {
	l.parkedMu.Lock()
	keep := l.parked[:0]
	for _, s := range l.parked {
		if s.isResolved() {
			s.release()
		} else {
			keep = append(keep, s)
		}
	}
	for i := len(keep); i < len(l.parked); i++ {
		l.parked[i] = nil
	}
	l.parked = keep
	l.parkedMu.Unlock()
}

// failParked fails every still-parked suspension: once the run that parked
// them has exited, no callback can ever resume them.
func (l *Loop) failParked() {
	l.parkedMu.Lock()
	parked := l.parked
	l.parked = nil
	l.parkedMu.Unlock()
	for _, s := range parked {
		s.fail(&DeadlockError{})
		s.release()
	}
}

// requestInterrupt prevents the next backend dispatch from blocking and
// wakes the loop if it is already blocked. Called on suspension resume.
func (l *Loop) requestInterrupt() {
	l.interrupted.Store(true)
	if l.running.Load() && goid.Get() != l.loopGoroutine.Load() {
		l.backend.Wakeup()
	}
}

// isLoopGoroutine reports whether the caller is the goroutine currently
// driving the loop.
func (l *Loop) isLoopGoroutine() bool {
	gid := l.loopGoroutine.Load()
	return gid != 0 && gid == goid.Get()
}

// stringerOf adapts a backend to fmt.Stringer, for logging and error text.
type backendName string

func (b backendName) String() string { return string(b) }

func stringerOf(b Backend) interface{ String() string } {
	if s, ok := b.(interface{ String() string }); ok {
		return s
	}
	return backendName("backend")
}
