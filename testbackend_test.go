package tickloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// fakeBackend is a deterministic in-memory Backend for driving the loop in
// tests without real file descriptors or wall-clock sleeps. Paired with a
// manual clock, a blocking dispatch "sleeps" by advancing the clock to the
// requested deadline.
type fakeBackend struct {
	mu        sync.Mutex
	sink      Sink
	activated map[CallbackID]Watch
	timeouts  []time.Duration
	events    *[]string // shared observation log, optional
	advance   func(d time.Duration)
	signals   bool

	// onDispatch, when set, runs before the default dispatch behavior.
	onDispatch func(timeout time.Duration)

	wakeups atomic.Int32
	closed  atomic.Bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		activated: make(map[CallbackID]Watch),
		signals:   true,
	}
}

func (b *fakeBackend) String() string        { return "fake" }
func (b *fakeBackend) SupportsSignals() bool { return b.signals }
func (b *fakeBackend) Bind(sink Sink)        { b.sink = sink }
func (b *fakeBackend) Handle() any           { return nil }

func (b *fakeBackend) Activate(watches []Watch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range watches {
		b.activated[w.ID] = w
	}
	return nil
}

func (b *fakeBackend) Deactivate(w Watch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.activated, w.ID)
}

func (b *fakeBackend) Dispatch(timeout time.Duration) error {
	b.mu.Lock()
	b.timeouts = append(b.timeouts, timeout)
	if b.events != nil {
		*b.events = append(*b.events, "dispatch")
	}
	b.mu.Unlock()

	if b.onDispatch != nil {
		b.onDispatch(timeout)
	}
	if timeout > 0 && b.advance != nil {
		b.advance(timeout)
	}
	return nil
}

func (b *fakeBackend) Wakeup() { b.wakeups.Add(1) }

func (b *fakeBackend) Close() error {
	b.closed.Store(true)
	return nil
}

// activeWatches returns a copy of the currently activated watch set.
func (b *fakeBackend) activeWatches() map[CallbackID]Watch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[CallbackID]Watch, len(b.activated))
	for id, w := range b.activated {
		out[id] = w
	}
	return out
}

// fakeEnv bundles a fake backend with a manual clock.
type fakeEnv struct {
	mu  sync.Mutex
	now float64
	b   *fakeBackend
}

// newFakeLoop builds a loop over a fake backend and manual clock.
func newFakeLoop(opts ...LoopOption) (*Loop, *fakeEnv, error) {
	env := &fakeEnv{b: newFakeBackend()}
	env.b.advance = func(d time.Duration) {
		env.mu.Lock()
		env.now += d.Seconds()
		env.mu.Unlock()
	}
	opts = append([]LoopOption{
		WithBackend(env.b),
		WithClock(func() float64 {
			env.mu.Lock()
			defer env.mu.Unlock()
			return env.now
		}),
	}, opts...)
	l, err := New(opts...)
	return l, env, err
}
