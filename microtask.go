package tickloop

import (
	"sync"

	"github.com/eapache/queue"
)

// microtaskQueue is the FIFO queue of microtasks, drained at the start of
// every tick and between every callback invocation. Microtasks cannot be
// disabled, unreferenced, or cancelled.
//
// The queue is the one loop structure that accepts pushes from foreign
// goroutines (via Loop.Queue), so access is serialized with a mutex. Pops
// only ever happen on the loop goroutine.
type microtaskQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newMicrotaskQueue() *microtaskQueue {
	return &microtaskQueue{q: queue.New()}
}

// push appends a microtask.
func (m *microtaskQueue) push(fn func()) {
	m.mu.Lock()
	m.q.Add(fn)
	m.mu.Unlock()
}

// pop removes and returns the oldest microtask, or nil when empty.
func (m *microtaskQueue) pop() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.q.Length() == 0 {
		return nil
	}
	return m.q.Remove().(func())
}

// empty reports whether the queue has no pending microtasks.
func (m *microtaskQueue) empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Length() == 0
}
