package tickloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// loopMetrics tracks runtime statistics for a loop. Counters are atomic so
// snapshots may be taken from any goroutine; tick quantiles are guarded by a
// mutex and only updated from the loop goroutine.
type loopMetrics struct {
	ticks      atomic.Uint64
	microtasks atomic.Uint64
	dispatched [numKinds]atomic.Uint64

	mu        sync.Mutex
	tickP50   *pSquare
	tickP90   *pSquare
	tickP99   *pSquare
	tickMax   time.Duration
	tickSum   time.Duration
	tickCount uint64
}

func newLoopMetrics() *loopMetrics {
	return &loopMetrics{
		tickP50: newPSquare(0.50),
		tickP90: newPSquare(0.90),
		tickP99: newPSquare(0.99),
	}
}

// observeTick records one tick duration.
func (m *loopMetrics) observeTick(d time.Duration) {
	m.ticks.Add(1)
	m.mu.Lock()
	secs := d.Seconds()
	m.tickP50.Update(secs)
	m.tickP90.Update(secs)
	m.tickP99.Update(secs)
	if d > m.tickMax {
		m.tickMax = d
	}
	m.tickSum += d
	m.tickCount++
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of a loop's runtime statistics.
type MetricsSnapshot struct {
	// Ticks is the number of completed ticks.
	Ticks uint64

	// Microtasks is the number of microtasks drained.
	Microtasks uint64

	// Dispatched is the number of callback invocations per kind.
	Dispatched map[Kind]uint64

	// Tick duration distribution.
	TickP50  time.Duration
	TickP90  time.Duration
	TickP99  time.Duration
	TickMean time.Duration
	TickMax  time.Duration
}

// Metrics returns a snapshot of runtime statistics. Metrics collection must
// have been enabled via WithMetrics; otherwise the snapshot is zero.
func (l *Loop) Metrics() MetricsSnapshot {
	m := l.metrics
	if m == nil {
		return MetricsSnapshot{}
	}

	snap := MetricsSnapshot{
		Ticks:      m.ticks.Load(),
		Microtasks: m.microtasks.Load(),
		Dispatched: make(map[Kind]uint64, numKinds),
	}
	for k := Kind(0); k < numKinds; k++ {
		if n := m.dispatched[k].Load(); n > 0 {
			snap.Dispatched[k] = n
		}
	}

	m.mu.Lock()
	snap.TickP50 = time.Duration(m.tickP50.Value() * float64(time.Second))
	snap.TickP90 = time.Duration(m.tickP90.Value() * float64(time.Second))
	snap.TickP99 = time.Duration(m.tickP99.Value() * float64(time.Second))
	snap.TickMax = m.tickMax
	if m.tickCount > 0 {
		snap.TickMean = m.tickSum / time.Duration(m.tickCount)
	}
	m.mu.Unlock()

	return snap
}
