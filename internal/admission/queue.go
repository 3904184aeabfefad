package admission

import (
	"sync"
	"sync/atomic"
)

// QueueCounter tracks requests between admission and release. Its value
// always equals the number of outstanding guards.
type QueueCounter struct {
	depth atomic.Int64
	max   int64
}

// NewQueueCounter returns a counter that admits at most limit requests.
func NewQueueCounter(limit int) *QueueCounter {
	return &QueueCounter{max: int64(limit)}
}

// Enter increments the counter. When the new depth exceeds the maximum the
// increment is undone and ok is false; the returned depth is the rejected
// value.
func (q *QueueCounter) Enter() (guard *QueueGuard, depth int64, ok bool) {
	depth = q.depth.Add(1)
	if depth > q.max {
		q.depth.Add(-1)
		return nil, depth, false
	}
	return &QueueGuard{q: q}, depth, true
}

// Depth reports the current number of admitted requests.
func (q *QueueCounter) Depth() int64 { return q.depth.Load() }

// Max reports the configured maximum depth.
func (q *QueueCounter) Max() int64 { return q.max }

// Occupancy is depth divided by maximum, in [0, 1].
func (q *QueueCounter) Occupancy() float64 {
	if q.max <= 0 {
		return 1
	}
	occ := float64(q.Depth()) / float64(q.max)
	return min(max(occ, 0), 1)
}

// QueueGuard decrements its counter exactly once.
type QueueGuard struct {
	q    *QueueCounter
	once sync.Once
}

// Release decrements the counter. Subsequent calls are no-ops.
func (g *QueueGuard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() { g.q.depth.Add(-1) })
}
