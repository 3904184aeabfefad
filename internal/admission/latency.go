package admission

import (
	"slices"
	"sync"
	"time"
)

const latencyWindowSize = 512

// LatencyWindow keeps the most recent Heavy request latencies.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

// NewLatencyWindow returns a window holding up to size samples.
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = latencyWindowSize
	}
	return &LatencyWindow{samples: make([]time.Duration, size)}
}

// Observe records d, evicting the oldest sample when full.
func (w *LatencyWindow) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// P95 returns the 95th percentile of the window and the sample count.
func (w *LatencyWindow) P95() (time.Duration, int) {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	snapshot := slices.Clone(w.samples[:n])
	w.mu.Unlock()
	if n == 0 {
		return 0, 0
	}
	slices.Sort(snapshot)
	idx := (n*95+99)/100 - 1
	return snapshot[idx], n
}
