package mcphost

import (
	"slices"
	"sync"
)

// sample is one recorded tool call.
type sample struct {
	latencyMs int64
	failed    bool
}

// rollingWindow keeps the last size tool calls in a ring buffer for
// percentile and error-rate reporting. All methods are safe for concurrent
// use.
type rollingWindow struct {
	mu      sync.Mutex
	samples []sample
	pos     int // next write position
	count   int // total samples written, may exceed len(samples)
	errors  int // failed samples currently inside the window
}

// newRollingWindow creates a window holding size samples. A size of 0 or
// less defaults to 100.
func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = 100
	}
	return &rollingWindow{samples: make([]sample, size)}
}

// Record adds a call to the window, evicting the oldest once it is full.
func (w *rollingWindow) Record(latencyMs int64, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count >= len(w.samples) && w.samples[w.pos].failed {
		w.errors--
	}
	w.samples[w.pos] = sample{latencyMs: latencyMs, failed: failed}
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
	if failed {
		w.errors++
	}
}

func (w *rollingWindow) windowLen() int {
	return min(w.count, len(w.samples))
}

func (w *rollingWindow) sortedLatencies() []int64 {
	n := w.windowLen()
	if n == 0 {
		return nil
	}
	out := make([]int64, n)
	for i := range n {
		out[i] = w.samples[i].latencyMs
	}
	slices.Sort(out)
	return out
}

// P50 returns the median latency in ms, or 0 without samples.
func (w *rollingWindow) P50() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	sorted := w.sortedLatencies()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[len(sorted)/2]
}

// P99 returns the 99th-percentile latency in ms, or 0 without samples.
func (w *rollingWindow) P99() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	sorted := w.sortedLatencies()
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*0.99)]
}

// ErrorRate returns the failed fraction of the calls in the window.
func (w *rollingWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.windowLen()
	if n == 0 {
		return 0
	}
	return float64(w.errors) / float64(n)
}

// Count returns the total number of calls ever recorded.
func (w *rollingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
