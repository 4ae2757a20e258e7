package metrics

import "time"

// window is a fixed-size ring of recent processing attempts.
type window struct {
	size      int
	successes []bool
	durations []time.Duration
	next      int
	filled    int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &window{
		size:      size,
		successes: make([]bool, size),
		durations: make([]time.Duration, size),
	}
}

func (w *window) add(success bool, elapsed time.Duration) {
	w.successes[w.next] = success
	w.durations[w.next] = elapsed
	w.next = (w.next + 1) % w.size
	if w.filled < w.size {
		w.filled++
	}
}

// successRate returns the share of successful attempts, or 1 when empty so an
// idle engine never reads as failing.
func (w *window) successRate() float64 {
	if w.filled == 0 {
		return 1
	}
	ok := 0
	for i := 0; i < w.filled; i++ {
		if w.successes[i] {
			ok++
		}
	}
	return float64(ok) / float64(w.filled)
}

func (w *window) averageDuration() time.Duration {
	if w.filled == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < w.filled; i++ {
		total += w.durations[i]
	}
	return total / time.Duration(w.filled)
}

// resize keeps the most recent entries that fit.
func (w *window) resize(size int) *window {
	if size <= 0 || size == w.size {
		return w
	}
	out := newWindow(size)
	start := 0
	if w.filled > size {
		start = w.filled - size
	}
	for i := start; i < w.filled; i++ {
		idx := (w.next - w.filled + i + w.size) % w.size
		out.add(w.successes[idx], w.durations[idx])
	}
	return out
}
