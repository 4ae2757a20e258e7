package metrics

import (
	"maps"
	"runtime"
	"sync"
	"time"

	"videoarchiver/internal/queue"
)

// DefaultWindow is the number of recent attempts used for rolling rates.
const DefaultWindow = 100

// Rollup holds cumulative counters for one guild or for the whole engine. It
// is the persisted form of the collector.
type Rollup struct {
	Enqueued        int64            `json:"enqueued"`
	Rejected        int64            `json:"rejected"`
	Completed       int64            `json:"completed"`
	Failed          int64            `json:"failed"`
	Retried         int64            `json:"retried"`
	Attempts        int64            `json:"attempts"`
	ProcessingMS    int64            `json:"processing_ms"`
	ErrorsByKind    map[string]int64 `json:"errors_by_kind,omitempty"`
	RecoveredStalls int64            `json:"recovered_stalls"`
}

func (r Rollup) clone() Rollup {
	r.ErrorsByKind = maps.Clone(r.ErrorsByKind)
	return r
}

// Snapshot is an immutable view of the collector for one scope.
type Snapshot struct {
	GuildID               string           `json:"guild_id,omitempty"`
	Enqueued              int64            `json:"enqueued"`
	Rejected              int64            `json:"rejected"`
	Completed             int64            `json:"completed"`
	Failed                int64            `json:"failed"`
	Retried               int64            `json:"retried"`
	Attempts              int64            `json:"attempts"`
	TotalProcessingTime   time.Duration    `json:"total_processing_time"`
	AverageProcessingTime time.Duration    `json:"average_processing_time"`
	SuccessRate           float64          `json:"success_rate"`
	RollingSuccessRate    float64          `json:"rolling_success_rate"`
	RollingAverageTime    time.Duration    `json:"rolling_average_time"`
	WindowSize            int              `json:"window_size"`
	ErrorsByKind          map[string]int64 `json:"errors_by_kind,omitempty"`
	RecoveredStalls       int64            `json:"recovered_stalls"`
	PeakMemoryBytes       uint64           `json:"peak_memory_bytes"`
	PeakGoroutines        int              `json:"peak_goroutines"`
	PeakQueueDepth        int              `json:"peak_queue_depth"`
	LastCleanup           time.Time        `json:"last_cleanup,omitempty"`
	CleanupEvicted        int64            `json:"cleanup_evicted"`
}

// Resources is a single runtime sample.
type Resources struct {
	HeapBytes  uint64
	Goroutines int
}

type guildStats struct {
	rollup Rollup
	window *window
}

// Collector aggregates engine metrics. All methods are safe for concurrent use.
type Collector struct {
	mu         sync.Mutex
	windowSize int
	totals     guildStats
	guilds     map[string]*guildStats

	peakMemory     uint64
	peakGoroutines int
	peakDepth      int
	lastCleanup    time.Time
	cleanupEvicted int64

	prom *promMetrics
}

// NewCollector constructs a collector with a rolling window of windowSize attempts.
func NewCollector(windowSize int) *Collector {
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	return &Collector{
		windowSize: windowSize,
		totals:     guildStats{window: newWindow(windowSize)},
		guilds:     make(map[string]*guildStats),
		prom:       newPromMetrics(),
	}
}

func (c *Collector) guildLocked(guildID string) *guildStats {
	g, ok := c.guilds[guildID]
	if !ok {
		g = &guildStats{window: newWindow(c.windowSize)}
		c.guilds[guildID] = g
	}
	return g
}

// SetWindow changes the rolling window size, keeping the newest entries.
func (c *Collector) SetWindow(size int) {
	if size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windowSize = size
	c.totals.window = c.totals.window.resize(size)
	for _, g := range c.guilds {
		g.window = g.window.resize(size)
	}
}

// RecordEnqueued counts an admitted item.
func (c *Collector) RecordEnqueued(guildID string) {
	c.mu.Lock()
	c.totals.rollup.Enqueued++
	c.guildLocked(guildID).rollup.Enqueued++
	c.mu.Unlock()
	c.prom.enqueued.WithLabelValues(guildID).Inc()
}

// RecordRejected counts a refused enqueue; reason is a short label such as
// "full" or "duplicate".
func (c *Collector) RecordRejected(guildID, reason string) {
	c.mu.Lock()
	c.totals.rollup.Rejected++
	c.guildLocked(guildID).rollup.Rejected++
	c.mu.Unlock()
	c.prom.rejected.WithLabelValues(guildID, reason).Inc()
}

// RecordAttempt records one resolved processing attempt. resolved is the
// status the item moved to: completed, failed, or pending for a retry. Only
// terminal outcomes enter the rolling window.
func (c *Collector) RecordAttempt(guildID string, resolved queue.Status, errKind queue.ErrorKind, elapsed time.Duration) {
	success := resolved == queue.StatusCompleted
	terminal := resolved.IsTerminal()

	c.mu.Lock()
	for _, stats := range []*guildStats{&c.totals, c.guildLocked(guildID)} {
		r := &stats.rollup
		r.Attempts++
		r.ProcessingMS += elapsed.Milliseconds()
		switch resolved {
		case queue.StatusCompleted:
			r.Completed++
		case queue.StatusFailed:
			r.Failed++
		case queue.StatusPending:
			r.Retried++
		}
		if errKind != "" && !success {
			if r.ErrorsByKind == nil {
				r.ErrorsByKind = make(map[string]int64)
			}
			r.ErrorsByKind[string(errKind)]++
		}
		if terminal {
			stats.window.add(success, elapsed)
		}
	}
	c.mu.Unlock()

	c.prom.resolved.WithLabelValues(guildID, string(resolved)).Inc()
	c.prom.duration.Observe(elapsed.Seconds())
	if errKind != "" && !success {
		c.prom.errors.WithLabelValues(string(errKind)).Inc()
	}
}

// RecordRecovered counts items reclaimed from stalled workers.
func (c *Collector) RecordRecovered(guildID string, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.totals.rollup.RecoveredStalls += int64(n)
	c.guildLocked(guildID).rollup.RecoveredStalls += int64(n)
	c.mu.Unlock()
	c.prom.recovered.Add(float64(n))
}

// RecordCleanup stamps a completed sweep and the number of evicted items.
func (c *Collector) RecordCleanup(evicted int, at time.Time) {
	c.mu.Lock()
	c.lastCleanup = at
	c.cleanupEvicted += int64(evicted)
	c.mu.Unlock()
	if evicted > 0 {
		c.prom.evicted.Add(float64(evicted))
	}
}

// ObserveQueue publishes per-guild depth gauges and tracks the peak total.
func (c *Collector) ObserveQueue(guilds []queue.GuildInfo) {
	total := 0
	for _, g := range guilds {
		total += g.Counts.Total()
		for _, status := range queue.AllStatuses() {
			c.prom.depth.WithLabelValues(g.ID, string(status)).Set(float64(countFor(g.Counts, status)))
		}
	}
	c.mu.Lock()
	if total > c.peakDepth {
		c.peakDepth = total
	}
	c.mu.Unlock()
}

func countFor(c queue.Counts, status queue.Status) int {
	switch status {
	case queue.StatusPending:
		return c.Pending
	case queue.StatusProcessing:
		return c.Processing
	case queue.StatusCompleted:
		return c.Completed
	case queue.StatusFailed:
		return c.Failed
	default:
		return 0
	}
}

// SampleResources reads Go runtime memory and goroutine counts and updates peaks.
func (c *Collector) SampleResources() Resources {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	sample := Resources{HeapBytes: mem.HeapAlloc, Goroutines: runtime.NumGoroutine()}

	c.mu.Lock()
	if sample.HeapBytes > c.peakMemory {
		c.peakMemory = sample.HeapBytes
	}
	if sample.Goroutines > c.peakGoroutines {
		c.peakGoroutines = sample.Goroutines
	}
	peak := c.peakMemory
	c.mu.Unlock()

	c.prom.peakMemory.Set(float64(peak))
	return sample
}

// Snapshot returns metrics for guildID, or engine-wide metrics when empty.
func (c *Collector) Snapshot(guildID string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := &c.totals
	if guildID != "" {
		g, ok := c.guilds[guildID]
		if !ok {
			return Snapshot{GuildID: guildID, SuccessRate: 1, RollingSuccessRate: 1, WindowSize: c.windowSize}
		}
		stats = g
	}
	r := stats.rollup
	snap := Snapshot{
		GuildID:             guildID,
		Enqueued:            r.Enqueued,
		Rejected:            r.Rejected,
		Completed:           r.Completed,
		Failed:              r.Failed,
		Retried:             r.Retried,
		Attempts:            r.Attempts,
		TotalProcessingTime: time.Duration(r.ProcessingMS) * time.Millisecond,
		SuccessRate:         1,
		RollingSuccessRate:  stats.window.successRate(),
		RollingAverageTime:  stats.window.averageDuration(),
		WindowSize:          c.windowSize,
		ErrorsByKind:        maps.Clone(r.ErrorsByKind),
		RecoveredStalls:     r.RecoveredStalls,
		PeakMemoryBytes:     c.peakMemory,
		PeakGoroutines:      c.peakGoroutines,
		PeakQueueDepth:      c.peakDepth,
		LastCleanup:         c.lastCleanup,
		CleanupEvicted:      c.cleanupEvicted,
	}
	if r.Attempts > 0 {
		snap.AverageProcessingTime = snap.TotalProcessingTime / time.Duration(r.Attempts)
	}
	if finished := r.Completed + r.Failed; finished > 0 {
		snap.SuccessRate = float64(r.Completed) / float64(finished)
	}
	return snap
}

// Rollups exports cumulative counters for persistence.
func (c *Collector) Rollups() (map[string]Rollup, Rollup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	guilds := make(map[string]Rollup, len(c.guilds))
	for id, g := range c.guilds {
		guilds[id] = g.rollup.clone()
	}
	return guilds, c.totals.rollup.clone()
}

// Restore seeds cumulative counters from a persisted document. Rolling
// windows start empty.
func (c *Collector) Restore(guilds map[string]Rollup, totals Rollup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals = guildStats{rollup: totals.clone(), window: newWindow(c.windowSize)}
	c.guilds = make(map[string]*guildStats, len(guilds))
	for id, r := range guilds {
		c.guilds[id] = &guildStats{rollup: r.clone(), window: newWindow(c.windowSize)}
	}
}
