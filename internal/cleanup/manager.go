package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"videoarchiver/internal/logging"
	"videoarchiver/internal/queue"
)

// MetricsSink records completed sweeps.
type MetricsSink interface {
	RecordCleanup(evicted int, at time.Time)
}

// Settings are the hot-reloadable retention bounds.
type Settings struct {
	Interval      time.Duration
	MaxHistoryAge time.Duration
}

// Result describes one sweep.
type Result struct {
	At       time.Time `json:"at"`
	Aged     int       `json:"aged"`
	Overflow int       `json:"overflow"`
}

// Evicted is the total number of items removed.
func (r Result) Evicted() int { return r.Aged + r.Overflow }

// Manager periodically evicts terminal items from the queue store. Pending
// and processing items are never touched.
type Manager struct {
	store   *queue.Store
	metrics MetricsSink
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	settings Settings
	last     Result
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics sets the metrics sink.
func WithMetrics(sink MetricsSink) Option {
	return func(m *Manager) { m.metrics = sink }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a cleanup manager.
func New(store *queue.Store, settings Settings, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		settings: settings,
		logger:   logging.NewComponentLogger(logger, "cleanup"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetSettings replaces the retention bounds.
func (m *Manager) SetSettings(s Settings) {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}

// Last returns the most recent sweep result.
func (m *Manager) Last() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run sweeps every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		m.mu.Lock()
		interval := m.settings.Interval
		m.mu.Unlock()
		if interval <= 0 {
			interval = 30 * time.Minute
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			m.Sweep(m.now())
		}
	}
}

// Sweep removes terminal items last updated before now-MaxHistoryAge, then
// trims the oldest terminal items while the store is over capacity.
func (m *Manager) Sweep(now time.Time) Result {
	m.mu.Lock()
	maxAge := m.settings.MaxHistoryAge
	m.mu.Unlock()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = now.Add(-maxAge)
	}
	eviction := m.store.EvictTerminal(cutoff)
	result := Result{At: now, Aged: eviction.Aged, Overflow: eviction.Overflow}

	if m.metrics != nil {
		m.metrics.RecordCleanup(result.Evicted(), now)
	}
	m.mu.Lock()
	m.last = result
	m.mu.Unlock()

	if result.Evicted() > 0 {
		m.logger.Info("terminal items evicted",
			logging.Int("aged", result.Aged),
			logging.Int("overflow", result.Overflow),
			logging.Duration("max_history_age", maxAge),
		)
	} else {
		m.logger.Debug("cleanup sweep found nothing to evict")
	}
	return result
}
