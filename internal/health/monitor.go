package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"videoarchiver/internal/config"
	"videoarchiver/internal/logging"
	"videoarchiver/internal/metrics"
	"videoarchiver/internal/notifications"
	"videoarchiver/internal/persistence"
	"videoarchiver/internal/queue"
	"videoarchiver/internal/recovery"
)

const (
	alertTimeout = 15 * time.Second
	megabyte     = 1 << 20
)

// Level grades a check or a whole report.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

func worst(a, b Level) Level {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Thresholds are the hot-reloadable monitor settings.
type Thresholds struct {
	Interval          time.Duration
	Capacity          int
	MinSuccessRate    float64
	DepthAlertRatio   float64
	ErrorRateWarning  float64
	ErrorRateCritical float64
	MemoryWarning     uint64
	MemoryCritical    uint64
	DepthWarning      float64
	DepthCritical     float64
}

// ThresholdsFromConfig derives monitor thresholds from the [health] and
// [queue] sections.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	h := cfg.Health
	return Thresholds{
		Interval:          cfg.HealthInterval(),
		Capacity:          cfg.Queue.MaxQueueSize,
		MinSuccessRate:    h.MinSuccessRate,
		DepthAlertRatio:   h.DepthAlertRatio,
		ErrorRateWarning:  h.ErrorRateWarning,
		ErrorRateCritical: h.ErrorRateCritical,
		MemoryWarning:     uint64(h.MemoryWarningMB) * megabyte,
		MemoryCritical:    uint64(h.MemoryCriticalMB) * megabyte,
		DepthWarning:      h.DepthWarning,
		DepthCritical:     h.DepthCritical,
	}
}

// Check is one graded signal.
type Check struct {
	Name    string `json:"name"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// GuildDepth is the active backlog for one guild.
type GuildDepth struct {
	GuildID    string `json:"guild_id"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Total      int    `json:"total"`
	Slots      int    `json:"slots"`
}

// Report is the read-only result of the most recent check.
type Report struct {
	CheckedAt             time.Time          `json:"checked_at"`
	Level                 Level              `json:"level"`
	Checks                []Check            `json:"checks"`
	SuccessRate           float64            `json:"success_rate"`
	AverageProcessingTime time.Duration      `json:"average_processing_time"`
	WindowSize            int                `json:"window_size"`
	QueueDepth            int                `json:"queue_depth"`
	Capacity              int                `json:"capacity"`
	Guilds                []GuildDepth       `json:"guilds,omitempty"`
	StalledRecovered      int                `json:"stalled_recovered"`
	Recovery              recovery.Stats     `json:"recovery"`
	HeapBytes             uint64             `json:"heap_bytes"`
	Goroutines            int                `json:"goroutines"`
	DiskFreeBytes         uint64             `json:"disk_free_bytes"`
	DiskTotalBytes        uint64             `json:"disk_total_bytes"`
	Persistence           persistence.Status `json:"persistence"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool { return r.Level == LevelHealthy }

// MetricsSource supplies rolling metrics and resource samples.
type MetricsSource interface {
	Snapshot(guildID string) metrics.Snapshot
	SampleResources() metrics.Resources
	ObserveQueue(guilds []queue.GuildInfo)
}

// StallRecoverer reclaims stalled work on each check.
type StallRecoverer interface {
	RecoverStalled(now time.Time) recovery.Report
	Stats() recovery.Stats
}

// PersistenceStatus reports the durable store's health.
type PersistenceStatus interface {
	Status() persistence.Status
}

// Alerter receives alerts for conditions that need an operator.
type Alerter interface {
	NotifyAlert(ctx context.Context, alert notifications.Alert) error
	NotifyPersistenceError(ctx context.Context, err error) error
}

// Monitor periodically grades engine health and raises alerts.
type Monitor struct {
	store       *queue.Store
	metrics     MetricsSource
	stalls      StallRecoverer
	persistence PersistenceStatus
	alerter     Alerter
	diskPath    string
	logger      *slog.Logger
	now         func() time.Time
	diskUsage   func(path string) (free, total uint64, err error)

	mu         sync.Mutex
	thresholds Thresholds
	last       Report
	active     map[string]bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithStallRecoverer runs stall recovery as part of every check.
func WithStallRecoverer(r StallRecoverer) Option {
	return func(m *Monitor) { m.stalls = r }
}

// WithPersistence includes persistence status in every check.
func WithPersistence(p PersistenceStatus) Option {
	return func(m *Monitor) { m.persistence = p }
}

// WithAlerter sets the alert sink.
func WithAlerter(a Alerter) Option {
	return func(m *Monitor) { m.alerter = a }
}

// WithDiskPath probes free space on the filesystem holding path.
func WithDiskPath(path string) Option {
	return func(m *Monitor) { m.diskPath = path }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a health monitor.
func New(store *queue.Store, source MetricsSource, thresholds Thresholds, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		store:      store,
		metrics:    source,
		thresholds: thresholds,
		logger:     logging.NewComponentLogger(logger, "health"),
		now:        time.Now,
		diskUsage:  diskUsage,
		active:     make(map[string]bool),
		last:       Report{Level: LevelHealthy},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetThresholds replaces thresholds (config hot reload).
func (m *Monitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()
}

// Report returns the most recent check result.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.last
	r.Checks = append([]Check(nil), m.last.Checks...)
	r.Guilds = append([]GuildDepth(nil), m.last.Guilds...)
	return r
}

// Run performs a check every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	for {
		m.mu.Lock()
		interval := m.thresholds.Interval
		m.mu.Unlock()
		if interval <= 0 {
			interval = time.Minute
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			m.Check(ctx)
		}
	}
}

// Check grades current engine health, records the report, and raises alerts
// for conditions that need an operator.
func (m *Monitor) Check(ctx context.Context) Report {
	m.mu.Lock()
	t := m.thresholds
	m.mu.Unlock()

	now := m.now()
	report := Report{CheckedAt: now, Level: LevelHealthy, Capacity: t.Capacity}

	if m.stalls != nil {
		recovered := m.stalls.RecoverStalled(now)
		report.StalledRecovered = recovered.Recovered()
		report.Recovery = m.stalls.Stats()
	}

	guilds := m.store.Guilds()
	m.metrics.ObserveQueue(guilds)
	for _, g := range guilds {
		report.QueueDepth += g.Counts.Total()
		if g.Counts.Active() == 0 {
			continue
		}
		report.Guilds = append(report.Guilds, GuildDepth{
			GuildID:    g.ID,
			Pending:    g.Counts.Pending,
			Processing: g.Counts.Processing,
			Total:      g.Counts.Total(),
			Slots:      g.Slots,
		})
	}
	sort.Slice(report.Guilds, func(i, j int) bool { return report.Guilds[i].GuildID < report.Guilds[j].GuildID })

	snap := m.metrics.Snapshot("")
	report.SuccessRate = snap.RollingSuccessRate
	report.AverageProcessingTime = snap.RollingAverageTime
	report.WindowSize = snap.WindowSize

	res := m.metrics.SampleResources()
	report.HeapBytes = res.HeapBytes
	report.Goroutines = res.Goroutines

	if m.diskPath != "" {
		free, total, err := m.diskUsage(m.diskPath)
		if err != nil {
			m.logger.Debug("disk usage probe failed", logging.String("path", m.diskPath), logging.Error(err))
		} else {
			report.DiskFreeBytes = free
			report.DiskTotalBytes = total
		}
	}

	var persistErr error
	if m.persistence != nil {
		report.Persistence = m.persistence.Status()
		if !report.Persistence.Healthy() {
			persistErr = errors.New(report.Persistence.Problem())
		}
	}

	report.add(gradeErrorRate(1-report.SuccessRate, t))
	report.add(gradeMemory(report.HeapBytes, t))
	report.add(gradeDepth(report.QueueDepth, t))
	if report.StalledRecovered > 0 {
		report.add(Check{Name: "stalls", Level: LevelWarning, Message: fmt.Sprintf("%d stalled item(s) reclaimed", report.StalledRecovered)})
	} else {
		report.add(Check{Name: "stalls", Level: LevelHealthy, Message: "no stalled items"})
	}
	if persistErr != nil {
		report.add(Check{Name: "persistence", Level: LevelCritical, Message: persistErr.Error()})
	} else if m.persistence != nil {
		report.add(Check{Name: "persistence", Level: LevelHealthy, Message: "last save succeeded"})
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()

	m.raise(ctx, "success_rate", t.MinSuccessRate > 0 && report.SuccessRate < t.MinSuccessRate, notifications.Alert{
		Key:      "success_rate",
		Title:    "Low success rate",
		Message:  fmt.Sprintf("rolling success rate %.0f%% is below %.0f%% over the last %d attempts", report.SuccessRate*100, t.MinSuccessRate*100, report.WindowSize),
		Severity: notifications.SeverityWarning,
	}, nil)
	depthLimit := t.DepthAlertRatio * float64(t.Capacity)
	m.raise(ctx, "queue_depth", t.Capacity > 0 && t.DepthAlertRatio > 0 && float64(report.QueueDepth) >= depthLimit, notifications.Alert{
		Key:      "queue_depth",
		Title:    "Queue nearly full",
		Message:  fmt.Sprintf("%d of %d queue slots in use", report.QueueDepth, t.Capacity),
		Severity: notifications.SeverityWarning,
	}, nil)
	m.raise(ctx, "persistence", persistErr != nil, notifications.Alert{Key: "persistence"}, persistErr)

	if report.Level != LevelHealthy {
		m.logger.Info("health check degraded",
			logging.String("level", string(report.Level)),
			logging.Float64("success_rate", report.SuccessRate),
			logging.Int("queue_depth", report.QueueDepth),
			logging.Int64("heap_mb", int64(report.HeapBytes/megabyte)),
		)
	} else {
		m.logger.Debug("health check passed",
			logging.Int("queue_depth", report.QueueDepth),
			logging.Int("goroutines", report.Goroutines),
		)
	}
	return report
}

func (r *Report) add(c Check) {
	r.Checks = append(r.Checks, c)
	r.Level = worst(r.Level, c.Level)
}

// raise tracks condition edges and delivers the alert while the condition
// holds; repeat deliveries are throttled by the notifier's dedup window.
func (m *Monitor) raise(ctx context.Context, key string, firing bool, alert notifications.Alert, persistErr error) {
	m.mu.Lock()
	was := m.active[key]
	m.active[key] = firing
	m.mu.Unlock()

	if !firing {
		if was {
			m.logger.Info("health condition cleared", logging.String("condition", key))
		}
		return
	}
	if !was {
		logging.WarnWithContext(m.logger, "health condition raised", "health_alert",
			logging.String("condition", key),
			logging.String("detail", alert.Message),
			logging.Alert(key),
			logging.String(logging.FieldErrorHint, "see archiver health for details"),
		)
	}
	if m.alerter == nil {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	var err error
	if persistErr != nil {
		err = m.alerter.NotifyPersistenceError(alertCtx, persistErr)
	} else {
		err = m.alerter.NotifyAlert(alertCtx, alert)
	}
	if err != nil {
		m.logger.Warn("alert delivery failed",
			logging.String("condition", key),
			logging.Error(err),
			logging.String(logging.FieldEventType, "alert_failed"),
			logging.String(logging.FieldErrorHint, "check ntfy topic configuration"),
			logging.String(logging.FieldImpact, "operator was not notified"),
		)
	}
}

func gradeErrorRate(rate float64, t Thresholds) Check {
	c := Check{Name: "error_rate", Level: LevelHealthy, Message: fmt.Sprintf("error rate %.1f%%", rate*100)}
	switch {
	case t.ErrorRateCritical > 0 && rate >= t.ErrorRateCritical:
		c.Level = LevelCritical
	case t.ErrorRateWarning > 0 && rate >= t.ErrorRateWarning:
		c.Level = LevelWarning
	}
	return c
}

func gradeMemory(heap uint64, t Thresholds) Check {
	c := Check{Name: "memory", Level: LevelHealthy, Message: fmt.Sprintf("heap %d MB", heap/megabyte)}
	switch {
	case t.MemoryCritical > 0 && heap >= t.MemoryCritical:
		c.Level = LevelCritical
	case t.MemoryWarning > 0 && heap >= t.MemoryWarning:
		c.Level = LevelWarning
	}
	return c
}

func gradeDepth(depth int, t Thresholds) Check {
	c := Check{Name: "queue_depth", Level: LevelHealthy, Message: fmt.Sprintf("%d items queued", depth)}
	if t.Capacity <= 0 {
		return c
	}
	ratio := float64(depth) / float64(t.Capacity)
	c.Message = fmt.Sprintf("%d/%d items (%.0f%%)", depth, t.Capacity, ratio*100)
	switch {
	case t.DepthCritical > 0 && ratio >= t.DepthCritical:
		c.Level = LevelCritical
	case t.DepthWarning > 0 && ratio >= t.DepthWarning:
		c.Level = LevelWarning
	}
	return c
}
