package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"videoarchiver/internal/logging"
	"videoarchiver/internal/metrics"
	"videoarchiver/internal/notifications"
	"videoarchiver/internal/persistence"
	"videoarchiver/internal/queue"
)

const alertTimeout = 15 * time.Second

// Loader reads the persisted document.
type Loader interface {
	Load(ctx context.Context) (persistence.Document, error)
}

// MetricsSink receives restored rollups and recovered-stall counts.
type MetricsSink interface {
	Restore(guilds map[string]metrics.Rollup, totals metrics.Rollup)
	RecordRecovered(guildID string, n int)
}

// Alerter raises operator alerts.
type Alerter interface {
	NotifyAlert(ctx context.Context, alert notifications.Alert) error
}

// WriteGuard stops persistence writes. Startup engages it when stored state
// could not be read, so the unread data is not replaced by an empty queue.
type WriteGuard interface {
	DisableWrites(reason string)
}

// Report describes one recovery pass.
type Report struct {
	At           time.Time `json:"at"`
	Restored     int       `json:"restored,omitempty"`
	Reset        []string  `json:"reset,omitempty"`
	Requeued     []string  `json:"requeued,omitempty"`
	Failed       []string  `json:"failed,omitempty"`
	Inconsistent bool      `json:"inconsistent,omitempty"`
	Unreadable   bool      `json:"unreadable,omitempty"`
	Backup       string    `json:"backup,omitempty"`
}

// Recovered is the number of items touched by the pass.
func (r Report) Recovered() int {
	return len(r.Reset) + len(r.Requeued) + len(r.Failed)
}

// Stats accumulates recovery activity over the life of the process.
type Stats struct {
	StartupResets   int64     `json:"startup_resets"`
	StallsRequeued  int64     `json:"stalls_requeued"`
	StallsFailed    int64     `json:"stalls_failed"`
	Inconsistencies int64     `json:"inconsistencies"`
	Checks          int64     `json:"checks"`
	LastStartup     time.Time `json:"last_startup,omitempty"`
	LastRecovery    time.Time `json:"last_recovery,omitempty"`
}

// Manager restores queue state at startup and reclaims work from stalled
// workers while running.
type Manager struct {
	store   *queue.Store
	loader  Loader
	metrics MetricsSink
	alerter Alerter
	guard   WriteGuard
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	threshold time.Duration
	stats     Stats
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics sets the metrics sink.
func WithMetrics(sink MetricsSink) Option {
	return func(m *Manager) { m.metrics = sink }
}

// WithAlerter sets the alert sink used for inconsistent persisted state.
func WithAlerter(alerter Alerter) Option {
	return func(m *Manager) { m.alerter = alerter }
}

// WithWriteGuard sets the persistence guard engaged on unreadable state.
func WithWriteGuard(guard WriteGuard) Option {
	return func(m *Manager) { m.guard = guard }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a recovery manager. threshold is the lease age after which a
// processing item counts as stalled.
func New(store *queue.Store, loader Loader, threshold time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		loader:    loader,
		threshold: threshold,
		logger:    logging.NewComponentLogger(logger, "recovery"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetThreshold updates the stall threshold.
func (m *Manager) SetThreshold(threshold time.Duration) {
	if threshold <= 0 {
		return
	}
	m.mu.Lock()
	m.threshold = threshold
	m.mu.Unlock()
}

// Threshold returns the current stall threshold.
func (m *Manager) Threshold() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threshold
}

// Startup restores persisted state into the store and returns every item
// left processing by the previous process to pending. Neither inconsistent
// nor unreadable state stops startup: both are reported and alerted and the
// queue starts empty.
func (m *Manager) Startup(ctx context.Context) (Report, error) {
	report := Report{At: m.now()}

	doc, err := m.loader.Load(ctx)
	if err != nil {
		m.handleLoadFailure(ctx, &report, err)
		doc = persistence.Empty()
	}

	if restoreErr := m.store.Restore(doc.Snapshot()); restoreErr != nil {
		report.Inconsistent = true
		logging.WarnWithContext(m.logger, "some persisted items were skipped", "recovery_items_skipped",
			logging.Error(restoreErr),
			logging.String(logging.FieldErrorHint, "skipped items were duplicates or malformed"),
		)
	}
	report.Restored = m.store.Len()
	if m.metrics != nil {
		m.metrics.Restore(doc.Rollups, doc.Totals)
	}

	for _, item := range m.store.ResetProcessing() {
		report.Reset = append(report.Reset, item.ID)
		m.logger.Info("interrupted item returned to pending",
			logging.String(logging.FieldItemID, item.ID),
			logging.String(logging.FieldGuildID, item.GuildID),
			logging.Int(logging.FieldAttempts, item.Attempts),
		)
	}

	m.mu.Lock()
	m.stats.StartupResets += int64(len(report.Reset))
	m.stats.LastStartup = report.At
	if report.Inconsistent || report.Unreadable {
		m.stats.Inconsistencies++
	}
	m.mu.Unlock()

	m.logger.Info("startup recovery complete",
		logging.Int("restored", report.Restored),
		logging.Int("reset", len(report.Reset)),
		logging.Bool("inconsistent", report.Inconsistent),
		logging.Bool("unreadable", report.Unreadable),
	)
	return report, nil
}

func (m *Manager) handleLoadFailure(ctx context.Context, report *Report, err error) {
	var inconsistent *persistence.RecoveryInconsistencyError
	if errors.As(err, &inconsistent) {
		report.Inconsistent = true
		report.Backup = inconsistent.Backup
		logging.WarnWithContext(m.logger, "persisted state was inconsistent; starting empty", "recovery_inconsistent",
			logging.String("path", inconsistent.Path),
			logging.String("backup", inconsistent.Backup),
			logging.String("reason", inconsistent.Reason),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "inspect the backup file; the previous queue was not restored"),
			logging.String(logging.FieldImpact, "queued and historical items from the last run are not loaded"),
		)
		m.alert(ctx, notifications.Alert{
			Key:      "recovery_inconsistent",
			Title:    "Queue state inconsistent",
			Message:  fmt.Sprintf("persisted queue could not be used (%s); backup saved to %s", inconsistent.Reason, inconsistent.Backup),
			Severity: notifications.SeverityCritical,
		})
		return
	}

	report.Unreadable = true
	path := ""
	var perr *persistence.PersistenceError
	if errors.As(err, &perr) {
		path = perr.Path
	}
	if m.guard != nil {
		m.guard.DisableWrites(err.Error())
	}
	logging.ErrorWithContext(m.logger, "persisted state could not be read; running in memory only", "recovery_unreadable",
		logging.String("path", path),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check the state file and its permissions, then restart archiverd"),
		logging.String(logging.FieldImpact, "the previous queue was not restored and new state is not saved"),
	)
	m.alert(ctx, notifications.Alert{
		Key:      "recovery_unreadable",
		Title:    "Queue state unreadable",
		Message:  fmt.Sprintf("persisted queue could not be read (%v); running in memory only", err),
		Severity: notifications.SeverityCritical,
	})
}

// RecoverStalled reclaims processing items whose lease was not renewed within
// the stall threshold. Each consumes an attempt.
func (m *Manager) RecoverStalled(now time.Time) Report {
	threshold := m.Threshold()
	report := Report{At: now}
	reclaimed := m.store.ReclaimStale(now.Add(-threshold), queue.ItemError{
		Kind:    queue.ErrorStalled,
		Message: fmt.Sprintf("no heartbeat for %s", threshold),
	})

	perGuild := make(map[string]int)
	for _, item := range reclaimed {
		perGuild[item.GuildID]++
		attrs := []logging.Attr{
			logging.String(logging.FieldItemID, item.ID),
			logging.String(logging.FieldGuildID, item.GuildID),
			logging.Int(logging.FieldAttempts, item.Attempts),
			logging.Duration("stall_threshold", threshold),
		}
		if item.Status == queue.StatusFailed {
			report.Failed = append(report.Failed, item.ID)
			logging.ErrorWithContext(m.logger, "stalled item exhausted its attempts", "item_stalled_failed",
				append(attrs, logging.String(logging.FieldErrorHint, "the processor stopped heartbeating; check for hung downloads"))...)
			continue
		}
		report.Requeued = append(report.Requeued, item.ID)
		logging.WarnWithContext(m.logger, "stalled item returned to pending", "item_stalled",
			append(attrs,
				logging.String(logging.FieldErrorHint, "the processor stopped heartbeating"),
				logging.String(logging.FieldImpact, "item will be retried"),
			)...)
	}
	if m.metrics != nil {
		for guild, n := range perGuild {
			m.metrics.RecordRecovered(guild, n)
		}
	}

	m.mu.Lock()
	m.stats.Checks++
	m.stats.StallsRequeued += int64(len(report.Requeued))
	m.stats.StallsFailed += int64(len(report.Failed))
	if len(reclaimed) > 0 {
		m.stats.LastRecovery = now
	}
	m.mu.Unlock()
	return report
}

// Stats returns cumulative recovery counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) alert(ctx context.Context, alert notifications.Alert) {
	if m.alerter == nil {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	if err := m.alerter.NotifyAlert(alertCtx, alert); err != nil {
		m.logger.Warn("alert delivery failed",
			logging.String("alert_key", alert.Key),
			logging.Error(err),
			logging.String(logging.FieldEventType, "alert_failed"),
			logging.String(logging.FieldErrorHint, "check ntfy topic configuration"),
			logging.String(logging.FieldImpact, "operator was not notified"),
		)
	}
}
