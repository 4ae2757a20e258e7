package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"videoarchiver/internal/config"
	"videoarchiver/internal/logging"
	"videoarchiver/internal/metrics"
	"videoarchiver/internal/queue"
)

const (
	finalFlushTimeout = 10 * time.Second
	defaultRetryDelay = 2 * time.Second
	maxRetryDelay     = time.Minute
)

// Backend is a durable document store.
type Backend interface {
	Save(ctx context.Context, doc Document) error
	Load(ctx context.Context) (Document, error)
	Path() string
	Close() error
}

// OpenBackend builds the backend selected by the [persistence] section.
func OpenBackend(cfg config.Persistence) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", config.BackendFile:
		return NewFileBackend(cfg.Path), nil
	case config.BackendSQLite:
		return NewSQLiteBackend(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

// RollupSource supplies metric rollups to include in every saved document.
type RollupSource interface {
	Rollups() (map[string]metrics.Rollup, metrics.Rollup)
}

// Status summarizes persistence health.
type Status struct {
	Backend             string    `json:"backend"`
	Path                string    `json:"path"`
	LastSave            time.Time `json:"last_save,omitempty"`
	Saves               int64     `json:"saves"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Pending             bool      `json:"pending"`
	WritesDisabled      bool      `json:"writes_disabled,omitempty"`
	DisabledReason      string    `json:"disabled_reason,omitempty"`
}

// Healthy reports whether the most recent save succeeded and writes are
// enabled.
func (s Status) Healthy() bool { return s.ConsecutiveFailures == 0 && !s.WritesDisabled }

// Problem describes why the status is unhealthy.
func (s Status) Problem() string {
	switch {
	case s.WritesDisabled:
		return "writes disabled: " + s.DisabledReason
	case s.ConsecutiveFailures > 0:
		return fmt.Sprintf("%d consecutive save failures: %s", s.ConsecutiveFailures, s.LastError)
	default:
		return ""
	}
}

// Manager writes queue snapshots to a Backend. Record is the non-blocking
// hook installed on the queue store; a single flusher goroutine (Run) writes
// the newest recorded snapshot so bursts of mutations coalesce into one save.
type Manager struct {
	backend Backend
	name    string
	rollups RollupSource
	logger  *slog.Logger
	now     func() time.Time

	retryDelay time.Duration

	mu      sync.Mutex
	pending *queue.Snapshot
	status  Status

	flushMu sync.Mutex
	signal  chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithRollups includes metric rollups in every saved document.
func WithRollups(src RollupSource) Option {
	return func(m *Manager) { m.rollups = src }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRetryDelay sets the first backoff after a failed save. Later retries
// double it up to a minute.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

// NewManager wraps backend. name labels the backend in status output.
func NewManager(backend Backend, name string, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		name:    name,
		logger:  logging.NewComponentLogger(logger, "persistence"),
		now:     time.Now,
		signal:  make(chan struct{}, 1),

		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.status.Backend = name
	m.status.Path = backend.Path()
	return m
}

// Load reads the persisted document from the backend.
func (m *Manager) Load(ctx context.Context) (Document, error) {
	doc, err := m.backend.Load(ctx)
	if err != nil {
		return doc, err
	}
	m.logger.Debug("persisted state loaded",
		logging.Int("items", len(doc.Items)),
		logging.Int("schema_version", doc.SchemaVersion),
	)
	return doc, nil
}

// DisableWrites stops all further saves for the life of the process. It is
// used when existing state could not be read, so the file on disk is left
// for an operator instead of being replaced by an empty queue.
func (m *Manager) DisableWrites(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.WritesDisabled {
		return
	}
	m.status.WritesDisabled = true
	m.status.DisabledReason = reason
	m.pending = nil
	m.status.Pending = false
	logging.ErrorWithContext(m.logger, "persistence writes disabled; running in memory only", "persistence_writes_disabled",
		logging.String("path", m.backend.Path()),
		logging.String("reason", reason),
		logging.String(logging.FieldErrorHint, "fix the state file and restart archiverd"),
		logging.String(logging.FieldImpact, "queue changes are lost on restart"),
	)
}

// Record implements queue.Recorder. It never blocks.
func (m *Manager) Record(snap queue.Snapshot) {
	m.mu.Lock()
	if m.status.WritesDisabled {
		m.mu.Unlock()
		return
	}
	m.pending = &snap
	m.status.Pending = true
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Run flushes recorded snapshots until ctx is cancelled, then performs a final
// flush with a fresh deadline. A failed flush is retried with backoff even
// when no further mutations arrive.
func (m *Manager) Run(ctx context.Context) error {
	var (
		retry   *time.Timer
		retryC  <-chan time.Time
		backoff = m.retryDelay
	)
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
	}
	defer stopRetry()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			err := m.Flush(flushCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("final flush: %w", err)
			}
			return nil
		case <-m.signal:
		case <-retryC:
		}

		stopRetry()
		if err := m.Flush(ctx); err != nil && ctx.Err() == nil {
			m.logger.Debug("save retry scheduled", logging.Duration("delay", backoff))
			retry = time.NewTimer(backoff)
			retryC = retry.C
			backoff = min(backoff*2, maxRetryDelay)
			continue
		}
		backoff = m.retryDelay
	}
}

// Flush writes the newest recorded snapshot, if any. Failed writes keep the
// snapshot pending so the next flush retries it. Flush is a no-op once writes
// are disabled.
func (m *Manager) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	snap := m.pending
	m.pending = nil
	disabled := m.status.WritesDisabled
	m.mu.Unlock()
	if snap == nil || disabled {
		return nil
	}

	err := m.Save(ctx, m.document(*snap))
	if err != nil {
		m.mu.Lock()
		if m.pending == nil {
			m.pending = snap
			m.status.Pending = true
		}
		m.mu.Unlock()
	}
	return err
}

func (m *Manager) document(snap queue.Snapshot) Document {
	var (
		guilds map[string]metrics.Rollup
		totals metrics.Rollup
	)
	if m.rollups != nil {
		guilds, totals = m.rollups.Rollups()
	}
	return NewDocument(snap, guilds, totals, m.now())
}

// Save writes doc synchronously and updates the status counters.
func (m *Manager) Save(ctx context.Context, doc Document) error {
	if m.Status().WritesDisabled {
		return ErrWritesDisabled
	}
	err := m.backend.Save(ctx, doc)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Pending = m.pending != nil
	if err != nil {
		m.status.Failures++
		m.status.ConsecutiveFailures++
		m.status.LastError = err.Error()
		logging.ErrorWithContext(m.logger, "persist queue state failed", "persistence_save_failed",
			logging.String("path", m.backend.Path()),
			logging.Int("consecutive_failures", m.status.ConsecutiveFailures),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check disk space and permissions for the state directory"),
		)
		return err
	}
	m.status.Saves++
	m.status.ConsecutiveFailures = 0
	m.status.LastError = ""
	m.status.LastSave = m.now()
	return nil
}

// Status returns a copy of the current persistence status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Close releases the backend.
func (m *Manager) Close() error {
	return m.backend.Close()
}
