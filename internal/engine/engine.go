package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"videoarchiver/internal/cleanup"
	"videoarchiver/internal/config"
	"videoarchiver/internal/dispatch"
	"videoarchiver/internal/health"
	"videoarchiver/internal/logging"
	"videoarchiver/internal/metrics"
	"videoarchiver/internal/notifications"
	"videoarchiver/internal/persistence"
	"videoarchiver/internal/processor"
	"videoarchiver/internal/queue"
	"videoarchiver/internal/recovery"
)

// Engine owns the queue store and every component that acts on it. All
// exposed queue operations go through it.
type Engine struct {
	logger   *slog.Logger
	now      func() time.Time
	notifier notifications.Service

	store       *queue.Store
	collector   *metrics.Collector
	persistence *persistence.Manager
	dispatcher  *dispatch.Dispatcher
	recovery    *recovery.Manager
	monitor     *health.Monitor
	cleanup     *cleanup.Manager

	mu             sync.Mutex
	cfg            *config.Config
	running        bool
	startedAt      time.Time
	startup        recovery.Report
	loops          *errgroup.Group
	cancelLoops    context.CancelFunc
	persistDone    chan error
	cancelPersist  context.CancelFunc
	shutdownCalled bool
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	notifier notifications.Service
	backend  persistence.Backend
	now      func() time.Time
}

// WithNotifier overrides the notification service built from config.
func WithNotifier(n notifications.Service) Option {
	return func(o *options) { o.notifier = n }
}

// WithBackend overrides the persistence backend selected by config.
func WithBackend(b persistence.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithClock overrides the time source for every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New wires an engine from configuration. proc executes claimed items.
func New(cfg *config.Config, proc processor.Processor, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine requires config")
	}
	if proc == nil {
		return nil, errors.New("engine requires a processor")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = persistence.OpenBackend(cfg.Persistence)
		if err != nil {
			return nil, err
		}
	}
	notifier := o.notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	collector := metrics.NewCollector(cfg.Health.Window)
	persist := persistence.NewManager(backend, cfg.Persistence.Backend, logger,
		persistence.WithRollups(collector),
		persistence.WithClock(o.now),
	)
	store := queue.NewStore(limitsFromConfig(cfg),
		queue.WithRecorder(persist),
		queue.WithClock(o.now),
	)
	e := &Engine{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "engine"),
		now:         o.now,
		notifier:    notifier,
		store:       store,
		collector:   collector,
		persistence: persist,
	}
	e.dispatcher = dispatch.New(store, proc, dispatchSettings(cfg), logger,
		dispatch.WithMetrics(collector),
		dispatch.WithNotifier(notifier),
		dispatch.WithClock(o.now),
	)
	e.recovery = recovery.New(store, persist, cfg.StallThreshold(), logger,
		recovery.WithMetrics(collector),
		recovery.WithAlerter(notifier),
		recovery.WithWriteGuard(persist),
		recovery.WithClock(o.now),
	)
	e.monitor = health.New(store, collector, health.ThresholdsFromConfig(cfg), logger,
		health.WithStallRecoverer(e.recovery),
		health.WithPersistence(persist),
		health.WithAlerter(notifier),
		health.WithDiskPath(cfg.Paths.StateDir),
		health.WithClock(o.now),
	)
	e.cleanup = cleanup.New(store, cleanupSettings(cfg), logger,
		cleanup.WithMetrics(collector),
		cleanup.WithClock(o.now),
	)
	return e, nil
}

func limitsFromConfig(cfg *config.Config) queue.Limits {
	return queue.Limits{
		MaxQueueSize: cfg.Queue.MaxQueueSize,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RetryDelay:   cfg.RetryDelay(),
		DefaultSlots: cfg.Queue.ConcurrentDownloads,
		GuildSlots:   cfg.Queue.GuildOverrides,
	}
}

func dispatchSettings(cfg *config.Config) dispatch.Settings {
	return dispatch.Settings{
		Workers:        cfg.Queue.MaxWorkers,
		ProcessTimeout: cfg.ProcessTimeout(),
		LeaseRenew:     cfg.LeaseRenewInterval(),
	}
}

func cleanupSettings(cfg *config.Config) cleanup.Settings {
	return cleanup.Settings{
		Interval:      cfg.CleanupInterval(),
		MaxHistoryAge: cfg.MaxHistoryAge(),
	}
}

// Start recovers persisted state and launches the dispatcher and background
// loops. The engine runs until Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already running")
	}
	if e.shutdownCalled {
		return errors.New("engine already shut down")
	}

	report, err := e.recovery.Startup(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	e.startup = report

	persistCtx, cancelPersist := context.WithCancel(context.WithoutCancel(ctx))
	e.cancelPersist = cancelPersist
	e.persistDone = make(chan error, 1)
	go func() { e.persistDone <- e.persistence.Run(persistCtx) }()

	loopCtx, cancelLoops := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(loopCtx)
	group.Go(func() error { return e.monitor.Run(groupCtx) })
	group.Go(func() error { return e.cleanup.Run(groupCtx) })
	e.loops = group
	e.cancelLoops = cancelLoops

	if err := e.dispatcher.Start(ctx); err != nil {
		cancelLoops()
		_ = group.Wait()
		cancelPersist()
		<-e.persistDone
		return fmt.Errorf("start dispatcher: %w", err)
	}

	e.running = true
	e.startedAt = e.now()
	e.logger.Info("engine started",
		logging.Int("restored_items", report.Restored),
		logging.Int("reset_items", len(report.Reset)),
		logging.Int("workers", dispatchSettings(e.cfg).Workers),
		logging.String("persistence", e.cfg.Persistence.Backend),
	)
	return nil
}

// Shutdown stops claiming, waits up to the grace period for in-flight work,
// cancels what remains and waits up to the force period, then flushes
// persistence. Work still running after that is abandoned with its lease
// intact so the next startup returns it to pending.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.shutdownCalled = true
	cfg := e.cfg
	loops, cancelLoops := e.loops, e.cancelLoops
	cancelPersist, persistDone := e.cancelPersist, e.persistDone
	e.mu.Unlock()

	var result *multierror.Error

	e.dispatcher.StopClaiming()
	cancelLoops()

	graceCtx, cancelGrace := context.WithTimeout(ctx, cfg.ShutdownGrace())
	err := e.dispatcher.Wait(graceCtx)
	cancelGrace()
	if err != nil {
		logging.WarnWithContext(e.logger, "in-flight work did not finish within grace period", "shutdown_force",
			logging.Int("in_flight", e.dispatcher.InFlight()),
			logging.Duration("grace", cfg.ShutdownGrace()),
			logging.String(logging.FieldErrorHint, "raise shutdown.grace_seconds if downloads routinely need longer"),
			logging.String(logging.FieldImpact, "in-flight items are cancelled and retried after restart"),
		)
		e.dispatcher.CancelInFlight()
		forceCtx, cancelForce := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownForce())
		err = e.dispatcher.Wait(forceCtx)
		cancelForce()
		if err != nil {
			logging.ErrorWithContext(e.logger, "abandoning work that ignored cancellation", "shutdown_abandon",
				logging.Int("in_flight", e.dispatcher.InFlight()),
				logging.String(logging.FieldErrorHint, "the processor did not honour context cancellation"),
			)
			result = multierror.Append(result, fmt.Errorf("abandoned %d in-flight item(s): %w", e.dispatcher.InFlight(), err))
		}
	}

	if err := loops.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	// Rollups change without a store mutation; record once more so the final
	// flush carries them.
	e.persistence.Record(e.store.Snapshot())
	cancelPersist()
	if err := <-persistDone; err != nil {
		result = multierror.Append(result, fmt.Errorf("final persistence flush: %w", err))
	}

	e.logger.Info("engine stopped", logging.Duration("uptime", e.now().Sub(e.startedAt)))
	return result.ErrorOrNil()
}

// Close releases the persistence backend.
func (e *Engine) Close() error {
	var result *multierror.Error
	if err := e.Shutdown(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.persistence.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close persistence: %w", err))
	}
	return result.ErrorOrNil()
}

// Running reports whether Start succeeded and Shutdown has not been called.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// ApplyConfig hot-reloads queue limits, timeouts, retention, and health
// thresholds. Paths, the worker count, the persistence backend, and
// notification transport require a restart.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.mu.Lock()
	prev := e.cfg
	e.cfg = cfg
	e.mu.Unlock()

	e.store.SetLimits(limitsFromConfig(cfg))
	e.dispatcher.SetSettings(dispatchSettings(cfg))
	e.recovery.SetThreshold(cfg.StallThreshold())
	e.monitor.SetThresholds(health.ThresholdsFromConfig(cfg))
	e.cleanup.SetSettings(cleanupSettings(cfg))
	e.collector.SetWindow(cfg.Health.Window)

	if prev != nil && (prev.Queue.MaxWorkers != cfg.Queue.MaxWorkers ||
		prev.Persistence != cfg.Persistence ||
		prev.Paths != cfg.Paths ||
		prev.Notifications != cfg.Notifications) {
		logging.WarnWithContext(e.logger, "some configuration changes need a restart", "config_restart_required",
			logging.String(logging.FieldErrorHint, "restart archiverd to apply worker, path, persistence, or notification changes"),
			logging.String(logging.FieldImpact, "previous values stay in effect"),
		)
	}
	e.logger.Info("configuration applied",
		logging.Int("max_queue_size", cfg.Queue.MaxQueueSize),
		logging.Int("max_attempts", cfg.Queue.MaxAttempts),
		logging.Int("concurrent_downloads", cfg.Queue.ConcurrentDownloads),
		logging.Duration("retry_delay", cfg.RetryDelay()),
		logging.Duration("process_timeout", cfg.ProcessTimeout()),
	)
}

// MetricsHandler serves the Prometheus exposition of engine metrics.
func (e *Engine) MetricsHandler() http.Handler {
	return e.collector.Handler()
}

// TestNotification sends a test message through the configured notifier.
func (e *Engine) TestNotification(ctx context.Context) error {
	return e.notifier.TestNotification(ctx)
}
