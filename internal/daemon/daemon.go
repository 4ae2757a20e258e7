package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"

	"videoarchiver/internal/config"
	"videoarchiver/internal/engine"
	"videoarchiver/internal/logging"
)

// Daemon runs the archive engine behind a single-instance lock and serves the
// HTTP API.
type Daemon struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	engine     *engine.Engine
	api        *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running         bool            `json:"running"`
	PID             int             `json:"pid"`
	LockFilePath    string          `json:"lock_file_path"`
	PersistencePath string          `json:"persistence_path"`
	APIAddress      string          `json:"api_address,omitempty"`
	Engine          engine.Overview `json:"engine"`
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithConfigPath enables hot reload of the config file at path.
func WithConfigPath(path string) Option {
	return func(d *Daemon) { d.configPath = path }
}

// New constructs a daemon around eng.
func New(cfg *config.Config, eng *engine.Engine, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || eng == nil {
		return nil, errors.New("daemon requires config and engine")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		engine:   eng,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// Start acquires the daemon lock, recovers and starts the engine, and begins
// serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another archiver daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.engine.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start engine: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		cancel()
		_ = d.engine.Shutdown(context.Background())
		_ = d.lock.Unlock()
		return err
	}
	if d.configPath != "" {
		d.watchConfig(runCtx)
	}

	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	d.running.Store(true)
	d.logger.Info("archiver daemon started", logging.String("lock", d.lockPath))
	return nil
}

func (d *Daemon) watchConfig(ctx context.Context) {
	watcher, err := config.NewWatcher(d.configPath, d.applyConfig, func(err error) {
		logging.WarnWithContext(d.logger, "config reload failed", "config_reload_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "fix the config file; the previous settings remain active"),
		)
	})
	if err != nil {
		logging.WarnWithContext(d.logger, "config hot reload unavailable", "config_watch_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "config edits need a daemon restart"),
		)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		watcher.Run(ctx)
	}()
	d.logger.Debug("watching config for changes", logging.String("path", d.configPath))
}

func (d *Daemon) applyConfig(cfg *config.Config) {
	d.logger.Info("config file changed; applying", logging.String("path", d.configPath))
	d.engine.ApplyConfig(cfg)
	d.api.setToken(cfg.Paths.APIToken)
}

// Stop shuts the engine down and releases the daemon lock.
func (d *Daemon) Stop(ctx context.Context) error {
	if !d.running.Swap(false) {
		return nil
	}
	var result *multierror.Error

	d.api.stop()
	if err := d.engine.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
		result = multierror.Append(result, fmt.Errorf("release lock: %w", err))
	}
	d.logger.Info("archiver daemon stopped")
	return result.ErrorOrNil()
}

// Close stops the daemon and releases engine resources.
func (d *Daemon) Close() error {
	var result *multierror.Error
	if err := d.Stop(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.engine.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Engine exposes queue operations to control surfaces.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// APIAddress returns the bound API address, or "" when the API is disabled.
func (d *Daemon) APIAddress() string {
	return d.api.address()
}

// Status returns the current daemon status.
func (d *Daemon) Status(context.Context) Status {
	cfg := d.engine.Config()
	return Status{
		Running:         d.running.Load(),
		PID:             os.Getpid(),
		LockFilePath:    d.lockPath,
		PersistencePath: cfg.Persistence.Path,
		APIAddress:      d.api.address(),
		Engine:          d.engine.Overview(),
	}
}
