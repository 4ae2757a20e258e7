package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"videoarchiver/internal/logging"
	"videoarchiver/internal/processor"
	"videoarchiver/internal/queue"
)

// MetricsSink receives one record per resolved attempt.
type MetricsSink interface {
	RecordAttempt(guildID string, resolved queue.Status, errKind queue.ErrorKind, elapsed time.Duration)
}

// FailureNotifier is told about items that reached failed.
type FailureNotifier interface {
	NotifyItemFailed(ctx context.Context, item queue.Item) error
}

// Settings are the hot-reloadable dispatcher bounds.
type Settings struct {
	Workers        int
	ProcessTimeout time.Duration
	LeaseRenew     time.Duration
}

const notifyTimeout = 15 * time.Second

// Dispatcher runs a fixed pool of workers that claim, process, and resolve
// queue items. Per-guild bounds are enforced by the store's slots; Workers is
// the global bound.
type Dispatcher struct {
	store    *queue.Store
	proc     processor.Processor
	metrics  MetricsSink
	notifier FailureNotifier
	logger   *slog.Logger
	now      func() time.Time
	instance string

	mu       sync.Mutex
	settings Settings
	running  bool
	paused   bool
	resumed  chan struct{}

	stopClaiming context.CancelFunc
	cancelWork   context.CancelFunc
	wg           sync.WaitGroup
	stopped      chan struct{} // closed when the workers of the last Start exit
	inFlight     atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics installs the attempt sink.
func WithMetrics(sink MetricsSink) Option {
	return func(d *Dispatcher) { d.metrics = sink }
}

// WithNotifier installs the terminal-failure alert sink.
func WithNotifier(n FailureNotifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithClock overrides the time source used for elapsed-time accounting.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New constructs a dispatcher. Call Start to launch workers.
func New(store *queue.Store, proc processor.Processor, settings Settings, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		proc:     proc,
		logger:   logging.NewComponentLogger(logger, "dispatcher"),
		now:      time.Now,
		instance: uuid.NewString()[:8],
		settings: normalizeSettings(settings),
		resumed:  make(chan struct{}),
	}
	close(d.resumed)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func normalizeSettings(s Settings) Settings {
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.LeaseRenew <= 0 {
		s.LeaseRenew = 30 * time.Second
	}
	return s
}

// Start launches the worker pool. Workers stop claiming when ctx is cancelled
// or StopClaiming is called; in-flight work runs on a separate context that
// only CancelInFlight cancels.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("dispatcher already running")
	}
	claimCtx, stop := context.WithCancel(ctx)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	d.stopClaiming = stop
	d.cancelWork = cancelWork
	d.running = true

	workers := d.settings.Workers
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("%s-w%d", d.instance, i+1)
		go d.runWorker(claimCtx, workCtx, workerID)
	}
	stopped := make(chan struct{})
	d.stopped = stopped
	go func() {
		d.wg.Wait()
		close(stopped)
	}()
	d.logger.Info("dispatcher started", logging.Int("workers", workers))
	return nil
}

// StopClaiming asks every worker to exit after its current item.
func (d *Dispatcher) StopClaiming() {
	d.mu.Lock()
	stop := d.stopClaiming
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// CancelInFlight cancels the context of every running processor call.
// Abandoned items keep their lease for startup recovery.
func (d *Dispatcher) CancelInFlight() {
	d.mu.Lock()
	cancel := d.cancelWork
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until every worker has exited or ctx expires.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped == nil {
		return nil
	}
	select {
	case <-stopped:
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops workers from claiming new items. In-flight items finish.
func (d *Dispatcher) Pause() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return false
	}
	d.paused = true
	d.resumed = make(chan struct{})
	d.logger.Info("dispatcher paused")
	return true
}

// Resume re-enables claiming.
func (d *Dispatcher) Resume() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return false
	}
	d.paused = false
	close(d.resumed)
	d.logger.Info("dispatcher resumed")
	return true
}

// Paused reports whether claiming is suspended.
func (d *Dispatcher) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// InFlight returns the number of items currently being processed.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// SetSettings applies new timeouts. The worker count is fixed after Start.
func (d *Dispatcher) SetSettings(s Settings) {
	d.mu.Lock()
	defer d.mu.Unlock()
	workers := d.settings.Workers
	d.settings = normalizeSettings(s)
	if d.running {
		d.settings.Workers = workers
	}
}

func (d *Dispatcher) currentSettings() Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

func (d *Dispatcher) resumeSignal() (bool, <-chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused, d.resumed
}

func (d *Dispatcher) runWorker(claimCtx, workCtx context.Context, workerID string) {
	defer d.wg.Done()

	for {
		if claimCtx.Err() != nil {
			return
		}
		if paused, resumed := d.resumeSignal(); paused {
			select {
			case <-claimCtx.Done():
				return
			case <-resumed:
			}
			continue
		}

		changed := d.store.Changed()
		item, ok := d.store.ClaimNext("", workerID)
		if !ok {
			d.waitForWork(claimCtx, changed)
			continue
		}
		d.process(workCtx, workerID, item)
	}
}

// waitForWork blocks until the store changes, the earliest retry gate opens,
// or claiming stops.
func (d *Dispatcher) waitForWork(ctx context.Context, changed <-chan struct{}) {
	var timer <-chan time.Time
	if next, ok := d.store.NextEligibleAt(); ok {
		delay := next.Sub(d.now())
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
	case <-changed:
	case <-timer:
	}
}

func (d *Dispatcher) process(workCtx context.Context, workerID string, item queue.Item) {
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	settings := d.currentSettings()
	ctx := logging.WithWorker(logging.WithItem(workCtx, item.ID, item.GuildID), workerID)
	itemLogger := logging.WithContext(ctx, d.logger)
	var cancel context.CancelFunc
	if settings.ProcessTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, settings.ProcessTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	itemLogger.Debug("processing item",
		logging.String("url", item.URL),
		logging.Int(logging.FieldAttempts, item.Attempts+1),
	)

	var hbWG sync.WaitGroup
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbWG.Add(1)
	go d.heartbeat(hbCtx, &hbWG, itemLogger, item.ID, workerID, settings.LeaseRenew)

	started := d.now()
	result, err := d.invoke(ctx, item)
	elapsed := d.now().Sub(started)
	stopHeartbeat()
	hbWG.Wait()

	if workCtx.Err() != nil {
		logging.WarnWithContext(itemLogger, "processing abandoned during shutdown", "item_abandoned",
			logging.String(logging.FieldErrorHint, "the item will be reset to pending on next startup"),
			logging.String(logging.FieldImpact, "item stays processing until restart"),
		)
		return
	}

	outcome := processor.Classify(result, err)
	resolved, resolveErr := d.store.Resolve(item.ID, workerID, outcome)
	if resolveErr != nil {
		logging.WarnWithContext(itemLogger, "outcome discarded", "resolve_failed",
			logging.Error(resolveErr),
			logging.String("outcome", outcome.Kind.String()),
			logging.String(logging.FieldErrorHint, "the lease was reclaimed by stall recovery"),
			logging.String(logging.FieldImpact, "attempt result ignored"),
		)
		return
	}
	if d.metrics != nil {
		d.metrics.RecordAttempt(resolved.GuildID, resolved.Status, outcome.Error.Kind, elapsed)
	}
	d.report(itemLogger, resolved, outcome, elapsed)
}

func (d *Dispatcher) invoke(ctx context.Context, item queue.Item) (result map[string]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = processor.Recovered(r)
		}
	}()
	return d.proc.Process(ctx, item)
}

func (d *Dispatcher) heartbeat(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, itemID, workerID string, interval time.Duration) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.RenewLease(itemID, workerID); err != nil {
				logger.Warn("lease renewal failed", logging.Error(err))
				if errors.Is(err, queue.ErrLeaseLost) || errors.Is(err, queue.ErrItemNotFound) {
					return
				}
			}
		}
	}
}

func (d *Dispatcher) report(logger *slog.Logger, item queue.Item, outcome queue.Outcome, elapsed time.Duration) {
	attrs := []logging.Attr{
		logging.Int(logging.FieldAttempts, item.Attempts),
		logging.Duration("elapsed", elapsed),
	}
	switch item.Status {
	case queue.StatusCompleted:
		logger.Info("item completed", logging.Args(attrs...)...)
	case queue.StatusPending:
		attrs = append(attrs,
			logging.String("error_kind", string(outcome.Error.Kind)),
			logging.String("error", outcome.Error.Message),
			logging.Time("next_eligible_at", item.NextEligibleAt),
			logging.String(logging.FieldErrorHint, "retrying after delay"),
			logging.String(logging.FieldImpact, "item delayed"),
		)
		logging.WarnWithContext(logger, "item attempt failed; will retry", "item_retry", attrs...)
	case queue.StatusFailed:
		attrs = append(attrs,
			logging.String("error_kind", string(outcome.Error.Kind)),
			logging.String("error", outcome.Error.Message),
			logging.String("url", item.URL),
			logging.String(logging.FieldErrorHint, "inspect the processor output for this url"),
		)
		logging.ErrorWithContext(logger, "item failed", "item_failed", attrs...)
		if d.notifier != nil {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			if err := d.notifier.NotifyItemFailed(ctx, item); err != nil {
				logger.Warn("failure notification not sent", logging.Error(err))
			}
			cancel()
		}
	}
}
