package engine_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"videoarchiver/internal/config"
	"videoarchiver/internal/engine"
	"videoarchiver/internal/health"
	"videoarchiver/internal/logging"
	"videoarchiver/internal/notifications"
	"videoarchiver/internal/processor"
	"videoarchiver/internal/queue"
	"videoarchiver/internal/testsupport"
)

const waitTimeout = 5 * time.Second

type recordingNotifier struct {
	mu     sync.Mutex
	failed []queue.Item
	alerts []notifications.Alert
}

func (n *recordingNotifier) NotifyAlert(_ context.Context, alert notifications.Alert) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, alert)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) NotifyItemFailed(_ context.Context, item queue.Item) error {
	n.mu.Lock()
	n.failed = append(n.failed, item)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) NotifyPersistenceError(context.Context, error) error { return nil }

func (n *recordingNotifier) TestNotification(context.Context) error { return nil }

func (n *recordingNotifier) failures() []queue.Item {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]queue.Item(nil), n.failed...)
}

func newEngine(t *testing.T, cfg *config.Config, proc processor.Processor, opts ...engine.Option) *engine.Engine {
	t.Helper()
	eng, err := engine.New(cfg, proc, logging.NewNop(), opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func startEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
}

func TestEnqueueProcessesToCompletion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	proc := testsupport.NewScriptedProcessor()
	eng := newEngine(t, cfg, proc)
	startEngine(t, eng)

	id, err := eng.Enqueue(context.Background(), "g1", "c1", "m1", "https://example.com/a")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	testsupport.Eventually(t, waitTimeout, func() bool {
		item, ok := eng.Item(id)
		return ok && item.Status == queue.StatusCompleted
	}, "item %s never completed", id)

	item, _ := eng.Item(id)
	if item.Result["archived"] != "https://example.com/a" {
		t.Fatalf("unexpected result: %v", item.Result)
	}
	status := eng.GetStatus("g1")
	if status.Completed != 1 || status.Total != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.SuccessRate != 100 {
		t.Fatalf("expected 100%% success, got %v", status.SuccessRate)
	}
	if got := eng.GetMetrics("g1").Enqueued; got != 1 {
		t.Fatalf("expected 1 enqueued, got %d", got)
	}
}

func TestEnqueueRejectionsAreCounted(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithQueueLimits(2, 3))
	proc := testsupport.NewScriptedProcessor()
	eng := newEngine(t, cfg, proc)
	startEngine(t, eng)
	eng.Pause()

	ctx := context.Background()
	if _, err := eng.Enqueue(ctx, "g1", "c1", "m1", "https://example.com/a"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := eng.Enqueue(ctx, "g1", "c1", "m2", "https://example.com/a"); !errors.Is(err, queue.ErrDuplicateRequest) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := eng.Enqueue(ctx, "g1", "c1", "m3", "https://example.com/b"); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if _, err := eng.Enqueue(ctx, "g1", "c1", "m4", "https://example.com/c"); !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected full, got %v", err)
	}
	if _, err := eng.Enqueue(ctx, "", "c1", "m5", "https://example.com/d"); !errors.Is(err, queue.ErrInvalidRequest) {
		t.Fatalf("expected invalid, got %v", err)
	}

	snap := eng.GetMetrics("g1")
	if snap.Enqueued != 2 || snap.Rejected != 2 {
		t.Fatalf("expected 2 enqueued and 2 rejected, got %+v", snap)
	}
}

func TestEnqueueMessageAssignsDescendingPriority(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	eng := newEngine(t, cfg, testsupport.NewScriptedProcessor())
	startEngine(t, eng)
	eng.Pause()

	urls := []string{"https://example.com/1", "https://example.com/2", "https://example.com/1"}
	admissions, err := eng.EnqueueMessage(context.Background(), "g1", "c1", "m1", urls)
	if err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	if len(admissions) != 3 {
		t.Fatalf("expected 3 admissions, got %d", len(admissions))
	}
	if admissions[0].ItemID == "" || admissions[1].ItemID == "" {
		t.Fatalf("expected first two urls admitted: %+v", admissions)
	}
	if !errors.Is(admissions[2].Err, queue.ErrDuplicateRequest) || admissions[2].Error == "" {
		t.Fatalf("expected duplicate rejection for repeated url: %+v", admissions[2])
	}

	first, _ := eng.Item(admissions[0].ItemID)
	second, _ := eng.Item(admissions[1].ItemID)
	if first.Priority != 0 || second.Priority != 1 {
		t.Fatalf("expected priorities 0 and 1, got %d and %d", first.Priority, second.Priority)
	}

	items := eng.Items("g1", queue.StatusPending)
	if len(items) != 2 || items[0].ID != first.ID {
		t.Fatalf("expected first url to be claimed first: %+v", items)
	}

	if _, err := eng.EnqueueMessage(context.Background(), "g1", "c1", "m2", nil); err == nil {
		t.Fatal("expected error for empty url list")
	}
}

func TestTerminalFailureNotifies(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	proc := testsupport.NewScriptedProcessor().Script("https://example.com/gone",
		testsupport.Step{Err: processor.Wrap(processor.ErrTerminal, "download", "video removed", nil)},
	)
	notifier := &recordingNotifier{}
	eng := newEngine(t, cfg, proc, engine.WithNotifier(notifier))
	startEngine(t, eng)

	id, err := eng.Enqueue(context.Background(), "g1", "c1", "m1", "https://example.com/gone")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	testsupport.Eventually(t, waitTimeout, func() bool {
		return len(notifier.failures()) == 1
	}, "expected failure notification")

	item, _ := eng.Item(id)
	if item.Status != queue.StatusFailed || item.Attempts != 1 {
		t.Fatalf("expected failed after one attempt, got %+v", item)
	}
	if item.LastError == nil || item.LastError.Kind != queue.ErrorTerminal {
		t.Fatalf("expected terminal error, got %+v", item.LastError)
	}
}

func TestTransientFailureRetriesUntilSuccess(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	proc := testsupport.NewScriptedProcessor().Script("https://example.com/flaky",
		testsupport.Step{Err: errors.New("connection reset")},
	)
	eng := newEngine(t, cfg, proc)
	startEngine(t, eng)

	id, err := eng.Enqueue(context.Background(), "g1", "c1", "m1", "https://example.com/flaky")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	testsupport.Eventually(t, waitTimeout, func() bool {
		item, _ := eng.Item(id)
		return item.Status == queue.StatusCompleted
	}, "flaky item never completed")

	item, _ := eng.Item(id)
	if item.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", item.Attempts)
	}
	if got := eng.GetMetrics("").Retried; got != 1 {
		t.Fatalf("expected 1 retry, got %d", got)
	}
}

func TestClearQueueKeepsProcessingItems(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Queue.ConcurrentDownloads = 1
	proc := testsupport.NewScriptedProcessor().Script("https://example.com/slow", testsupport.Step{Block: true})
	eng := newEngine(t, cfg, proc)
	startEngine(t, eng)

	ctx := context.Background()
	if _, err := eng.Enqueue(ctx, "g1", "c1", "m1", "https://example.com/slow"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-proc.Started():
	case <-time.After(waitTimeout):
		t.Fatal("slow item never started")
	}
	if _, err := eng.Enqueue(ctx, "g1", "c1", "m2", "https://example.com/next"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := eng.Enqueue(ctx, "g2", "c9", "m3", "https://example.com/other"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	eng.Pause()
	removed := eng.ClearQueue("g1")
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	status := eng.GetStatus("g1")
	if status.Processing != 1 || status.Pending != 0 {
		t.Fatalf("processing item should survive clear: %+v", status)
	}
	if other := eng.GetStatus("g2"); other.Total != 1 {
		t.Fatalf("other guild should be untouched: %+v", other)
	}
}

func TestPauseStopsClaiming(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	proc := testsupport.NewScriptedProcessor()
	eng := newEngine(t, cfg, proc)
	startEngine(t, eng)

	if !eng.Pause() {
		t.Fatal("expected pause to change state")
	}
	if eng.Pause() {
		t.Fatal("second pause should be a no-op")
	}
	id, err := eng.Enqueue(context.Background(), "g1", "c1", "m1", "https://example.com/a")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if item, _ := eng.Item(id); item.Status != queue.StatusPending {
		t.Fatalf("paused engine claimed item: %s", item.Status)
	}
	if !eng.GetStatus("").Paused {
		t.Fatal("status should report paused")
	}

	if !eng.Resume() {
		t.Fatal("expected resume to change state")
	}
	testsupport.Eventually(t, waitTimeout, func() bool {
		item, _ := eng.Item(id)
		return item.Status == queue.StatusCompleted
	}, "item not processed after resume")
}

func TestRestartRestoresQueue(t *testing.T) {
	cases := map[string][]testsupport.ConfigOption{
		"file":   nil,
		"sqlite": {testsupport.WithSQLite()},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testsupport.NewConfig(t, opts...)

			first := newEngine(t, cfg, testsupport.NewScriptedProcessor())
			if err := first.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			first.Pause()
			for _, url := range []string{"https://example.com/a", "https://example.com/b"} {
				if _, err := first.Enqueue(context.Background(), "g1", "c1", "m1", url); err != nil {
					t.Fatalf("Enqueue: %v", err)
				}
			}
			if err := first.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			proc := testsupport.NewScriptedProcessor()
			second := newEngine(t, cfg, proc)
			startEngine(t, second)

			if restored := second.Overview().Startup.Restored; restored != 2 {
				t.Fatalf("expected 2 restored items, got %d", restored)
			}
			testsupport.Eventually(t, waitTimeout, func() bool {
				return second.GetStatus("g1").Completed == 2
			}, "restored items never completed")
			if got := second.GetMetrics("g1").Enqueued; got != 2 {
				t.Fatalf("expected enqueue counter restored, got %d", got)
			}
		})
	}
}

func TestShutdownAbandonsStuckWorkForRestart(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	proc := testsupport.NewScriptedProcessor().Script("https://example.com/stuck", testsupport.Step{Block: true})
	first := newEngine(t, cfg, proc)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	id, err := first.Enqueue(context.Background(), "g1", "c1", "m1", "https://example.com/stuck")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-proc.Started():
	case <-time.After(waitTimeout):
		t.Fatal("stuck item never started")
	}

	start := time.Now()
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed < cfg.ShutdownGrace() {
		t.Fatalf("shutdown returned before grace period: %s", elapsed)
	}
	if first.Running() {
		t.Fatal("engine still running after Close")
	}

	second := newEngine(t, cfg, testsupport.NewScriptedProcessor())
	startEngine(t, second)
	startup := second.Overview().Startup
	if len(startup.Reset) != 1 || startup.Reset[0] != id {
		t.Fatalf("expected %s reset on startup, got %+v", id, startup.Reset)
	}
	testsupport.Eventually(t, waitTimeout, func() bool {
		item, _ := second.Item(id)
		return item.Status == queue.StatusCompleted
	}, "reset item never completed")
}

func TestStartTwiceFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	eng := newEngine(t, cfg, testsupport.NewScriptedProcessor())
	startEngine(t, eng)
	if err := eng.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

func TestApplyConfigUpdatesLimits(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	eng := newEngine(t, cfg, testsupport.NewScriptedProcessor())
	startEngine(t, eng)
	eng.Pause()

	updated := *cfg
	updated.Queue.MaxQueueSize = 1
	eng.ApplyConfig(&updated)

	if eng.Config().Queue.MaxQueueSize != 1 {
		t.Fatal("config not swapped")
	}
	if got := eng.GetStatus("").Capacity; got != 1 {
		t.Fatalf("expected capacity 1, got %d", got)
	}
	ctx := context.Background()
	if _, err := eng.Enqueue(ctx, "g1", "c1", "m1", "https://example.com/a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := eng.Enqueue(ctx, "g1", "c1", "m2", "https://example.com/b"); !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected full after shrinking capacity, got %v", err)
	}
}

func TestHealthReportsQueueDepth(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	eng := newEngine(t, cfg, testsupport.NewScriptedProcessor())
	startEngine(t, eng)
	eng.Pause()

	if _, err := eng.Enqueue(context.Background(), "g1", "c1", "m1", "https://example.com/a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	report := eng.CheckHealth(context.Background())
	if report.QueueDepth != 1 {
		t.Fatalf("expected depth 1, got %d", report.QueueDepth)
	}
	if report.Capacity != cfg.Queue.MaxQueueSize {
		t.Fatalf("expected capacity %d, got %d", cfg.Queue.MaxQueueSize, report.Capacity)
	}
	if eng.Health().CheckedAt.IsZero() {
		t.Fatal("latest report should be retained")
	}
}

func TestStartRunsInMemoryWhenStateUnreadable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := os.Mkdir(cfg.Persistence.Path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	notifier := &recordingNotifier{}
	eng := newEngine(t, cfg, testsupport.NewScriptedProcessor(), engine.WithNotifier(notifier))
	startEngine(t, eng)

	overview := eng.Overview()
	if !overview.Startup.Unreadable || overview.Startup.Restored != 0 {
		t.Fatalf("expected unreadable startup report, got %+v", overview.Startup)
	}
	if !overview.Persistence.WritesDisabled || overview.Persistence.Healthy() {
		t.Fatalf("expected writes disabled, got %+v", overview.Persistence)
	}

	if _, err := eng.Enqueue(context.Background(), "g1", "c1", "m1", "https://example.com/a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	testsupport.Eventually(t, waitTimeout, func() bool {
		return eng.GetStatus("g1").Completed == 1
	}, "item never completed in memory-only mode")

	report := eng.CheckHealth(context.Background())
	var persistCheck *health.Check
	for i := range report.Checks {
		if report.Checks[i].Name == "persistence" {
			persistCheck = &report.Checks[i]
		}
	}
	if persistCheck == nil || persistCheck.Level != health.LevelCritical {
		t.Fatalf("expected critical persistence check, got %+v", report.Checks)
	}

	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := os.Stat(cfg.Persistence.Path)
	if err != nil || !info.IsDir() {
		t.Fatalf("state path should be left untouched: %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	found := false
	for _, alert := range notifier.alerts {
		if alert.Key == "recovery_unreadable" && alert.Severity == notifications.SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unreadable-state alert, got %+v", notifier.alerts)
	}
}
