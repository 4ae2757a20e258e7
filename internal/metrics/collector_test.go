package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"videoarchiver/internal/metrics"
	"videoarchiver/internal/queue"
)

func TestCollectorTracksGlobalAndGuildCounters(t *testing.T) {
	c := metrics.NewCollector(10)
	c.RecordEnqueued("g1")
	c.RecordEnqueued("g1")
	c.RecordEnqueued("g2")
	c.RecordRejected("g2", "duplicate")

	c.RecordAttempt("g1", queue.StatusPending, queue.ErrorTransient, 2*time.Second)
	c.RecordAttempt("g1", queue.StatusCompleted, "", 4*time.Second)
	c.RecordAttempt("g2", queue.StatusFailed, queue.ErrorTerminal, 3*time.Second)

	global := c.Snapshot("")
	if global.Enqueued != 3 || global.Rejected != 1 || global.Completed != 1 || global.Failed != 1 || global.Retried != 1 {
		t.Fatalf("unexpected global counters: %+v", global)
	}
	if global.Attempts != 3 || global.TotalProcessingTime != 9*time.Second || global.AverageProcessingTime != 3*time.Second {
		t.Fatalf("unexpected timing: %+v", global)
	}
	if global.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5 over finished items, got %v", global.SuccessRate)
	}
	if global.RollingSuccessRate != 0.5 || global.RollingAverageTime != 3500*time.Millisecond {
		t.Fatalf("expected rolling values over finished items, got %+v", global)
	}
	if global.ErrorsByKind["transient"] != 1 || global.ErrorsByKind["terminal"] != 1 {
		t.Fatalf("unexpected errors by kind: %v", global.ErrorsByKind)
	}

	g1 := c.Snapshot("g1")
	if g1.Enqueued != 2 || g1.Completed != 1 || g1.Retried != 1 || g1.SuccessRate != 1 {
		t.Fatalf("unexpected g1 snapshot: %+v", g1)
	}
	if g1.RollingSuccessRate != 1 || g1.RollingAverageTime != 4*time.Second {
		t.Fatalf("unexpected g1 rolling values: %+v", g1)
	}

	unknown := c.Snapshot("nobody")
	if unknown.Attempts != 0 || unknown.SuccessRate != 1 {
		t.Fatalf("expected empty snapshot for unknown guild, got %+v", unknown)
	}
}

func TestRetriesDoNotLowerRollingSuccess(t *testing.T) {
	c := metrics.NewCollector(20)
	for i := 0; i < 10; i++ {
		c.RecordAttempt("g1", queue.StatusPending, queue.ErrorTransient, time.Second)
		c.RecordAttempt("g1", queue.StatusCompleted, "", time.Second)
	}
	snap := c.Snapshot("g1")
	if snap.Completed != 10 || snap.Failed != 0 || snap.Retried != 10 || snap.Attempts != 20 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.RollingSuccessRate != 1 || snap.SuccessRate != 1 {
		t.Fatalf("expected retried-then-completed items to count as success, got rolling=%v cumulative=%v",
			snap.RollingSuccessRate, snap.SuccessRate)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	c := metrics.NewCollector(10)
	c.RecordAttempt("g1", queue.StatusFailed, queue.ErrorTerminal, time.Second)
	snap := c.Snapshot("")
	snap.ErrorsByKind["terminal"] = 99
	if got := c.Snapshot("").ErrorsByKind["terminal"]; got != 1 {
		t.Fatalf("snapshot mutation leaked into collector: %d", got)
	}
}

func TestRollingWindowDropsOldest(t *testing.T) {
	c := metrics.NewCollector(4)
	for i := 0; i < 4; i++ {
		c.RecordAttempt("g1", queue.StatusFailed, queue.ErrorTerminal, time.Second)
	}
	for i := 0; i < 4; i++ {
		c.RecordAttempt("g1", queue.StatusCompleted, "", time.Second)
	}
	if got := c.Snapshot("").RollingSuccessRate; got != 1 {
		t.Fatalf("expected failures to age out of the window, got %v", got)
	}

	c.RecordAttempt("g1", queue.StatusFailed, queue.ErrorTerminal, time.Second)
	c.SetWindow(2)
	snap := c.Snapshot("")
	if snap.WindowSize != 2 || snap.RollingSuccessRate != 0.5 {
		t.Fatalf("expected resized window to keep newest entries, got %+v", snap)
	}
}

func TestRollupsRestore(t *testing.T) {
	c := metrics.NewCollector(10)
	c.RecordEnqueued("g1")
	c.RecordAttempt("g1", queue.StatusCompleted, "", time.Second)
	c.RecordRecovered("g1", 2)

	guilds, totals := c.Rollups()
	restored := metrics.NewCollector(10)
	restored.Restore(guilds, totals)

	got := restored.Snapshot("g1")
	if got.Enqueued != 1 || got.Completed != 1 || got.RecoveredStalls != 2 || got.TotalProcessingTime != time.Second {
		t.Fatalf("unexpected restored guild snapshot: %+v", got)
	}
	if got.RollingSuccessRate != 1 {
		t.Fatalf("expected empty rolling window after restore, got %v", got.RollingSuccessRate)
	}
	if restored.Snapshot("").RecoveredStalls != 2 {
		t.Fatal("expected totals restored")
	}
}

func TestCleanupAndResources(t *testing.T) {
	c := metrics.NewCollector(10)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.RecordCleanup(3, at)
	c.RecordCleanup(0, at.Add(time.Hour))

	sample := c.SampleResources()
	if sample.HeapBytes == 0 || sample.Goroutines == 0 {
		t.Fatalf("expected runtime sample, got %+v", sample)
	}
	c.ObserveQueue([]queue.GuildInfo{{ID: "g1", Counts: queue.Counts{Pending: 3, Failed: 2}}})

	snap := c.Snapshot("")
	if snap.CleanupEvicted != 3 || !snap.LastCleanup.Equal(at.Add(time.Hour)) {
		t.Fatalf("unexpected cleanup stats: %+v", snap)
	}
	if snap.PeakMemoryBytes < sample.HeapBytes || snap.PeakQueueDepth != 5 {
		t.Fatalf("unexpected peaks: %+v", snap)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	c := metrics.NewCollector(10)
	c.RecordEnqueued("g1")
	c.RecordEnqueued("g1")
	c.RecordAttempt("g1", queue.StatusCompleted, "", time.Second)
	c.ObserveQueue([]queue.GuildInfo{{ID: "g1", Counts: queue.Counts{Completed: 1}}})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	text := string(body)
	for _, want := range []string{
		`archiver_items_enqueued_total{guild="g1"} 2`,
		`archiver_attempts_resolved_total{guild="g1",status="completed"} 1`,
		`archiver_queue_items{guild="g1",status="completed"} 1`,
		"archiver_processing_duration_seconds_count 1",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, text)
		}
	}
}
