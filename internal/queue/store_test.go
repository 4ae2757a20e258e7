package queue_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"videoarchiver/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T, clock *fakeClock, mutate func(*queue.Limits), opts ...queue.Option) *queue.Store {
	t.Helper()
	limits := queue.DefaultLimits()
	if mutate != nil {
		mutate(&limits)
	}
	counter := 0
	opts = append([]queue.Option{
		queue.WithClock(clock.Now),
		queue.WithIDGenerator(func() string {
			counter++
			return fmt.Sprintf("item-%04d", counter)
		}),
	}, opts...)
	return queue.NewStore(limits, opts...)
}

func mustEnqueue(t *testing.T, s *queue.Store, guild, message, url string) queue.Item {
	t.Helper()
	item, err := s.Enqueue(queue.EnqueueRequest{GuildID: guild, ChannelID: "c1", MessageID: message, URL: url, Priority: queue.AutoPriority})
	if err != nil {
		t.Fatalf("enqueue %s: %v", url, err)
	}
	return item
}

func mustClaim(t *testing.T, s *queue.Store, guild, worker string) queue.Item {
	t.Helper()
	item, ok := s.ClaimNext(guild, worker)
	if !ok {
		t.Fatalf("expected claimable item for guild %q", guild)
	}
	return item
}

func TestEnqueueAssignsMessagePrioritiesAndClaimsInOrder(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, func(l *queue.Limits) { l.DefaultSlots = 1 })

	urls := []string{"https://v.example/a", "https://v.example/b", "https://v.example/c"}
	for i, url := range urls {
		item := mustEnqueue(t, s, "g1", "m1", url)
		if item.Priority != i {
			t.Fatalf("expected priority %d for %s, got %d", i, url, item.Priority)
		}
		if item.Status != queue.StatusPending || item.Attempts != 0 || item.MaxAttempts != 3 {
			t.Fatalf("unexpected new item: %+v", item)
		}
	}

	for _, want := range urls {
		item := mustClaim(t, s, "g1", "w1")
		if item.URL != want {
			t.Fatalf("expected claim of %s, got %s", want, item.URL)
		}
		if item.Lease == nil || item.Lease.WorkerID != "w1" || item.ProcessingStartedAt == nil {
			t.Fatalf("expected lease stamped on claim, got %+v", item)
		}
		if _, ok := s.ClaimNext("g1", "w2"); ok {
			t.Fatal("expected single slot to block a second claim")
		}
		if _, err := s.Resolve(item.ID, "w1", queue.Success(nil)); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, func(l *queue.Limits) { l.MaxQueueSize = 1000 })

	for i := 0; i < 1000; i++ {
		mustEnqueue(t, s, "g1", fmt.Sprintf("m%d", i), fmt.Sprintf("https://v.example/%d", i))
	}
	_, err := s.Enqueue(queue.EnqueueRequest{GuildID: "g1", URL: "https://v.example/overflow"})
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := s.Len(); got != 1000 {
		t.Fatalf("expected 1000 items after rejection, got %d", got)
	}
}

func TestEnqueueSuppressesDuplicatesPerGuild(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, nil)

	first := mustEnqueue(t, s, "g1", "m1", "https://v.example/a")
	if _, err := s.Enqueue(queue.EnqueueRequest{GuildID: "g1", URL: " https://v.example/a "}); !errors.Is(err, queue.ErrDuplicateRequest) {
		t.Fatalf("expected duplicate rejection for pending item, got %v", err)
	}

	mustEnqueue(t, s, "g2", "m1", "https://v.example/a")

	claimed := mustClaim(t, s, "g1", "w1")
	if claimed.ID != first.ID {
		t.Fatalf("expected to claim %s, got %s", first.ID, claimed.ID)
	}
	if _, err := s.Enqueue(queue.EnqueueRequest{GuildID: "g1", URL: "https://v.example/a"}); !errors.Is(err, queue.ErrDuplicateRequest) {
		t.Fatalf("expected duplicate rejection for processing item, got %v", err)
	}

	if _, err := s.Resolve(claimed.ID, "w1", queue.Success(map[string]string{"path": "/x"})); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := s.Enqueue(queue.EnqueueRequest{GuildID: "g1", URL: "https://v.example/a"}); err != nil {
		t.Fatalf("expected re-enqueue after completion to succeed, got %v", err)
	}
}

func TestEnqueueRequiresGuildAndURL(t *testing.T) {
	s := newStore(t, newFakeClock(), nil)
	if _, err := s.Enqueue(queue.EnqueueRequest{URL: "https://v.example/a"}); !errors.Is(err, queue.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestResolveRetriesThenCompletes(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, nil)
	item := mustEnqueue(t, s, "g1", "m1", "https://v.example/a")

	for attempt := 1; attempt <= 2; attempt++ {
		claimed := mustClaim(t, s, "", "w1")
		resolved, err := s.Resolve(claimed.ID, "w1", queue.TransientFailure(queue.ItemError{Message: "network reset"}))
		if err != nil {
			t.Fatalf("resolve attempt %d: %v", attempt, err)
		}
		if resolved.Status != queue.StatusPending || resolved.Attempts != attempt {
			t.Fatalf("attempt %d: unexpected state %s attempts=%d", attempt, resolved.Status, resolved.Attempts)
		}
		if resolved.Lease != nil || resolved.ProcessingStartedAt != nil {
			t.Fatal("expected lease cleared after resolve")
		}
		if _, ok := s.ClaimNext("", "w1"); ok {
			t.Fatal("expected retry delay to gate the item")
		}
		next, ok := s.NextEligibleAt()
		if !ok || !next.Equal(clock.Now().Add(5*time.Second)) {
			t.Fatalf("expected next eligible in 5s, got %v %v", next, ok)
		}
		clock.Advance(5 * time.Second)
	}

	claimed := mustClaim(t, s, "", "w1")
	final, err := s.Resolve(claimed.ID, "w1", queue.Success(map[string]string{"output_dir": "/archive/g1"}))
	if err != nil {
		t.Fatalf("final resolve: %v", err)
	}
	if final.ID != item.ID || final.Status != queue.StatusCompleted || final.Attempts != 3 {
		t.Fatalf("expected completed with 3 attempts, got %s attempts=%d", final.Status, final.Attempts)
	}
	if final.Result["output_dir"] != "/archive/g1" || final.LastError != nil {
		t.Fatalf("unexpected result payload: %+v", final)
	}
}

func TestResolveExhaustsAttempts(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, nil)
	mustEnqueue(t, s, "g1", "m1", "https://v.example/a")

	var last queue.Item
	for attempt := 1; attempt <= 3; attempt++ {
		claimed := mustClaim(t, s, "", "w1")
		var err error
		last, err = s.Resolve(claimed.ID, "w1", queue.TransientFailure(queue.ItemError{Message: fmt.Sprintf("fail %d", attempt)}))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		clock.Advance(5 * time.Second)
	}
	if last.Status != queue.StatusFailed || last.Attempts != 3 {
		t.Fatalf("expected failed with 3 attempts, got %s attempts=%d", last.Status, last.Attempts)
	}
	if last.LastError == nil || last.LastError.Message != "fail 3" || last.LastError.Kind != queue.ErrorTransient {
		t.Fatalf("expected last transient error recorded, got %+v", last.LastError)
	}
	if _, ok := s.ClaimNext("", "w1"); ok {
		t.Fatal("failed item must not be claimable")
	}
	if got := s.Status("g1"); got.Failed != 1 || got.Total() != 1 {
		t.Fatalf("expected item retained as failed, got %+v", got)
	}
}

func TestResolveTerminalFailsImmediately(t *testing.T) {
	s := newStore(t, newFakeClock(), nil)
	mustEnqueue(t, s, "g1", "m1", "https://v.example/gone")
	claimed := mustClaim(t, s, "", "w1")

	resolved, err := s.Resolve(claimed.ID, "w1", queue.TerminalFailure(queue.ItemError{Message: "video removed"}))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != queue.StatusFailed || resolved.Attempts != 1 {
		t.Fatalf("expected failed after one attempt, got %s attempts=%d", resolved.Status, resolved.Attempts)
	}
	if resolved.LastError.Kind != queue.ErrorTerminal {
		t.Fatalf("expected terminal error kind, got %q", resolved.LastError.Kind)
	}
}

func TestResolveRejectsForeignLease(t *testing.T) {
	s := newStore(t, newFakeClock(), nil)
	mustEnqueue(t, s, "g1", "m1", "https://v.example/a")
	claimed := mustClaim(t, s, "", "w1")

	if _, err := s.Resolve(claimed.ID, "w2", queue.Success(nil)); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if _, err := s.Resolve("missing", "w1", queue.Success(nil)); !errors.Is(err, queue.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if err := s.RenewLease(claimed.ID, "w2"); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on renew, got %v", err)
	}
}

func TestClaimNextRoundRobinsAcrossGuilds(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, func(l *queue.Limits) { l.DefaultSlots = 5 })

	for i := 0; i < 3; i++ {
		mustEnqueue(t, s, "busy", "m1", fmt.Sprintf("https://v.example/busy-%d", i))
	}
	clock.Advance(time.Second)
	mustEnqueue(t, s, "quiet", "m2", "https://v.example/quiet-0")

	var guilds []string
	for i := 0; i < 4; i++ {
		item := mustClaim(t, s, "", "w")
		guilds = append(guilds, item.GuildID)
	}
	want := []string{"busy", "quiet", "busy", "busy"}
	for i := range want {
		if guilds[i] != want[i] {
			t.Fatalf("claim order %v, want %v", guilds, want)
		}
	}
}

func TestClaimNextRespectsGuildSlots(t *testing.T) {
	s := newStore(t, newFakeClock(), func(l *queue.Limits) {
		l.DefaultSlots = 2
		l.GuildSlots = map[string]int{"solo": 1}
	})
	for i := 0; i < 3; i++ {
		mustEnqueue(t, s, "g1", "m1", fmt.Sprintf("https://v.example/g1-%d", i))
		mustEnqueue(t, s, "solo", "m2", fmt.Sprintf("https://v.example/solo-%d", i))
	}

	claimed := map[string]int{}
	for {
		item, ok := s.ClaimNext("", "w")
		if !ok {
			break
		}
		claimed[item.GuildID]++
	}
	if claimed["g1"] != 2 || claimed["solo"] != 1 {
		t.Fatalf("expected slot limits 2/1, got %v", claimed)
	}
	for _, info := range s.Guilds() {
		if info.SlotsUsed > info.Slots {
			t.Fatalf("guild %s exceeds slots: %+v", info.ID, info)
		}
	}
}

func TestChangedFiresOnEnqueueAndResolve(t *testing.T) {
	s := newStore(t, newFakeClock(), nil)

	ch := s.Changed()
	mustEnqueue(t, s, "g1", "m1", "https://v.example/a")
	select {
	case <-ch:
	default:
		t.Fatal("expected wake after enqueue")
	}

	claimed := mustClaim(t, s, "", "w1")
	ch = s.Changed()
	if _, err := s.Resolve(claimed.ID, "w1", queue.Success(nil)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	select {
	case <-ch:
	default:
		t.Fatal("expected wake after resolve")
	}
}

func TestResetProcessingKeepsAttempts(t *testing.T) {
	s := newStore(t, newFakeClock(), nil)
	mustEnqueue(t, s, "g1", "m1", "https://v.example/a")
	claimed := mustClaim(t, s, "", "w1")
	if _, err := s.Resolve(claimed.ID, "w1", queue.TransientFailure(queue.ItemError{Message: "x"})); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	s2 := newStore(t, newFakeClock(), nil)
	snap := s.Snapshot()
	snap.Items[0].Status = queue.StatusProcessing
	snap.Items[0].Lease = &queue.Lease{WorkerID: "dead", AcquiredAt: time.Unix(0, 0), RenewedAt: time.Unix(0, 0)}
	if err := s2.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	reset := s2.ResetProcessing()
	if len(reset) != 1 {
		t.Fatalf("expected one reset item, got %d", len(reset))
	}
	got, _ := s2.Get(claimed.ID)
	if got.Status != queue.StatusPending || got.Lease != nil || got.Attempts != 1 {
		t.Fatalf("expected pending with lease cleared and attempts kept, got %+v", got)
	}
}

func TestReclaimStaleConsumesAttempt(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, func(l *queue.Limits) { l.MaxAttempts = 2 })
	mustEnqueue(t, s, "g1", "m1", "https://v.example/a")

	claimed := mustClaim(t, s, "", "w1")
	clock.Advance(10 * time.Minute)
	if stale := s.StaleLeases(clock.Now().Add(-5 * time.Minute)); len(stale) != 1 {
		t.Fatalf("expected one stale lease, got %d", len(stale))
	}
	reclaimed := s.ReclaimStale(clock.Now().Add(-5*time.Minute), queue.ItemError{Kind: queue.ErrorStalled, Message: "lease expired"})
	if len(reclaimed) != 1 || reclaimed[0].Status != queue.StatusPending || reclaimed[0].Attempts != 1 {
		t.Fatalf("expected pending with one attempt, got %+v", reclaimed)
	}

	clock.Advance(5 * time.Second)
	claimed = mustClaim(t, s, "", "w2")
	clock.Advance(10 * time.Minute)
	reclaimed = s.ReclaimStale(clock.Now().Add(-5*time.Minute), queue.ItemError{Kind: queue.ErrorStalled, Message: "lease expired"})
	if len(reclaimed) != 1 || reclaimed[0].Status != queue.StatusFailed || reclaimed[0].Attempts != 2 {
		t.Fatalf("expected failed after exhausting attempts, got %+v", reclaimed)
	}
	if _, err := s.Resolve(claimed.ID, "w2", queue.Success(nil)); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("expected late resolve to lose the lease, got %v", err)
	}
}

func TestRenewLeaseKeepsItemFresh(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, nil)
	mustEnqueue(t, s, "g1", "m1", "https://v.example/a")
	claimed := mustClaim(t, s, "", "w1")

	clock.Advance(4 * time.Minute)
	if err := s.RenewLease(claimed.ID, "w1"); err != nil {
		t.Fatalf("renew: %v", err)
	}
	clock.Advance(4 * time.Minute)
	if stale := s.StaleLeases(clock.Now().Add(-5 * time.Minute)); len(stale) != 0 {
		t.Fatalf("expected renewed lease to be fresh, got %d stale", len(stale))
	}
}

func TestClearSkipsProcessing(t *testing.T) {
	s := newStore(t, newFakeClock(), nil)
	mustEnqueue(t, s, "g1", "m1", "https://v.example/a")
	mustEnqueue(t, s, "g1", "m1", "https://v.example/b")
	mustEnqueue(t, s, "g2", "m2", "https://v.example/c")
	mustClaim(t, s, "g1", "w1")

	if removed := s.Clear("g1"); removed != 1 {
		t.Fatalf("expected one removed item, got %d", removed)
	}
	if got := s.Status("g1"); got.Processing != 1 || got.Pending != 0 {
		t.Fatalf("unexpected g1 counts after clear: %+v", got)
	}
	if got := s.Status("g2"); got.Pending != 1 {
		t.Fatalf("other guild must be untouched: %+v", got)
	}
	if removed := s.Clear(""); removed != 0 {
		t.Fatalf("clear without guild must be a no-op, removed %d", removed)
	}
}

func TestEvictTerminalNeverTouchesActiveItems(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, nil)

	mustEnqueue(t, s, "g1", "m1", "https://v.example/done")
	mustEnqueue(t, s, "g1", "m1", "https://v.example/running")
	mustEnqueue(t, s, "g1", "m1", "https://v.example/waiting")
	done := mustClaim(t, s, "g1", "w1")
	if _, err := s.Resolve(done.ID, "w1", queue.Success(nil)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	mustClaim(t, s, "g1", "w2")

	clock.Advance(48 * time.Hour)
	eviction := s.EvictTerminal(clock.Now().Add(-24 * time.Hour))
	if eviction.Aged != 1 || eviction.Overflow != 0 {
		t.Fatalf("expected one aged eviction, got %+v", eviction)
	}
	counts := s.Status("g1")
	if counts.Pending != 1 || counts.Processing != 1 || counts.Completed != 0 {
		t.Fatalf("active items must survive cleanup: %+v", counts)
	}
}

func TestEvictTerminalTrimsOverflowOldestFirst(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, func(l *queue.Limits) { l.MaxQueueSize = 10 })

	var ids []string
	for i := 0; i < 4; i++ {
		mustEnqueue(t, s, "g1", "m1", fmt.Sprintf("https://v.example/%d", i))
		item := mustClaim(t, s, "g1", "w")
		if _, err := s.Resolve(item.ID, "w", queue.Success(nil)); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		ids = append(ids, item.ID)
		clock.Advance(time.Minute)
	}
	mustEnqueue(t, s, "g1", "m1", "https://v.example/pending")

	limits := s.Limits()
	limits.MaxQueueSize = 3
	s.SetLimits(limits)

	eviction := s.EvictTerminal(clock.Now().Add(-24 * time.Hour))
	if eviction.Aged != 0 || eviction.Overflow != 2 {
		t.Fatalf("expected two overflow evictions, got %+v", eviction)
	}
	for _, id := range ids[:2] {
		if _, ok := s.Get(id); ok {
			t.Fatalf("expected oldest item %s evicted", id)
		}
	}
	if s.Len() != 3 {
		t.Fatalf("expected store trimmed to capacity, got %d", s.Len())
	}
	if got := s.Status("g1"); got.Pending != 1 {
		t.Fatalf("pending item must survive overflow eviction: %+v", got)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	clock := newFakeClock()
	s := newStore(t, clock, nil)
	mustEnqueue(t, s, "g1", "m1", "https://v.example/a")
	mustEnqueue(t, s, "g1", "m1", "https://v.example/b")
	mustEnqueue(t, s, "g2", "m2", "https://v.example/c")
	claimed := mustClaim(t, s, "g1", "w1")
	if _, err := s.Resolve(claimed.ID, "w1", queue.TransientFailure(queue.ItemError{Message: "x"})); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	mustClaim(t, s, "g2", "w2")

	snap := s.Snapshot()
	restored := newStore(t, clock, nil)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	before := s.List("")
	after := restored.List("")
	if len(before) != len(after) {
		t.Fatalf("item count mismatch: %d vs %d", len(before), len(after))
	}
	for i := range before {
		a, b := before[i], after[i]
		if a.ID != b.ID || a.Status != b.Status || a.Attempts != b.Attempts || a.Priority != b.Priority || a.URL != b.URL {
			t.Fatalf("item %d differs after restore:\n%+v\n%+v", i, a, b)
		}
	}
	if restored.Status("") != s.Status("") {
		t.Fatalf("counts differ: %+v vs %+v", restored.Status(""), s.Status(""))
	}

	next := mustEnqueue(t, restored, "g1", "m1", "https://v.example/d")
	if next.Priority != 2 {
		t.Fatalf("expected message priority to continue at 2, got %d", next.Priority)
	}
}

func TestRestoreSkipsInvalidItems(t *testing.T) {
	s := newStore(t, newFakeClock(), nil)
	now := time.Now()
	snap := queue.Snapshot{Items: []queue.Item{
		{ID: "a", GuildID: "g1", URL: "https://v.example/a", Status: queue.StatusPending, CreatedAt: now},
		{ID: "b", GuildID: "g1", URL: "https://v.example/a", Status: queue.StatusPending, CreatedAt: now.Add(time.Second)},
		{ID: "c", GuildID: "", URL: "https://v.example/c", Status: queue.StatusPending, CreatedAt: now},
		{ID: "d", GuildID: "g1", URL: "https://v.example/d", Status: "archived", CreatedAt: now},
		{ID: "e", GuildID: "g1", URL: "https://v.example/e", Status: queue.StatusCompleted, Attempts: 9, MaxAttempts: 3, CreatedAt: now},
	}}

	err := s.Restore(snap)
	if err == nil {
		t.Fatal("expected restore to report skipped items")
	}
	if !errors.Is(err, queue.ErrDuplicateRequest) {
		t.Fatalf("expected duplicate conflict in restore error, got %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected two valid items restored, got %d", s.Len())
	}
	e, ok := s.Get("e")
	if !ok || e.Attempts != 3 {
		t.Fatalf("expected attempts clamped to max, got %+v", e)
	}
}

func TestRecorderSeesEveryMutation(t *testing.T) {
	var snapshots []queue.Snapshot
	rec := queue.RecorderFunc(func(s queue.Snapshot) { snapshots = append(snapshots, s) })
	s := newStore(t, newFakeClock(), nil, queue.WithRecorder(rec))

	mustEnqueue(t, s, "g1", "m1", "https://v.example/a")
	claimed := mustClaim(t, s, "", "w1")
	if _, err := s.Resolve(claimed.ID, "w1", queue.Success(nil)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	s.Clear("g1")

	if len(snapshots) != 4 {
		t.Fatalf("expected 4 recorded snapshots, got %d", len(snapshots))
	}
	if got := snapshots[2].Items[0].Status; got != queue.StatusCompleted {
		t.Fatalf("expected completed status in third snapshot, got %s", got)
	}
	if len(snapshots[3].Items) != 0 {
		t.Fatalf("expected empty snapshot after clear, got %d items", len(snapshots[3].Items))
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := queue.ParseStatus(" Processing "); !ok || status != queue.StatusProcessing {
		t.Fatalf("expected processing, got %q %v", status, ok)
	}
	if _, ok := queue.ParseStatus("review"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
	for _, status := range queue.AllStatuses() {
		if status.IsTerminal() == status.IsActive() {
			t.Fatalf("status %s must be either terminal or active", status)
		}
	}
}
