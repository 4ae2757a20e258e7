package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"videoarchiver/internal/config"
	"videoarchiver/internal/notifications"
	"videoarchiver/internal/queue"
)

type captured struct {
	title    string
	tags     string
	priority string
	body     string
}

func newCaptureServer(t *testing.T) (*httptest.Server, func() []captured) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []captured
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		mu.Lock()
		seen = append(seen, captured{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), seen...)
	}
}

func configFor(url string) *config.Config {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = url
	cfg.Notifications.RequestTimeout = 5
	return &cfg
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	svc := notifications.NewService(&cfg)
	if err := svc.NotifyItemFailed(context.Background(), queue.Item{ID: "a"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
	if err := svc.TestNotification(context.Background()); err != nil {
		t.Fatalf("expected noop test notification to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	server, seen := newCaptureServer(t)
	svc := notifications.NewService(configFor(server.URL))
	ctx := context.Background()

	item := queue.Item{
		ID: "a", GuildID: "g1", URL: "https://v.example/a", Attempts: 3,
		LastError: &queue.ItemError{Kind: queue.ErrorTerminal, Message: "video unavailable"},
	}
	if err := svc.NotifyItemFailed(ctx, item); err != nil {
		t.Fatalf("item failed: %v", err)
	}
	if err := svc.NotifyAlert(ctx, notifications.Alert{Key: "success_rate", Title: "Low success rate", Message: "success rate 40%", Severity: notifications.SeverityCritical}); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if err := svc.NotifyPersistenceError(ctx, errors.New("disk full")); err != nil {
		t.Fatalf("persistence: %v", err)
	}

	got := seen()
	if len(got) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(got))
	}
	want := []captured{
		{
			title: "Archiver - Item Failed",
			tags:  "archiver,item,failed",
			body:  "❌ Archive failed after 3 attempt(s): https://v.example/a\nGuild: g1\nError: video unavailable",
		},
		{
			title:    "Archiver - Low success rate",
			tags:     "archiver,health,critical",
			priority: "high",
			body:     "🚨 success rate 40%",
		},
		{
			title:    "Archiver - Persistence Error",
			tags:     "archiver,persistence,alert",
			priority: "high",
			body:     "💾 Queue state could not be saved: disk full",
		},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("request %d:\n got %+v\nwant %+v", i, got[i], want[i])
		}
	}
}

func TestNtfyServiceDeduplicatesAlerts(t *testing.T) {
	server, seen := newCaptureServer(t)
	svc := notifications.NewService(configFor(server.URL))
	ctx := context.Background()

	alert := notifications.Alert{Key: "depth", Title: "Queue nearly full", Message: "950/1000", Severity: notifications.SeverityWarning}
	for i := 0; i < 3; i++ {
		if err := svc.NotifyAlert(ctx, alert); err != nil {
			t.Fatalf("alert: %v", err)
		}
	}
	alert.Key = "success_rate"
	if err := svc.NotifyAlert(ctx, alert); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if got := len(seen()); got != 2 {
		t.Fatalf("expected one request per alert key, got %d", got)
	}
}

func TestNtfyServiceHonoursToggles(t *testing.T) {
	server, seen := newCaptureServer(t)
	cfg := configFor(server.URL)
	cfg.Notifications.Alerts = false
	cfg.Notifications.Failures = false
	svc := notifications.NewService(cfg)
	ctx := context.Background()

	_ = svc.NotifyAlert(ctx, notifications.Alert{Key: "x", Message: "ignored"})
	_ = svc.NotifyItemFailed(ctx, queue.Item{ID: "a"})
	_ = svc.NotifyPersistenceError(ctx, errors.New("ignored"))
	if err := svc.TestNotification(ctx); err != nil {
		t.Fatalf("test notification: %v", err)
	}
	got := seen()
	if len(got) != 1 || got[0].title != "Archiver - Test" || got[0].priority != "low" {
		t.Fatalf("expected only the test notification, got %+v", got)
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	svc := notifications.NewService(configFor(server.URL))
	err := svc.TestNotification(context.Background())
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
}
