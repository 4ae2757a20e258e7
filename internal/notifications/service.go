package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"videoarchiver/internal/config"
	"videoarchiver/internal/queue"
)

const userAgent = "videoarchiver/0.1.0"

// Severity ranks alerts; critical alerts are sent with high priority.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an operator-facing condition raised by the health monitor or
// recovery. Alerts sharing a Key are deduplicated within the configured window.
type Alert struct {
	Key      string
	Title    string
	Message  string
	Severity Severity
}

// Service defines the notification surface exposed to engine components.
type Service interface {
	NotifyAlert(ctx context.Context, alert Alert) error
	NotifyItemFailed(ctx context.Context, item queue.Item) error
	NotifyPersistenceError(ctx context.Context, err error) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:    topic,
		client:      &http.Client{Timeout: timeout},
		alerts:      cfg.Notifications.Alerts,
		failures:    cfg.Notifications.Failures,
		dedupWindow: time.Duration(cfg.Notifications.DedupWindowSeconds) * time.Second,
		now:         time.Now,
		lastSent:    make(map[string]time.Time),
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint    string
	client      *http.Client
	alerts      bool
	failures    bool
	dedupWindow time.Duration
	now         func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func (n *ntfyService) NotifyAlert(ctx context.Context, alert Alert) error {
	if !n.alerts {
		return nil
	}
	if !n.claimSlot(alert.Key) {
		return nil
	}
	title := strings.TrimSpace(alert.Title)
	if title == "" {
		title = "Alert"
	}
	data := payload{
		title:   "Archiver - " + title,
		message: "⚠️ " + strings.TrimSpace(alert.Message),
		tags:    []string{"archiver", "health", string(alert.Severity)},
	}
	if alert.Severity == SeverityCritical {
		data.message = "🚨 " + strings.TrimSpace(alert.Message)
		data.priority = "high"
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyItemFailed(ctx context.Context, item queue.Item) error {
	if !n.failures {
		return nil
	}
	reason := "unknown error"
	if item.LastError != nil && strings.TrimSpace(item.LastError.Message) != "" {
		reason = strings.TrimSpace(item.LastError.Message)
	}
	message := fmt.Sprintf("❌ Archive failed after %d attempt(s): %s\nGuild: %s\nError: %s",
		item.Attempts, item.URL, item.GuildID, reason)
	data := payload{
		title:   "Archiver - Item Failed",
		message: message,
		tags:    []string{"archiver", "item", "failed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyPersistenceError(ctx context.Context, err error) error {
	if !n.alerts {
		return nil
	}
	if !n.claimSlot("persistence") {
		return nil
	}
	detail := "unknown"
	if err != nil {
		detail = strings.TrimSpace(err.Error())
	}
	data := payload{
		title:    "Archiver - Persistence Error",
		message:  "💾 Queue state could not be saved: " + detail,
		tags:     []string{"archiver", "persistence", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Archiver - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"archiver", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

// claimSlot reports whether an alert with key may be sent now and, if so,
// records the send time.
func (n *ntfyService) claimSlot(key string) bool {
	if key == "" || n.dedupWindow <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.dedupWindow {
		return false
	}
	n.lastSent[key] = now
	return true
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyAlert(context.Context, Alert) error           { return nil }
func (noopService) NotifyItemFailed(context.Context, queue.Item) error { return nil }
func (noopService) NotifyPersistenceError(context.Context, error) error {
	return nil
}
func (noopService) TestNotification(context.Context) error { return nil }
