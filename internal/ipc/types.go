package ipc

import (
	"time"

	"videoarchiver/internal/engine"
	"videoarchiver/internal/health"
	"videoarchiver/internal/metrics"
	"videoarchiver/internal/persistence"
	"videoarchiver/internal/queue"
	"videoarchiver/internal/recovery"
)

// EnqueueRequest admits the URLs extracted from one message.
type EnqueueRequest struct {
	GuildID   string   `json:"guild_id"`
	ChannelID string   `json:"channel_id"`
	MessageID string   `json:"message_id"`
	URLs      []string `json:"urls"`
}

// Admission is the per-URL enqueue outcome.
type Admission struct {
	URL    string `json:"url"`
	ItemID string `json:"item_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// EnqueueResponse lists one admission per requested URL, in request order.
type EnqueueResponse struct {
	Admissions []Admission `json:"admissions"`
}

// Accepted counts admitted URLs.
func (r EnqueueResponse) Accepted() int {
	n := 0
	for _, a := range r.Admissions {
		if a.ItemID != "" {
			n++
		}
	}
	return n
}

// StatusRequest fetches daemon status, optionally scoped to a guild.
type StatusRequest struct {
	GuildID string `json:"guild_id"`
}

// StatusResponse represents combined daemon and queue status information.
type StatusResponse struct {
	Running         bool               `json:"running"`
	PID             int                `json:"pid"`
	StartedAt       time.Time          `json:"started_at"`
	LockPath        string             `json:"lock_path"`
	PersistencePath string             `json:"persistence_path"`
	APIAddress      string             `json:"api_address,omitempty"`
	Queue           engine.Status      `json:"queue"`
	Guilds          []queue.GuildInfo  `json:"guilds"`
	Persistence     persistence.Status `json:"persistence"`
	Recovery        recovery.Stats     `json:"recovery"`
}

// MetricsRequest fetches counters, optionally scoped to a guild.
type MetricsRequest struct {
	GuildID string `json:"guild_id"`
}

// MetricsResponse carries a metrics snapshot.
type MetricsResponse struct {
	Snapshot metrics.Snapshot `json:"snapshot"`
}

// HealthRequest fetches the latest health report. Refresh runs a check first.
type HealthRequest struct {
	Refresh bool `json:"refresh"`
}

// HealthResponse carries a health report.
type HealthResponse struct {
	Report health.Report `json:"report"`
}

// ListRequest filters queue listing by guild and status.
type ListRequest struct {
	GuildID  string   `json:"guild_id"`
	Statuses []string `json:"statuses"`
}

// ListResponse contains queue entries in claim order.
type ListResponse struct {
	Items []queue.Item `json:"items"`
}

// DescribeRequest fetches a single queue item by id.
type DescribeRequest struct {
	ID string `json:"id"`
}

// DescribeResponse returns an item if found.
type DescribeResponse struct {
	Found bool       `json:"found"`
	Item  queue.Item `json:"item"`
}

// ClearRequest removes a guild's pending and terminal items.
type ClearRequest struct {
	GuildID string `json:"guild_id"`
}

// ClearResponse reports how many items were removed.
type ClearResponse struct {
	Removed int `json:"removed"`
}

// PauseRequest suspends claiming.
type PauseRequest struct{}

// ResumeRequest re-enables claiming.
type ResumeRequest struct{}

// PauseResponse reports the resulting pause state.
type PauseResponse struct {
	Paused  bool `json:"paused"`
	Changed bool `json:"changed"`
}

// TestNotificationRequest triggers a test notification.
type TestNotificationRequest struct{}

// TestNotificationResponse reports whether a notification was sent.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}

func toAdmissions(in []engine.Admission) []Admission {
	out := make([]Admission, 0, len(in))
	for _, a := range in {
		out = append(out, Admission{URL: a.URL, ItemID: a.ItemID, Error: a.Error})
	}
	return out
}
