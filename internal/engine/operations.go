package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"videoarchiver/internal/health"
	"videoarchiver/internal/logging"
	"videoarchiver/internal/metrics"
	"videoarchiver/internal/persistence"
	"videoarchiver/internal/queue"
	"videoarchiver/internal/recovery"
)

// Rejection reasons recorded in metrics.
const (
	rejectFull      = "full"
	rejectDuplicate = "duplicate"
	rejectInvalid   = "invalid"
)

// Status summarizes the queue for one guild, or for every guild when GuildID
// is empty.
type Status struct {
	GuildID               string        `json:"guild_id,omitempty"`
	Pending               int           `json:"pending"`
	Processing            int           `json:"processing"`
	Completed             int           `json:"completed"`
	Failed                int           `json:"failed"`
	Total                 int           `json:"total"`
	SuccessRate           float64       `json:"success_rate"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	Paused                bool          `json:"paused"`
	InFlight              int           `json:"in_flight"`
	Capacity              int           `json:"capacity"`
}

// Admission is the outcome of enqueueing one URL from a message.
type Admission struct {
	URL    string `json:"url"`
	ItemID string `json:"item_id,omitempty"`
	Error  string `json:"error,omitempty"`
	Err    error  `json:"-"`
}

// Overview bundles engine-level state for status surfaces.
type Overview struct {
	Running     bool               `json:"running"`
	StartedAt   time.Time          `json:"started_at"`
	Status      Status             `json:"status"`
	Guilds      []queue.GuildInfo  `json:"guilds"`
	Persistence persistence.Status `json:"persistence"`
	Recovery    recovery.Stats     `json:"recovery"`
	Startup     recovery.Report    `json:"startup"`
}

// Enqueue admits a single URL. It returns the new item id, or an error
// matching queue.ErrQueueFull, queue.ErrDuplicateRequest, or
// queue.ErrInvalidRequest.
func (e *Engine) Enqueue(ctx context.Context, guildID, channelID, messageID, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	item, err := e.store.Enqueue(queue.EnqueueRequest{
		GuildID:   guildID,
		ChannelID: channelID,
		MessageID: messageID,
		URL:       url,
		Priority:  queue.AutoPriority,
	})
	if err != nil {
		reason := rejectInvalid
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			reason = rejectFull
		case errors.Is(err, queue.ErrDuplicateRequest):
			reason = rejectDuplicate
		}
		e.collector.RecordRejected(strings.TrimSpace(guildID), reason)
		e.logger.Info("enqueue rejected",
			logging.String(logging.FieldGuildID, guildID),
			logging.String("url", url),
			logging.String("reason", reason),
		)
		return "", err
	}
	e.collector.RecordEnqueued(item.GuildID)
	e.logger.Info("item queued",
		logging.String(logging.FieldItemID, item.ID),
		logging.String(logging.FieldGuildID, item.GuildID),
		logging.String("url", item.URL),
		logging.Int("priority", item.Priority),
	)
	return item.ID, nil
}

// EnqueueMessage admits every URL extracted from one message. URLs are served
// in the order given; each is admitted or rejected independently.
func (e *Engine) EnqueueMessage(ctx context.Context, guildID, channelID, messageID string, urls []string) ([]Admission, error) {
	if len(urls) == 0 {
		return nil, errors.New("no urls to enqueue")
	}
	out := make([]Admission, 0, len(urls))
	for _, url := range urls {
		id, err := e.Enqueue(ctx, guildID, channelID, messageID, url)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return out, err
		}
		adm := Admission{URL: url, ItemID: id, Err: err}
		if err != nil {
			adm.Error = err.Error()
		}
		out = append(out, adm)
	}
	return out, nil
}

// GetStatus returns counts and success statistics for guildID, or engine-wide
// when guildID is empty.
func (e *Engine) GetStatus(guildID string) Status {
	guildID = strings.TrimSpace(guildID)
	counts := e.store.Status(guildID)
	snap := e.collector.Snapshot(guildID)
	return Status{
		GuildID:               guildID,
		Pending:               counts.Pending,
		Processing:            counts.Processing,
		Completed:             counts.Completed,
		Failed:                counts.Failed,
		Total:                 counts.Total(),
		SuccessRate:           snap.SuccessRate * 100,
		AverageProcessingTime: snap.AverageProcessingTime,
		Paused:                e.dispatcher.Paused(),
		InFlight:              e.dispatcher.InFlight(),
		Capacity:              e.store.Limits().MaxQueueSize,
	}
}

// GetMetrics returns the metrics snapshot for guildID, or engine-wide when
// guildID is empty.
func (e *Engine) GetMetrics(guildID string) metrics.Snapshot {
	return e.collector.Snapshot(strings.TrimSpace(guildID))
}

// ClearQueue removes every item of guildID that is not being processed.
func (e *Engine) ClearQueue(guildID string) int {
	guildID = strings.TrimSpace(guildID)
	removed := e.store.Clear(guildID)
	if removed > 0 {
		e.logger.Info("guild queue cleared",
			logging.String(logging.FieldGuildID, guildID),
			logging.Int("removed", removed),
		)
	}
	return removed
}

// ClearGuildQueue is ClearQueue.
func (e *Engine) ClearGuildQueue(guildID string) int {
	return e.ClearQueue(guildID)
}

// Pause stops workers from claiming; in-flight items finish. It reports
// whether the state changed.
func (e *Engine) Pause() bool {
	changed := e.dispatcher.Pause()
	if changed {
		e.logger.Info("queue processing paused", logging.String(logging.FieldEventType, "queue_pause"))
	}
	return changed
}

// Resume re-enables claiming. It reports whether the state changed.
func (e *Engine) Resume() bool {
	changed := e.dispatcher.Resume()
	if changed {
		e.logger.Info("queue processing resumed", logging.String(logging.FieldEventType, "queue_resume"))
	}
	return changed
}

// Health returns the most recent health report.
func (e *Engine) Health() health.Report {
	return e.monitor.Report()
}

// CheckHealth runs a health check now.
func (e *Engine) CheckHealth(ctx context.Context) health.Report {
	return e.monitor.Check(ctx)
}

// Items lists items for guildID (all guilds when empty) in claim order,
// optionally filtered by status.
func (e *Engine) Items(guildID string, statuses ...queue.Status) []queue.Item {
	return e.store.List(strings.TrimSpace(guildID), statuses...)
}

// Item returns a single item by id.
func (e *Engine) Item(id string) (queue.Item, bool) {
	return e.store.Get(strings.TrimSpace(id))
}

// Overview returns engine-wide state for status displays.
func (e *Engine) Overview() Overview {
	e.mu.Lock()
	running, startedAt, startup := e.running, e.startedAt, e.startup
	e.mu.Unlock()
	return Overview{
		Running:     running,
		StartedAt:   startedAt,
		Status:      e.GetStatus(""),
		Guilds:      e.store.Guilds(),
		Persistence: e.persistence.Status(),
		Recovery:    e.recovery.Stats(),
		Startup:     startup,
	}
}
