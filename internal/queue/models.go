package queue

import (
	"maps"
	"strings"
	"time"
)

// Status represents the lifecycle of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts a user supplied value into a Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further automatic transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether the item still occupies its (guild, url) slot for
// duplicate suppression.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// ErrorKind classifies the failure recorded on an item.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient"
	ErrorTerminal  ErrorKind = "terminal"
	ErrorTimeout   ErrorKind = "timeout"
	ErrorStalled   ErrorKind = "stalled"
	ErrorPanic     ErrorKind = "panic"
)

// ItemError is the structured failure detail kept on an item.
type ItemError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Lease marks an item as claimed by a worker.
type Lease struct {
	WorkerID   string    `json:"worker_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
}

// Item is a unit of archive work: one URL posted in one guild message.
type Item struct {
	ID        string `json:"id"`
	Sequence  uint64 `json:"sequence"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	URL       string `json:"url"`
	Priority  int    `json:"priority"`
	Status    Status `json:"status"`

	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LastError      *ItemError `json:"last_error,omitempty"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`

	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`

	Lease  *Lease            `json:"lease,omitempty"`
	Result map[string]string `json:"result,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (i Item) Clone() Item {
	out := i
	if i.LastError != nil {
		errCopy := *i.LastError
		out.LastError = &errCopy
	}
	if i.Lease != nil {
		lease := *i.Lease
		out.Lease = &lease
	}
	if i.ProcessingStartedAt != nil {
		started := *i.ProcessingStartedAt
		out.ProcessingStartedAt = &started
	}
	if i.Result != nil {
		out.Result = maps.Clone(i.Result)
	}
	return out
}

// Eligible reports whether a pending item may be claimed at now.
func (i Item) Eligible(now time.Time) bool {
	return i.Status == StatusPending && !i.NextEligibleAt.After(now)
}

// ProcessingDuration returns how long the current lease has been held.
func (i Item) ProcessingDuration(now time.Time) time.Duration {
	if i.ProcessingStartedAt == nil {
		return 0
	}
	return now.Sub(*i.ProcessingStartedAt)
}

// Counts tallies items by status.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the number of items across all statuses.
func (c Counts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// Active returns the number of pending and processing items.
func (c Counts) Active() int {
	return c.Pending + c.Processing
}

func (c *Counts) add(status Status, delta int) {
	switch status {
	case StatusPending:
		c.Pending += delta
	case StatusProcessing:
		c.Processing += delta
	case StatusCompleted:
		c.Completed += delta
	case StatusFailed:
		c.Failed += delta
	}
}

// OutcomeKind distinguishes processor results.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransient
	OutcomeTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Outcome is the resolution of one processing attempt.
type Outcome struct {
	Kind   OutcomeKind
	Result map[string]string
	Error  ItemError
}

// Success builds a successful outcome carrying processor metadata.
func Success(result map[string]string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

// TransientFailure builds a retryable outcome.
func TransientFailure(detail ItemError) Outcome {
	if detail.Kind == "" {
		detail.Kind = ErrorTransient
	}
	return Outcome{Kind: OutcomeTransient, Error: detail}
}

// TerminalFailure builds an outcome that fails the item immediately.
func TerminalFailure(detail ItemError) Outcome {
	if detail.Kind == "" {
		detail.Kind = ErrorTerminal
	}
	return Outcome{Kind: OutcomeTerminal, Error: detail}
}

// Snapshot is the full exportable state of a Store.
type Snapshot struct {
	Items []Item `json:"items"`
}
