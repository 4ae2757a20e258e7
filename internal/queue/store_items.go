package queue

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AutoPriority asks Enqueue to assign the next priority within the source message.
const AutoPriority = -1

// EnqueueRequest carries the scope of a new item.
type EnqueueRequest struct {
	GuildID   string
	ChannelID string
	MessageID string
	URL       string
	// Priority is the explicit priority hint; AutoPriority derives it from
	// the number of URLs already admitted for MessageID.
	Priority int
}

// Enqueue admits a new pending item or rejects it with ErrQueueFull or
// ErrDuplicateRequest.
func (s *Store) Enqueue(req EnqueueRequest) (Item, error) {
	req.GuildID = strings.TrimSpace(req.GuildID)
	req.URL = normalizeURL(req.URL)
	if req.GuildID == "" || req.URL == "" {
		return Item{}, fmt.Errorf("%w: guild id and url are required", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) >= s.limits.MaxQueueSize {
		return Item{}, fmt.Errorf("%w: %d/%d items", ErrQueueFull, len(s.items), s.limits.MaxQueueSize)
	}
	if existing, ok := s.active[dedupeKey(req.GuildID, req.URL)]; ok {
		return Item{}, fmt.Errorf("%w: %s already queued as %s", ErrDuplicateRequest, req.URL, existing)
	}

	priority := req.Priority
	if priority < 0 {
		priority = 0
		if req.MessageID != "" {
			if cur, ok := s.messages[messageKey(req.GuildID, req.MessageID)]; ok {
				priority = cur.next
			}
		}
	}

	now := s.now()
	s.seq++
	item := &Item{
		ID:             s.newID(),
		Sequence:       s.seq,
		GuildID:        req.GuildID,
		ChannelID:      strings.TrimSpace(req.ChannelID),
		MessageID:      strings.TrimSpace(req.MessageID),
		URL:            req.URL,
		Priority:       priority,
		Status:         StatusPending,
		MaxAttempts:    s.limits.MaxAttempts,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.insertLocked(item)
	s.commitLocked(true)
	return item.Clone(), nil
}

// ClaimNext atomically moves the best eligible item to processing and stamps
// a lease for workerID. A non-empty guildID restricts selection to that
// guild; otherwise guilds with free slots are visited round-robin.
func (s *Store) ClaimNext(guildID, workerID string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if guildID != "" {
		p, ok := s.guilds[guildID]
		if !ok || !s.hasFreeSlotLocked(p) {
			return Item{}, false
		}
		item := bestEligible(p, now)
		if item == nil {
			return Item{}, false
		}
		return s.claimLocked(item, workerID, now), true
	}

	n := len(s.order)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		p := s.guilds[s.order[idx]]
		if !s.hasFreeSlotLocked(p) {
			continue
		}
		item := bestEligible(p, now)
		if item == nil {
			continue
		}
		s.cursor = (idx + 1) % n
		return s.claimLocked(item, workerID, now), true
	}
	return Item{}, false
}

func (s *Store) claimLocked(item *Item, workerID string, now time.Time) Item {
	s.setStatusLocked(item, StatusProcessing, now)
	started := now
	item.ProcessingStartedAt = &started
	item.Lease = &Lease{WorkerID: workerID, AcquiredAt: now, RenewedAt: now}
	s.commitLocked(false)
	return item.Clone()
}

// bestEligible picks the lowest priority, then earliest created, then lowest
// sequence among claimable items.
func bestEligible(p *guildPartition, now time.Time) *Item {
	var best *Item
	for _, item := range p.items {
		if !item.Eligible(now) {
			continue
		}
		if best == nil || less(item, best) {
			best = item
		}
	}
	return best
}

func less(a, b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Sequence < b.Sequence
}

// Get returns a copy of the item with id.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, false
	}
	return item.Clone(), true
}

// List returns copies of items, optionally filtered by guild and statuses,
// in claim order.
func (s *Store) List(guildID string, statuses ...Status) []Item {
	filter := make(map[Status]struct{}, len(statuses))
	for _, status := range statuses {
		filter[status] = struct{}{}
	}

	s.mu.Lock()
	var source map[string]*Item
	if guildID == "" {
		source = s.items
	} else if p, ok := s.guilds[guildID]; ok {
		source = p.items
	}
	out := make([]Item, 0, len(source))
	for _, item := range source {
		if len(filter) > 0 {
			if _, ok := filter[item.Status]; !ok {
				continue
			}
		}
		out = append(out, item.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

// Status returns counts by state for a guild, or globally when guildID is empty.
func (s *Store) Status(guildID string) Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	if guildID != "" {
		if p, ok := s.guilds[guildID]; ok {
			return p.counts
		}
		return Counts{}
	}
	var total Counts
	for _, p := range s.guilds {
		total.Pending += p.counts.Pending
		total.Processing += p.counts.Processing
		total.Completed += p.counts.Completed
		total.Failed += p.counts.Failed
	}
	return total
}

// Len returns the total number of items held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// GuildInfo is a read-only view of a guild partition.
type GuildInfo struct {
	ID        string `json:"id"`
	Slots     int    `json:"slots"`
	SlotsUsed int    `json:"slots_used"`
	Counts    Counts `json:"counts"`
}

// Guilds lists every partition in first-seen order.
func (s *Store) Guilds() []GuildInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GuildInfo, 0, len(s.order))
	for _, id := range s.order {
		p := s.guilds[id]
		out = append(out, GuildInfo{
			ID:        id,
			Slots:     s.limits.slotsFor(id),
			SlotsUsed: p.counts.Processing,
			Counts:    p.counts,
		})
	}
	return out
}

// NextEligibleAt returns the earliest future retry gate among pending items.
func (s *Store) NextEligibleAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var next time.Time
	found := false
	for _, item := range s.items {
		if item.Status != StatusPending || !item.NextEligibleAt.After(now) {
			continue
		}
		if !found || item.NextEligibleAt.Before(next) {
			next = item.NextEligibleAt
			found = true
		}
	}
	return next, found
}
