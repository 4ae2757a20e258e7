package queue

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Remove deletes items of a guild (all guilds when guildID is empty) matching
// pred. Processing items are never removed.
func (s *Store) Remove(guildID string, pred func(Item) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var source map[string]*Item
	if guildID == "" {
		source = s.items
	} else if p, ok := s.guilds[guildID]; ok {
		source = p.items
	}

	var doomed []*Item
	for _, item := range source {
		if item.Status == StatusProcessing {
			continue
		}
		if pred == nil || pred(*item) {
			doomed = append(doomed, item)
		}
	}
	for _, item := range doomed {
		s.deleteLocked(item)
	}
	if len(doomed) > 0 {
		s.commitLocked(true)
	}
	return len(doomed)
}

// Clear removes every non-processing item of a guild.
func (s *Store) Clear(guildID string) int {
	if guildID == "" {
		return 0
	}
	return s.Remove(guildID, nil)
}

// Eviction reports what EvictTerminal removed.
type Eviction struct {
	Aged     int `json:"aged"`
	Overflow int `json:"overflow"`
}

// Total returns all evicted items.
func (e Eviction) Total() int { return e.Aged + e.Overflow }

// EvictTerminal removes completed and failed items last updated before
// olderThan, then, while the store still holds more than MaxQueueSize items,
// the oldest remaining terminal items.
func (s *Store) EvictTerminal(olderThan time.Time) Eviction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result Eviction
	var survivors []*Item
	for _, item := range s.items {
		if !item.Status.IsTerminal() {
			continue
		}
		if item.UpdatedAt.Before(olderThan) {
			s.deleteLocked(item)
			result.Aged++
			continue
		}
		survivors = append(survivors, item)
	}

	if excess := len(s.items) - s.limits.MaxQueueSize; excess > 0 && len(survivors) > 0 {
		sort.Slice(survivors, func(i, j int) bool {
			if !survivors[i].UpdatedAt.Equal(survivors[j].UpdatedAt) {
				return survivors[i].UpdatedAt.Before(survivors[j].UpdatedAt)
			}
			return survivors[i].Sequence < survivors[j].Sequence
		})
		for _, item := range survivors {
			if excess == 0 {
				break
			}
			s.deleteLocked(item)
			result.Overflow++
			excess--
		}
	}

	if result.Total() > 0 {
		s.commitLocked(true)
	}
	return result
}

// Snapshot exports a deep copy of every item in claim order.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	items := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item.Clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	return Snapshot{Items: items}
}

// Restore replaces the store contents with snap. Invalid or conflicting items
// are skipped and reported in the returned error; valid items are always
// loaded. The recorder is not notified since the state came from storage.
func (s *Store) Restore(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*Item, len(snap.Items))
	s.guilds = make(map[string]*guildPartition)
	s.order = nil
	s.cursor = 0
	s.active = make(map[string]string)
	s.messages = make(map[string]*messageCursor)
	s.seq = 0

	items := make([]Item, len(snap.Items))
	copy(items, snap.Items)
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })

	var errs []error
	for i := range items {
		item := items[i].Clone()
		if err := s.validateRestoredLocked(&item); err != nil {
			errs = append(errs, err)
			continue
		}
		s.insertLocked(&item)
	}
	// Items from older snapshots may lack a sequence; number them after the
	// highest one seen so ordering stays stable.
	for _, id := range s.sortedIDsLocked() {
		item := s.items[id]
		if item.Sequence == 0 {
			s.seq++
			item.Sequence = s.seq
		}
	}
	s.notifyLocked()
	return errors.Join(errs...)
}

func (s *Store) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.items[ids[i]], s.items[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ids
}

func (s *Store) validateRestoredLocked(item *Item) error {
	if item.ID == "" {
		return errors.New("restore: item without id")
	}
	if _, dup := s.items[item.ID]; dup {
		return fmt.Errorf("restore %s: duplicate id", item.ID)
	}
	if item.GuildID == "" || item.URL == "" {
		return fmt.Errorf("restore %s: missing guild or url", item.ID)
	}
	if _, ok := ParseStatus(string(item.Status)); !ok {
		return fmt.Errorf("restore %s: unknown status %q", item.ID, item.Status)
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = s.limits.MaxAttempts
	}
	if item.Attempts > item.MaxAttempts {
		item.Attempts = item.MaxAttempts
	}
	if item.Status == StatusPending && item.Attempts >= item.MaxAttempts {
		item.Status = StatusFailed
	}
	if item.Status.IsActive() {
		if existing, ok := s.active[dedupeKey(item.GuildID, item.URL)]; ok {
			return fmt.Errorf("restore %s: %w: %s already active as %s", item.ID, ErrDuplicateRequest, item.URL, existing)
		}
	}
	if item.Status != StatusProcessing {
		item.Lease = nil
		item.ProcessingStartedAt = nil
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	return nil
}
