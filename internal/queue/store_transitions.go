package queue

import (
	"fmt"
	"maps"
	"time"
)

// Resolve records the outcome of a processing attempt. Every outcome consumes
// one attempt. Transient failures return the item to pending behind the retry
// delay until the attempt budget is spent.
func (s *Store) Resolve(id, workerID string, outcome Outcome) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return Item{}, fmt.Errorf("resolve %s: %w", id, ErrItemNotFound)
	}
	if item.Status != StatusProcessing || item.Lease == nil || item.Lease.WorkerID != workerID {
		return Item{}, fmt.Errorf("resolve %s by %s: %w", id, workerID, ErrLeaseLost)
	}

	now := s.now()
	item.Lease = nil
	item.ProcessingStartedAt = nil
	if item.Attempts < item.MaxAttempts {
		item.Attempts++
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		item.Result = maps.Clone(outcome.Result)
		item.LastError = nil
		s.setStatusLocked(item, StatusCompleted, now)
	case OutcomeTransient:
		detail := stampError(outcome.Error, now)
		item.LastError = &detail
		if item.Attempts < item.MaxAttempts {
			item.NextEligibleAt = now.Add(s.limits.RetryDelay)
			s.setStatusLocked(item, StatusPending, now)
		} else {
			s.setStatusLocked(item, StatusFailed, now)
		}
	default:
		detail := stampError(outcome.Error, now)
		if detail.Kind == "" {
			detail.Kind = ErrorTerminal
		}
		item.LastError = &detail
		s.setStatusLocked(item, StatusFailed, now)
	}

	s.commitLocked(true)
	return item.Clone(), nil
}

func stampError(detail ItemError, now time.Time) ItemError {
	if detail.At.IsZero() {
		detail.At = now
	}
	if detail.Kind == "" {
		detail.Kind = ErrorTransient
	}
	return detail
}

// RenewLease refreshes the heartbeat of an in-flight item. Renewals are not
// published to the recorder; startup recovery resets every lease anyway.
func (s *Store) RenewLease(id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("renew %s: %w", id, ErrItemNotFound)
	}
	if item.Status != StatusProcessing || item.Lease == nil || item.Lease.WorkerID != workerID {
		return fmt.Errorf("renew %s by %s: %w", id, workerID, ErrLeaseLost)
	}
	item.Lease.RenewedAt = s.now()
	return nil
}

// ResetProcessing returns every processing item to pending without consuming
// an attempt. Used at startup, when no lease from a previous process can be valid.
func (s *Store) ResetProcessing() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var reset []Item
	for _, item := range s.items {
		if item.Status != StatusProcessing {
			continue
		}
		item.Lease = nil
		item.ProcessingStartedAt = nil
		item.NextEligibleAt = now
		s.setStatusLocked(item, StatusPending, now)
		reset = append(reset, item.Clone())
	}
	if len(reset) > 0 {
		s.commitLocked(true)
	}
	return reset
}

// StaleLeases lists processing items whose lease was last renewed before cutoff.
func (s *Store) StaleLeases(cutoff time.Time) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []Item
	for _, item := range s.items {
		if isStale(item, cutoff) {
			stale = append(stale, item.Clone())
		}
	}
	return stale
}

func isStale(item *Item, cutoff time.Time) bool {
	return item.Status == StatusProcessing && item.Lease != nil && item.Lease.RenewedAt.Before(cutoff)
}

// ReclaimStale treats every lease renewed before cutoff as a transient
// failure: the attempt is consumed and the item goes back to pending, or to
// failed once the budget is spent.
func (s *Store) ReclaimStale(cutoff time.Time, detail ItemError) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	detail = stampError(detail, now)
	var reclaimed []Item
	for _, item := range s.items {
		if !isStale(item, cutoff) {
			continue
		}
		item.Lease = nil
		item.ProcessingStartedAt = nil
		if item.Attempts < item.MaxAttempts {
			item.Attempts++
		}
		errCopy := detail
		item.LastError = &errCopy
		if item.Attempts < item.MaxAttempts {
			item.NextEligibleAt = now.Add(s.limits.RetryDelay)
			s.setStatusLocked(item, StatusPending, now)
		} else {
			s.setStatusLocked(item, StatusFailed, now)
		}
		reclaimed = append(reclaimed, item.Clone())
	}
	if len(reclaimed) > 0 {
		s.commitLocked(true)
	}
	return reclaimed
}
