// Package cleanup reclaims space from completed and failed queue items.
//
// A sweep first drops terminal items older than max_history_age and then, if
// the store is still above max_queue_size (for example after the limit was
// lowered), the oldest remaining terminal items. Pending and processing items
// are never evicted; removals reach persistence through the store's recorder.
package cleanup
