package queue

import "errors"

var (
	// ErrQueueFull rejects admission when the store holds max_queue_size items.
	ErrQueueFull = errors.New("queue is full")
	// ErrDuplicateRequest rejects a URL already pending or processing in the guild.
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrItemNotFound is returned for unknown item ids.
	ErrItemNotFound = errors.New("queue item not found")
	// ErrLeaseLost is returned when a worker resolves or renews an item it no longer holds.
	ErrLeaseLost = errors.New("lease no longer held")
	// ErrInvalidRequest rejects enqueue requests missing required scope.
	ErrInvalidRequest = errors.New("invalid enqueue request")
)
