// Package dispatch drives queue items through the processor.
//
// A Dispatcher owns a fixed pool of workers. Each worker claims the next
// eligible item from the store, runs the processor with a per-call timeout
// while renewing the item's lease on a heartbeat, classifies the result, and
// resolves the item. Idle workers sleep on the store's change channel or on a
// timer for the earliest retry gate; there is no polling.
//
// Shutdown is two-phase: StopClaiming lets in-flight calls finish, and
// CancelInFlight cancels them. Items abandoned by cancellation keep their
// lease so startup recovery can return them to pending.
package dispatch
