// Package queue owns the in-memory archive queue and its state machine.
//
// Store admits items (capacity and per-guild duplicate checks), hands them to
// workers through ClaimNext (priority within a guild, round-robin across
// guilds with free concurrency slots), and resolves processing outcomes into
// completed, retried, or failed items. Every mutation is serialized by a
// single mutex and published to an optional Recorder so a persistence layer
// can keep a durable copy.
//
// Item, Outcome, and Snapshot are the shared vocabulary for the dispatcher,
// recovery, cleanup, and persistence packages. Callers always receive copies;
// nothing outside this package mutates stored items directly.
package queue
