// Package engine assembles the queue store, dispatcher, persistence, recovery,
// health, and cleanup components into one lifecycle and exposes the queue
// operations used by the daemon, IPC, and HTTP surfaces.
//
// Start runs startup recovery before any worker claims. Shutdown is staged:
// stop claiming, wait out the grace period, cancel in-flight work and wait out
// the force period, then flush persistence.
package engine
