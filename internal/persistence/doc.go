// Package persistence keeps a durable copy of the queue and metric rollups.
//
// Two backends implement the same contract: FileBackend writes one JSON
// document through a synced temp file and rename, SQLiteBackend replaces rows
// inside a single transaction. Load distinguishes a missing store (empty, no
// error), unreadable storage (*PersistenceError), and readable but unusable
// content (*RecoveryInconsistencyError, with the bad data moved to a
// .bak.<unix> backup). Older schema versions are migrated on load.
//
// Manager is installed as the queue store's Recorder and coalesces mutations
// into background saves.
package persistence
