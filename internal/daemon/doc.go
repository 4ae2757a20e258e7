// Package daemon coordinates the long-running archiver process.
//
// It wraps the engine in a single lifecycle with flock-based locking so only
// one daemon owns a state directory, serves the HTTP API (queue, status,
// health, and Prometheus metrics) behind an optional bearer token, and applies
// config file edits to the running engine.
//
// Keep orchestration logic here: queue semantics live in the engine and its
// component packages while the daemon focuses on startup, shutdown, and
// exposure.
package daemon
