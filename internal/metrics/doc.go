// Package metrics aggregates engine counters globally and per guild.
//
// Collector keeps cumulative Rollups (persisted alongside the queue), a
// rolling window of recent attempts for success rate and average time, and
// runtime peaks. Every counter is mirrored into Prometheus collectors on a
// private registry served by Handler.
package metrics
