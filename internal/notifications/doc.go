// Package notifications delivers engine events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when notifications are
// disabled. Health alerts and persistence errors are deduplicated per key
// within dedup_window_seconds so a condition that persists across checks does
// not flood the topic; item failures are always delivered when enabled.
//
// Engine code depends only on the Service interface.
package notifications
