// Package config loads, normalizes, and validates archiver configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, seeds the environment from .env files, and
// honours ARCHIVER_* environment overrides. The Config type centralizes every
// knob the daemon and CLI need, from queue admission limits to health alert
// thresholds.
//
// Watcher re-reads the file on change so the daemon can apply hot-reloadable
// settings without a restart. Always obtain settings through this package so
// downstream code receives sanitized paths and clear validation errors.
package config
