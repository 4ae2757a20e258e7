// Package logging assembles structured slog loggers and formatting helpers used
// across the archiver daemon and CLI.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and fans records out to an optional JSON log file. Context helpers tag log
// lines with the queue item, guild, and worker being handled. The package also
// provides a no-op logger for tests and wiring code that cannot fail.
package logging
