// Package preflight provides readiness checks for the filesystem paths,
// processor binary, and notification endpoint the archiver depends on.
//
// archiverd runs RunAll at startup and logs every failed check without
// refusing to start; "archiver config validate" prints the same results.
// Checks for optional features are skipped when the feature is not configured.
package preflight
