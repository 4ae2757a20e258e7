// Package health grades engine health on a timer.
//
// Each check reclaims stalled leases through the recovery manager, samples
// rolling success rate, queue depth, Go heap, and free disk space on the
// state directory, and folds persistence status into a single level. Alerts
// are raised while a condition holds; the notifier's dedup window keeps a
// persistent condition from repeating on every check.
package health
