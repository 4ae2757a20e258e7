// Package processor defines the contract between the dispatcher and the code
// that actually archives a URL.
//
// Processor implementations return opaque result metadata on success and
// label failures with ErrTransient or ErrTerminal through Wrap. Classify turns
// that labelling into a queue.Outcome; unlabelled errors, timeouts, and
// recovered panics are all retried.
//
// CommandProcessor is the production implementation: it runs the configured
// downloader argv with {url}, {guild_id}, {item_id}, and {output_dir}
// substituted and maps exit codes onto the two failure classes.
package processor
