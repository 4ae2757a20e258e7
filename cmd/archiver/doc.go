// Command archiver is the control CLI for archiverd.
//
// It talks to the daemon over its JSON-RPC Unix socket to enqueue URLs,
// inspect guild queues, and read status, metrics, and health. Every read
// command accepts --json for scripting. The config subcommands work without a
// running daemon.
package main
