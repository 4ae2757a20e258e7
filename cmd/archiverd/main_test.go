package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDaemonConfigFromFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "[paths]\nstate_dir = \"" + filepath.Join(dir, "state") + "\"\n\n[queue]\nmax_queue_size = 12\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, opts, err := loadDaemonConfig(daemonFlags{configPath: path, logLevel: " debug "})
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	if cfg.Queue.MaxQueueSize != 12 {
		t.Fatalf("expected max_queue_size 12, got %d", cfg.Queue.MaxQueueSize)
	}
	if opts.ConfigPath != path {
		t.Fatalf("expected hot reload path %q, got %q", path, opts.ConfigPath)
	}
	if opts.LogLevel != "debug" {
		t.Fatalf("expected trimmed log level, got %q", opts.LogLevel)
	}
	if want := filepath.Join(dir, "state", "archiverd.sock"); cfg.Paths.SocketPath != want {
		t.Fatalf("expected socket %q, got %q", want, cfg.Paths.SocketPath)
	}
}

func TestLoadDaemonConfigWithoutFileDisablesReload(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	missing := filepath.Join(t.TempDir(), "absent.toml")

	cfg, opts, err := loadDaemonConfig(daemonFlags{configPath: missing})
	if err != nil {
		t.Fatalf("loadDaemonConfig: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected defaults")
	}
	if opts.ConfigPath != "" {
		t.Fatalf("expected no reload path, got %q", opts.ConfigPath)
	}
}

func TestRootCommandRejectsArgs(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"extra"})
	cmd.SetOut(os.Stderr)
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected positional arguments to be rejected")
	}
}
