package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"videoarchiver/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Retries are immediate, notifications are disabled, and the API binds to an
// ephemeral port.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.SocketPath = filepath.Join(base, "archiverd.sock")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Persistence.Path = filepath.Join(cfgVal.Paths.StateDir, "queue.json")
	cfgVal.Processor.OutputDir = filepath.Join(base, "archive")
	cfgVal.Queue.RetryDelaySeconds = 0
	cfgVal.Shutdown.GraceSeconds = 1
	cfgVal.Shutdown.ForceSeconds = 1
	cfgVal.Notifications.NtfyTopic = ""
	cfgVal.Logging.File = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithSQLite switches persistence to the sqlite backend.
func WithSQLite() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Persistence.Backend = config.BackendSQLite
		b.cfg.Persistence.Path = filepath.Join(b.cfg.Paths.StateDir, "queue.db")
	}
}

// WithNtfyTopic points notifications at topic (usually an httptest server).
func WithNtfyTopic(topic string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.NtfyTopic = topic
	}
}

// WithQueueLimits overrides admission capacity and per-item attempts.
func WithQueueLimits(maxQueueSize, maxAttempts int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxQueueSize = maxQueueSize
		b.cfg.Queue.MaxAttempts = maxAttempts
	}
}

// WithStubCommand writes a shell script named name that runs body, prepends
// its directory to PATH, and sets it as the processor command.
func WithStubCommand(name, body string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		target := filepath.Join(binDir, name)
		script := []byte("#!/bin/sh\n" + body + "\n")
		if err := os.WriteFile(target, script, 0o755); err != nil {
			b.t.Fatalf("write stub %s: %v", name, err)
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
		b.cfg.Processor.Command = []string{name, "{url}", "{output_dir}"}
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
