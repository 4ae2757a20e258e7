package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"videoarchiver/internal/config"
	"videoarchiver/internal/daemon"
	"videoarchiver/internal/engine"
	"videoarchiver/internal/ipc"
	"videoarchiver/internal/logging"
	"videoarchiver/internal/preflight"
	"videoarchiver/internal/processor"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// ConfigPath enables hot reload when the daemon was started from a file.
	ConfigPath  string
	LogLevel    string
	Development bool
}

// Run starts the archiver daemon and blocks until SIGINT or SIGTERM, then
// performs the staged shutdown.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout"},
		FilePath:    cfg.Logging.File,
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logPreflight(signalCtx, logger, cfg)

	pidPath := PIDPath(cfg)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	proc, err := processor.NewCommand(cfg.Processor)
	if err != nil {
		return fmt.Errorf("configure processor: %w", err)
	}
	eng, err := engine.New(cfg, proc, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	var daemonOpts []daemon.Option
	if opts.ConfigPath != "" {
		daemonOpts = append(daemonOpts, daemon.WithConfigPath(opts.ConfigPath))
	}
	d, err := daemon.New(cfg, eng, logger, daemonOpts...)
	if err != nil {
		_ = eng.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			logging.ErrorWithContext(logger, "daemon shutdown incomplete", "daemon_close_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "unfinished items are retried on next start"),
			)
		}
	}()

	// The lock is taken before the socket is replaced so a second daemon
	// cannot steal a running daemon's socket.
	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for another running archiverd and the state directory permissions"),
		)
		return err
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.Paths.SocketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	logger.Info("archiver daemon ready",
		logging.String("socket", cfg.Paths.SocketPath),
		logging.String("api", d.APIAddress()),
		logging.String("config", opts.ConfigPath),
	)

	<-signalCtx.Done()
	logger.Info("archiver daemon shutting down",
		logging.Duration("grace", cfg.ShutdownGrace()),
		logging.Duration("force", cfg.ShutdownForce()),
	)
	return nil
}

// PIDPath returns the pid file written while the daemon runs.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.StateDir, "archiverd.pid")
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	results := preflight.RunAll(ctx, cfg)
	for _, result := range preflight.Failures(results) {
		hint := "fix before items are claimed"
		if result.Optional {
			hint = "optional feature is degraded"
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String(logging.FieldErrorHint, result.Detail),
			logging.String(logging.FieldImpact, hint),
		)
	}
	logger.Info("processor snapshot",
		logging.String(logging.FieldEventType, "processor_snapshot"),
		logging.String("command", strings.Join(cfg.Processor.Command, " ")),
		logging.String("output_dir", cfg.Processor.OutputDir),
		logging.String("persistence", cfg.Persistence.Backend),
		logging.Int("preflight_checks", len(results)),
		logging.Bool("ntfy_configured", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
	)
}
