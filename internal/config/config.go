package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory, socket, and bind address configuration.
type Paths struct {
	StateDir   string `toml:"state_dir"`
	LogDir     string `toml:"log_dir"`
	SocketPath string `toml:"socket_path"`
	APIBind    string `toml:"api_bind"`
	APIToken   string `toml:"api_token"`
}

// Queue contains admission, concurrency, and retry settings.
type Queue struct {
	MaxQueueSize          int            `toml:"max_queue_size"`
	MaxAttempts           int            `toml:"max_attempts"`
	RetryDelaySeconds     int            `toml:"retry_delay_seconds"`
	ConcurrentDownloads   int            `toml:"concurrent_downloads"`
	GuildOverrides        map[string]int `toml:"guild_overrides"`
	MaxWorkers            int            `toml:"max_workers"`
	ProcessTimeoutSeconds int            `toml:"process_timeout_seconds"`
	StallThresholdSeconds int            `toml:"stall_threshold_seconds"`
	LeaseRenewSeconds     int            `toml:"lease_renew_seconds"`
}

// Cleanup contains retention settings for terminal items.
type Cleanup struct {
	IntervalMinutes    int `toml:"interval_minutes"`
	MaxHistoryAgeHours int `toml:"max_history_age_hours"`
}

// Health contains monitor cadence and alert thresholds.
type Health struct {
	CheckIntervalSeconds int     `toml:"check_interval_seconds"`
	Window               int     `toml:"window"`
	MinSuccessRate       float64 `toml:"min_success_rate"`
	DepthAlertRatio      float64 `toml:"depth_alert_ratio"`
	ErrorRateWarning     float64 `toml:"error_rate_warning"`
	ErrorRateCritical    float64 `toml:"error_rate_critical"`
	MemoryWarningMB      int     `toml:"memory_warning_mb"`
	MemoryCriticalMB     int     `toml:"memory_critical_mb"`
	DepthWarning         float64 `toml:"depth_warning"`
	DepthCritical        float64 `toml:"depth_critical"`
}

// Shutdown contains the two-phase stop deadlines.
type Shutdown struct {
	GraceSeconds int `toml:"grace_seconds"`
	ForceSeconds int `toml:"force_seconds"`
}

// Persistence selects the durable snapshot backend.
type Persistence struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// Processor describes the external download/encode command.
type Processor struct {
	Command           []string `toml:"command"`
	OutputDir         string   `toml:"output_dir"`
	TerminalExitCodes []int    `toml:"terminal_exit_codes"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic          string `toml:"ntfy_topic"`
	RequestTimeout     int    `toml:"request_timeout"`
	Alerts             bool   `toml:"alerts"`
	Failures           bool   `toml:"failures"`
	DedupWindowSeconds int    `toml:"dedup_window_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	File   string `toml:"file"`
}

// Config encapsulates all configuration values for the archiver daemon and CLI.
//
// Configuration sections by subsystem:
//   - Paths: state/log directories, IPC socket, and API bind address
//   - Queue: admission limits, per-guild slots, retries, leases
//   - Cleanup: retention of completed and failed items
//   - Health: monitor cadence and alert thresholds
//   - Shutdown: grace and forced stop deadlines
//   - Persistence: snapshot backend (file or sqlite)
//   - Processor: external download command template
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and file output
type Config struct {
	Paths         Paths         `toml:"paths"`
	Queue         Queue         `toml:"queue"`
	Cleanup       Cleanup       `toml:"cleanup"`
	Health        Health        `toml:"health"`
	Shutdown      Shutdown      `toml:"shutdown"`
	Persistence   Persistence   `toml:"persistence"`
	Processor     Processor     `toml:"processor"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	loadDotEnv(filepath.Dir(resolvedPath))

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("videoarchiver.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StateDir, c.Paths.LogDir, filepath.Dir(c.Persistence.Path)}
	if strings.TrimSpace(c.Processor.OutputDir) != "" {
		dirs = append(dirs, c.Processor.OutputDir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "archiverd.lock")
}

// GuildConcurrency returns the slot limit for a guild, honouring overrides.
func (c *Config) GuildConcurrency(guildID string) int {
	if slots, ok := c.Queue.GuildOverrides[guildID]; ok && slots > 0 {
		return slots
	}
	return c.Queue.ConcurrentDownloads
}

// RetryDelay returns the fixed delay between transient failures.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Queue.RetryDelaySeconds) * time.Second
}

// ProcessTimeout bounds a single processor invocation.
func (c *Config) ProcessTimeout() time.Duration {
	return time.Duration(c.Queue.ProcessTimeoutSeconds) * time.Second
}

// StallThreshold is the lease age after which a worker is presumed dead.
func (c *Config) StallThreshold() time.Duration {
	return time.Duration(c.Queue.StallThresholdSeconds) * time.Second
}

// LeaseRenewInterval is the heartbeat cadence for in-flight items.
func (c *Config) LeaseRenewInterval() time.Duration {
	return time.Duration(c.Queue.LeaseRenewSeconds) * time.Second
}

// CleanupInterval is the sweep cadence of the cleanup manager.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalMinutes) * time.Minute
}

// MaxHistoryAge is how long terminal items are retained.
func (c *Config) MaxHistoryAge() time.Duration {
	return time.Duration(c.Cleanup.MaxHistoryAgeHours) * time.Hour
}

// HealthInterval is the cadence of the health monitor.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.CheckIntervalSeconds) * time.Second
}

// ShutdownGrace is how long in-flight work may finish on stop.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Shutdown.GraceSeconds) * time.Second
}

// ShutdownForce is the forced-cleanup deadline after the grace period.
func (c *Config) ShutdownForce() time.Duration {
	return time.Duration(c.Shutdown.ForceSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
