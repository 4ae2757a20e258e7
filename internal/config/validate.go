package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateCleanup(); err != nil {
		return err
	}
	if err := c.validateHealth(); err != nil {
		return err
	}
	if err := c.validateShutdown(); err != nil {
		return err
	}
	if err := c.validatePersistence(); err != nil {
		return err
	}
	if err := c.validateProcessor(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateQueue() error {
	q := c.Queue
	if q.MaxQueueSize <= 0 {
		return errors.New("queue.max_queue_size must be positive")
	}
	if q.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be positive")
	}
	if q.RetryDelaySeconds < 0 {
		return errors.New("queue.retry_delay_seconds must be zero or positive")
	}
	if q.ConcurrentDownloads < MinGuildConcurrency || q.ConcurrentDownloads > MaxGuildConcurrency {
		return fmt.Errorf("queue.concurrent_downloads must be between %d and %d", MinGuildConcurrency, MaxGuildConcurrency)
	}
	for guild, slots := range q.GuildOverrides {
		if slots < MinGuildConcurrency || slots > MaxGuildConcurrency {
			return fmt.Errorf("queue.guild_overrides[%s] must be between %d and %d", guild, MinGuildConcurrency, MaxGuildConcurrency)
		}
	}
	if q.MaxWorkers <= 0 {
		return errors.New("queue.max_workers must be positive")
	}
	if q.ProcessTimeoutSeconds <= 0 {
		return errors.New("queue.process_timeout_seconds must be positive")
	}
	if q.StallThresholdSeconds <= 0 {
		return errors.New("queue.stall_threshold_seconds must be positive")
	}
	if q.LeaseRenewSeconds <= 0 {
		return errors.New("queue.lease_renew_seconds must be positive")
	}
	if q.LeaseRenewSeconds >= q.StallThresholdSeconds {
		return errors.New("queue.lease_renew_seconds must be less than queue.stall_threshold_seconds")
	}
	return nil
}

func (c *Config) validateCleanup() error {
	if c.Cleanup.IntervalMinutes <= 0 {
		return errors.New("cleanup.interval_minutes must be positive")
	}
	if c.Cleanup.MaxHistoryAgeHours <= 0 {
		return errors.New("cleanup.max_history_age_hours must be positive")
	}
	return nil
}

func (c *Config) validateHealth() error {
	h := c.Health
	if h.CheckIntervalSeconds <= 0 {
		return errors.New("health.check_interval_seconds must be positive")
	}
	if h.Window <= 0 {
		return errors.New("health.window must be positive")
	}
	ratios := []struct {
		name  string
		value float64
	}{
		{"health.min_success_rate", h.MinSuccessRate},
		{"health.depth_alert_ratio", h.DepthAlertRatio},
		{"health.error_rate_warning", h.ErrorRateWarning},
		{"health.error_rate_critical", h.ErrorRateCritical},
		{"health.depth_warning", h.DepthWarning},
		{"health.depth_critical", h.DepthCritical},
	}
	for _, ratio := range ratios {
		if ratio.value < 0 || ratio.value > 1 {
			return fmt.Errorf("%s must be between 0 and 1", ratio.name)
		}
	}
	if h.ErrorRateWarning > h.ErrorRateCritical {
		return errors.New("health.error_rate_warning must not exceed health.error_rate_critical")
	}
	if h.DepthWarning > h.DepthCritical {
		return errors.New("health.depth_warning must not exceed health.depth_critical")
	}
	if h.MemoryWarningMB <= 0 || h.MemoryCriticalMB <= 0 {
		return errors.New("health.memory_warning_mb and health.memory_critical_mb must be positive")
	}
	if h.MemoryWarningMB > h.MemoryCriticalMB {
		return errors.New("health.memory_warning_mb must not exceed health.memory_critical_mb")
	}
	return nil
}

func (c *Config) validateShutdown() error {
	if c.Shutdown.GraceSeconds <= 0 {
		return errors.New("shutdown.grace_seconds must be positive")
	}
	if c.Shutdown.ForceSeconds <= 0 {
		return errors.New("shutdown.force_seconds must be positive")
	}
	return nil
}

func (c *Config) validatePersistence() error {
	switch c.Persistence.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("persistence.backend: unsupported value %q (expected %q or %q)", c.Persistence.Backend, BackendFile, BackendSQLite)
	}
	if strings.TrimSpace(c.Persistence.Path) == "" {
		return errors.New("persistence.path must be set")
	}
	return nil
}

func (c *Config) validateProcessor() error {
	if len(c.Processor.Command) == 0 {
		return errors.New("processor.command must list the executable and its arguments")
	}
	hasURL := false
	for _, arg := range c.Processor.Command {
		if strings.Contains(arg, "{url}") {
			hasURL = true
			break
		}
	}
	if !hasURL {
		return errors.New("processor.command must reference the {url} placeholder")
	}
	for _, code := range c.Processor.TerminalExitCodes {
		if code <= 0 || code > 255 {
			return fmt.Errorf("processor.terminal_exit_codes: %d is not a valid exit code", code)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}
