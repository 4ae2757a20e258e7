package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	envNtfyTopic = "ARCHIVER_NTFY_TOPIC"
	envAPIToken  = "ARCHIVER_API_TOKEN"
	envStateDir  = "ARCHIVER_STATE_DIR"
	envLogLevel  = "ARCHIVER_LOG_LEVEL"
)

// loadDotEnv seeds the process environment from .env files next to the config
// and in the working directory. Variables already set are left untouched.
func loadDotEnv(configDir string) {
	candidates := []string{filepath.Join(configDir, ".env"), ".env"}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err != nil || info.IsDir() {
			continue
		}
		_ = godotenv.Load(candidate)
	}
}

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeQueue()
	if err := c.normalizePersistence(); err != nil {
		return err
	}
	if err := c.normalizeProcessor(); err != nil {
		return err
	}
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv(envStateDir); ok && strings.TrimSpace(value) != "" {
		c.Paths.StateDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.StateDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SocketPath) == "" {
		c.Paths.SocketPath = filepath.Join(c.Paths.StateDir, defaultSocketName)
	}
	if c.Paths.SocketPath, err = expandPath(c.Paths.SocketPath); err != nil {
		return fmt.Errorf("paths.socket_path: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv(envAPIToken); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeQueue() {
	if len(c.Queue.GuildOverrides) == 0 {
		return
	}
	overrides := make(map[string]int, len(c.Queue.GuildOverrides))
	for guild, slots := range c.Queue.GuildOverrides {
		guild = strings.TrimSpace(guild)
		if guild == "" {
			continue
		}
		overrides[guild] = slots
	}
	c.Queue.GuildOverrides = overrides
}

func (c *Config) normalizePersistence() error {
	c.Persistence.Backend = strings.ToLower(strings.TrimSpace(c.Persistence.Backend))
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = defaultPersistenceBackend
	}
	if strings.TrimSpace(c.Persistence.Path) == "" {
		name := "queue.json"
		if c.Persistence.Backend == BackendSQLite {
			name = "queue.db"
		}
		c.Persistence.Path = filepath.Join(c.Paths.StateDir, name)
	}
	var err error
	if c.Persistence.Path, err = expandPath(c.Persistence.Path); err != nil {
		return fmt.Errorf("persistence.path: %w", err)
	}
	return nil
}

func (c *Config) normalizeProcessor() error {
	args := make([]string, 0, len(c.Processor.Command))
	for _, arg := range c.Processor.Command {
		if strings.TrimSpace(arg) == "" {
			continue
		}
		args = append(args, arg)
	}
	c.Processor.Command = args
	if strings.TrimSpace(c.Processor.OutputDir) == "" {
		c.Processor.OutputDir = defaultOutputDir
	}
	var err error
	if c.Processor.OutputDir, err = expandPath(c.Processor.OutputDir); err != nil {
		return fmt.Errorf("processor.output_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv(envNtfyTopic); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
	if c.Notifications.DedupWindowSeconds < 0 {
		c.Notifications.DedupWindowSeconds = 0
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	if value, ok := os.LookupEnv(envLogLevel); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.File = strings.TrimSpace(c.Logging.File)
	if c.Logging.File != "" {
		if expanded, err := expandPath(c.Logging.File); err == nil {
			c.Logging.File = expanded
		}
	}
}
