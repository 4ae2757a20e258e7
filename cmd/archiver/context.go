package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"videoarchiver/internal/config"
	"videoarchiver/internal/ipc"
)

const skipConfigAnnotation = "skipConfigLoad"

// commandContext carries the persistent flags and the lazily loaded config
// shared by every subcommand.
type commandContext struct {
	socketFlag *string
	configFlag *string
	jsonFlag   *bool

	loadConfig func() (*config.Config, error)
}

func newCommandContext(socketFlag, configFlag *string, jsonFlag *bool) *commandContext {
	c := &commandContext{socketFlag: socketFlag, configFlag: configFlag, jsonFlag: jsonFlag}
	c.loadConfig = sync.OnceValues(func() (*config.Config, error) {
		cfg, _, _, err := config.Load(c.configPath())
		return cfg, err
	})
	return c
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	return c.loadConfig()
}

func (c *commandContext) configPath() string {
	return flagValue(c.configFlag)
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// socketPath prefers --socket, then paths.socket_path from the config, then
// the default state directory.
func (c *commandContext) socketPath() string {
	if socket := flagValue(c.socketFlag); socket != "" {
		return socket
	}
	if cfg, err := c.ensureConfig(); err == nil && cfg != nil && cfg.Paths.SocketPath != "" {
		return cfg.Paths.SocketPath
	}
	return defaultSocketPath()
}

func (c *commandContext) withClient(fn func(*ipc.Client) error) error {
	socket := c.socketPath()
	client, err := ipc.Dial(socket)
	if err != nil {
		return wrapDialError(err, socket)
	}
	defer client.Close()
	return fn(client)
}

func wrapDialError(err error, socket string) error {
	switch {
	case errors.Is(err, syscall.ENOENT), errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("archiverd is not running: socket %s not found (start it with `archiverd`)", socket)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("archiverd is not accepting connections on %s; a stale socket may remain from a crash", socket)
	case errors.Is(err, syscall.EACCES):
		return fmt.Errorf("permission denied opening %s; run as the archiverd user", socket)
	default:
		return fmt.Errorf("connect to archiverd: %w", err)
	}
}

func defaultSocketPath() string {
	stateDir, err := config.ExpandPath("~/.local/share/videoarchiver")
	if err != nil {
		return filepath.Join(os.TempDir(), "archiverd.sock")
	}
	return filepath.Join(stateDir, "archiverd.sock")
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[skipConfigAnnotation] == "true" {
			return true
		}
	}
	return false
}

func flagValue(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
