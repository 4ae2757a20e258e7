package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"videoarchiver/internal/config"
	"videoarchiver/internal/daemonrun"
)

type daemonFlags struct {
	configPath  string
	logLevel    string
	development bool
}

func newRootCommand() *cobra.Command {
	var flags daemonFlags

	cmd := &cobra.Command{
		Use:           "archiverd",
		Short:         "Run the video archiver daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, opts, err := loadDaemonConfig(flags)
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&flags.development, "dev", false, "Enable development logging")
	return cmd
}

// loadDaemonConfig resolves the configuration and returns run options. Hot
// reload is only enabled when the configuration came from a file.
func loadDaemonConfig(flags daemonFlags) (*config.Config, daemonrun.Options, error) {
	cfg, path, exists, err := config.Load(strings.TrimSpace(flags.configPath))
	if err != nil {
		return nil, daemonrun.Options{}, fmt.Errorf("load config: %w", err)
	}
	opts := daemonrun.Options{
		LogLevel:    strings.TrimSpace(flags.logLevel),
		Development: flags.development,
	}
	if exists {
		opts.ConfigPath = path
	}
	return cfg, opts, nil
}
