package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const (
	groupQueue  = "queue"
	groupDaemon = "daemon"
)

func newRootCommand() *cobra.Command {
	var socketFlag, configFlag string
	var jsonFlag bool

	ctx := newCommandContext(&socketFlag, &configFlag, &jsonFlag)

	rootCmd := &cobra.Command{
		Use:           "archiver",
		Short:         "Control the video archiver daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			if _, err := ctx.ensureConfig(); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&socketFlag, "socket", "", "Path to the archiverd socket")
	flags.StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	flags.BoolVar(&jsonFlag, "json", false, "Emit JSON instead of tables")

	rootCmd.AddGroup(
		&cobra.Group{ID: groupQueue, Title: "Queue Commands:"},
		&cobra.Group{ID: groupDaemon, Title: "Daemon Commands:"},
	)
	for _, cmd := range []*cobra.Command{
		newEnqueueCommand(ctx),
		newListCommand(ctx),
		newShowCommand(ctx),
		newClearCommand(ctx),
		newPauseCommand(ctx),
		newResumeCommand(ctx),
	} {
		cmd.GroupID = groupQueue
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{
		newStatusCommand(ctx),
		newMetricsCommand(ctx),
		newHealthCommand(ctx),
		newTestNotifyCommand(ctx),
	} {
		cmd.GroupID = groupDaemon
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
