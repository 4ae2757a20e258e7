package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"videoarchiver/internal/ipc"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification through the daemon's ntfy topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.TestNotification()
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				kind, message := statusOK, "Test notification sent"
				if !resp.Sent {
					kind, message = statusWarn, "Notification not sent"
				}
				if resp.Message != "" {
					message = resp.Message
				}
				fmt.Fprintln(out, renderStatusLine("ntfy", kind, message, shouldColorize(out)))
				return nil
			})
		},
	}
}
