package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"videoarchiver/internal/ipc"
	"videoarchiver/internal/queue"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var guildID, channelID, messageID string

	cmd := &cobra.Command{
		Use:   "enqueue <url>...",
		Short: "Queue one or more URLs for archiving",
		Long: "Queue URLs as if they were posted in a single message. URLs are processed in the order given;\n" +
			"each is admitted or rejected independently.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(guildID) == "" {
				return errors.New("--guild is required")
			}
			if strings.TrimSpace(messageID) == "" {
				messageID = "cli"
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Enqueue(ipc.EnqueueRequest{
					GuildID:   guildID,
					ChannelID: channelID,
					MessageID: messageID,
					URLs:      args,
				})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				rows := make([][]string, 0, len(resp.Admissions))
				for _, adm := range resp.Admissions {
					result := "queued " + shortID(adm.ItemID)
					if adm.ItemID == "" {
						result = "rejected: " + adm.Error
					}
					rows = append(rows, []string{adm.URL, result})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"URL", "Result"}, rows, nil))
				fmt.Fprintf(cmd.OutOrStdout(), "%d of %d URL(s) queued\n", resp.Accepted(), len(resp.Admissions))
				if resp.Accepted() == 0 {
					return errors.New("no urls were queued")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&guildID, "guild", "g", "", "Guild the URLs belong to")
	cmd.Flags().StringVar(&channelID, "channel", "", "Source channel id")
	cmd.Flags().StringVar(&messageID, "message", "", "Source message id (defaults to \"cli\")")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var guildID string
	var statuses []string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queue items in claim order",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, value := range statuses {
				if _, ok := queue.ParseStatus(value); !ok {
					return fmt.Errorf("unknown status %q (valid: %s)", value, validStatuses())
				}
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.List(ipc.ListRequest{GuildID: guildID, Statuses: statuses})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp.Items)
				}
				out := cmd.OutOrStdout()
				if len(resp.Items) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				fmt.Fprintln(out, renderTable(
					[]string{"ID", "Guild", "Status", "Attempts", "Priority", "URL", "Last Error"},
					itemRows(resp.Items),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&guildID, "guild", "g", "", "Only list items for this guild")
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	return cmd
}

func itemRows(items []queue.Item) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		lastErr := ""
		if item.LastError != nil {
			lastErr = fmt.Sprintf("%s: %s", item.LastError.Kind, truncate(item.LastError.Message, 40))
		}
		rows = append(rows, []string{
			shortID(item.ID),
			item.GuildID,
			itemStatusLabel(item.Status),
			fmt.Sprintf("%d/%d", item.Attempts, item.MaxAttempts),
			strconv.Itoa(item.Priority),
			truncate(item.URL, 60),
			lastErr,
		})
	}
	return rows
}

func validStatuses() string {
	values := make([]string, 0, 4)
	for _, status := range queue.AllStatuses() {
		values = append(values, string(status))
	}
	return strings.Join(values, ", ")
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show a single queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Describe(args[0])
				if err != nil {
					return err
				}
				if !resp.Found {
					return fmt.Errorf("queue item %s not found", args[0])
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp.Item)
				}
				renderItem(cmd, resp.Item)
				return nil
			})
		},
	}
}

func renderItem(cmd *cobra.Command, item queue.Item) {
	out := cmd.OutOrStdout()
	rows := [][]string{
		{"ID", item.ID},
		{"URL", item.URL},
		{"Guild", item.GuildID},
		{"Channel", item.ChannelID},
		{"Message", item.MessageID},
		{"Status", itemStatusLabel(item.Status)},
		{"Priority", strconv.Itoa(item.Priority)},
		{"Attempts", fmt.Sprintf("%d/%d", item.Attempts, item.MaxAttempts)},
		{"Created", formatTime(item.CreatedAt)},
		{"Updated", formatTime(item.UpdatedAt)},
	}
	if item.Status == queue.StatusPending && !item.NextEligibleAt.IsZero() && item.Attempts > 0 {
		rows = append(rows, []string{"Next Attempt", formatTime(item.NextEligibleAt)})
	}
	if item.Lease != nil {
		rows = append(rows,
			[]string{"Worker", item.Lease.WorkerID},
			[]string{"Heartbeat", formatTime(item.Lease.RenewedAt)},
		)
	}
	if item.LastError != nil {
		rows = append(rows, []string{"Last Error", fmt.Sprintf("%s: %s", humanLabel(string(item.LastError.Kind)), item.LastError.Message)})
	}
	for _, key := range slices.Sorted(maps.Keys(item.Result)) {
		rows = append(rows, []string{"Result " + humanLabel(key), item.Result[key]})
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows, nil))
}

func newClearCommand(ctx *commandContext) *cobra.Command {
	var guildID string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove a guild's pending and finished items",
		Long:  "Remove every item of a guild that is not currently being processed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(guildID) == "" {
				return errors.New("--guild is required")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Clear(guildID)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d item(s) from guild %s\n", resp.Removed, guildID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&guildID, "guild", "g", "", "Guild to clear")
	return cmd
}

func newPauseCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop claiming new items; in-flight items finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Pause()
				if err != nil {
					return err
				}
				return reportPause(cmd, ctx, resp, "Queue processing paused", "Queue processing already paused")
			})
		},
	}
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume claiming items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Resume()
				if err != nil {
					return err
				}
				return reportPause(cmd, ctx, resp, "Queue processing resumed", "Queue processing was not paused")
			})
		},
	}
}

func reportPause(cmd *cobra.Command, ctx *commandContext, resp *ipc.PauseResponse, changed, unchanged string) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, resp)
	}
	if resp.Changed {
		fmt.Fprintln(cmd.OutOrStdout(), changed)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), unchanged)
	}
	return nil
}
