package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"videoarchiver/internal/ipc"
	"videoarchiver/internal/metrics"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var guildID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status(guildID)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				for _, line := range statusLines(resp, shouldColorize(out)) {
					fmt.Fprintln(out, line)
				}
				if len(resp.Guilds) > 0 && guildID == "" {
					fmt.Fprintln(out)
					fmt.Fprintln(out, renderTable(
						[]string{"Guild", "Pending", "Processing", "Completed", "Failed", "Slots"},
						guildRows(resp),
						[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
					))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&guildID, "guild", "g", "", "Scope queue counts to one guild")
	return cmd
}

func statusLines(resp *ipc.StatusResponse, colorize bool) []string {
	lines := renderSectionHeader("Archiver", colorize)

	daemonKind, daemonMsg := statusOK, fmt.Sprintf("Running (pid %d, since %s)", resp.PID, formatTime(resp.StartedAt))
	if !resp.Running {
		daemonKind, daemonMsg = statusError, "Not running"
	}
	lines = append(lines, renderStatusLine("Daemon", daemonKind, daemonMsg, colorize))

	q := resp.Queue
	processingKind, processingMsg := statusOK, "Active"
	if q.Paused {
		processingKind, processingMsg = statusWarn, "Paused"
	}
	lines = append(lines, renderStatusLine("Processing", processingKind, fmt.Sprintf("%s, %d in flight", processingMsg, q.InFlight), colorize))

	scope := "Queue"
	if q.GuildID != "" {
		scope = "Queue (" + q.GuildID + ")"
	}
	lines = append(lines, renderStatusLine(scope, statusInfo,
		fmt.Sprintf("%d pending, %d processing, %d completed, %d failed (%d of %d capacity)",
			q.Pending, q.Processing, q.Completed, q.Failed, q.Total, q.Capacity), colorize))

	rateKind := statusOK
	if q.SuccessRate < 80 && q.Completed+q.Failed > 0 {
		rateKind = statusWarn
	}
	lines = append(lines, renderStatusLine("Success Rate", rateKind,
		fmt.Sprintf("%.1f%%, avg %s", q.SuccessRate, formatDuration(q.AverageProcessingTime)), colorize))

	persistKind, persistMsg := statusOK, fmt.Sprintf("%s (last save %s)", resp.PersistencePath, formatTime(resp.Persistence.LastSave))
	if !resp.Persistence.Healthy() {
		persistKind = statusError
		persistMsg = resp.Persistence.Problem()
	}
	lines = append(lines, renderStatusLine("Persistence", persistKind, persistMsg, colorize))

	recovered := resp.Recovery.StartupResets + resp.Recovery.StallsRequeued + resp.Recovery.StallsFailed
	recoveryKind := statusOK
	if resp.Recovery.StallsRequeued+resp.Recovery.StallsFailed > 0 {
		recoveryKind = statusWarn
	}
	lines = append(lines, renderStatusLine("Recovery", recoveryKind,
		fmt.Sprintf("%d item(s) recovered, %d inconsistencies", recovered, resp.Recovery.Inconsistencies), colorize))

	if resp.APIAddress != "" {
		lines = append(lines, renderStatusLine("API", statusInfo, resp.APIAddress, colorize))
	}
	return lines
}

func guildRows(resp *ipc.StatusResponse) [][]string {
	rows := make([][]string, 0, len(resp.Guilds))
	for _, g := range resp.Guilds {
		rows = append(rows, []string{
			g.ID,
			strconv.Itoa(g.Counts.Pending),
			strconv.Itoa(g.Counts.Processing),
			strconv.Itoa(g.Counts.Completed),
			strconv.Itoa(g.Counts.Failed),
			fmt.Sprintf("%d/%d", g.SlotsUsed, g.Slots),
		})
	}
	return rows
}

func newMetricsCommand(ctx *commandContext) *cobra.Command {
	var guildID string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show processing counters and rolling statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Metrics(guildID)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp.Snapshot)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Metric", "Value"},
					metricRows(resp.Snapshot),
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&guildID, "guild", "g", "", "Scope metrics to one guild")
	return cmd
}

func metricRows(s metrics.Snapshot) [][]string {
	rows := [][]string{
		{"Enqueued", strconv.FormatInt(s.Enqueued, 10)},
		{"Rejected", strconv.FormatInt(s.Rejected, 10)},
		{"Completed", strconv.FormatInt(s.Completed, 10)},
		{"Failed", strconv.FormatInt(s.Failed, 10)},
		{"Retried", strconv.FormatInt(s.Retried, 10)},
		{"Attempts", strconv.FormatInt(s.Attempts, 10)},
		{"Success Rate", formatPercent(s.SuccessRate)},
		{fmt.Sprintf("Rolling Success (%d)", s.WindowSize), formatPercent(s.RollingSuccessRate)},
		{"Average Time", formatDuration(s.AverageProcessingTime)},
		{"Rolling Average", formatDuration(s.RollingAverageTime)},
		{"Stalls Recovered", strconv.FormatInt(s.RecoveredStalls, 10)},
	}
	for _, kind := range slices.Sorted(maps.Keys(s.ErrorsByKind)) {
		rows = append(rows, []string{humanLabel(kind) + " Errors", strconv.FormatInt(s.ErrorsByKind[kind], 10)})
	}
	if s.GuildID == "" {
		rows = append(rows,
			[]string{"Peak Queue Depth", strconv.Itoa(s.PeakQueueDepth)},
			[]string{"Peak Heap", formatBytes(s.PeakMemoryBytes)},
			[]string{"Peak Goroutines", strconv.Itoa(s.PeakGoroutines)},
			[]string{"Last Cleanup", formatTime(s.LastCleanup)},
			[]string{"Cleanup Evicted", strconv.FormatInt(s.CleanupEvicted, 10)},
		)
	}
	return rows
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the latest health check",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Health(refresh)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp.Report)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				report := resp.Report
				for _, line := range renderSectionHeader("Health: "+humanLabel(string(report.Level)), colorize) {
					fmt.Fprintln(out, line)
				}
				for _, check := range report.Checks {
					fmt.Fprintln(out, renderStatusLine(humanLabel(check.Name), levelKind(check.Level), check.Message, colorize))
				}
				details := []string{
					fmt.Sprintf("checked %s", formatTime(report.CheckedAt)),
					fmt.Sprintf("depth %d/%d", report.QueueDepth, report.Capacity),
					fmt.Sprintf("heap %s", formatBytes(report.HeapBytes)),
					fmt.Sprintf("goroutines %d", report.Goroutines),
				}
				if report.DiskTotalBytes > 0 {
					details = append(details, fmt.Sprintf("disk %s free of %s", formatBytes(report.DiskFreeBytes), formatBytes(report.DiskTotalBytes)))
				}
				fmt.Fprintln(out, renderStatusLine("Details", statusInfo, strings.Join(details, ", "), colorize))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Run a check now instead of returning the last report")
	return cmd
}
