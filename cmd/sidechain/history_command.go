package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"sidechain/internal/ipc"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded ducking events",
	}
	historyCmd.AddCommand(newHistoryListCommand(ctx))
	historyCmd.AddCommand(newHistoryClearCommand(ctx))
	return historyCmd
}

func newHistoryListCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent engine events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.HistoryList(limit)
				if err != nil {
					return fmt.Errorf("list history: %w", err)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Events) == 0 {
					fmt.Fprintln(stdout, "No recorded events")
					return nil
				}

				rows := make([][]string, 0, len(resp.Events))
				for _, ev := range resp.Events {
					rows = append(rows, []string{
						ev.CreatedAt,
						eventLabel(ev.EventType),
						ev.Message,
						shortRunID(ev.RunID),
					})
				}
				table := renderTable([]tableColumn{
					{title: "Time"},
					{title: "Event"},
					{title: "Detail"},
					{title: "Run"},
				}, rows)
				fmt.Fprintln(stdout, table)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of events to show")
	return cmd
}

func newHistoryClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all recorded events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.HistoryClear()
				if err != nil {
					return fmt.Errorf("clear history: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d events\n", resp.Removed)
				return nil
			})
		},
	}
}

// eventLabel turns a snake_case event tag into a display label, e.g.
// "priority_changed" becomes "Priority Changed".
func eventLabel(eventType string) string {
	words := strings.ReplaceAll(strings.TrimSpace(eventType), "_", " ")
	if words == "" {
		return "Unknown"
	}
	return cases.Title(language.Und).String(words)
}

func shortRunID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
