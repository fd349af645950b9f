package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sidechain/internal/ipc"
)

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the audio sessions the daemon currently sees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Sessions()
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Sessions) == 0 {
					fmt.Fprintln(stdout, "No audio sessions")
					return nil
				}

				rows := make([][]string, 0, len(resp.Sessions))
				for _, session := range resp.Sessions {
					rows = append(rows, []string{
						session.Key,
						session.ProcessName,
						formatPercent(session.Volume),
						formatPercent(session.Peak),
						yesNo(session.Ducked),
					})
				}
				table := renderTable([]tableColumn{
					{title: "ID", numeric: true},
					{title: "Process"},
					{title: "Volume", numeric: true},
					{title: "Peak", numeric: true},
					{title: "Ducked"},
				}, rows)
				fmt.Fprintln(stdout, table)
				return nil
			})
		},
	}
}

func formatPercent(fraction float64) string {
	return fmt.Sprintf("%.0f%%", fraction*100)
}
