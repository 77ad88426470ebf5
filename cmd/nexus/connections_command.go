package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"corenexus/internal/core/connections"
	"corenexus/internal/shared/types"
)

func newConnectionsCommand(ctx *commandContext) *cobra.Command {
	var level string
	var keyword string

	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List the core's active connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := ctx.coreClient()
			if err != nil {
				return err
			}
			conns, err := client.GetConnections(cmd.Context())
			if err != nil {
				return fmt.Errorf("list connections: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderConnections(conns, connections.ParseLevel(level), keyword, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "all", "Filter: all, direct or proxy")
	cmd.Flags().StringVar(&keyword, "keyword", "", "Case-insensitive filter on host, node, rule or process")
	return cmd
}

func renderConnections(conns []types.ConnectionInfo, level connections.Level, keyword string, now time.Time) string {
	filtered := connections.Filter(conns, level, keyword)
	rows := make([][]string, 0, len(filtered))
	var up, down int64
	for i := range filtered {
		c := &filtered[i]
		up += c.Upload
		down += c.Download
		rows = append(rows, []string{
			c.Description(),
			c.TerminalNode(),
			c.Rule,
			c.ProcessName(),
			humanize.Bytes(uint64(c.Upload)),
			humanize.Bytes(uint64(c.Download)),
			humanize.RelTime(c.Start, now, "ago", "from now"),
		})
	}
	table := renderTable(
		[]string{"Destination", "Node", "Rule", "Process", "Up", "Down", "Started"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
	return fmt.Sprintf("%s\n%d connections, %s up, %s down", table, len(rows), humanize.Bytes(uint64(up)), humanize.Bytes(uint64(down)))
}
