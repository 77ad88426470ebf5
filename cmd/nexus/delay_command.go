package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"corenexus/internal/core/latency"
	"corenexus/internal/shared/types"
)

func newDelayCommand(ctx *commandContext) *cobra.Command {
	var testURL string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "delay <group>",
		Short: "Probe the latency of every member of a proxy group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := ctx.coreClient()
			if err != nil {
				return err
			}
			_, groups, err := client.GetProxies(cmd.Context())
			if err != nil {
				return fmt.Errorf("list proxies: %w", err)
			}
			var members []string
			found := false
			for _, g := range groups {
				if g.Name == args[0] {
					members, found = g.All, true
					break
				}
			}
			if !found {
				return fmt.Errorf("proxy group %q not found", args[0])
			}

			engine := latency.New(client, cfg.ProbeConf)
			out := cmd.ErrOrStderr()
			results := engine.TestGroup(cmd.Context(), args[0], members, testURL, timeout, nil,
				func(name string, delay int) {
					fmt.Fprintf(out, "  %-32s %s\n", name, formatDelay(delay))
				})

			fmt.Fprintln(cmd.OutOrStdout(), renderDelayTable(results))
			return nil
		},
	}
	cmd.Flags().StringVar(&testURL, "url", "", "Test URL (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-probe timeout (default from config)")
	return cmd
}

func formatDelay(delay int) string {
	if delay == types.DelayUnknown {
		return "timeout"
	}
	return strconv.Itoa(delay) + " ms"
}

// renderDelayTable 按延迟升序排列，失败的节点放在最后。
func renderDelayTable(results map[string]int) string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		di, dj := results[names[i]], results[names[j]]
		if (di == types.DelayUnknown) != (dj == types.DelayUnknown) {
			return dj == types.DelayUnknown
		}
		if di != dj {
			return di < dj
		}
		return names[i] < names[j]
	})

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, formatDelay(results[name])})
	}
	return renderTable([]string{"Node", "Delay"}, rows, []columnAlignment{alignLeft, alignRight})
}
