package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardvisor/internal/cluster"
)

func newHealthCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the health of a running shardvisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var report cluster.HealthReport
			if err := cluster.GetJSON(ctx, strings.TrimSuffix(addr, "/")+"/health", &report); err != nil {
				return fmt.Errorf("fetch health: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printHealth(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8000", "shardvisor control plane URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw health report")
	return cmd
}

// printHealth writes one row per cluster in id order followed by totals.
func printHealth(w io.Writer, report cluster.HealthReport) error {
	ids := make([]int, 0, len(report.Clusters))
	for key := range report.Clusters {
		id, err := strconv.Atoi(key)
		if err != nil {
			return fmt.Errorf("bad cluster id %q", key)
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLUSTER\tSHARDS\tSTATUS\tLAST HEARTBEAT\tREPORTING\tUSERS\tGUILDS\tRESTARTS\tPID")
	for _, id := range ids {
		c := report.Clusters[strconv.Itoa(id)]
		status := "alive"
		if !c.Alive {
			status = "DOWN"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.1fs ago\t%d/%d\t%s\t%s\t%d\t%d\n",
			id,
			cluster.ShardRange{Start: c.StartShard, End: c.EndShard},
			status,
			c.SecondsSinceHeartbeat,
			len(c.Shards), c.EndShard-c.StartShard,
			humanize.Comma(int64(c.Users)),
			humanize.Comma(int64(c.Guilds)),
			c.Restarts,
			c.PID)
	}
	fmt.Fprintf(tw, "TOTAL\t\t\t\t\t%s\t%s\t\t\n", humanize.Comma(int64(report.Users)), humanize.Comma(int64(report.Guilds)))
	return tw.Flush()
}
