// Command shardworker is a reference cluster process for shardvisor. It
// reads its assignment from the environment set by the supervisor and
// reports a heartbeat for each owned shard until it receives SIGTERM.
//
//	shardvisor --shards-per-cluster 2 --num-clusters 3 -- shardworker --users 100
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamware/shardvisor/internal/cluster"
	"github.com/dreamware/shardvisor/internal/heartbeat"
	"github.com/dreamware/shardvisor/internal/logger"
	"github.com/dreamware/shardvisor/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Getenv, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(getenv func(string) string, logOut io.Writer) *cobra.Command {
	var (
		opts      worker.Options
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:          "shardworker",
		Short:        "Reference shardvisor cluster process",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := cluster.AssignmentFromEnv(getenv)
			if err != nil {
				return fmt.Errorf("read assignment: %w", err)
			}
			log, err := logger.New(logOut, logLevel, logFormat)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			opts.Logger = log
			return worker.Run(cmd.Context(), a, opts)
		},
	}

	fs := cmd.Flags()
	fs.DurationVar(&opts.Interval, "interval", heartbeat.DefaultInterval, "time between heartbeats")
	fs.IntVar(&opts.Users, "users", 0, "user count reported for each shard")
	fs.IntVar(&opts.Guilds, "guilds", 0, "guild count reported for each shard")
	fs.DurationVar(&opts.HangAfter, "hang-after", 0, "stop heartbeating after this long without exiting")
	fs.StringVar(&logLevel, "log-level", "info", "log level")
	fs.StringVar(&logFormat, "log-format", "console", "log format: console or json")
	return cmd
}
