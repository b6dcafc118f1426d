// Command shardvisor partitions a bot's gateway shards across cluster
// processes, supervises them through heartbeats and serves their
// aggregated health.
//
// Usage:
//
//	shardvisor --shards-per-cluster 4 --num-clusters 3 -- python bot.py
//	shardvisor health --addr http://127.0.0.1:8000
//
// Every flag can also be set in a YAML config file (--config) or through
// a SHARDVISOR_* environment variable, e.g. SHARDVISOR_NUM_CLUSTERS=3.
//
// Exit codes:
//   - 0: stopped by SIGINT or SIGTERM
//   - 1: invalid configuration, launch failure or control plane error
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dreamware/shardvisor/internal/config"
	"github.com/dreamware/shardvisor/internal/logger"
	"github.com/dreamware/shardvisor/internal/supervisor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"shards-per-cluster": "shards_per_cluster",
	"num-clusters":       "num_clusters",
	"heartbeat-host":     "heartbeat_host",
	"heartbeat-port":     "heartbeat_port",
	"log-dir":            "log_dir",
	"heartbeat-timeout":  "heartbeat_timeout",
	"monitor-interval":   "monitor_interval",
	"status-interval":    "status_interval",
	"stop-grace":         "stop_grace",
	"worker-dir":         "worker.dir",
	"log-level":          "log.level",
	"log-format":         "log.format",
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "shardvisor [flags] -- worker-command [args...]",
		Short: "Supervise shard cluster processes",
		Long: `shardvisor splits shards_per_cluster * num_clusters shards into contiguous
ranges, runs one worker process per range and restarts any worker whose
heartbeats stop. Workers receive their assignment in CLUSTER_ID,
SHARD_COUNT, SHARD_START, SHARD_END, SHARD_IDS, HEARTBEAT_HOST,
HEARTBEAT_PORT and HEARTBEAT_URL.`,
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				v.Set("worker.command", args)
			}
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			return runSupervisor(cmd.Context(), cfg, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	fs := cmd.Flags()
	fs.StringVar(&configPath, "config", "", "path to a YAML config file")
	fs.Int("shards-per-cluster", 0, "shards owned by each cluster process (required)")
	fs.Int("num-clusters", 0, "number of cluster processes (required)")
	fs.String("heartbeat-host", supervisor.DefaultHeartbeatHost, "control plane bind host")
	fs.Int("heartbeat-port", supervisor.DefaultHeartbeatPort, "control plane port, 0 picks a free one")
	fs.String("log-dir", supervisor.DefaultLogDir, "directory for cluster_<id>.log files")
	fs.Duration("heartbeat-timeout", supervisor.DefaultHeartbeatTimeout, "silence after which a cluster is considered down")
	fs.Duration("monitor-interval", supervisor.DefaultMonitorInterval, "how often stale clusters are restarted")
	fs.Duration("status-interval", supervisor.DefaultStatusInterval, "how often cluster status is logged")
	fs.Duration("stop-grace", supervisor.DefaultStopGrace, "time between SIGTERM and SIGKILL when stopping a cluster")
	fs.String("worker-dir", "", "working directory of cluster processes")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "console", "log format: console or json")
	mustBindFlags(v, cmd)

	cmd.AddCommand(newHealthCmd())
	return cmd
}

func mustBindFlags(v *viper.Viper, cmd *cobra.Command) {
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func runSupervisor(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	log, err := logger.New(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	m, err := supervisor.NewManager(managerOptions(cfg, log))
	if err != nil {
		return err
	}

	log.Info("Starting shardvisor",
		zap.Int("shards_per_cluster", cfg.ShardsPerCluster),
		zap.Int("num_clusters", cfg.NumClusters),
		zap.Int("total_shards", m.TotalShards()),
		zap.Strings("worker", cfg.Worker.Command))

	if err := m.Run(ctx); err != nil {
		return err
	}
	log.Info("shardvisor stopped")
	return nil
}

func managerOptions(cfg *config.Config, log *zap.Logger) supervisor.Options {
	return supervisor.Options{
		ShardsPerCluster: cfg.ShardsPerCluster,
		NumClusters:      cfg.NumClusters,
		HeartbeatHost:    cfg.HeartbeatHost,
		HeartbeatPort:    cfg.HeartbeatPort,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		MonitorInterval:  cfg.MonitorInterval,
		StatusInterval:   cfg.StatusInterval,
		StopGrace:        cfg.StopGrace,
		Spawner: &supervisor.ExecSpawner{
			Command: cfg.Worker.Command,
			Dir:     cfg.Worker.Dir,
		},
		LogDir: cfg.LogDir,
		Logger: log,
	}
}
