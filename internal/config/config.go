// Package config loads supervisor settings from defaults, an optional YAML
// file, SHARDVISOR_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. SHARDVISOR_NUM_CLUSTERS
// or SHARDVISOR_WORKER_COMMAND.
const EnvPrefix = "SHARDVISOR"

// Config is the supervisor configuration.
type Config struct {
	ShardsPerCluster int           `mapstructure:"shards_per_cluster"`
	NumClusters      int           `mapstructure:"num_clusters"`
	HeartbeatHost    string        `mapstructure:"heartbeat_host"`
	HeartbeatPort    int           `mapstructure:"heartbeat_port"`
	LogDir           string        `mapstructure:"log_dir"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
	StatusInterval   time.Duration `mapstructure:"status_interval"`
	StopGrace        time.Duration `mapstructure:"stop_grace"`
	Worker           WorkerConfig  `mapstructure:"worker"`
	Log              LogConfig     `mapstructure:"log"`
}

// WorkerConfig describes the cluster process to spawn.
type WorkerConfig struct {
	Command []string `mapstructure:"command"`
	Dir     string   `mapstructure:"dir"`
}

// LogConfig configures the supervisor's own logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults and environment lookup set
// up. Flags may be bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Environment values are strings; cast them to the default's type so
	// SHARDVISOR_WORKER_COMMAND="python bot.py" splits into argv.
	v.SetTypeByDefaultValue(true)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("shards_per_cluster", 0)
	v.SetDefault("num_clusters", 0)
	v.SetDefault("heartbeat_host", "0.0.0.0")
	v.SetDefault("heartbeat_port", 8000)
	v.SetDefault("log_dir", "logs")
	v.SetDefault("heartbeat_timeout", 30*time.Second)
	v.SetDefault("monitor_interval", 60*time.Second)
	v.SetDefault("status_interval", 30*time.Second)
	v.SetDefault("stop_grace", 10*time.Second)

	v.SetDefault("worker.command", []string{})
	v.SetDefault("worker.dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads the config file at path, if any, and decodes v into a
// validated Config. An empty path searches for shardvisor.yaml in the
// working directory and /etc/shardvisor; not finding one there is fine.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("shardvisor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/shardvisor")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks required values and ranges and cleans paths.
func (c *Config) Validate() error {
	if c.ShardsPerCluster <= 0 {
		return fmt.Errorf("shards_per_cluster must be positive, got %d", c.ShardsPerCluster)
	}
	if c.NumClusters <= 0 {
		return fmt.Errorf("num_clusters must be positive, got %d", c.NumClusters)
	}
	if c.HeartbeatPort < 0 || c.HeartbeatPort > 65535 {
		return fmt.Errorf("heartbeat_port %d out of range", c.HeartbeatPort)
	}
	if len(c.Worker.Command) == 0 || c.Worker.Command[0] == "" {
		return errors.New("worker.command is required")
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"heartbeat_timeout", c.HeartbeatTimeout},
		{"monitor_interval", c.MonitorInterval},
		{"status_interval", c.StatusInterval},
		{"stop_grace", c.StopGrace},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.d)
		}
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}

	c.LogDir = filepath.Clean(c.LogDir)
	if c.Worker.Dir != "" {
		c.Worker.Dir = filepath.Clean(c.Worker.Dir)
	}
	return nil
}
