// Package config loads the enumerated service configuration from file
// and environment. Unknown keys are rejected at load time.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of recognized keys.
type Config struct {
	DataDir        string        `mapstructure:"data_dir"`
	ArtifactTTL    time.Duration `mapstructure:"artifact_ttl"`
	TaskTTL        time.Duration `mapstructure:"task_ttl"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ScanTimeout    time.Duration `mapstructure:"scan_timeout"`
	MaxQueueDepth  int64         `mapstructure:"max_queue_depth"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout"`
	DefaultPool    string        `mapstructure:"default_pool"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	WorkerPools    []string      `mapstructure:"worker_pools"`
	Workers        int           `mapstructure:"workers"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`

	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`

	ScannersFile string `mapstructure:"scanners_file"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/var/lib/scand")
	v.SetDefault("artifact_ttl", "24h")
	v.SetDefault("task_ttl", "168h")
	v.SetDefault("poll_interval", "5s")
	v.SetDefault("scan_timeout", "1h")
	v.SetDefault("max_queue_depth", 1000)
	v.SetDefault("dequeue_timeout", "500ms")
	v.SetDefault("default_pool", "nessus")
	v.SetDefault("idempotency_ttl", "24h")
	v.SetDefault("workers", 2)
	v.SetDefault("sweep_interval", "1m")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("scanners_file", "scanners.yaml")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Load reads the config file at path (optional, "" skips the file),
// layers SCAND_* environment variables on top, and validates the
// result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SCAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the cross-field constraints.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.MaxQueueDepth < 0 {
		return fmt.Errorf("config: max_queue_depth must not be negative, got %d", c.MaxQueueDepth)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"artifact_ttl", c.ArtifactTTL},
		{"task_ttl", c.TaskTTL},
		{"poll_interval", c.PollInterval},
		{"scan_timeout", c.ScanTimeout},
		{"dequeue_timeout", c.DequeueTimeout},
		{"idempotency_ttl", c.IdempotencyTTL},
		{"sweep_interval", c.SweepInterval},
	} {
		if d.val <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", d.name, d.val)
		}
	}
	if c.DefaultPool == "" {
		return fmt.Errorf("config: default_pool must not be empty")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: log_format must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// Pools returns the pools workers consume, defaulting to the submit
// default pool.
func (c *Config) Pools() []string {
	if len(c.WorkerPools) > 0 {
		return c.WorkerPools
	}
	return []string{c.DefaultPool}
}
