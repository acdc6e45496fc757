package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DispatcherConfig holds the change dispatcher's configuration keys, plus
// the log/database settings every binary in this repository needs.
type DispatcherConfig struct {
	WatchChannel      string        `mapstructure:"watch_channel"`
	BatchSize         int           `mapstructure:"batch_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	SharedVolumePath  string        `mapstructure:"shared_volume_path"`
	DatabaseURL       string        `mapstructure:"database_url"`
	RedisURL          string        `mapstructure:"redis_url"`
	HTTPClientTimeout time.Duration `mapstructure:"http_client_timeout"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`
}

// Validate checks that every field required for the dispatcher to run safely
// is present, returning every problem at once via Validator.
func (c DispatcherConfig) Validate() error {
	v := NewValidator()
	v.RequireString("database_url", c.DatabaseURL)
	v.RequireString("watch_channel", c.WatchChannel)
	v.RequirePositiveInt("batch_size", c.BatchSize)
	if c.PollInterval <= 0 {
		v.RequireString("poll_interval", "")
	}
	return v.Validate()
}

// BindDispatcherFlags registers the --watch-channel/--batch-size/etc flags on
// cmd and binds them to viper keys, with precedence flag > env > config
// file > default: flags bind directly, viper.AutomaticEnv() covers the
// environment tier, and the flag defaults cover the default tier.
func BindDispatcherFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("watch-channel", "dh_changes", "LISTEN/NOTIFY channel carrying change-log notifications")
	flags.Int("batch-size", 50, "maximum change rows pulled per resume pass")
	flags.Duration("poll-interval", 5*time.Second, "accepted for compatibility; the dispatcher's timed fallback pass is fixed at 60s and does not read it")
	flags.String("shared-volume-path", "/var/run/deepharbor/bus", "root directory of the file-backed bus")
	flags.String("database-url", "", "PostgreSQL connection string")
	flags.String("redis-url", "", "optional Redis/Valkey connection string for the member read-through cache; empty disables caching")
	flags.Duration("http-client-timeout", 10*time.Second, "timeout for dispatcher-to-effector HTTP calls")
	flags.String("log-level", "info", "debug, info, warn, error, or fatal")
	flags.String("log-format", "text", "text or json")

	v.BindPFlag("watch_channel", flags.Lookup("watch-channel"))
	v.BindPFlag("batch_size", flags.Lookup("batch-size"))
	v.BindPFlag("poll_interval", flags.Lookup("poll-interval"))
	v.BindPFlag("shared_volume_path", flags.Lookup("shared-volume-path"))
	v.BindPFlag("database_url", flags.Lookup("database-url"))
	v.BindPFlag("redis_url", flags.Lookup("redis-url"))
	v.BindPFlag("http_client_timeout", flags.Lookup("http-client-timeout"))
	v.BindPFlag("log_level", flags.Lookup("log-level"))
	v.BindPFlag("log_format", flags.Lookup("log-format"))
}

// LoadDispatcherConfig reads a YAML config file (if present) plus DH_-prefixed
// environment variables into a DispatcherConfig, applying defaults for any
// key neither source nor the bound flags set.
func LoadDispatcherConfig(v *viper.Viper, cfgFile string) (DispatcherConfig, error) {
	v.SetEnvPrefix("DH")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return DispatcherConfig{}, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("deepharbor")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return DispatcherConfig{}, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg DispatcherConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return DispatcherConfig{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}
