// Package config loads server configuration from the environment and an
// optional config file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/waterwheel-org/waterwheel/internal/build"
)

// Config holds all settings for the waterwheel server process.
type Config struct {
	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `mapstructure:"databaseURL"`

	// BusURL is the NATS server URL for the task/result queues.
	BusURL string `mapstructure:"busURL"`

	// ServerBind is the HTTP listen address for the API.
	ServerBind string `mapstructure:"serverBind"`

	// LogFormat selects "text" or "json" log output.
	LogFormat string `mapstructure:"logFormat"`

	// Debug enables debug level logging.
	Debug bool `mapstructure:"debug"`

	// NoMigrate disables running schema migrations at startup.
	NoMigrate bool `mapstructure:"noMigrate"`
}

// Option configures the loader.
type Option func(*loader)

// WithConfigFile sets an explicit config file path.
func WithConfigFile(path string) Option {
	return func(l *loader) { l.configFile = path }
}

type loader struct {
	configFile string
}

// Load reads configuration from environment variables (WATERWHEEL_ prefix)
// and an optional YAML config file.
func Load(opts ...Option) (*Config, error) {
	l := &loader{}
	for _, opt := range opts {
		opt(l)
	}

	v := viper.New()
	v.SetEnvPrefix(strings.ToUpper(build.AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("databaseURL", "WATERWHEEL_DB_URL")
	_ = v.BindEnv("busURL", "WATERWHEEL_BUS_URL")
	_ = v.BindEnv("serverBind", "WATERWHEEL_SERVER_BIND")
	_ = v.BindEnv("logFormat", "WATERWHEEL_LOG_FORMAT")
	_ = v.BindEnv("debug", "WATERWHEEL_DEBUG")
	_ = v.BindEnv("noMigrate", "WATERWHEEL_NO_MIGRATE")

	v.SetDefault("databaseURL", "postgres://localhost/waterwheel")
	v.SetDefault("busURL", "nats://127.0.0.1:4222")
	v.SetDefault("serverBind", "127.0.0.1:8080")
	v.SetDefault("logFormat", "text")

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName(build.AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/" + build.AppName)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database URL must not be empty")
	}
	if c.BusURL == "" {
		return fmt.Errorf("bus URL must not be empty")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q (want text or json)", c.LogFormat)
	}
	return nil
}
