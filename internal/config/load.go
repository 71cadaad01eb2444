package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables (prefix TASKHORN_,
// nested keys joined with underscores, e.g. TASKHORN_STORAGE_DRIVER) and an
// optional taskhorn.yaml in the working directory. Environment variables
// take precedence over file values. The result is validated before it is
// returned.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("storage.driver", "memory")
	// Empty defaults register the driver-specific keys with viper so the
	// corresponding environment variables are picked up by Unmarshal.
	v.SetDefault("storage.sqlite_path", "")
	v.SetDefault("storage.postgres_url", "")
	v.SetDefault("storage.dynamo_table", "")
	v.SetDefault("storage.dynamo_endpoint", "")
	v.SetDefault("storage.dynamo_region", "")
	v.SetDefault("task.poll_interval", "500ms")
	v.SetDefault("task.await_timeout", "5m")
	v.SetDefault("task.stuck_age", "30m")
	v.SetDefault("task.sweep_interval", "5m")
	v.SetDefault("task.ttl", "0")

	v.SetConfigName("taskhorn")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TASKHORN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No config file is fine; env and defaults carry it.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
