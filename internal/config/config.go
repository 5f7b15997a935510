// internal/config/config.go
package config

import (
	"time"

	"github.com/spf13/viper"
)

// ScheduleConfig declares one recurring diagnostic: a test started on a
// cron schedule as if a caller had requested it.
type ScheduleConfig struct {
	Name       string         `mapstructure:"name"`
	CronExpr   string         `mapstructure:"cron_expr"`
	DeviceID   string         `mapstructure:"device_id"`
	TestID     string         `mapstructure:"test_id"`
	Parameters map[string]any `mapstructure:"parameters"`
}

// Config holds all configuration for the service.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	HttpListenAddr        string           `mapstructure:"http_listen_addr"`
	HistoryCap            int              `mapstructure:"history_cap"`
	DefaultCommandTimeout time.Duration    `mapstructure:"default_command_timeout"`
	PollInterval          time.Duration    `mapstructure:"poll_interval"`
	CatalogFile           string           `mapstructure:"catalog_file"`
	SimulateDevice        bool             `mapstructure:"simulate_device"`
	Schedules             []ScheduleConfig `mapstructure:"schedules"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	// Set default values
	viper.SetDefault("http_listen_addr", ":8080")
	viper.SetDefault("history_cap", 100)
	viper.SetDefault("default_command_timeout", "10s")
	viper.SetDefault("poll_interval", "500ms")
	viper.SetDefault("simulate_device", true)

	// Set config file details
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// Read environment variables
	viper.AutomaticEnv()

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; rely on defaults and env vars.
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
