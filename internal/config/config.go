// Package config loads server configuration from a yaml file and the
// environment, environment winning.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env      string         `mapstructure:"env"`
	LogLevel string         `mapstructure:"log_level"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Fleet    FleetConfig    `mapstructure:"fleet"`
	Checks   ChecksConfig   `mapstructure:"checks"`
	Events   EventsConfig   `mapstructure:"events"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type PostgresConfig struct {
	// DSN empty means the in-memory store is used.
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	// Addr empty means dispatch jobs are only logged.
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AdminConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type FleetConfig struct {
	PublicAPIBase       string `mapstructure:"public_api_base"`
	AgentImage          string `mapstructure:"agent_image"`
	ProvisionTimeoutSec int    `mapstructure:"provision_timeout_seconds"`
}

type ChecksConfig struct {
	TTLSeconds            int `mapstructure:"ttl_seconds"`
	SweepIntervalSec      int `mapstructure:"sweep_interval_seconds"`
	LivenessWindowSeconds int `mapstructure:"liveness_window_seconds"`
}

type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

func Load() (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("probewatch")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("env", "local")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("http.addr", ":8080")

	viper.SetDefault("postgres.dsn", "")
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("admin.user", "admin")
	viper.SetDefault("admin.password", "admin")

	viper.SetDefault("fleet.public_api_base", "http://localhost:8080")
	viper.SetDefault("fleet.agent_image", "probewatch-agent:latest")
	viper.SetDefault("fleet.provision_timeout_seconds", 30)

	viper.SetDefault("checks.ttl_seconds", 90)
	viper.SetDefault("checks.sweep_interval_seconds", 2)
	viper.SetDefault("checks.liveness_window_seconds", 60)

	viper.SetDefault("events.buffer", 64)
}

func (c *Config) CheckTTL() time.Duration {
	return time.Duration(c.Checks.TTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Checks.SweepIntervalSec) * time.Second
}

func (c *Config) LivenessWindow() time.Duration {
	return time.Duration(c.Checks.LivenessWindowSeconds) * time.Second
}

func (c *Config) ProvisionTimeout() time.Duration {
	return time.Duration(c.Fleet.ProvisionTimeoutSec) * time.Second
}
