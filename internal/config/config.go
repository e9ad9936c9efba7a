// Package config loads server configuration from an optional YAML file plus
// CIPHERROOM_* environment variables. Command-line flags applied by main take
// precedence over both.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type Config struct {
	Addr        string `mapstructure:"addr"`
	DBPath      string `mapstructure:"db_path"`
	TLS         bool   `mapstructure:"tls"`
	TLSCert     string `mapstructure:"tls_cert"`
	TLSKey      string `mapstructure:"tls_key"`
	Debug       bool   `mapstructure:"debug"`
	MetricsSecs int    `mapstructure:"metrics_interval_seconds"`
}

// Load reads the config file (if present) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	path := os.Getenv("CIPHERROOM_CONFIG")
	if path == "" {
		path = "cipherroom.yaml"
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("CIPHERROOM")
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("db_path", "cipherroom.db")
	v.SetDefault("tls", false)
	v.SetDefault("debug", false)
	v.SetDefault("metrics_interval_seconds", 60)

	// A missing config file is fine; env and defaults still apply.
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
