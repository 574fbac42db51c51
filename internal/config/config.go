// Package config loads runtime configuration from file, environment, and
// defaults, in that order of increasing precedence for env overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings for the coordinator and agent.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Store struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"store"`
	Agent struct {
		ServerURL         string        `mapstructure:"server_url"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	} `mapstructure:"agent"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// Load reads configuration from an optional file plus SKYFLEET_* env vars.
// An empty path means defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8765")
	v.SetDefault("store.path", "skyfleet.db")
	v.SetDefault("agent.server_url", "ws://127.0.0.1:8765/ws")
	v.SetDefault("agent.heartbeat_interval", 5*time.Second)
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("SKYFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
