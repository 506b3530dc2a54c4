// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader assembles the effective configuration from defaults, an optional
// YAML file and environment overrides, in that precedence order.
type Loader struct {
	path string
}

// NewLoader creates a Loader for the given config file path. An empty path
// skips the file layer.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load returns the merged, validated configuration.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse config file %s: %w", l.path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides file/default values from CAPXD_* environment variables.
func applyEnv(cfg *AppConfig) {
	cfg.LogLevel = ParseString("CAPXD_LOG_LEVEL", cfg.LogLevel)

	cfg.Server.ListenAddr = ParseString("CAPXD_LISTEN", cfg.Server.ListenAddr)
	cfg.Server.MetricsAddr = ParseString("CAPXD_METRICS_LISTEN", cfg.Server.MetricsAddr)
	cfg.Server.ReadTimeout = ParseDuration("CAPXD_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = ParseDuration("CAPXD_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.ShutdownTimeout = ParseDuration("CAPXD_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.RateLimit = ParseInt("CAPXD_RATE_LIMIT", cfg.Server.RateLimit)

	cfg.Signaling.URL = ParseString("CAPXD_SIGNALING_URL", cfg.Signaling.URL)
	cfg.Signaling.DialTimeout = ParseDuration("CAPXD_SIGNALING_DIAL_TIMEOUT", cfg.Signaling.DialTimeout)

	cfg.Cache.Backend = ParseString("CAPXD_CACHE_BACKEND", cfg.Cache.Backend)
	cfg.Cache.Path = ParseString("CAPXD_CACHE_PATH", cfg.Cache.Path)
	cfg.Cache.InMemory = ParseBool("CAPXD_CACHE_IN_MEMORY", cfg.Cache.InMemory)
	cfg.Cache.RedisAddr = ParseString("CAPXD_CACHE_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.TTL = ParseDuration("CAPXD_CACHE_TTL", cfg.Cache.TTL)

	cfg.Request.QueryTimeout = ParseDuration("CAPXD_QUERY_TIMEOUT", cfg.Request.QueryTimeout)
	cfg.Request.ReplyTimeout = ParseDuration("CAPXD_REPLY_TIMEOUT", cfg.Request.ReplyTimeout)
}
