// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the daemon configuration with precedence
// ENV > file > defaults.
package config

import (
	"fmt"
	"time"
)

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen"`
	MetricsAddr     string        `yaml:"metrics_listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       int           `yaml:"rate_limit"` // requests per minute per client IP
}

// SignalingConfig holds the signaling transport settings.
type SignalingConfig struct {
	URL          string        `yaml:"url"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// CacheConfig holds the capability cache settings.
type CacheConfig struct {
	Backend   string        `yaml:"backend"` // "badger" or "redis"
	Path      string        `yaml:"path"`
	InMemory  bool          `yaml:"in_memory"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// RequestConfig holds the request manager settings.
type RequestConfig struct {
	QueryTimeout time.Duration `yaml:"query_timeout"`
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
}

// PublishConfig holds the publish engine settings.
type PublishConfig struct {
	FeatureTags []string `yaml:"feature_tags"`
}

// AppConfig is the root configuration for the daemon.
type AppConfig struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Signaling SignalingConfig `yaml:"signaling"`
	Cache     CacheConfig     `yaml:"cache"`
	Request   RequestConfig   `yaml:"request"`
	Publish   PublishConfig   `yaml:"publish"`
}

// Defaults returns the built-in configuration baseline.
func Defaults() AppConfig {
	return AppConfig{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:      ":8080",
			MetricsAddr:     ":9090",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       120,
		},
		Signaling: SignalingConfig{
			DialTimeout:  10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend: "badger",
			Path:    "/var/lib/capxd/cache",
			TTL:     24 * time.Hour,
		},
		Request: RequestConfig{
			QueryTimeout: 15 * time.Second,
			ReplyTimeout: 30 * time.Second,
		},
		Publish: PublishConfig{
			FeatureTags: []string{"chat", "file-transfer"},
		},
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *AppConfig) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	switch c.Cache.Backend {
	case "badger":
		if c.Cache.Path == "" && !c.Cache.InMemory {
			return fmt.Errorf("cache.path is required for the badger backend")
		}
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Request.QueryTimeout <= 0 {
		return fmt.Errorf("request.query_timeout must be positive")
	}
	return nil
}
