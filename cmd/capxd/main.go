// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuGH/capxd/internal/api"
	"github.com/ManuGH/capxd/internal/capcache"
	"github.com/ManuGH/capxd/internal/config"
	"github.com/ManuGH/capxd/internal/daemon"
	xlog "github.com/ManuGH/capxd/internal/log"
	"github.com/ManuGH/capxd/internal/publish"
	"github.com/ManuGH/capxd/internal/request"
	"github.com/ManuGH/capxd/internal/signaling"
	"github.com/ManuGH/capxd/internal/uce"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	xlog.Configure(xlog.Config{
		Level:   config.ParseString("CAPXD_LOG_LEVEL", "info"),
		Service: "capxd",
		Version: version,
	})
	logger := xlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(strings.TrimSpace(*configPath))
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	// Capability store: badger by default, redis when configured.
	store, err := openStore(cfg.Cache)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "cache.open_failed").
			Str("backend", cfg.Cache.Backend).
			Msg("failed to open capability store")
	}

	// Signaling transport. The controller attaches its listener; the
	// request manager queries capability sets over the same link.
	sig := signaling.NewClient(signaling.Options{
		URL:          cfg.Signaling.URL,
		DialTimeout:  cfg.Signaling.DialTimeout,
		PingInterval: cfg.Signaling.PingInterval,
	})

	query := request.NewQueryEngine(sig.QueryCapabilities)

	ctrl, err := uce.New(uce.Deps{
		NewCache: func(cb uce.ControllerCallback) uce.CacheCollaborator {
			return capcache.New(store, cfg.Cache.TTL, cb)
		},
		NewPublish: func(cb uce.ControllerCallback) uce.PublishCollaborator {
			return publish.New(cfg.Publish.FeatureTags, cb)
		},
		Subscribe: request.NewSubscribeEngine(),
		Query:     query,
		NewRequestManager: func(cb uce.ControllerCallback) uce.RequestManager {
			return request.NewManager(cb, query, cfg.Request.QueryTimeout)
		},
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "controller.init_failed").
			Msg("failed to build controller")
	}

	apiServer := api.NewServer(ctrl, api.Config{
		RateLimit:    cfg.Server.RateLimit,
		ReplyTimeout: cfg.Request.ReplyTimeout,
		Version:      version,
	})

	mgr, err := daemon.NewManager(cfg.Server, daemon.Deps{
		Logger:         xlog.Base(),
		APIHandler:     apiServer.Router(),
		MetricsHandler: promhttp.Handler(),
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.init_failed").
			Msg("failed to build daemon manager")
	}

	// Teardown order matters: the controller stops dispatching before the
	// signaling link drops (LIFO: signaling closes after the controller).
	mgr.RegisterShutdownHook("signaling", func(context.Context) error {
		return sig.Close()
	})
	mgr.RegisterShutdownHook("controller", func(context.Context) error {
		ctrl.OnTeardown()
		return nil
	})

	if cfg.Signaling.URL != "" {
		if err := sig.Connect(ctx); err != nil {
			logger.Fatal().
				Err(err).
				Str("event", "signaling.connect_failed").
				Str("url", cfg.Signaling.URL).
				Msg("failed to connect signaling endpoint")
		}
		ctrl.OnAttach(sig)
	} else {
		logger.Warn().
			Str("event", "signaling.disabled").
			Msg("no signaling URL configured, controller stays disconnected")
	}

	if err := mgr.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
}

func openStore(cfg config.CacheConfig) (capcache.Store, error) {
	switch cfg.Backend {
	case "redis":
		return capcache.OpenRedisStore(capcache.RedisOptions{
			Addr: cfg.RedisAddr,
			TTL:  cfg.TTL,
		})
	default:
		return capcache.OpenBadgerStore(capcache.BadgerOptions{
			Path:     cfg.Path,
			InMemory: cfg.InMemory,
			TTL:      cfg.TTL,
		})
	}
}
