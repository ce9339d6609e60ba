// Package main is the entry point for the meshgate request gateway. It
// loads configuration, assembles the gateway core and its two listeners,
// wires hot reload, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/gateway"
	"github.com/meshgate/meshgate/internal/logging"
	"github.com/meshgate/meshgate/internal/metrics"
	"github.com/meshgate/meshgate/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/meshgate.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger; swapped for the configured one once the config is in.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	appLogger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		logger.Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	logger = appLogger
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"ops_port", cfg.Server.OpsPort,
		"services", len(cfg.Services),
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"tls_enabled", cfg.Server.TLS.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"trusted_proxies", len(cfg.Server.TrustedProxies),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		logger.Error("failed to assemble gateway", "error", err)
		os.Exit(1)
	}
	gw.Start()
	defer gw.Stop()

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	srv := server.New(cfg, gw, reloader, logger)
	reloader.OnReload(srv.ApplyConfig)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}
