// Package main runs SIGMA-BIO, a caching and rate-limiting proxy in front of
// the Google Apps Script that serves student grade data.
//
// The proxy provides:
//   - Per-client fixed-window rate limiting, in memory or in Redis
//   - A bounded response cache with optional stale-if-error serving
//   - Coalescing of concurrent lookups for the same student
//   - Prometheus metrics, health probes, structured logging and tracing
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/config"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/observability"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/redis"
	"github.com/EunoiaAmerta/SIGMA-BIO/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("sigmabio %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	redis.InitLogger(logger.With("component", "redis"))
	logger.Info("starting sigmabio", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger.With("component", "config"))
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if tls := cfg.Server.TLS; tls.Enabled {
		certWatcher := config.NewCertWatcher(tls.CertFile, tls.KeyFile, srv.ReloadCerts, logger.With("component", "tls"))
		go func() {
			if watchErr := certWatcher.Start(ctx); watchErr != nil {
				logger.Error("TLS cert watcher error", "error", watchErr)
			}
		}()
		defer certWatcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("sigmabio shut down gracefully")
}
