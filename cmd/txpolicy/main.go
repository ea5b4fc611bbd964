// TxPolicy - Transaction authorization policies for co-signer callbacks.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/txpolicy/internal/api"
	"github.com/opensource-finance/txpolicy/internal/auth"
	"github.com/opensource-finance/txpolicy/internal/bus"
	"github.com/opensource-finance/txpolicy/internal/cache"
	"github.com/opensource-finance/txpolicy/internal/config"
	"github.com/opensource-finance/txpolicy/internal/decision"
	"github.com/opensource-finance/txpolicy/internal/domain"
	"github.com/opensource-finance/txpolicy/internal/pricing"
	"github.com/opensource-finance/txpolicy/internal/repository"
	"github.com/opensource-finance/txpolicy/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging)

	slog.Info("starting txpolicy",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	if err := config.Validate(cfg); err != nil {
		slog.Error("configuration is invalid", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async_worker", cfg.AsyncWorker,
		"auth_disabled", cfg.Auth.Disabled,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	rates := pricing.NewProvider(cfg.Pricing)

	svc := decision.NewService(decision.Options{
		Repo:                 repo,
		Cache:                cacheImpl,
		Bus:                  busImpl,
		Rates:                rates,
		EnableInitiatorCheck: cfg.Policy.EnableInitiatorCheck,
		EnableApproverCheck:  cfg.Policy.EnableApproverCheck,
		DecisionTTL:          cfg.Cache.DecisionTTL,
	})
	if err := svc.Bootstrap(ctx, cfg.Policy); err != nil {
		slog.Error("failed to load policy", "error", err)
		os.Exit(1)
	}

	var authenticator *auth.Authenticator
	if cfg.Auth.Disabled {
		slog.Warn("callback authentication disabled, accepting unsigned JSON")
	} else {
		authenticator, err = auth.Load(cfg.Auth)
		if err != nil {
			slog.Error("failed to load callback keys", "error", err)
			os.Exit(1)
		}
	}

	var asyncWorker *worker.Worker
	if cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			os.Exit(1)
		}
	}

	srv := api.NewServer(cfg.Server, api.Options{
		Service: svc,
		Auth:    authenticator,
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Rates:   rates,
		Async:   cfg.AsyncWorker,
		Version: Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("txpolicy is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop taking callbacks before the worker goes away.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	slog.Info("txpolicy shutdown complete")
}

func setupLogger(cfg domain.LoggingConfig) {
	opts := &slog.HandlerOptions{Level: config.ParseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 TXPOLICY                  |")
	fmt.Println("  |   Co-signer transaction policy engine     |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /v2/tx_sign_request            - Transaction approval callback")
	fmt.Println("    POST /v2/config_change_sign_request - Configuration change callback")
	fmt.Println("    GET  /policy                        - Active policy")
	fmt.Println("    PUT  /policy                        - Store and load a new policy version")
	fmt.Println("    GET  /decisions/{id}                - Get decision by ID")
	fmt.Println("    GET  /transactions/{id}/decisions   - Decisions for a transaction")
	fmt.Println("    POST /pricing/invalidate            - Drop the cached USD/EUR rate")
	fmt.Println("    GET  /health                        - Health check")
	fmt.Println("    GET  /ready                         - Dependency readiness")
	fmt.Println()
}
