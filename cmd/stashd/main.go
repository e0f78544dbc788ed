package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stashd/stashd/internal/gc"
	"github.com/stashd/stashd/internal/logger"
	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/server"
	"github.com/stashd/stashd/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Println("stashd - multi-user file storage server")
	logger.Info("Log level set to: %s", cfg.Logging.Level)
	logger.Info("Storage root: %s", cfg.Storage.Root)
	logger.Info("Account store: %s", cfg.Accounts.Type)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go serveMetrics(cfg.Metrics.Listen)
	}

	accounts, err := config.CreateAccountStore(&cfg.Accounts, cfg.Storage.Root)
	if err != nil {
		log.Fatalf("Failed to create account store: %v", err)
	}
	defer accounts.Close()

	files, err := config.CreateFileStore(&cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to create file store: %v", err)
	}

	sweeper := gc.NewCollector(files.StagingDir(), gc.Config{
		Enabled:  cfg.Sweeper.Enabled,
		Interval: cfg.Sweeper.Interval,
		MaxAge:   cfg.Sweeper.MaxAge,
	})
	sweeper.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stopCancel()
		if err := sweeper.Stop(stopCtx); err != nil {
			logger.Warn("Staging sweeper did not stop cleanly: %v", err)
		}
	}()

	srv := server.New(server.Config{
		Listen:             cfg.Server.Listen,
		SessionThreads:     cfg.Server.SessionThreads,
		Workers:            cfg.Server.Workers,
		ResponseTimeout:    cfg.Server.ResponseTimeout,
		ShutdownTimeout:    cfg.Server.ShutdownTimeout,
		LargeFileThreshold: cfg.Server.LargeFileThreshold,
		DefaultQuotaBytes:  cfg.Accounts.DefaultQuotaBytes,
		AcceptRate:         cfg.Server.AcceptRate,
		AcceptBurst:        cfg.Server.AcceptBurst,
	}, accounts, files, metrics.NewServerMetrics())

	logger.Info("Server configuration:")
	logger.Info("  Listen: %s", cfg.Server.Listen)
	logger.Info("  Session threads: %d", cfg.Server.SessionThreads)
	logger.Info("  Workers: %d", cfg.Server.Workers)
	logger.Info("  Response timeout: %v", cfg.Server.ResponseTimeout)
	logger.Info("  Shutdown timeout: %v", cfg.Server.ShutdownTimeout)
	logger.Info("  Large file threshold: %d bytes", cfg.Server.LargeFileThreshold)
	if cfg.Server.AcceptRate > 0 {
		logger.Info("  Accept rate: %d/s (burst %d)", cfg.Server.AcceptRate, cfg.Server.AcceptBurst)
	} else {
		logger.Info("  Accept rate: unlimited")
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running on %s. Press Ctrl+C to stop.", cfg.Server.Listen)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped")
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	logger.Info("Metrics endpoint listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics endpoint failed: %v", err)
	}
}
