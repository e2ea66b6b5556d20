// cmd/sharedropd/main.go
// Package main implements the entry point for the sharedrop service.
// It wires storage, object storage, the job queue, and the HTTP server.
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

	"github.com/sharedrop/sharedrop-go/internal/config"
	"github.com/sharedrop/sharedrop-go/internal/download"
	"github.com/sharedrop/sharedrop-go/internal/files"
	"github.com/sharedrop/sharedrop-go/internal/ingest"
	"github.com/sharedrop/sharedrop-go/internal/ledger"
	"github.com/sharedrop/sharedrop-go/internal/media"
	"github.com/sharedrop/sharedrop-go/internal/metrics"
	"github.com/sharedrop/sharedrop-go/internal/queue"
	"github.com/sharedrop/sharedrop-go/internal/scan"
	"github.com/sharedrop/sharedrop-go/internal/server"
	"github.com/sharedrop/sharedrop-go/internal/storage"
	"github.com/sharedrop/sharedrop-go/internal/telemetry"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("sharedrop", cfg.Env)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("SD_DB_DSN not set, using in-memory storage")
		store = storage.NewMemory()
	}

	// Initialize object storage (S3 or in-memory)
	var objects media.ObjectStore
	if cfg.S3Bucket != "" {
		objects, err = media.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			logger.Error("failed to initialize S3 client", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("SD_S3_BUCKET not set, using in-memory object store")
		objects = media.NewMemoryStore()
	}

	// Initialize the job queue (NATS JetStream or in-process)
	var jobs queue.Queue
	if cfg.NATSURL != "" {
		jobs, err = queue.NewNATS(cfg.NATSURL, cfg.JobMaxAttempts)
		if err != nil {
			logger.Error("failed to initialize NATS queue", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("SD_NATS_URL not set, using in-process job queue")
		jobs = queue.NewMemory(cfg.JobMaxAttempts)
	}
	defer jobs.Close()

	// Initialize the virus scanner client
	var scanner scan.Scanner = scan.NoopScanner{}
	if cfg.VirusScanEnabled {
		scanner = scan.New(cfg.ScannerURL)
	}

	m := metrics.NewMetrics()

	// Wire the services
	ingestSvc := ingest.NewService(cfg, store, objects, jobs, scanner, m)
	gate := download.NewGatekeeper(cfg, store, objects, m)
	ledgerSvc := ledger.New(cfg, store, m)
	filesSvc := files.NewService(cfg, store, objects)

	// Start the background workers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	ingestSvc.RegisterWorkers(jobs)
	if err := jobs.Start(workerCtx, cfg.WorkerCount); err != nil {
		logger.Error("failed to start job workers", "error", err)
		os.Exit(1)
	}

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(store, ingestSvc, gate, ledgerSvc, filesSvc)

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown: stop taking requests, then stop workers
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}
	stopWorkers()

	// Close PostgreSQL storage if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	logger.Info("server exited")
}
