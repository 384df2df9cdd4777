/**
 * OCR Extraction Service - Main Entry Point
 *
 * Architecture:
 * - HTTP API on PORT (default 8000) for synchronous extraction
 * - Document pipeline: normalize -> per-page OCR on a bounded pool -> aggregate
 * - Content-addressed extraction cache (file or Badger) shared by all requests
 * - Optional Asynq queue and cross-process in-flight markers when REDIS_URL is set
 * - Optional PostgreSQL run ledger when DATABASE_URL is set
 */

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/fileprocess-extractor/internal/api"
	"github.com/adverant/nexus/fileprocess-extractor/internal/cache"
	"github.com/adverant/nexus/fileprocess-extractor/internal/command"
	"github.com/adverant/nexus/fileprocess-extractor/internal/config"
	"github.com/adverant/nexus/fileprocess-extractor/internal/datadir"
	"github.com/adverant/nexus/fileprocess-extractor/internal/inflight"
	"github.com/adverant/nexus/fileprocess-extractor/internal/logging"
	"github.com/adverant/nexus/fileprocess-extractor/internal/normalizer"
	"github.com/adverant/nexus/fileprocess-extractor/internal/ocr"
	"github.com/adverant/nexus/fileprocess-extractor/internal/processor"
	"github.com/adverant/nexus/fileprocess-extractor/internal/queue"
	"github.com/adverant/nexus/fileprocess-extractor/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := logging.NewLogger("extractor")
	defer logging.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Info(".env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}
	logging.SetLevel(cfg.LogLevel)

	logger.Info("Extraction service starting",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"cache_backend", cfg.CacheBackend,
		"ocr_backend", cfg.OCRBackend,
		"max_concurrent_pages", cfg.MaxConcurrentPages,
		"queue_enabled", cfg.QueueEnabled(),
		"ledger_enabled", cfg.LedgerEnabled())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, err := datadir.New(cfg.DataDir)
	if err != nil {
		logger.Fatal("Failed to open data directory", "error", err)
	}

	extractionCache, err := cache.Open(cache.Config{
		Backend:   cfg.CacheBackend,
		Directory: cfg.CacheDirectory,
		Logger:    logger.Named("cache"),
	})
	if err != nil {
		logger.Fatal("Failed to open extraction cache", "error", err)
	}
	defer extractionCache.Close()

	var backend ocr.Backend
	switch cfg.OCRBackend {
	case "tesseract-cli":
		backend = ocr.NewTesseractCLIBackend(cfg.TesseractPath, command.Exec{})
	default:
		backend = ocr.NewTesseractBackend()
	}
	executor := ocr.NewExecutor(backend, ocr.ExecutorConfig{
		PageTimeout:   cfg.PageTimeout(),
		MaxConcurrent: cfg.MaxConcurrentPages,
		TempDir:       cfg.TempDir,
		Logger:        logger.Named("ocr"),
	})

	// Fail fast on a misconfigured default language set
	if err := executor.ValidateLanguages(ctx, cfg.DefaultParams().Languages); err != nil {
		logger.Fatal("Default OCR languages unavailable", "error", err)
	}
	if !command.Available(cfg.RendererPath) {
		logger.Warn("PDF renderer not found, PDF documents will fail", "renderer", cfg.RendererPath)
	}
	logger.Info("OCR engine ready", "engine", executor.Engine())

	pool, err := processor.NewWorkerPool(cfg.MaxConcurrentPages, logger.Named("pool"))
	if err != nil {
		logger.Fatal("Failed to create worker pool", "error", err)
	}

	procCfg := &processor.ProcessorConfig{
		Normalizer: normalizer.New(normalizer.Config{
			MaxDocumentSize: cfg.MaxDocumentSize,
			TempDir:         cfg.TempDir,
			Renderer:        normalizer.NewPopplerRenderer(cfg.RendererPath, command.Exec{}),
			Logger:          logger.Named("normalizer"),
		}),
		Executor:        executor,
		Cache:           extractionCache,
		Pool:            pool,
		DefaultParams:   cfg.DefaultParams(),
		MaxDocumentSize: cfg.MaxDocumentSize,
		DocumentTimeout: cfg.DocumentTimeout(),
		PageRetries:     cfg.PageRetries,
		Logger:          logger.Named("pipeline"),
	}

	var runs api.RunStore
	if cfg.LedgerEnabled() {
		db, err := storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", "error", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare run ledger", "error", err)
		}
		procCfg.Recorder = db
		runs = db
		logger.Info("Run ledger enabled")
	}

	var redisClose func() error
	if cfg.QueueEnabled() {
		redisClient, err := inflight.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", "error", err)
		}
		redisClose = redisClient.Close
		procCfg.Locker = inflight.NewRedisLocker(redisClient, cfg.DocumentTimeout()+time.Minute)
	}

	proc, err := processor.NewDocumentProcessor(procCfg)
	if err != nil {
		logger.Fatal("Failed to initialize document processor", "error", err)
	}

	apiCfg := api.Config{
		Extractor:     proc,
		Files:         files,
		Results:       extractionCache,
		Runs:          runs,
		Stats:         proc.Stats,
		MaxUploadSize: cfg.MaxDocumentSize,
		Logger:        logger.Named("api"),
	}

	var consumer *queue.Consumer
	if cfg.QueueEnabled() {
		client, err := queue.NewClient(cfg.RedisURL, cfg.QueueName)
		if err != nil {
			logger.Fatal("Failed to create queue client", "error", err)
		}
		defer client.Close()
		apiCfg.Jobs = client

		consumer, err = queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Extractor:         proc,
			Files:             files,
			MaxDocumentSize:   cfg.MaxDocumentSize,
			ProcessingTimeout: cfg.DocumentTimeout(),
			Logger:            logger.Named("queue"),
		})
		if err != nil {
			logger.Fatal("Failed to initialize queue consumer", "error", err)
		}
		if err := consumer.Start(); err != nil {
			logger.Fatal("Failed to start queue consumer", "error", err)
		}
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           api.New(apiCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, initiating graceful shutdown")
	case err := <-serverErr:
		logger.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}
	if consumer != nil {
		consumer.Stop()
	}
	if err := pool.Release(shutdownTimeout); err != nil {
		logger.Warn("Worker pool did not drain", "error", err)
	}
	if redisClose != nil {
		if err := redisClose(); err != nil {
			logger.Warn("Error closing Redis client", "error", err)
		}
	}

	logger.Info("Shutdown complete")
}
