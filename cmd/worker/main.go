package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hszk-dev/hlspack/internal/config"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
	"github.com/hszk-dev/hlspack/internal/infrastructure/cache"
	"github.com/hszk-dev/hlspack/internal/infrastructure/cdn"
	"github.com/hszk-dev/hlspack/internal/infrastructure/metrics"
	"github.com/hszk-dev/hlspack/internal/infrastructure/postgres"
	"github.com/hszk-dev/hlspack/internal/infrastructure/queue"
	"github.com/hszk-dev/hlspack/internal/infrastructure/storage"
	"github.com/hszk-dev/hlspack/internal/transcoder"
	"github.com/hszk-dev/hlspack/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Ensure temp directory exists
	if err := os.MkdirAll(cfg.Worker.TempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}

	// Initialize infrastructure clients
	pgClient, err := postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN()))
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pgClient.Close()
	if err := pgClient.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	metrics.RegisterDBPool(func() metrics.DBPoolStats {
		s := pgClient.Stats()
		return metrics.DBPoolStats{
			AcquiredConns: s.AcquiredConns,
			IdleConns:     s.IdleConns,
			TotalConns:    s.TotalConns,
			MaxConns:      s.MaxConns,
		}
	})
	logger.Info("connected to PostgreSQL")

	storageClient, err := storage.NewClient(ctx, storage.ClientConfig{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		Bucket:    cfg.MinIO.Bucket,
		UseSSL:    cfg.MinIO.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to MinIO: %w", err)
	}
	logger.Info("connected to MinIO")

	queueCfg := queue.DefaultClientConfig(cfg.RabbitMQ.URL())
	queueCfg.QueueName = cfg.RabbitMQ.JobQueue
	queueCfg.RoutingKey = cfg.RabbitMQ.JobQueue
	queueCfg.Concurrency = cfg.Worker.Concurrency
	queueCfg.ShutdownTimeout = cfg.Worker.ShutdownTimeout
	queueCfg.RetryPolicy = cfg.Pipeline.RetryPolicy()

	queueClient, err := queue.NewClient(ctx, queueCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer queueClient.Close()
	logger.Info("connected to RabbitMQ", slog.String("queue", queueCfg.QueueName))

	// Status reads by the API go through Redis, so writes here must
	// invalidate the same keys.
	redisClient, err := cache.NewClient(ctx, cache.ClientConfig{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	invalidator, err := cdn.New(ctx, cdn.Config{
		DistributionID: cfg.CDN.DistributionID,
		Region:         cfg.AWS.Region,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize CDN invalidator: %w", err)
	}

	ffmpegCfg := transcoder.DefaultFFmpegConfig()
	ffmpegCfg.FFmpegPath = cfg.Worker.FFmpegPath
	ffmpegCfg.VideoPreset = cfg.Worker.FFmpegPreset
	tc := transcoder.NewFFmpegTranscoder(ffmpegCfg)

	statusStore := usecase.NewCachedStatusStore(
		postgres.NewStatusStore(pgClient.Pool()),
		cache.NewRedisStatusCache(redisClient),
		cfg.Redis.StatusCacheTTL,
	)
	orch := usecase.NewOrchestrator(
		postgres.NewJobRepository(pgClient.Pool()),
		queueClient,
		usecase.NewRenditionService(storageClient, tc, cfg.Worker.TempDir),
		usecase.NewPlaylistComposer(statusStore, storageClient, cfg.Pipeline.Ladder),
		usecase.NewFinalizer(statusStore, invalidator),
		usecase.OrchestratorConfig{
			Ladder:            cfg.Pipeline.Ladder,
			RetryPolicy:       cfg.Pipeline.RetryPolicy(),
			BranchConcurrency: cfg.Pipeline.BranchConcurrency,
		},
	)

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// ConsumeJobs returns once in-flight jobs finished or ShutdownTimeout
	// elapsed after ctx is cancelled.
	done := make(chan error, 1)
	go func() {
		logger.Info("starting worker",
			slog.Int("concurrency", cfg.Worker.Concurrency),
			slog.Any("ladder", cfg.Pipeline.Ladder.Names()),
		)
		done <- queueClient.ConsumeJobs(ctx, func(ctx context.Context, msg repository.JobMessage) error {
			return orch.ProcessJob(ctx, msg)
		})
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("consumer error: %w", err)
		}
	case sig := <-quit:
		logger.Info("shutting down worker", slog.String("signal", sig.String()))
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("consumer stopped with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("worker stopped")
	return nil
}
