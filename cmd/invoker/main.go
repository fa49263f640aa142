package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hszk-dev/hlspack/internal/config"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
	"github.com/hszk-dev/hlspack/internal/infrastructure/postgres"
	"github.com/hszk-dev/hlspack/internal/infrastructure/queue"
	"github.com/hszk-dev/hlspack/internal/infrastructure/storage"
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

	pgClient, err := postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN()))
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pgClient.Close()
	if err := pgClient.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
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
	queueCfg.RetryPolicy = cfg.Pipeline.RetryPolicy()

	jobQueue, err := queue.NewClient(ctx, queueCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer jobQueue.Close()
	logger.Info("connected to RabbitMQ", slog.String("queue", queueCfg.QueueName))

	source, err := newUploadEventSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer source.Close()
	logger.Info("listening for upload notifications", slog.String("source", cfg.AWS.NotifySource))

	// The invoker only admits jobs; attempts run in the worker.
	submitter := usecase.NewJobSubmitter(postgres.NewJobRepository(pgClient.Pool()), jobQueue)
	inv := usecase.NewInvoker(storageClient, submitter)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		done <- source.ConsumeUploadEvents(ctx, inv.HandleUploadEvent)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("consumer error: %w", err)
		}
	case sig := <-quit:
		logger.Info("shutting down invoker", slog.String("signal", sig.String()))
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("consumer stopped with error", slog.String("error", err.Error()))
		}
	}

	logger.Info("invoker stopped")
	return nil
}

func newUploadEventSource(ctx context.Context, cfg *config.Config) (repository.UploadEventSource, error) {
	switch cfg.AWS.NotifySource {
	case config.NotifySourceSQS:
		src, err := queue.NewSQSConsumer(ctx, queue.DefaultSQSConsumerConfig(cfg.AWS.SQSQueueURL, cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS consumer: %w", err)
		}
		return src, nil
	default:
		uploadCfg := queue.DefaultUploadConsumerConfig(cfg.RabbitMQ.URL())
		uploadCfg.QueueName = cfg.RabbitMQ.UploadQueue
		uploadCfg.MaxRedeliveries = cfg.RabbitMQ.MaxRedeliveries

		src, err := queue.NewUploadConsumer(ctx, uploadCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect upload consumer: %w", err)
		}
		return src, nil
	}
}
