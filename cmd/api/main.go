package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hszk-dev/hlspack/internal/api/handler"
	"github.com/hszk-dev/hlspack/internal/api/middleware"
	"github.com/hszk-dev/hlspack/internal/config"
	"github.com/hszk-dev/hlspack/internal/infrastructure/cache"
	"github.com/hszk-dev/hlspack/internal/infrastructure/metrics"
	"github.com/hszk-dev/hlspack/internal/infrastructure/postgres"
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
	ctx := context.Background()

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
	registerPoolMetrics(pgClient)
	logger.Info("connected to PostgreSQL")

	storageClient, err := storage.NewClient(ctx, storage.ClientConfig{
		Endpoint:       cfg.MinIO.Endpoint,
		PublicEndpoint: cfg.MinIO.PublicEndpoint,
		AccessKey:      cfg.MinIO.AccessKey,
		SecretKey:      cfg.MinIO.SecretKey,
		Bucket:         cfg.MinIO.Bucket,
		UseSSL:         cfg.MinIO.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to MinIO: %w", err)
	}
	logger.Info("connected to MinIO", slog.String("bucket", storageClient.Bucket()))

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

	pgStatus := postgres.NewStatusStore(pgClient.Pool())
	statusStore := usecase.NewCachedStatusStore(
		pgStatus,
		cache.NewRedisStatusCache(redisClient),
		cfg.Redis.StatusCacheTTL,
	)
	assetSvc := usecase.NewAssetService(
		statusStore,
		pgStatus,
		postgres.NewJobRepository(pgClient.Pool()),
		storageClient,
		usecase.AssetServiceConfig{
			UploadURLExpiry: cfg.Server.UploadURLExpiry,
			CDNBaseURL:      cfg.CDN.BaseURL,
		},
	)

	checks := map[string]handler.Checker{
		"postgres": pgClient.Ping,
		"minio":    storageClient.Ping,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}
	r := setupRouter(logger, handler.NewAssetHandler(assetSvc, cfg.Pipeline.Ladder), checks)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func setupRouter(logger *slog.Logger, assets *handler.AssetHandler, checks map[string]handler.Checker) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/health", handler.Health)
	r.Get("/ready", handler.Ready(checks))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/assets", func(r chi.Router) {
		r.Post("/", assets.CreateUpload)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/status", assets.GetStatus)
			r.Get("/job", assets.GetJob)
			r.Delete("/", assets.Delete)
		})
	})

	return r
}

func registerPoolMetrics(pg *postgres.Client) {
	metrics.RegisterDBPool(func() metrics.DBPoolStats {
		s := pg.Stats()
		return metrics.DBPoolStats{
			AcquiredConns: s.AcquiredConns,
			IdleConns:     s.IdleConns,
			TotalConns:    s.TotalConns,
			MaxConns:      s.MaxConns,
		}
	})
}
