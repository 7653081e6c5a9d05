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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nebula-systems/nebula/internal/api/handler"
	"github.com/nebula-systems/nebula/internal/api/middleware"
	"github.com/nebula-systems/nebula/internal/config"
	"github.com/nebula-systems/nebula/internal/infrastructure/cache"
	"github.com/nebula-systems/nebula/internal/infrastructure/jobcontrol"
	"github.com/nebula-systems/nebula/internal/infrastructure/postgres"
	"github.com/nebula-systems/nebula/internal/infrastructure/queue"
	"github.com/nebula-systems/nebula/internal/infrastructure/storage"
	"github.com/nebula-systems/nebula/internal/usecase"
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

	if err := postgres.RunMigrations(ctx, cfg.Database.DSN(), logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	pgClient, err := postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN()))
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pgClient.Close()
	logger.Info("connected to PostgreSQL")

	s3Cfg := storage.DefaultClientConfig(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket)
	s3Cfg.UseSSL = cfg.S3.UseSSL
	s3Cfg.PresignEndpoint = cfg.S3.PresignEndpoint
	s3Cfg.PresignEndpointLocal = cfg.S3.PresignEndpointLocal
	s3Cfg.PresignEndpointRemote = cfg.S3.PresignEndpointRemote
	s3Cfg.PresignRegion = cfg.S3.PresignRegion
	s3Cfg.HTTPPoolMaxSize = cfg.S3.HTTPPoolMaxSize
	s3Cfg.HTTPConnectTimeout = cfg.S3.HTTPConnectTimeout
	s3Cfg.HTTPReadTimeout = cfg.S3.HTTPReadTimeout
	s3Cfg.HTTPTotalRetries = cfg.S3.HTTPTotalRetries
	s3Cfg.HTTPBackoffFactor = cfg.S3.HTTPBackoffFactor

	storageClient, err := storage.NewClient(s3Cfg)
	if err != nil {
		return fmt.Errorf("failed to construct object store client: %w", err)
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("failed to ensure bucket: %w", err)
	}
	logger.Info("connected to object store")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis")

	control := jobcontrol.NewClient(redisClient)

	queueClient, err := queue.NewClient(ctx, queue.ClientConfig{
		URL:        cfg.RabbitMQ.URL(),
		QueueName:  "transcode_tasks",
		RoutingKey: "transcode_tasks",
		Prefetch:   cfg.RabbitMQ.Prefetch,
	}, control)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer queueClient.Close()
	logger.Info("connected to RabbitMQ")

	fileRepo := postgres.NewFileRepository(pgClient.Pool())
	jobRepo := postgres.NewJobRepository(pgClient.Pool())
	fileCache := cache.NewRedisFileCache(redisClient)

	baseFiles := usecase.NewFileService(fileRepo, jobRepo, storageClient, queueClient, usecase.DefaultFileServiceConfig())
	files := usecase.NewCachedFileService(baseFiles, fileCache, usecase.DefaultCachedFileServiceConfig())
	transcodes := usecase.NewTranscodeService(fileRepo, jobRepo, queueClient)

	// A worker process runs in its own OS process and publishes here after
	// every completed transcode, so this API process's cache-aside entries
	// don't serve a variants map missing the just-published quality for up
	// to the cache TTL.
	go func() {
		for id := range control.SubscribeFileInvalidations(ctx) {
			if err := fileCache.Delete(ctx, id); err != nil {
				logger.Warn("failed to invalidate file cache entry", "file_id", id, "error", err)
			}
		}
	}()

	uploadHandler := handler.NewUploadHandler(files)
	fileHandler := handler.NewFileHandler(files)
	streamHandler := handler.NewStreamHandler(files)
	transcodeHandler := handler.NewTranscodeHandler(files, transcodes)
	healthHandler := handler.NewHealthHandler(pgClient, control, false)

	r := setupRouter(logger, uploadHandler, fileHandler, streamHandler, transcodeHandler, healthHandler)

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

func setupRouter(
	logger *slog.Logger,
	uploadHandler *handler.UploadHandler,
	fileHandler *handler.FileHandler,
	streamHandler *handler.StreamHandler,
	transcodeHandler *handler.TranscodeHandler,
	healthHandler *handler.HealthHandler,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	// Every other endpoint is served under /api, behind the same
	// middleware stack as the root routes.
	root := r
	r = chi.NewRouter()
	root.Mount("/api", r)

	r.Post("/upload", uploadHandler.Upload)
	r.Post("/upload/presign", uploadHandler.PresignUpload)
	r.Post("/upload/complete", uploadHandler.CompleteUpload)

	r.Get("/files", fileHandler.List)
	r.Get("/files/{id}", fileHandler.Get)
	r.Delete("/files/{id}", fileHandler.Delete)
	r.Get("/files/{id}/stream", streamHandler.Stream)
	r.Get("/files/{id}/download", streamHandler.Download)

	r.Post("/transcode", transcodeHandler.RequestTranscode)
	r.Get("/transcode/jobs", transcodeHandler.ListJobs)
	r.Get("/transcode/job/{id}", transcodeHandler.GetJob)
	r.Delete("/transcode/job/{id}", transcodeHandler.CancelJob)
	r.Get("/transcode/{file_id}", transcodeHandler.FileStatus)

	return root
}
