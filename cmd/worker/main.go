package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nebula-systems/nebula/internal/config"
	"github.com/nebula-systems/nebula/internal/domain/repository"
	"github.com/nebula-systems/nebula/internal/infrastructure/jobcontrol"
	"github.com/nebula-systems/nebula/internal/infrastructure/postgres"
	"github.com/nebula-systems/nebula/internal/infrastructure/queue"
	"github.com/nebula-systems/nebula/internal/infrastructure/storage"
	"github.com/nebula-systems/nebula/internal/transcoder"
	"github.com/nebula-systems/nebula/internal/usecase"
)

// heartbeatInterval must stay well under jobcontrol's heartbeat TTL so a
// brief GC pause or scheduling delay doesn't make /health flap.
const heartbeatInterval = 10 * time.Second

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

	if err := os.MkdirAll(cfg.Worker.TempDir, 0755); err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
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

	tc := transcoder.NewFFmpegTranscoder(transcoder.DefaultFFmpegConfig())
	prober := transcoder.NewFFprobeProber("")

	fileRepo := postgres.NewFileRepository(pgClient.Pool())
	jobRepo := postgres.NewJobRepository(pgClient.Pool())

	workerCfg := usecase.DefaultWorkerServiceConfig()
	workerCfg.ScratchDir = cfg.Worker.TempDir
	workerCfg.JobTimeout = cfg.Worker.JobTimeout

	workerSvc := usecase.NewWorkerService(fileRepo, jobRepo, storageClient, control, tc, prober, workerCfg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	go runHeartbeat(ctx, control, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting worker, consuming transcode tasks")
		err := queueClient.Consume(ctx, func(task repository.TranscodeTask) error {
			wg.Add(1)
			defer wg.Done()

			logger.Info("processing task",
				slog.Int64("job_id", task.JobID),
				slog.Int64("file_id", task.FileID),
				slog.Int("target_quality", task.TargetQuality),
				slog.Int("retry_count", task.RetryCount),
			)

			if err := workerSvc.ProcessTask(ctx, task); err != nil {
				logger.Error("task processing failed",
					slog.Int64("job_id", task.JobID),
					slog.Int("retry_count", task.RetryCount),
					slog.String("error", err.Error()),
				)
				return err
			}

			logger.Info("task completed successfully", slog.Int64("job_id", task.JobID))
			return nil
		})
		if err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("consumer error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down worker", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all in-flight tasks completed")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, some tasks may not have completed")
	}

	logger.Info("worker stopped")
	return nil
}

// runHeartbeat records worker liveness in Redis so the API process's
// /health can report the worker field without observing this process
// directly.
func runHeartbeat(ctx context.Context, control *jobcontrol.Client, logger *slog.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	if err := control.Heartbeat(ctx); err != nil {
		logger.Warn("failed to record worker heartbeat", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := control.Heartbeat(ctx); err != nil {
				logger.Warn("failed to record worker heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}
