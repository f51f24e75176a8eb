package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"kb-rag-service/internal/app"
	"kb-rag-service/internal/config"
	"kb-rag-service/internal/logger"
	"kb-rag-service/internal/queue"
	"kb-rag-service/internal/scheduler"
	"kb-rag-service/internal/telemetry"

	"github.com/hibiken/asynq"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.InitLogger(cfg)
	ctx := context.Background()

	metrics, err := telemetry.InitMetrics()
	if err != nil {
		log.Warn("Metrics disabled", "error", err)
	}

	application, err := app.New(ctx, cfg, metrics, log)
	if err != nil {
		log.Error("Failed to initialise pipeline", "error", err)
		os.Exit(1)
	}
	defer application.Close(ctx)

	redisOpt, err := config.AsynqRedisOpt(cfg)
	if err != nil {
		log.Error("Invalid Redis configuration", "error", err)
		os.Exit(1)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.IngestConcurrency,
			Queues: map[string]int{
				queue.QueueCritical: 6,
				queue.QueueDefault:  3,
			},
			Logger:   newAsynqLogger(log),
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				log.Error("Task failed", "type", task.Type(), "retried", retried, "max_retry", maxRetry, "error", err)
			}),
		},
	)

	processor := queue.NewTaskProcessor(application.Ingestion, log)
	mux := asynq.NewServeMux()
	processor.Register(mux)

	// uploads whose task never ran (archived, queue flushed) are swept here
	sched := scheduler.NewScheduler()
	janitor := scheduler.NewUploadJanitor(filepath.Join(cfg.FileStorageDir, queue.UploadsSubdir), cfg.UploadRetention, log)
	if err := janitor.Schedule(sched, time.Hour); err != nil {
		log.Error("Failed to schedule upload janitor", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	log.Info("Starting asynq worker",
		"concurrency", cfg.IngestConcurrency,
		"queues", []string{queue.QueueCritical, queue.QueueDefault},
		"upload_retention", cfg.UploadRetention)

	if err := server.Start(mux); err != nil {
		log.Error("Failed to start worker", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down worker...")
	server.Shutdown()
}
