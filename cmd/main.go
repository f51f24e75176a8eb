package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kb-rag-service/internal/app"
	"kb-rag-service/internal/config"
	"kb-rag-service/internal/logger"
	"kb-rag-service/internal/queue"
	"kb-rag-service/internal/telemetry"
	"kb-rag-service/routes"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		// logger is not configured yet
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.InitLogger(cfg)

	ctx := context.Background()

	if cfg.TracingEnabled {
		shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.ServiceName, cfg.OTLPEndpoint, cfg.TraceSampleRatio)
		if err != nil {
			log.Warn("Tracing disabled", "error", err)
		} else {
			defer func() { _ = shutdownTracer(context.Background()) }()
		}
	}
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

	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	deps := &routes.Deps{
		Config:    cfg,
		Ingestion: application.Ingestion,
		Retrieval: application.Retrieval,
		Store:     application.Store,
		Index:     application.Index,
		Exporter:  application.Exporter,
		Metrics:   metrics,
		Logger:    log,
	}

	// Redis is optional: without it there is no rate limiting and no async ingestion
	if rdb, err := config.NewRedisClient(ctx, cfg); err != nil {
		log.Warn("Redis unavailable, rate limiting and async ingestion disabled", "error", err)
	} else {
		defer rdb.Close()
		deps.RateLimiter = rdb

		redisOpt, err := config.AsynqRedisOpt(cfg)
		if err == nil {
			client := asynq.NewClient(redisOpt)
			defer client.Close()
			inspector := asynq.NewInspector(redisOpt)
			defer inspector.Close()

			deps.Enqueuer = client
			deps.Jobs = queue.NewJobTracker(inspector)
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routes.SetupRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Port, "vector_backend", cfg.VectorBackend, "collection", cfg.CollectionName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Server exited")
}
