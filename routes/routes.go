package routes

import (
	"context"
	"log/slog"
	"time"

	"kb-rag-service/internal/config"
	"kb-rag-service/internal/database"
	"kb-rag-service/internal/queue"
	"kb-rag-service/internal/telemetry"
	"kb-rag-service/internal/vectorindex"
	"kb-rag-service/middleware"
	"kb-rag-service/models"
	"kb-rag-service/services"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// DocumentIngester runs the ingestion pipeline
type DocumentIngester interface {
	IngestDocument(ctx context.Context, req services.IngestRequest) (*models.IngestionReport, error)
	IngestURL(ctx context.Context, rawURL string) (*models.IngestionReport, error)
}

// Querier runs the retrieval pipeline
type Querier interface {
	Query(ctx context.Context, req services.QueryRequest) (*models.QueryResult, error)
}

// TaskEnqueuer is satisfied by *asynq.Client
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JobLookup is satisfied by *queue.JobTracker
type JobLookup interface {
	Status(id string) (*queue.JobStatus, error)
}

// Deps holds everything the HTTP layer needs. Enqueuer, Jobs, Exporter
// and RateLimiter are optional.
type Deps struct {
	Config      *config.Config
	Ingestion   DocumentIngester
	Retrieval   Querier
	Store       database.DocumentStore
	Index       vectorindex.Index
	Exporter    *services.ExportService
	Enqueuer    TaskEnqueuer
	Jobs        JobLookup
	RateLimiter redis.Cmdable
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// SetupRouter builds the gin engine with middleware and every route
func SetupRouter(d *Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.EnrichTrace())
	router.Use(middleware.RequestLogger(d.Logger))
	router.Use(middleware.MetricsMiddleware(d.Metrics))
	router.Use(middleware.CORSMiddlewareWithOrigins(d.Config.CORSOrigins))

	SetupHealthRoutes(router, d)
	SetupDocumentRoutes(router, d)
	SetupQueryRoutes(router, d)
	SetupAsyncRoutes(router, d)
	return router
}

func (d *Deps) rateLimit() gin.HandlerFunc {
	return middleware.RateLimitMiddleware(d.RateLimiter, d.Config.RateLimitReqs,
		time.Duration(d.Config.RateLimitWindow)*time.Second)
}

// uploadLimit leaves room for multipart framing around a max-size file
func (d *Deps) uploadLimit() gin.HandlerFunc {
	return middleware.RequestSizeLimit(d.Config.MaxFileSize + 1<<20)
}
