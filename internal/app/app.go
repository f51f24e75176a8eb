// Package app wires the pipeline components from configuration. It is shared
// by the API server, the worker and the migrate command.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"kb-rag-service/internal/ai"
	"kb-rag-service/internal/config"
	"kb-rag-service/internal/crawler"
	"kb-rag-service/internal/database"
	"kb-rag-service/internal/telemetry"
	"kb-rag-service/internal/vectorindex"
	"kb-rag-service/services"
	"kb-rag-service/utils"
)

// App holds the long-lived components of one process
type App struct {
	Config    *config.Config
	Store     database.DocumentStore
	Index     vectorindex.Index
	Ingestion *services.IngestionService
	Retrieval *services.RetrievalService
	Exporter  *services.ExportService

	closers []func(context.Context) error
}

// OpenStore connects the configured document store. The returned close
// function disconnects it.
func OpenStore(ctx context.Context, cfg *config.Config) (database.DocumentStore, func(context.Context) error, error) {
	if cfg.MongoURI == config.MemoryStoreURI {
		return database.NewMemoryStore(), func(context.Context) error { return nil }, nil
	}
	client, err := config.ConnectMongoDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store := database.NewMongoStore(client, cfg.DBName, cfg.DocumentsCollection, cfg.ChunksCollection)
	return store, client.Disconnect, nil
}

// OpenIndex connects the configured vector backend
func OpenIndex(ctx context.Context, cfg *config.Config, logger *slog.Logger) (vectorindex.Index, error) {
	switch cfg.VectorBackend {
	case config.VectorBackendChromem:
		return vectorindex.NewChromemIndex(cfg.ChromemPath, logger)
	case config.VectorBackendQdrant, "":
		return vectorindex.NewQdrantIndex(ctx, vectorindex.QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
			UseTLS: cfg.QdrantUseTLS,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown vector backend: %s", cfg.VectorBackend)
	}
}

// Migrate creates the vector collection and the store indexes. Both steps
// are idempotent.
func Migrate(ctx context.Context, cfg *config.Config, store database.DocumentStore, index vectorindex.Index) error {
	if err := index.EnsureCollection(ctx, cfg.CollectionName, cfg.VectorSize, cfg.DistanceMetric); err != nil {
		return fmt.Errorf("ensure collection %s: %w", cfg.CollectionName, err)
	}
	if m, ok := store.(*database.MongoStore); ok {
		if err := m.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure store indexes: %w", err)
		}
	}
	return nil
}

// New connects every backend and builds the services. Setup failures are
// reported before any request is served.
func New(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg}

	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)

	index, err := OpenIndex(ctx, cfg, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Index = index
	a.closers = append(a.closers, func(context.Context) error { return index.Close() })

	// the in-process backends start empty, so they always need the collection
	if cfg.AutoMigrate || cfg.VectorBackend == config.VectorBackendChromem || cfg.MongoURI == config.MemoryStoreURI {
		if err := Migrate(ctx, cfg, store, index); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	embedder, err := ai.NewEmbedder(ctx, cfg, metrics, logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("embedder: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return embedder.Close() })

	fetcher := crawler.NewFetcher(crawler.FetchConfig{
		Timeout:     cfg.URLFetchTimeout,
		MaxBodySize: int(cfg.MaxFileSize),
		RenderJS:    cfg.URLRenderJS,
	})
	a.Ingestion, err = services.NewIngestionService(
		services.NewExtractor(fetcher, logger),
		embedder, index, store, cfg.CollectionName,
		services.WithConcurrency(cfg.IngestConcurrency),
		services.WithMaxChunkSize(cfg.MaxChunkSize),
		services.WithRequireFullSuccess(cfg.IngestRequireFullSuccess),
		services.WithRetry(cfg.ChunkMaxRetries, cfg.ChunkRetryBackoff),
		services.WithIngestionLogger(logger),
		services.WithIngestionMetrics(metrics),
	)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { a.Ingestion.Close(); return nil })

	retrievalOpts := []services.RetrievalOption{
		services.WithTopK(cfg.DefaultTopK, cfg.MaxTopK),
		services.WithRetrievalLogger(logger),
		services.WithRetrievalMetrics(metrics),
	}
	synth, err := ai.NewSynthesizer(ctx, cfg, metrics, logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("synthesizer: %w", err)
	}
	if synth != nil {
		retrievalOpts = append(retrievalOpts, services.WithSynthesizer(synth))
		a.closers = append(a.closers, func(context.Context) error { return synth.Close() })
	}
	a.Retrieval, err = services.NewRetrievalService(embedder, index, cfg.CollectionName, retrievalOpts...)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Exporter = services.NewExportService(store)
	return a, nil
}

// Close releases everything in reverse order of creation
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := utils.Detached(ctx)
	defer cancel()

	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}
