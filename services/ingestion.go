package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kb-rag-service/internal/ai"
	"kb-rag-service/internal/database"
	"kb-rag-service/internal/errs"
	"kb-rag-service/internal/telemetry"
	"kb-rag-service/internal/vectorindex"
	"kb-rag-service/models"
	"kb-rag-service/utils"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ingestTracer = otel.Tracer("kb-rag-service/ingestion")

// IngestRequest describes one source to ingest. Exactly one of Data, Text or
// URL carries the content.
type IngestRequest struct {
	Title      string
	SourceType models.SourceType
	Filename   string
	Data       []byte
	Text       string
	URL        string
}

// StateObserver is told about every state transition of an ingestion
type StateObserver func(documentID string, state models.IngestionState)

// IngestionService runs extract, chunk, embed and the dual write to the
// vector index and the document store.
type IngestionService struct {
	extractor  *Extractor
	embedder   ai.Embedder
	index      vectorindex.Index
	store      database.DocumentStore
	collection string

	pool               *ants.Pool
	maxChunkSize       int
	requireFullSuccess bool
	maxRetries         int
	retryBackoff       time.Duration

	metrics  *telemetry.Metrics
	logger   *slog.Logger
	observer StateObserver
}

// IngestionOption configures an IngestionService.
type IngestionOption func(*IngestionService) error

// WithConcurrency sets how many chunks are processed at once across all
// requests. Default is 8.
func WithConcurrency(size int) IngestionOption {
	return func(s *IngestionService) error {
		if size < 1 {
			size = 1
		}
		if s.pool != nil {
			s.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		s.pool = pool
		return nil
	}
}

// WithMaxChunkSize sets the chunk size in code points. Default is 500.
func WithMaxChunkSize(n int) IngestionOption {
	return func(s *IngestionService) error {
		if n < 1 {
			return fmt.Errorf("max chunk size must be positive, got %d", n)
		}
		s.maxChunkSize = n
		return nil
	}
}

// WithRequireFullSuccess makes any chunk failure fail the whole ingestion
// instead of reporting it as partial.
func WithRequireFullSuccess(strict bool) IngestionOption {
	return func(s *IngestionService) error {
		s.requireFullSuccess = strict
		return nil
	}
}

// WithRetry retries each chunk step up to maxRetries times, doubling backoff
func WithRetry(maxRetries int, backoff time.Duration) IngestionOption {
	return func(s *IngestionService) error {
		if maxRetries < 0 {
			maxRetries = 0
		}
		s.maxRetries = maxRetries
		s.retryBackoff = backoff
		return nil
	}
}

func WithIngestionLogger(logger *slog.Logger) IngestionOption {
	return func(s *IngestionService) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

func WithIngestionMetrics(m *telemetry.Metrics) IngestionOption {
	return func(s *IngestionService) error {
		s.metrics = m
		return nil
	}
}

func WithStateObserver(fn StateObserver) IngestionOption {
	return func(s *IngestionService) error {
		s.observer = fn
		return nil
	}
}

// NewIngestionService wires the pipeline. The collection must already exist;
// the service never creates it.
func NewIngestionService(
	extractor *Extractor,
	embedder ai.Embedder,
	index vectorindex.Index,
	store database.DocumentStore,
	collection string,
	opts ...IngestionOption,
) (*IngestionService, error) {
	if extractor == nil || embedder == nil || index == nil || store == nil {
		return nil, errors.New("ingestion service requires an extractor, embedder, index and store")
	}
	if err := vectorindex.ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(8)
	if err != nil {
		return nil, err
	}
	s := &IngestionService{
		extractor:    extractor,
		embedder:     embedder,
		index:        index,
		store:        store,
		collection:   collection,
		pool:         pool,
		maxChunkSize: 500,
		retryBackoff: 200 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			s.Close()
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "ingestion")
	return s, nil
}

// Close releases the worker pool. The service must not be used afterwards.
func (s *IngestionService) Close() {
	if s.pool != nil {
		s.pool.Release()
	}
}

// IngestURL fetches a web page and ingests its visible text
func (s *IngestionService) IngestURL(ctx context.Context, rawURL string) (*models.IngestionReport, error) {
	return s.IngestDocument(ctx, IngestRequest{SourceType: models.SourceURL, URL: rawURL})
}

func (r *IngestRequest) normalize() error {
	r.Title = strings.TrimSpace(r.Title)
	r.URL = strings.TrimSpace(r.URL)

	if r.SourceType == "" {
		switch {
		case r.URL != "":
			r.SourceType = models.SourceURL
		case r.Filename != "":
			r.SourceType = models.SourceTypeFromFilename(r.Filename)
		default:
			r.SourceType = models.SourceText
		}
	}
	if !r.SourceType.Valid() {
		return errs.Validation("unknown source type %q", r.SourceType)
	}

	if r.SourceType == models.SourceURL {
		if r.URL == "" {
			return errs.Validation("url is required")
		}
		if r.Title == "" {
			r.Title = r.URL
		}
		return nil
	}

	if len(r.Data) == 0 && r.Text == "" {
		return errs.Validation("No content provided")
	}
	if r.Title == "" {
		r.Title = r.Filename
	}
	return nil
}

// IngestDocument runs the full pipeline for one source. The returned report
// is never nil. The error is non-nil when the report status is failed.
func (s *IngestionService) IngestDocument(ctx context.Context, req IngestRequest) (*models.IngestionReport, error) {
	start := time.Now()
	ctx, span := ingestTracer.Start(ctx, "ingestion.ingest_document")
	defer span.End()

	report := &models.IngestionReport{
		DocumentID: uuid.NewString(),
		Title:      req.Title,
		SourceType: req.SourceType,
	}
	s.transition(report, models.StateReceived)

	fail := func(err error) (*models.IngestionReport, error) {
		report.Error = err.Error()
		s.transition(report, models.StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.finish(ctx, report, start)
		return report, err
	}

	if err := req.normalize(); err != nil {
		return fail(err)
	}
	report.SourceType = req.SourceType
	span.SetAttributes(
		attribute.String("document.id", report.DocumentID),
		attribute.String("source.type", string(req.SourceType)),
	)

	s.transition(report, models.StateExtracting)
	extraction, err := s.extractor.Extract(ctx, ExtractInput{
		SourceType: req.SourceType,
		Filename:   req.Filename,
		Data:       req.Data,
		Text:       req.Text,
		URL:        req.URL,
	})
	if err != nil {
		return fail(errs.At(errs.StageExtracting, errs.KindContentExtraction, err))
	}

	report.Title = req.Title
	if report.Title == "" {
		report.Title = extraction.Title
	}
	if report.Title == "" {
		report.Title = "Untitled"
	}

	// commit point: from here on the document exists even if no chunk makes it
	doc := &models.Document{
		ID:         report.DocumentID,
		Title:      report.Title,
		SourceType: report.SourceType,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return fail(errs.At(errs.StagePersisting, errs.KindStore, err))
	}

	s.transition(report, models.StateChunking)
	texts := SplitFixed(extraction.Text, s.maxChunkSize)
	report.ChunkCount = len(texts)
	span.SetAttributes(attribute.Int("chunk.count", len(texts)))

	if len(texts) == 0 {
		s.logger.Info("document has no text, stored without chunks", "document_id", report.DocumentID)
		s.transition(report, models.StateCompleted)
		s.finish(ctx, report, start)
		return report, nil
	}

	chunks := make([]*models.Chunk, len(texts))
	outcomes := make([]models.ChunkOutcome, len(texts))
	for i, text := range texts {
		chunks[i] = &models.Chunk{
			ID:            uuid.NewString(),
			DocumentID:    report.DocumentID,
			Text:          text,
			SequenceIndex: i,
		}
		outcomes[i] = models.ChunkOutcome{
			ChunkID:       chunks[i].ID,
			SequenceIndex: i,
			Length:        len([]rune(text)),
		}
	}

	s.transition(report, models.StateEmbedding)
	s.fanOut(ctx, chunks, outcomes, s.embedChunk)

	s.transition(report, models.StatePersisting)
	s.fanOut(ctx, chunks, outcomes, s.persistChunk)

	report.Chunks = outcomes
	var firstFailure error
	for i := range outcomes {
		if outcomes[i].Succeeded {
			report.SucceededChunks++
			continue
		}
		report.FailedChunks++
		if firstFailure == nil {
			firstFailure = &errs.Error{
				Kind:  errs.Kind(outcomes[i].ErrorKind),
				Stage: errs.Stage(outcomes[i].Stage),
				Op:    fmt.Sprintf("chunk %d", outcomes[i].SequenceIndex),
				Err:   errors.New(outcomes[i].Error),
			}
		}
	}

	switch {
	case report.FailedChunks == 0:
		s.transition(report, models.StateCompleted)
	case s.requireFullSuccess || report.SucceededChunks == 0:
		// lenient mode still fails a document that kept no chunk at all
		err := &errs.Error{
			Kind:  errs.KindOf(firstFailure),
			Stage: errs.StageOf(firstFailure),
			Op:    fmt.Sprintf("%d of %d chunks failed", report.FailedChunks, report.ChunkCount),
			Err:   firstFailure,
		}
		return fail(err)
	default:
		report.Error = fmt.Sprintf("%d of %d chunks failed", report.FailedChunks, report.ChunkCount)
		s.transition(report, models.StatePartial)
	}

	s.finish(ctx, report, start)
	return report, nil
}

// fanOut runs step for every chunk on the shared pool and waits for all of
// them. Each task writes only its own outcome slot.
func (s *IngestionService) fanOut(ctx context.Context, chunks []*models.Chunk, outcomes []models.ChunkOutcome, step func(context.Context, *models.Chunk, *models.ChunkOutcome)) {
	var wg sync.WaitGroup
	for i := range chunks {
		if outcomes[i].Error != "" {
			continue
		}
		chunk, outcome := chunks[i], &outcomes[i]
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			step(ctx, chunk, outcome)
		})
		if err != nil {
			wg.Done()
			recordFailure(outcome, errs.StageUnknown, errs.KindUnknown, fmt.Errorf("scheduling chunk: %w", err))
		}
	}
	wg.Wait()
}

func (s *IngestionService) embedChunk(ctx context.Context, chunk *models.Chunk, outcome *models.ChunkOutcome) {
	err := s.withRetry(ctx, outcome, func() error {
		vec, err := s.embedder.Embed(ctx, chunk.Text)
		if err != nil {
			return err
		}
		chunk.Embedding = vec
		return nil
	})
	if err != nil {
		recordFailure(outcome, errs.StageEmbedding, errs.KindEmbedding, err)
	}
}

// persistChunk upserts the vector first, then inserts the store record. Any
// failure deletes the point again, since a failed or timed-out upsert may
// still have been applied by the backend.
func (s *IngestionService) persistChunk(ctx context.Context, chunk *models.Chunk, outcome *models.ChunkOutcome) {
	point := vectorindex.Point{
		ID:     chunk.ID,
		Vector: chunk.Embedding,
		Payload: vectorindex.Payload{
			DocumentID:    chunk.DocumentID,
			Text:          chunk.Text,
			SequenceIndex: chunk.SequenceIndex,
		},
	}
	err := s.withRetry(ctx, outcome, func() error {
		return s.index.Upsert(ctx, s.collection, []vectorindex.Point{point})
	})
	if err != nil {
		recordFailure(outcome, errs.StagePersisting, errs.KindIndex, err)
		s.removePoint(ctx, chunk, outcome, err)
		return
	}

	chunk.CreatedAt = time.Now().UTC()
	err = s.withRetry(ctx, outcome, func() error {
		return s.store.InsertChunk(ctx, chunk)
	})
	if err != nil {
		recordFailure(outcome, errs.StagePersisting, errs.KindStore, err)
		s.removePoint(ctx, chunk, outcome, err)
		return
	}
	outcome.Succeeded = true
}

// removePoint deletes the chunk's point so the index never holds a chunk the
// store lacks. Missing ids are a no-op for every backend.
func (s *IngestionService) removePoint(ctx context.Context, chunk *models.Chunk, outcome *models.ChunkOutcome, cause error) {
	// compensation must run even when ctx is what failed the write
	cctx, cancel := utils.Detached(ctx)
	defer cancel()
	if err := s.index.Delete(cctx, s.collection, []string{chunk.ID}); err != nil {
		outcome.OrphanedPoint = true
		s.logger.Error("failed to remove vector point after failed write",
			"chunk_id", chunk.ID,
			"document_id", chunk.DocumentID,
			"write_error", cause,
			"error", err)
	}
}

// withRetry runs op once plus up to maxRetries more times. Validation
// errors and cancellation are returned immediately.
func (s *IngestionService) withRetry(ctx context.Context, outcome *models.ChunkOutcome, op func() error) error {
	backoff := s.retryBackoff
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome.Attempts++
		err := op()
		if err == nil {
			return nil
		}
		if attempt >= s.maxRetries || !retryable(ctx, err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errs.KindOf(err) != errs.KindValidation
}

func recordFailure(outcome *models.ChunkOutcome, stage errs.Stage, kind errs.Kind, err error) {
	err = errs.At(stage, kind, err)
	outcome.Succeeded = false
	outcome.Stage = string(errs.StageOf(err))
	outcome.ErrorKind = string(errs.KindOf(err))
	outcome.Error = err.Error()
}

func (s *IngestionService) transition(report *models.IngestionReport, state models.IngestionState) {
	report.Status = state
	s.logger.Debug("ingestion state", "document_id", report.DocumentID, "state", state)
	if s.observer != nil {
		s.observer(report.DocumentID, state)
	}
}

func (s *IngestionService) finish(ctx context.Context, report *models.IngestionReport, start time.Time) {
	duration := time.Since(start)
	s.metrics.RecordIngestion(ctx, string(report.SourceType), string(report.Status),
		report.SucceededChunks, report.FailedChunks, duration.Seconds())

	attrs := []any{
		"document_id", report.DocumentID,
		"source_type", report.SourceType,
		"status", report.Status,
		"chunks", report.ChunkCount,
		"failed_chunks", report.FailedChunks,
		"duration", duration,
	}
	switch report.Status {
	case models.StateFailed:
		s.logger.Error("ingestion failed", append(attrs, "error", report.Error)...)
	case models.StatePartial:
		s.logger.Warn("ingestion partially succeeded", attrs...)
	default:
		s.logger.Info("ingestion completed", attrs...)
	}
}
