package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"kb-rag-service/internal/ai"
	"kb-rag-service/internal/errs"
	"kb-rag-service/internal/telemetry"
	"kb-rag-service/internal/vectorindex"
	"kb-rag-service/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContextSeparator joins retrieved chunk texts into the context block
const ContextSeparator = "\n\n"

var retrievalTracer = otel.Tracer("kb-rag-service/retrieval")

// QueryRequest is one retrieval request. TopK 0 means the configured default.
type QueryRequest struct {
	Message    string
	TopK       int
	Synthesize bool
}

// RetrievalService embeds a query, searches the vector index and optionally
// asks the synthesizer for an answer grounded in the hits.
type RetrievalService struct {
	embedder    ai.Embedder
	index       vectorindex.Index
	collection  string
	synthesizer ai.Synthesizer
	defaultTopK int
	maxTopK     int
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

type RetrievalOption func(*RetrievalService)

// WithSynthesizer enables answer synthesis. Pass a nil interface, not a
// typed nil pointer, to leave it disabled.
func WithSynthesizer(s ai.Synthesizer) RetrievalOption {
	return func(r *RetrievalService) { r.synthesizer = s }
}

// WithTopK sets the default and the maximum number of hits per query
func WithTopK(defaultTopK, maxTopK int) RetrievalOption {
	return func(r *RetrievalService) {
		r.defaultTopK = defaultTopK
		r.maxTopK = maxTopK
	}
}

func WithRetrievalMetrics(m *telemetry.Metrics) RetrievalOption {
	return func(r *RetrievalService) { r.metrics = m }
}

func WithRetrievalLogger(l *slog.Logger) RetrievalOption {
	return func(r *RetrievalService) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRetrievalService(embedder ai.Embedder, index vectorindex.Index, collection string, opts ...RetrievalOption) (*RetrievalService, error) {
	if embedder == nil || index == nil {
		return nil, errors.New("retrieval service requires an embedder and an index")
	}
	if err := vectorindex.ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	r := &RetrievalService{
		embedder:    embedder,
		index:       index,
		collection:  collection,
		defaultTopK: 5,
		maxTopK:     50,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.defaultTopK < 1 || r.maxTopK < r.defaultTopK {
		return nil, fmt.Errorf("invalid top-k bounds: default %d, max %d", r.defaultTopK, r.maxTopK)
	}
	r.logger = r.logger.With("component", "retrieval")
	return r, nil
}

// Query runs the retrieval pipeline. A blank message is rejected before any
// embedding call. Synthesis failures never fail the query.
func (r *RetrievalService) Query(ctx context.Context, req QueryRequest) (*models.QueryResult, error) {
	start := time.Now()
	ctx, span := retrievalTracer.Start(ctx, "retrieval.query")
	defer span.End()

	result, err := r.query(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordQuery(ctx, 0, false, time.Since(start).Seconds())
		r.logger.Warn("query failed", "stage", errs.StageOf(err), "kind", errs.KindOf(err), "error", err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("retrieval.results", len(result.Matches)),
		attribute.String("retrieval.answer_status", string(result.AnswerStatus)),
	)
	r.metrics.RecordQuery(ctx, len(result.Matches), true, time.Since(start).Seconds())
	r.logger.Info("query served",
		"results", len(result.Matches),
		"answer_status", result.AnswerStatus,
		"duration", time.Since(start))
	return result, nil
}

func (r *RetrievalService) query(ctx context.Context, req QueryRequest) (*models.QueryResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, errs.Validation("query message must not be empty")
	}
	topK := req.TopK
	if topK == 0 {
		topK = r.defaultTopK
	}
	if topK < 1 || topK > r.maxTopK {
		return nil, errs.Validation("top_k must be between 1 and %d, got %d", r.maxTopK, req.TopK)
	}

	vector, err := r.embedder.Embed(ctx, req.Message)
	if err != nil {
		return nil, errs.At(errs.StageEmbedding, errs.KindEmbedding, err)
	}

	hits, err := r.index.Search(ctx, r.collection, vector, topK)
	if err != nil {
		return nil, errs.At(errs.StageSearching, errs.KindIndex, err)
	}

	result := &models.QueryResult{
		Query:           req.Message,
		RetrievedChunks: make([]string, 0, len(hits)),
		Matches:         make([]models.RetrievedChunk, 0, len(hits)),
	}
	for _, h := range hits {
		result.RetrievedChunks = append(result.RetrievedChunks, h.Payload.Text)
		result.Matches = append(result.Matches, models.RetrievedChunk{
			ChunkID:       h.ID,
			DocumentID:    h.Payload.DocumentID,
			Text:          h.Payload.Text,
			SequenceIndex: h.Payload.SequenceIndex,
			Score:         h.Score,
		})
	}
	result.Context = strings.Join(result.RetrievedChunks, ContextSeparator)

	r.synthesize(ctx, req, result)
	return result, nil
}

func (r *RetrievalService) synthesize(ctx context.Context, req QueryRequest, result *models.QueryResult) {
	switch {
	case !req.Synthesize:
		result.AnswerStatus = models.AnswerSkipped
		return
	case len(result.Matches) == 0:
		result.Answer = ai.NoInformationReply
		result.AnswerStatus = models.AnswerNoContext
	case r.synthesizer == nil:
		result.AnswerStatus = models.AnswerUnavailable
	default:
		answer, err := r.synthesizer.Synthesize(ctx, req.Message, result.Context)
		if err != nil {
			r.logger.Warn("synthesis failed, returning chunks only", "error", err)
			result.AnswerStatus = models.AnswerFailed
			result.SynthesisError = errs.At(errs.StageSynthesis, errs.KindUnknown, err).Error()
		} else {
			result.Answer = answer
			result.AnswerStatus = models.AnswerGenerated
		}
	}
	r.metrics.RecordSynthesis(ctx, string(result.AnswerStatus))
}
