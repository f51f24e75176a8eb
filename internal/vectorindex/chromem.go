package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"kb-rag-service/internal/errs"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var errNoEmbeddingFunc = errors.New("chromem collections only accept precomputed embeddings")

// ChromemIndex is an embedded Index. chromem-go normalizes every vector, so
// only cosine similarity is supported.
type ChromemIndex struct {
	db     *chromem.DB
	logger *slog.Logger

	mu          sync.Mutex
	dimensions  map[string]int
	collections map[string]*chromem.Collection
}

// NewChromemIndex opens a chromem database. An empty path keeps everything in memory.
func NewChromemIndex(path string, logger *slog.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, errs.At(errs.StageSetup, errs.KindIndex, errs.Index("open chromem db", err))
		}
	}
	return &ChromemIndex{
		db:          db,
		logger:      logger.With("component", "chromem", "path", path),
		dimensions:  make(map[string]int),
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

func (c *ChromemIndex) Close() error { return nil }

func (c *ChromemIndex) Health(context.Context) error { return nil }

func (c *ChromemIndex) EnsureCollection(ctx context.Context, name string, dimension int, distance string) error {
	_, span := tracer.Start(ctx, "ChromemIndex.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("vector_size", dimension))

	if err := ValidateCollectionName(name); err != nil {
		return errs.Index("ensure collection", err)
	}
	d, err := normalizeDistance(distance)
	if err != nil {
		return errs.Index("ensure collection", err)
	}
	if d != DistanceCosine {
		return errs.Index("ensure collection", fmt.Errorf("%w: chromem supports cosine only, got %s", ErrUnsupportedDistance, d))
	}
	if dimension <= 0 {
		return errs.Index("ensure collection", fmt.Errorf("dimension must be positive, got %d", dimension))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if known, ok := c.dimensions[name]; ok && known != dimension {
		return errs.Index("ensure collection", fmt.Errorf("%w: collection %s has %d dimensions, want %d", ErrDimensionMismatch, name, known, dimension))
	}

	col, err := c.db.GetOrCreateCollection(name, map[string]string{"dimension": strconv.Itoa(dimension)}, noEmbedding)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errs.Index("ensure collection "+name, err)
	}

	c.dimensions[name] = dimension
	c.collections[name] = col
	c.logger.Debug("collection ready", "collection", name, "dimension", dimension, "documents", col.Count())
	return nil
}

func (c *ChromemIndex) collection(name string) (*chromem.Collection, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[name]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return col, c.dimensions[name], nil
}

func (c *ChromemIndex) Upsert(ctx context.Context, collection string, points []Point) error {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("points", len(points)))

	if len(points) == 0 {
		return nil
	}
	col, dim, err := c.collection(collection)
	if err != nil {
		return errs.Index("upsert", err)
	}
	if err := validatePoints(points, dim); err != nil {
		return errs.Index("upsert", err)
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		docs[i] = chromem.Document{
			ID:        p.ID,
			Content:   p.Payload.Text,
			Embedding: vec,
			Metadata: map[string]string{
				payloadDocumentID: p.Payload.DocumentID,
				payloadSequence:   strconv.Itoa(p.Payload.SequenceIndex),
			},
		}
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errs.Index("upsert into "+collection, err)
	}
	return nil
}

func (c *ChromemIndex) Search(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredPoint, error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("k", topK))

	if topK <= 0 {
		return nil, errs.Index("search", fmt.Errorf("topK must be positive, got %d", topK))
	}
	col, dim, err := c.collection(collection)
	if err != nil {
		return nil, errs.Index("search", err)
	}
	if len(vector) != dim {
		return nil, errs.Index("search", fmt.Errorf("%w: query has %d dimensions, collection has %d", ErrDimensionMismatch, len(vector), dim))
	}

	results, err := queryClamped(ctx, col, vector, topK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, errs.Index("search "+collection, err)
	}

	hits := make([]ScoredPoint, len(results))
	for i, r := range results {
		seq, _ := strconv.Atoi(r.Metadata[payloadSequence])
		hits[i] = ScoredPoint{
			ID:    r.ID,
			Score: r.Similarity,
			Payload: Payload{
				DocumentID:    r.Metadata[payloadDocumentID],
				Text:          r.Content,
				SequenceIndex: seq,
			},
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

func (c *ChromemIndex) Delete(ctx context.Context, collection string, ids []string) error {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Delete")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}
	col, _, err := c.collection(collection)
	if err != nil {
		return errs.Index("delete", err)
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		span.RecordError(err)
		return errs.Index("delete from "+collection, err)
	}
	return nil
}

// queryClamped caps nResults at the document count, which chromem requires.
// The count is read outside chromem's lock, so a concurrent delete can shrink
// the collection before the query runs; the query is then retried with the
// smaller count. n strictly decreases, so the loop ends.
func queryClamped(ctx context.Context, col *chromem.Collection, vector []float32, topK int) ([]chromem.Result, error) {
	query := make([]float32, len(vector))
	copy(query, vector)

	for {
		n := min(topK, col.Count())
		if n == 0 {
			return []chromem.Result{}, nil
		}
		results, err := col.QueryEmbedding(ctx, query, n, nil, nil)
		if err == nil {
			return results, nil
		}
		if col.Count() >= n {
			return nil, err
		}
	}
}
