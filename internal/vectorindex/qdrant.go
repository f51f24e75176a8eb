package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kb-rag-service/internal/errs"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var tracer = otel.Tracer("kb-rag-service/vectorindex")

const (
	payloadDocumentID = "doc_id"
	payloadText       = "text"
	payloadSequence   = "sequence_index"
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	Host   string
	Port   int // gRPC port, not the 6333 REST port
	APIKey string
	UseTLS bool

	// MaxRetries applies to transient gRPC failures only. Default: 3
	MaxRetries int
	// RetryBackoff doubles after each attempt. Default: 500ms
	RetryBackoff time.Duration
	// MaxMessageSize bounds gRPC messages. Default: 50MB
	MaxMessageSize int
}

func (c *QdrantConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// QdrantIndex is an Index backed by Qdrant's native gRPC client.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	logger *slog.Logger

	// collections that are known to exist, with their dimension
	collections sync.Map
}

// NewQdrantIndex connects to Qdrant and performs a health check.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	cfg.applyDefaults()
	if cfg.Host == "" {
		return nil, errs.At(errs.StageSetup, errs.KindIndex, errs.Index("connect", fmt.Errorf("qdrant host required")))
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "qdrant", "host", cfg.Host, "port", cfg.Port)

	if !cfg.UseTLS {
		logger.Warn("Qdrant gRPC using plaintext (TLS disabled)")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, errs.At(errs.StageSetup, errs.KindIndex, errs.Index("connect", err))
	}

	idx := &QdrantIndex{client: client, config: cfg, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := idx.Health(hctx); err != nil {
		_ = client.Close()
		return nil, errs.At(errs.StageSetup, errs.KindIndex, err)
	}
	return idx, nil
}

func (q *QdrantIndex) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

func (q *QdrantIndex) Health(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Health")
	defer span.End()

	if _, err := q.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errs.Index("health check", err)
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// isTransient reports whether a gRPC error is worth retrying
func isTransient(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	}
	return false
}

// retry runs op with exponential backoff while it fails transiently
func (q *QdrantIndex) retry(ctx context.Context, name string, op func() error) error {
	backoff := q.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		if attempt == q.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", name, q.config.MaxRetries, err)
		}
		q.logger.Warn("transient qdrant error, retrying", "op", name, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func qdrantDistance(distance string) (qdrant.Distance, error) {
	d, err := normalizeDistance(distance)
	if err != nil {
		return 0, err
	}
	switch d {
	case DistanceDot:
		return qdrant.Distance_Dot, nil
	case DistanceEuclid:
		return qdrant.Distance_Euclid, nil
	default:
		return qdrant.Distance_Cosine, nil
	}
}

func (q *QdrantIndex) EnsureCollection(ctx context.Context, name string, dimension int, distance string) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("vector_size", dimension))

	if err := ValidateCollectionName(name); err != nil {
		return errs.Index("ensure collection", err)
	}
	dist, err := qdrantDistance(distance)
	if err != nil {
		return errs.Index("ensure collection", err)
	}

	var existing *qdrant.CollectionInfo
	err = q.retry(ctx, "get_collection", func() error {
		info, err := q.client.GetCollectionInfo(ctx, name)
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
				existing = nil
				return nil
			}
			return err
		}
		existing = info
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errs.Index("ensure collection "+name, err)
	}

	if existing != nil {
		size := int(existing.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
		if size != 0 && size != dimension {
			err := fmt.Errorf("%w: collection %s has %d dimensions, want %d", ErrDimensionMismatch, name, size, dimension)
			span.RecordError(err)
			return errs.Index("ensure collection", err)
		}
		q.collections.Store(name, dimension)
		span.SetAttributes(attribute.Bool("created", false))
		return nil
	}

	err = q.retry(ctx, "create_collection", func() error {
		err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: dist,
			}),
		})
		// lost a race with another process creating it
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.AlreadyExists {
			return nil
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errs.Index("create collection "+name, err)
	}

	q.collections.Store(name, dimension)
	q.logger.Info("created vector collection", "collection", name, "dimension", dimension, "distance", distance)
	span.SetAttributes(attribute.Bool("created", true))
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, collection string, points []Point) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("points", len(points)))

	if len(points) == 0 {
		return nil
	}
	dimension, _ := q.collections.Load(collection)
	dim, _ := dimension.(int)
	if err := validatePoints(points, dim); err != nil {
		return errs.Index("upsert", err)
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		if _, err := uuid.Parse(p.ID); err != nil {
			return errs.Index("upsert", fmt.Errorf("point id %q is not a UUID", p.ID))
		}
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: map[string]*qdrant.Value{
				payloadDocumentID: {Kind: &qdrant.Value_StringValue{StringValue: p.Payload.DocumentID}},
				payloadText:       {Kind: &qdrant.Value_StringValue{StringValue: p.Payload.Text}},
				payloadSequence:   {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(p.Payload.SequenceIndex)}},
			},
		}
	}

	err := q.retry(ctx, "upsert", func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qpoints,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errs.Index("upsert into "+collection, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredPoint, error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("k", topK))

	if topK <= 0 {
		return nil, errs.Index("search", fmt.Errorf("topK must be positive, got %d", topK))
	}

	var results []*qdrant.ScoredPoint
	err := q.retry(ctx, "search", func() error {
		res, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			err = fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
		}
		return nil, errs.Index("search "+collection, err)
	}

	hits := make([]ScoredPoint, 0, len(results))
	for _, r := range results {
		hit := ScoredPoint{ID: r.GetId().GetUuid(), Score: r.GetScore()}
		for k, v := range r.GetPayload() {
			switch k {
			case payloadDocumentID:
				hit.Payload.DocumentID = v.GetStringValue()
			case payloadText:
				hit.Payload.Text = v.GetStringValue()
			case payloadSequence:
				hit.Payload.SequenceIndex = int(v.GetIntegerValue())
			}
		}
		hits = append(hits, hit)
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

func (q *QdrantIndex) Delete(ctx context.Context, collection string, ids []string) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("id_count", len(ids)))

	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}

	err := q.retry(ctx, "delete", func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: pointIDs},
				},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errs.Index("delete from "+collection, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}
