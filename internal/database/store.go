// Package database holds the append-only document store: document metadata
// and chunk records, written once by the ingestion pipeline and never updated.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kb-rag-service/internal/errs"
	"kb-rag-service/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

var tracer = otel.Tracer("kb-rag-service/database")

// DocumentStore is append-only: records are inserted once and never mutated.
type DocumentStore interface {
	InsertDocument(ctx context.Context, doc *models.Document) error
	InsertChunk(ctx context.Context, chunk *models.Chunk) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	// ListChunks returns a document's chunks ordered by sequence index
	ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error)
	Ping(ctx context.Context) error
}

// MongoStore keeps documents and chunks in two MongoDB collections
type MongoStore struct {
	client    *mongo.Client
	documents *mongo.Collection
	chunks    *mongo.Collection
}

func NewMongoStore(client *mongo.Client, dbName, documentsCollection, chunksCollection string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		client:    client,
		documents: db.Collection(documentsCollection),
		chunks:    db.Collection(chunksCollection),
	}
}

// EnsureIndexes creates the unique id indexes and the chunk ordering index.
// Safe to call repeatedly.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.documents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "doc_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return errs.At(errs.StageSetup, errs.KindStore, errs.Store("create document indexes", err))
	}

	_, err = s.chunks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "chunk_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "doc_id", Value: 1}, {Key: "sequence_index", Value: 1}}},
	})
	if err != nil {
		return errs.At(errs.StageSetup, errs.KindStore, errs.Store("create chunk indexes", err))
	}
	return nil
}

func (s *MongoStore) InsertDocument(ctx context.Context, doc *models.Document) error {
	ctx, span := tracer.Start(ctx, "MongoStore.InsertDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", doc.ID))

	if _, err := s.documents.InsertOne(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errs.Store("insert document", wrapWriteError(err))
	}
	return nil
}

func (s *MongoStore) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	ctx, span := tracer.Start(ctx, "MongoStore.InsertChunk")
	defer span.End()
	span.SetAttributes(
		attribute.String("chunk.id", chunk.ID),
		attribute.Int("chunk.sequence_index", chunk.SequenceIndex),
	)

	if _, err := s.chunks.InsertOne(ctx, chunk); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errs.Store("insert chunk", wrapWriteError(err))
	}
	return nil
}

func (s *MongoStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	err := s.documents.FindOne(ctx, bson.M{"doc_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.Store("get document", fmt.Errorf("%w: document %s", ErrNotFound, id))
	}
	if err != nil {
		return nil, errs.Store("get document", err)
	}
	return &doc, nil
}

func (s *MongoStore) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "sequence_index", Value: 1}}).
		SetProjection(bson.M{"embedding": 0})

	cursor, err := s.chunks.Find(ctx, bson.M{"doc_id": documentID}, opts)
	if err != nil {
		return nil, errs.Store("list chunks", err)
	}
	defer cursor.Close(ctx)

	chunks := []models.Chunk{}
	if err := cursor.All(ctx, &chunks); err != nil {
		return nil, errs.Store("list chunks", err)
	}
	return chunks, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return errs.Store("ping", err)
	}
	return nil
}

func wrapWriteError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}
