package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"kb-rag-service/internal/errs"
	"kb-rag-service/models"
)

// MemoryStore is an in-process DocumentStore used in tests and when no
// MongoDB URI is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]models.Document
	chunks    map[string]models.Chunk
	order     []string // chunk ids in insertion order

	// InsertChunkHook, if set, runs before each chunk insert; a non-nil
	// return fails the insert.
	InsertChunkHook func(chunk *models.Chunk) error
	// InsertDocumentHook is the document counterpart of InsertChunkHook.
	InsertDocumentHook func(doc *models.Document) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]models.Document),
		chunks:    make(map[string]models.Chunk),
	}
}

func (m *MemoryStore) InsertDocument(ctx context.Context, doc *models.Document) error {
	if err := ctx.Err(); err != nil {
		return errs.Store("insert document", err)
	}
	if m.InsertDocumentHook != nil {
		if err := m.InsertDocumentHook(doc); err != nil {
			return errs.Store("insert document", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.documents[doc.ID]; exists {
		return errs.Store("insert document", fmt.Errorf("%w: document %s", ErrDuplicate, doc.ID))
	}
	m.documents[doc.ID] = *doc
	return nil
}

func (m *MemoryStore) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	if err := ctx.Err(); err != nil {
		return errs.Store("insert chunk", err)
	}
	if m.InsertChunkHook != nil {
		if err := m.InsertChunkHook(chunk); err != nil {
			return errs.Store("insert chunk", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.chunks[chunk.ID]; exists {
		return errs.Store("insert chunk", fmt.Errorf("%w: chunk %s", ErrDuplicate, chunk.ID))
	}
	c := *chunk
	c.Embedding = append([]float32(nil), chunk.Embedding...)
	m.chunks[c.ID] = c
	m.order = append(m.order, c.ID)
	return nil
}

func (m *MemoryStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, errs.Store("get document", fmt.Errorf("%w: document %s", ErrNotFound, id))
	}
	return &doc, nil
}

func (m *MemoryStore) ListChunks(_ context.Context, documentID string) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chunks := []models.Chunk{}
	for _, id := range m.order {
		if c := m.chunks[id]; c.DocumentID == documentID {
			chunks = append(chunks, c)
		}
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].SequenceIndex < chunks[j].SequenceIndex
	})
	return chunks, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// DocumentCount returns the number of stored documents
func (m *MemoryStore) DocumentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.documents)
}

// ChunkCount returns the number of stored chunks across all documents
func (m *MemoryStore) ChunkCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}
