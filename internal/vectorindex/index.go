// Package vectorindex stores chunk vectors with a copy of their text and
// answers nearest-neighbour queries. Qdrant is the production backend;
// chromem-go provides an embedded backend for local runs and tests.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Distance metrics accepted by EnsureCollection
const (
	DistanceCosine = "cosine"
	DistanceDot    = "dot"
	DistanceEuclid = "euclid"
)

var (
	ErrInvalidCollectionName = errors.New("invalid collection name")
	ErrCollectionNotFound    = errors.New("collection not found")
	ErrDimensionMismatch     = errors.New("vector dimension mismatch")
	ErrUnsupportedDistance   = errors.New("unsupported distance metric")
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Payload is the copy of chunk data stored next to each vector so retrieval
// never needs the document store.
type Payload struct {
	DocumentID    string
	Text          string
	SequenceIndex int
}

// Point is one vector keyed by its chunk id
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// ScoredPoint is a search hit. Higher Score means more similar.
type ScoredPoint struct {
	ID      string
	Score   float32
	Payload Payload
}

// Index is a vector store holding named collections.
type Index interface {
	// EnsureCollection creates the collection if absent. An existing
	// collection is left untouched; a dimension mismatch is an error,
	// never a reason to recreate it.
	EnsureCollection(ctx context.Context, name string, dimension int, distance string) error
	// Upsert inserts or overwrites points. The batch is visible as a whole.
	Upsert(ctx context.Context, collection string, points []Point) error
	// Search returns at most topK points ordered by descending score.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]ScoredPoint, error)
	// Delete removes points by id. Missing ids are ignored.
	Delete(ctx context.Context, collection string, ids []string) error
	Health(ctx context.Context) error
	Close() error
}

// ValidateCollectionName accepts lowercase letters, digits and underscores, 1-64 characters
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

func normalizeDistance(distance string) (string, error) {
	switch d := strings.ToLower(strings.TrimSpace(distance)); d {
	case "", DistanceCosine:
		return DistanceCosine, nil
	case DistanceDot, DistanceEuclid:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDistance, distance)
	}
}

func validatePoints(points []Point, dimension int) error {
	for i, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point %d has no id", i)
		}
		if dimension > 0 && len(p.Vector) != dimension {
			return fmt.Errorf("%w: point %s has %d dimensions, collection has %d", ErrDimensionMismatch, p.ID, len(p.Vector), dimension)
		}
	}
	return nil
}
