// Package vector provides vector index and similarity search.
package vector

import (
	"context"
	"errors"
)

// ErrIndexFileNotFound is returned by Load when the index file does not exist.
var ErrIndexFileNotFound = errors.New("vector index file not found")

// VectorIndex defines vector storage and similarity search.
type VectorIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Save(path string) error
	Load(path string) error
	Dimensions() int
	Size() int
	Close() error
}

// VectorResult is a single vector search hit (ID is the chunk ID).
type VectorResult struct {
	ID    string
	Score float64 // Inner product (cosine similarity for normalized vectors)
}
