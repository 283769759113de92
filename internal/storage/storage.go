// Package storage defines persistence for index chunks and the query analytics log.
package storage

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/hyperjump/policydesk/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ChunkStore persists the chunks of one index artifact and its build metadata.
type ChunkStore interface {
	BatchCreateChunks(ctx context.Context, chunks []*models.Chunk) error
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)
	ListChunks(ctx context.Context) ([]*models.Chunk, error)
	CountChunks(ctx context.Context) (int64, error)

	PutMeta(ctx context.Context, meta *IndexMeta) error
	GetMeta(ctx context.Context) (*IndexMeta, error)

	Close() error
}

// AnalyticsStore is the append-only query log.
type AnalyticsStore interface {
	// Append writes record, assigning its ID and, when zero, its Timestamp.
	Append(ctx context.Context, record *models.QueryRecord) error
	// Aggregate recomputes dashboard statistics from the full log.
	Aggregate(ctx context.Context) (*models.AggregateStats, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// IndexMeta describes how an index artifact was built.
type IndexMeta struct {
	Embedder     string    `json:"embedder"`
	Dimensions   int       `json:"dimensions"`
	Documents    int       `json:"documents"`
	ChunkCount   int64     `json:"chunk_count"`
	ChunkSize    int       `json:"chunk_size"`
	ChunkOverlap int       `json:"chunk_overlap"`
	BuiltAt      time.Time `json:"built_at"`
}

// Index artifact layout: the index directory holds generation directories, each with
// a chunk database and a vector file, and a CURRENT file naming the live generation.
const (
	ChunksFile       = "chunks.db"
	VectorsFile      = "vectors.idx"
	CurrentFile      = "CURRENT"
	GenerationPrefix = "gen-"
)

// ArtifactPaths returns the chunk database and vector file paths inside a generation directory.
func ArtifactPaths(genDir string) (chunksDB, vectors string) {
	return filepath.Join(genDir, ChunksFile), filepath.Join(genDir, VectorsFile)
}
