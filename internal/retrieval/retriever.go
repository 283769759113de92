// Package retrieval loads the index artifact and answers similarity searches over it.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/policydesk/internal/embedding"
	"github.com/hyperjump/policydesk/internal/models"
	"github.com/hyperjump/policydesk/internal/storage"
	"github.com/hyperjump/policydesk/internal/vector"
)

// ErrIndexNotInitialized is returned when no index artifact has been built yet.
var ErrIndexNotInitialized = errors.New("index not initialized")

// ErrEmbedderMismatch is returned when the index was built by a different embedder
// than the one available to answer queries.
var ErrEmbedderMismatch = errors.New("rebuild the index with the current embedding model")

// Searcher returns the chunks most similar to a piece of text.
type Searcher interface {
	Search(ctx context.Context, text string, k int) ([]models.RetrievedMatch, error)
}

// Retriever searches a loaded index. It never mutates the index.
type Retriever struct {
	store    storage.ChunkStore
	index    vector.VectorIndex
	embedder embedding.Embedder
}

// NewRetriever returns a retriever over the given chunk store and vector index.
// The retriever owns all three and releases them in Close.
func NewRetriever(store storage.ChunkStore, index vector.VectorIndex, embedder embedding.Embedder) *Retriever {
	return &Retriever{store: store, index: index, embedder: embedder}
}

// Search embeds text and returns min(k, Size()) matches, most similar first.
// Ranks are 1-based. k <= 0 returns no matches.
func (r *Retriever) Search(ctx context.Context, text string, k int) ([]models.RetrievedMatch, error) {
	if k <= 0 {
		return []models.RetrievedMatch{}, nil
	}
	queryEmbedding, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.index.Search(ctx, queryEmbedding, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	matches := make([]models.RetrievedMatch, 0, len(hits))
	for i, hit := range hits {
		chunk, err := r.store.GetChunk(ctx, hit.ID)
		if err != nil {
			return nil, fmt.Errorf("load chunk %s: %w", hit.ID, err)
		}
		matches = append(matches, models.RetrievedMatch{
			Chunk: chunk,
			Rank:  i + 1,
			Score: hit.Score,
		})
	}
	return matches, nil
}

// Size returns the number of indexed chunks.
func (r *Retriever) Size() int {
	return r.index.Size()
}

// Close releases the chunk store, vector index and embedder.
func (r *Retriever) Close() error {
	return errors.Join(r.store.Close(), r.index.Close(), r.embedder.Close())
}
